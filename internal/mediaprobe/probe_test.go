package mediaprobe

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
)

func TestParseICEServers(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []webrtc.ICEServer
	}{
		{"nil falls back", nil, defaultICE},
		{"blank entries fall back", []string{"", ""}, defaultICE},
		{"one url per server", []string{"stun:a:3478", "", "turn:b:3478"}, []webrtc.ICEServer{
			{URLs: []string{"stun:a:3478"}},
			{URLs: []string{"turn:b:3478"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseICEServers(tt.in))
		})
	}
}

func TestICEHandlingWithoutPublisherIsNoop(t *testing.T) {
	p := NewProbe(nil, nil, nil)
	assert.NoError(t, p.HandlePublisherICE("kitchen-1", webrtc.ICECandidateInit{Candidate: "candidate:1"}))
	p.ClosePublisher("kitchen-1")
	p.Close()
}
