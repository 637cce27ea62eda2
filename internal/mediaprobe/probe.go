// Package mediaprobe terminates a broadcaster's WebRTC publish just far enough to
// tell the lifecycle when media starts flowing and when the transport drops.
package mediaprobe

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RTP buffer size (MTU-friendly). Used with sync.Pool to avoid per-packet allocs.
const rtpBufferSize = 1500

const signalTimeout = 5 * time.Second

var rtpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtpBufferSize)
		return &b
	},
}

// Signals receives transport events for a channel.
type Signals interface {
	HandleFirstFrame(ctx context.Context, channelID string) (uuid.UUID, error)
	HandleTransportLost(ctx context.Context, channelID string) (uuid.UUID, error)
}

// Probe holds one publisher peer connection per channel.
type Probe struct {
	mu         sync.Mutex
	publishers map[string]*publisher
	signals    Signals
	cfg        webrtc.Configuration
	log        *zap.Logger
}

type publisher struct {
	channelID  string
	pc         *webrtc.PeerConnection
	firstFrame sync.Once
	mu         sync.Mutex
	lost       bool
}

// NewProbe creates a probe with the given ICE (STUN/TURN) URLs.
func NewProbe(log *zap.Logger, iceURLs []string, signals Signals) *Probe {
	if log == nil {
		log = zap.NewNop()
	}
	return &Probe{
		publishers: make(map[string]*publisher),
		signals:    signals,
		cfg:        webrtc.Configuration{ICEServers: parseICEServers(iceURLs)},
		log:        log,
	}
}

// HandlePublisherOffer accepts a publisher SDP offer for channelID and sends back the answer.
// A new offer replaces the channel's previous connection.
func (p *Probe) HandlePublisherOffer(channelID string, sdp webrtc.SessionDescription, sendToClient func(event string, payload interface{})) error {
	p.ClosePublisher(channelID)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(p.cfg)
	if err != nil {
		return err
	}
	pub := &publisher{channelID: channelID, pc: pc}
	log := p.log.With(zap.String("channel_id", channelID))

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, _ := json.Marshal(c.ToJSON())
		sendToClient("webrtc_ice", map[string]interface{}{"target": "publisher", "candidate": json.RawMessage(b)})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debug("publisher track", zap.String("kind", track.Kind().String()), zap.String("codec", track.Codec().MimeType))
		go p.drain(pub, track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("publisher connection state", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.recovered(pub)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.transportLost(pub)
		}
	})

	if err := pc.SetRemoteDescription(sdp); err != nil {
		_ = pc.Close()
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return err
	}

	p.mu.Lock()
	p.publishers[channelID] = pub
	p.mu.Unlock()

	sendToClient("webrtc_publisher_answer", map[string]interface{}{
		"type": answer.Type.String(),
		"sdp":  answer.SDP,
	})
	return nil
}

// drain reads and discards RTP. The first packet is the first-frame signal.
func (p *Probe) drain(pub *publisher, track *webrtc.TrackRemote) {
	for {
		ptr := rtpBufferPool.Get().(*[]byte)
		_, _, err := track.Read(*ptr)
		rtpBufferPool.Put(ptr)
		if err != nil {
			return
		}
		pub.firstFrame.Do(func() { p.signalFirstFrame(pub) })
	}
}

func (p *Probe) current(pub *publisher) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publishers[pub.channelID] == pub
}

func (p *Probe) signalFirstFrame(pub *publisher) {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	id, err := p.signals.HandleFirstFrame(ctx, pub.channelID)
	if err != nil {
		p.log.Warn("first frame signal failed", zap.String("channel_id", pub.channelID), zap.Error(err))
		return
	}
	p.log.Info("first frame", zap.String("channel_id", pub.channelID), zap.String("session_id", id.String()))
}

func (p *Probe) transportLost(pub *publisher) {
	if !p.current(pub) {
		return
	}
	pub.mu.Lock()
	already := pub.lost
	pub.lost = true
	pub.mu.Unlock()
	if already {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if _, err := p.signals.HandleTransportLost(ctx, pub.channelID); err != nil {
		p.log.Warn("transport lost signal failed", zap.String("channel_id", pub.channelID), zap.Error(err))
	}
}

// recovered reports a reconnect after a loss as a fresh first frame.
func (p *Probe) recovered(pub *publisher) {
	pub.mu.Lock()
	wasLost := pub.lost
	pub.lost = false
	pub.mu.Unlock()
	if wasLost && p.current(pub) {
		p.signalFirstFrame(pub)
	}
}

// HandlePublisherICE adds an ICE candidate to the channel's publisher connection.
func (p *Probe) HandlePublisherICE(channelID string, candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	pub := p.publishers[channelID]
	p.mu.Unlock()
	if pub == nil {
		return nil
	}
	return pub.pc.AddICECandidate(candidate)
}

// ClosePublisher closes the channel's publisher connection without reporting a transport loss.
func (p *Probe) ClosePublisher(channelID string) {
	p.mu.Lock()
	pub := p.publishers[channelID]
	delete(p.publishers, channelID)
	p.mu.Unlock()
	if pub != nil {
		_ = pub.pc.Close()
	}
}

// Close closes every publisher connection.
func (p *Probe) Close() {
	p.mu.Lock()
	pubs := p.publishers
	p.publishers = make(map[string]*publisher)
	p.mu.Unlock()
	for _, pub := range pubs {
		_ = pub.pc.Close()
	}
}

var defaultICE = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

func parseICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return defaultICE
	}
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	if len(out) == 0 {
		return defaultICE
	}
	return out
}
