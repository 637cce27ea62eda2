package replay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-kitchen/livecommerce/internal/memstore"
	"github.com/aura-kitchen/livecommerce/internal/models"
	"github.com/aura-kitchen/livecommerce/pkg/queue"
)

type fakeQueue struct {
	jobs    []*queue.Job
	retried []*queue.Job
}

func (q *fakeQueue) Enqueue(_ context.Context, queueName string, jobType queue.JobType, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	job := &queue.Job{ID: uuid.NewString(), Queue: queueName, Type: jobType, Payload: body}
	q.jobs = append(q.jobs, job)
	return job.ID, nil
}

func (q *fakeQueue) Dequeue(context.Context, string, time.Duration) (*queue.Job, error) {
	return nil, nil
}

func (q *fakeQueue) Retry(_ context.Context, job *queue.Job) error {
	q.retried = append(q.retried, job)
	return nil
}

type fakeUploader struct {
	uploads map[string][]byte
	fail    bool
}

func (u *fakeUploader) Upload(_ context.Context, bucket, key, _ string, body io.Reader) error {
	if u.fail {
		return errors.New("s3 unavailable")
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if u.uploads == nil {
		u.uploads = make(map[string][]byte)
	}
	u.uploads[bucket+"/"+key] = b
	return nil
}

func (u *fakeUploader) ReplaysBucket() string { return "replays-test" }

type fixture struct {
	sessions  *memstore.Sessions
	summaries *memstore.Summaries
	ledger    *memstore.Orders
	queue     *fakeQueue
	uploader  *fakeUploader
	proc      *Processor
}

func newFixture() *fixture {
	f := &fixture{
		sessions:  memstore.NewSessions(),
		summaries: memstore.NewSummaries(),
		ledger:    memstore.NewOrders(),
		queue:     &fakeQueue{},
		uploader:  &fakeUploader{},
	}
	f.proc = NewProcessor(f.sessions, f.summaries, f.ledger, f.uploader, f.queue, nil)
	return f
}

func (f *fixture) endedSession(t *testing.T) *models.LiveSession {
	t.Helper()
	ctx := context.Background()
	s := &models.LiveSession{
		ID:            uuid.New(),
		ChannelID:     "kitchen-9",
		BroadcasterID: uuid.New(),
		Title:         "Mango season",
		Status:        models.SessionEnded,
	}
	require.NoError(t, f.sessions.Create(ctx, s))
	_, _, err := f.summaries.SaveSummary(ctx, &models.SessionSummary{SessionID: s.ID, ChannelID: s.ChannelID, TotalOrders: 1, SavedAsReplay: true})
	require.NoError(t, err)
	require.NoError(t, f.ledger.Create(ctx, &models.Order{ID: uuid.New(), SessionID: s.ID, ChannelID: s.ChannelID, Status: models.OrderConfirmed, TotalAmount: 2500}))
	return s
}

func TestEnqueuerThenProcessorStoresManifest(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.endedSession(t)
	comments := []models.Comment{{ID: "01HZX", SessionID: s.ID, AuthorName: "Asha", Content: "yum"}}

	require.NoError(t, NewEnqueuer(f.queue, nil).RequestReplay(ctx, s, nil, comments))
	require.Len(t, f.queue.jobs, 1)
	job := f.queue.jobs[0]
	assert.Equal(t, queue.QueueReplays, job.Queue)
	assert.Equal(t, queue.JobTypeReplayManifest, job.Type)

	require.NoError(t, f.proc.Process(ctx, job))

	key := "replays/kitchen-9/" + s.ID.String() + ".json"
	body, ok := f.uploader.uploads["replays-test/"+key]
	require.True(t, ok)
	var m Manifest
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, s.ID, m.Session.ID)
	assert.Equal(t, 1, m.Summary.TotalOrders)
	assert.Len(t, m.Orders, 1)
	require.Len(t, m.Comments, 1)
	assert.Equal(t, "yum", m.Comments[0].Content)

	got, err := f.sessions.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, key, got.ReplayKey)
}

func TestProcessSkipsWhenReplayAlreadyStored(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.endedSession(t)
	require.NoError(t, f.sessions.SetReplayKey(ctx, s.ID, "replays/kitchen-9/existing.json"))
	require.NoError(t, NewEnqueuer(f.queue, nil).RequestReplay(ctx, s, nil, nil))

	require.NoError(t, f.proc.Process(ctx, f.queue.jobs[0]))
	assert.Empty(t, f.uploader.uploads)
}

func TestProcessFailsWithoutSummaryOrOnUploadError(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := &models.LiveSession{ID: uuid.New(), ChannelID: "kitchen-1", BroadcasterID: uuid.New(), Status: models.SessionEnded}
	require.NoError(t, f.sessions.Create(ctx, s))
	require.NoError(t, NewEnqueuer(f.queue, nil).RequestReplay(ctx, s, nil, nil))
	assert.Error(t, f.proc.Process(ctx, f.queue.jobs[0]))

	ended := f.endedSession(t)
	f.uploader.fail = true
	require.NoError(t, NewEnqueuer(f.queue, nil).RequestReplay(ctx, ended, nil, nil))
	assert.Error(t, f.proc.Process(ctx, f.queue.jobs[1]))

	got, err := f.sessions.GetByID(ctx, ended.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ReplayKey)
}

func TestProcessRejectsUnknownJobType(t *testing.T) {
	f := newFixture()
	err := f.proc.Process(context.Background(), &queue.Job{Type: "transcode"})
	assert.Error(t, err)
}
