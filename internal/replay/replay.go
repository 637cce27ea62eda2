// Package replay persists a manifest of an ended session to object storage.
// The live path only enqueues a job; cmd/worker uploads the manifest.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-kitchen/livecommerce/internal/models"
	"github.com/aura-kitchen/livecommerce/pkg/queue"
	"github.com/aura-kitchen/livecommerce/pkg/storage"
)

// Payload is the replay job body. Comments are the in-memory window at end time,
// which nothing else persists.
type Payload struct {
	SessionID uuid.UUID        `json:"session_id"`
	ChannelID string           `json:"channel_id"`
	Comments  []models.Comment `json:"comments"`
}

// Manifest is the JSON object written to the replay bucket.
type Manifest struct {
	Session     models.LiveSession    `json:"session"`
	Summary     models.SessionSummary `json:"summary"`
	Orders      []models.Order        `json:"orders"`
	Comments    []models.Comment      `json:"comments"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// JobQueue is the part of pkg/queue used here.
type JobQueue interface {
	Enqueue(ctx context.Context, queueName string, jobType queue.JobType, payload interface{}) (string, error)
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Enqueuer turns replay requests into queue jobs.
type Enqueuer struct {
	queue  JobQueue
	logger *zap.Logger
}

// NewEnqueuer creates a replay requester backed by q.
func NewEnqueuer(q JobQueue, logger *zap.Logger) *Enqueuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enqueuer{queue: q, logger: logger}
}

// RequestReplay enqueues a manifest job for an ended session.
func (e *Enqueuer) RequestReplay(ctx context.Context, s *models.LiveSession, _ *models.SessionSummary, comments []models.Comment) error {
	if comments == nil {
		comments = []models.Comment{}
	}
	jobID, err := e.queue.Enqueue(ctx, queue.QueueReplays, queue.JobTypeReplayManifest, Payload{
		SessionID: s.ID,
		ChannelID: s.ChannelID,
		Comments:  comments,
	})
	if err != nil {
		return fmt.Errorf("enqueue replay: %w", err)
	}
	e.logger.Info("replay job enqueued", zap.String("job_id", jobID), zap.String("session_id", s.ID.String()))
	return nil
}

// SessionStore is what the processor needs from the session store.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
	SetReplayKey(ctx context.Context, id uuid.UUID, key string) error
}

// SummaryReader reads stored summaries.
type SummaryReader interface {
	GetSummary(ctx context.Context, sessionID uuid.UUID) (*models.SessionSummary, error)
}

// OrderLister reads the ledger.
type OrderLister interface {
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Order, error)
}

// Uploader writes objects to the replay bucket.
type Uploader interface {
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader) error
	ReplaysBucket() string
}

// Processor handles replay manifest jobs.
type Processor struct {
	sessions  SessionStore
	summaries SummaryReader
	orders    OrderLister
	uploader  Uploader
	queue     JobQueue
	logger    *zap.Logger
	now       func() time.Time
}

// NewProcessor creates a replay manifest processor.
func NewProcessor(sessions SessionStore, summaries SummaryReader, orders OrderLister, uploader Uploader, q JobQueue, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		sessions:  sessions,
		summaries: summaries,
		orders:    orders,
		uploader:  uploader,
		queue:     q,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Process executes one replay manifest job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeReplayManifest {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	s, err := p.sessions.GetByID(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if s == nil {
		return fmt.Errorf("session not found: %s", payload.SessionID)
	}
	if s.ReplayKey != "" {
		p.logger.Info("replay already stored", zap.String("session_id", s.ID.String()), zap.String("key", s.ReplayKey))
		return nil
	}
	summary, err := p.summaries.GetSummary(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("load summary: %w", err)
	}
	if summary == nil {
		return fmt.Errorf("summary not found: %s", s.ID)
	}
	list, err := p.orders.ListBySession(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("load orders: %w", err)
	}
	if list == nil {
		list = []models.Order{}
	}

	body, err := json.Marshal(Manifest{
		Session:     *s,
		Summary:     *summary,
		Orders:      list,
		Comments:    payload.Comments,
		GeneratedAt: p.now(),
	})
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	key := storage.ReplayKey(s.ChannelID, s.ID.String())
	if err := p.uploader.Upload(ctx, p.uploader.ReplaysBucket(), key, "application/json", bytes.NewReader(body)); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	if err := p.sessions.SetReplayKey(ctx, s.ID, key); err != nil {
		p.logger.Error("set replay key failed", zap.Error(err), zap.String("session_id", s.ID.String()))
		return fmt.Errorf("update db: %w", err)
	}

	p.logger.Info("replay manifest stored", zap.String("session_id", s.ID.String()), zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("replay worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, queue.QueueReplays, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			sleep(ctx, queue.RetryBackoff)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
