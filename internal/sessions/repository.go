package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-kitchen/livecommerce/internal/apperr"
	"github.com/aura-kitchen/livecommerce/internal/models"
)

const uniqueViolation = "23505"

const sessionColumns = `id, channel_id, broadcaster_id, product_id, title, description, tags, status,
	scheduled_start_at, started_at, ended_at, end_reason, replay_key,
	current_viewers, peak_viewers, total_viewers, total_comments, created_at, status_changed_at`

// Repository handles live_sessions persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a live sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func openStatuses() []string {
	out := make([]string, 0, len(models.OpenSessionStatuses))
	for _, s := range models.OpenSessionStatuses {
		out = append(out, string(s))
	}
	return out
}

func scanSession(row pgx.Row) (*models.LiveSession, error) {
	var s models.LiveSession
	var status string
	err := row.Scan(&s.ID, &s.ChannelID, &s.BroadcasterID, &s.ProductID, &s.Title, &s.Description, &s.Tags, &status,
		&s.ScheduledStartAt, &s.StartedAt, &s.EndedAt, &s.EndReason, &s.ReplayKey,
		&s.CurrentViewers, &s.PeakViewers, &s.TotalViewers, &s.TotalComments, &s.CreatedAt, &s.StatusChangedAt)
	if err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	return &s, nil
}

func (r *Repository) list(ctx context.Context, op, q string, args ...any) ([]models.LiveSession, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, apperr.Upstream(op, err)
	}
	defer rows.Close()
	var out []models.LiveSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, apperr.Upstream(op, err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Upstream(op, err)
	}
	return out, nil
}

// Create inserts a new session.
func (r *Repository) Create(ctx context.Context, s *models.LiveSession) error {
	const q = `INSERT INTO live_sessions (id, channel_id, broadcaster_id, product_id, title, description, tags, status,
		scheduled_start_at, created_at, status_changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`
	_, err := r.pool.Exec(ctx, q, s.ID, s.ChannelID, s.BroadcasterID, s.ProductID, s.Title, s.Description, s.Tags,
		string(s.Status), s.ScheduledStartAt, s.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return &apperr.ConflictError{Reason: pgErr.ConstraintName}
		}
		return apperr.Upstream("create session", err)
	}
	return nil
}

// GetByID returns a session by id, or nil when absent.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM live_sessions WHERE id = $1`
	s, err := scanSession(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Upstream("get session", err)
	}
	return s, nil
}

// UpdateStatus is a compare-and-swap on status.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, expected, next models.SessionStatus, reason string, at time.Time) (bool, error) {
	const q = `UPDATE live_sessions SET
		status = $3::text,
		end_reason = CASE WHEN $4::text <> '' THEN $4::text ELSE end_reason END,
		started_at = CASE WHEN $3::text = 'live' THEN $5 ELSE started_at END,
		ended_at = CASE WHEN $3::text IN ('ended', 'cancelled') THEN $5 ELSE ended_at END,
		status_changed_at = $5
		WHERE id = $1 AND status = $2::text`
	tag, err := r.pool.Exec(ctx, q, id, string(expected), string(next), reason, at)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, &apperr.ConflictError{Reason: pgErr.ConstraintName}
		}
		return false, apperr.Upstream("update session status", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateCounters applies a counter delta from the presence aggregator.
func (r *Repository) UpdateCounters(ctx context.Context, id uuid.UUID, d models.CounterDelta) error {
	const q = `UPDATE live_sessions SET
		current_viewers = $2,
		peak_viewers = GREATEST(peak_viewers, $3),
		total_viewers = total_viewers + $4,
		total_comments = total_comments + $5
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id, d.CurrentViewers, d.PeakViewers, d.TotalViewers, d.TotalComments)
	if err != nil {
		return apperr.Upstream("update session counters", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// ListOpenByBroadcaster returns the broadcaster's non-terminal sessions, newest first.
func (r *Repository) ListOpenByBroadcaster(ctx context.Context, broadcasterID uuid.UUID) ([]models.LiveSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM live_sessions
		WHERE broadcaster_id = $1 AND status = ANY($2) ORDER BY created_at DESC`
	return r.list(ctx, "list open sessions", q, broadcasterID, openStatuses())
}

// GetActiveByChannel returns the starting or live session on a channel, or nil.
func (r *Repository) GetActiveByChannel(ctx context.Context, channelID string) (*models.LiveSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM live_sessions
		WHERE channel_id = $1 AND status IN ('starting', 'live') ORDER BY created_at DESC LIMIT 1`
	s, err := scanSession(r.pool.QueryRow(ctx, q, channelID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Upstream("get session by channel", err)
	}
	return s, nil
}

// ListStale returns sessions stuck in status since before changedBefore.
func (r *Repository) ListStale(ctx context.Context, status models.SessionStatus, changedBefore time.Time) ([]models.LiveSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM live_sessions
		WHERE status = $1 AND status_changed_at < $2 ORDER BY status_changed_at LIMIT 100`
	return r.list(ctx, "list stale sessions", q, string(status), changedBefore)
}

// SetReplayKey records where the replay manifest was stored.
func (r *Repository) SetReplayKey(ctx context.Context, id uuid.UUID, key string) error {
	const q = `UPDATE live_sessions SET replay_key = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id, key)
	if err != nil {
		return apperr.Upstream("set replay key", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}
