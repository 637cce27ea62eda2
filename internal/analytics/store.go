package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-kitchen/livecommerce/internal/apperr"
	"github.com/aura-kitchen/livecommerce/internal/models"
)

// Store keeps one summary per session.
type Store interface {
	// SaveSummary stores s unless a summary already exists, and returns the stored one.
	// created reports whether this call wrote it.
	SaveSummary(ctx context.Context, s *models.SessionSummary) (stored *models.SessionSummary, created bool, err error)
	// GetSummary returns (nil, nil) when the session has no summary.
	GetSummary(ctx context.Context, sessionID uuid.UUID) (*models.SessionSummary, error)
}

// Repository stores summaries in session_summaries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a summary repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// SaveSummary inserts s once per session. A second save returns the row
// already stored and false.
func (r *Repository) SaveSummary(ctx context.Context, s *models.SessionSummary) (*models.SessionSummary, bool, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, false, fmt.Errorf("marshal summary: %w", err)
	}
	const q = `INSERT INTO session_summaries (session_id, summary, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, q, s.SessionID, body, s.CompiledAt)
	if err != nil {
		return nil, false, apperr.Upstream("save summary", err)
	}
	if tag.RowsAffected() == 1 {
		out := *s
		return &out, true, nil
	}
	stored, err := r.GetSummary(ctx, s.SessionID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, apperr.Upstream("save summary", errors.New("summary vanished after conflict"))
	}
	return stored, false, nil
}

// GetSummary returns the stored summary, or nil if the session has none.
func (r *Repository) GetSummary(ctx context.Context, sessionID uuid.UUID) (*models.SessionSummary, error) {
	var body []byte
	err := r.pool.QueryRow(ctx, `SELECT summary FROM session_summaries WHERE session_id = $1`, sessionID).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Upstream("get summary", err)
	}
	var s models.SessionSummary
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode summary %s: %w", sessionID, err)
	}
	return &s, nil
}
