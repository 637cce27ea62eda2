package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-kitchen/livecommerce/internal/apperr"
	"github.com/aura-kitchen/livecommerce/internal/models"
)

// Ledger is the durable per-order record. Lookups return (nil, nil) when nothing matches.
type Ledger interface {
	// Create inserts an order. Creating an id that already exists is a no-op, so retries are safe.
	Create(ctx context.Context, o *models.Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	// CompareAndSwapStatus moves the order to next only if it is still in expected.
	CompareAndSwapStatus(ctx context.Context, id uuid.UUID, expected, next models.OrderStatus, actorID uuid.UUID, at time.Time) (bool, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Order, error)
	ListByChannel(ctx context.Context, channelID string) ([]models.Order, error)
}

const orderColumns = `id, session_id, channel_id, purchaser_id, broadcaster_id, status, total_amount, currency, items, decided_by, created_at, updated_at`

// PGLedger is the PostgreSQL-backed ledger.
type PGLedger struct {
	pool *pgxpool.Pool
}

// NewPGLedger creates an order ledger on live_orders.
func NewPGLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var status string
	err := row.Scan(&o.ID, &o.SessionID, &o.ChannelID, &o.PurchaserID, &o.BroadcasterID, &status,
		&o.TotalAmount, &o.Currency, &o.Items, &o.DecidedBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = models.OrderStatus(status)
	return &o, nil
}

// Create inserts a pending order.
func (l *PGLedger) Create(ctx context.Context, o *models.Order) error {
	const q = `INSERT INTO live_orders (id, session_id, channel_id, purchaser_id, broadcaster_id, status, total_amount, currency, items, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (id) DO NOTHING`
	_, err := l.pool.Exec(ctx, q, o.ID, o.SessionID, o.ChannelID, o.PurchaserID, o.BroadcasterID, string(o.Status),
		o.TotalAmount, o.Currency, o.Items, o.CreatedAt)
	if err != nil {
		return apperr.Upstream("create order", err)
	}
	return nil
}

// GetByID returns an order, or nil when absent.
func (l *PGLedger) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM live_orders WHERE id = $1`
	o, err := scanOrder(l.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Upstream("get order", err)
	}
	return o, nil
}

// CompareAndSwapStatus is the single source of truth for order transitions.
func (l *PGLedger) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, expected, next models.OrderStatus, actorID uuid.UUID, at time.Time) (bool, error) {
	const q = `UPDATE live_orders SET status = $3, decided_by = $4, updated_at = $5
		WHERE id = $1 AND status = $2`
	tag, err := l.pool.Exec(ctx, q, id, string(expected), string(next), actorID, at)
	if err != nil {
		return false, apperr.Upstream("update order status", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *PGLedger) list(ctx context.Context, op, q string, arg any) ([]models.Order, error) {
	rows, err := l.pool.Query(ctx, q, arg)
	if err != nil {
		return nil, apperr.Upstream(op, err)
	}
	defer rows.Close()
	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, apperr.Upstream(op, err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Upstream(op, err)
	}
	return out, nil
}

// ListBySession returns a session's orders, oldest first.
func (l *PGLedger) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM live_orders WHERE session_id = $1 ORDER BY created_at`
	return l.list(ctx, "list orders by session", q, sessionID)
}

// ListByChannel returns every order placed on a channel, oldest first.
func (l *PGLedger) ListByChannel(ctx context.Context, channelID string) ([]models.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM live_orders WHERE channel_id = $1 ORDER BY created_at`
	return l.list(ctx, "list orders by channel", q, channelID)
}
