package presence

import "github.com/aura-kitchen/livecommerce/internal/models"

// ring keeps the most recent comments, oldest first.
type ring struct {
	buf  []models.Comment
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]models.Comment, size)}
}

func (r *ring) push(c models.Comment) {
	r.buf[r.next] = c
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func (r *ring) items() []models.Comment {
	out := make([]models.Comment, 0, r.len())
	if r.full {
		out = append(out, r.buf[r.next:]...)
	}
	return append(out, r.buf[:r.next]...)
}
