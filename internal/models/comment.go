package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxCommentRunes bounds a single comment.
const MaxCommentRunes = 500

// Comment is an immutable viewer message in a live session. IDs are ULIDs, so they sort by creation time.
type Comment struct {
	ID         string    `json:"id"`
	SessionID  uuid.UUID `json:"session_id"`
	AuthorName string    `json:"author_name"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}
