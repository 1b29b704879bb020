package model

import "time"

type DeliveryState string

const (
	// DeliveryPending marks a locally-originated message that has not been
	// confirmed by the backend yet. Its ID is a client token, never a row id.
	DeliveryPending DeliveryState = "pending"
	// DeliveryConfirmed marks a message whose ID is the backend-assigned row id.
	DeliveryConfirmed DeliveryState = "confirmed"
)

type Message struct {
	ID        string          `json:"id"`
	Key       ConversationKey `json:"key"`
	SenderID  string          `json:"sender_id"`
	Content   string          `json:"content"`
	MediaURL  string          `json:"media_url,omitempty"`
	ReplyToID *string         `json:"reply_to_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	State     DeliveryState   `json:"state"`

	// Derived fields, filled by hydration. Never written to the backend.
	IsDeleted bool           `json:"is_deleted,omitempty"`
	DeletedBy TribeRole      `json:"deleted_by,omitempty"`
	Reactions map[string]int `json:"reactions,omitempty"`
	ReplyTo   *Message       `json:"reply_to,omitempty"`
}

// DisplayContent returns the content to render: empty once the message has
// been deleted for everyone, regardless of what the row still holds.
func (m *Message) DisplayContent() string {
	if m.IsDeleted {
		return ""
	}
	return m.Content
}

// DisplayMediaURL is the media counterpart of DisplayContent.
func (m *Message) DisplayMediaURL() string {
	if m.IsDeleted {
		return ""
	}
	return m.MediaURL
}

// Reaction is one row of the append-only reaction log:
// one row per (message, user, emoji).
type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// Deletion is one row of the append-only deletion log. Messages are never
// physically removed; the row records who deleted, in what role, and when.
type Deletion struct {
	MessageID string    `json:"message_id"`
	DeletedBy string    `json:"deleted_by"`
	Role      TribeRole `json:"role"`
	DeletedAt time.Time `json:"deleted_at"`
}
