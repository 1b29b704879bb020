package backend

import (
	"time"

	"github.com/tribechat/internal/model"
)

// MessageRow is the wire shape of a message row as the row API and the change
// feed carry it: the conversation key is flattened to a topic string.
type MessageRow struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	MediaURL  string    `json:"media_url,omitempty"`
	ReplyToID *string   `json:"reply_to_id,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (r MessageRow) ToModel() model.Message {
	return model.Message{
		ID:        r.ID,
		Key:       model.ParseTopic(r.Topic),
		SenderID:  r.SenderID,
		Content:   r.Content,
		MediaURL:  r.MediaURL,
		ReplyToID: r.ReplyToID,
		CreatedAt: r.CreatedAt.UTC(),
		State:     model.DeliveryConfirmed,
		IsDeleted: r.Deleted,
	}
}

func RowFromModel(m model.Message) MessageRow {
	return MessageRow{
		ID:        m.ID,
		Topic:     m.Key.Topic(),
		SenderID:  m.SenderID,
		Content:   m.Content,
		MediaURL:  m.MediaURL,
		ReplyToID: m.ReplyToID,
		Deleted:   m.IsDeleted,
		CreatedAt: m.CreatedAt.UTC(),
	}
}
