// Package backend defines the row-store and change-feed contracts the chat
// client runs against. Implementations: rest (hosted row API), postgres
// (self-hosted, LISTEN/NOTIFY), memory (tests and the dev backend).
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/tribechat/internal/model"
)

var ErrNotFound = errors.New("not found")

// Store is the row query/insert surface of the backend provider. Inserts
// return the authoritative row, including the server-assigned id and
// timestamp. Updates and physical deletes are not part of this contract:
// moderation state lives in append-only logs.
type Store interface {
	// SelectMessages returns the newest `limit` messages of a conversation in
	// ascending CreatedAt order. A zero before cutoff means "newest page";
	// otherwise only rows no newer than before are returned. The cutoff is
	// inclusive because CreatedAt values can tie: callers absorb the boundary
	// overlap through their dedup merge.
	SelectMessages(ctx context.Context, key model.ConversationKey, before time.Time, limit int) ([]model.Message, error)
	InsertMessage(ctx context.Context, m model.Message) (model.Message, error)

	SelectDeletions(ctx context.Context, messageIDs []string) ([]model.Deletion, error)
	InsertDeletion(ctx context.Context, d model.Deletion) (model.Deletion, error)

	SelectReactions(ctx context.Context, messageIDs []string) ([]model.Reaction, error)
	InsertReaction(ctx context.Context, rc model.Reaction) (model.Reaction, error)

	// MemberRole returns the acting user's role in a tribe, ErrNotFound when
	// the user is not a member.
	MemberRole(ctx context.Context, tribeID, userID string) (model.TribeRole, error)

	Close() error
}

type EventOp string

const (
	OpInsert EventOp = "insert"
	OpUpdate EventOp = "update"
)

// Event is one change-feed notification. Delivery is at-least-once and
// unordered; consumers dedup and re-check the conversation key.
type Event struct {
	Op      EventOp       `json:"op"`
	Message model.Message `json:"message"`
}

// Subscription is an owned handle to one logical change feed. Unsubscribe is
// idempotent; after it returns no further events are delivered.
type Subscription interface {
	Unsubscribe()
}

// Realtime multiplexes logical per-conversation subscriptions over one
// transport. The handler runs on the transport's goroutine; it must not block.
type Realtime interface {
	Subscribe(ctx context.Context, key model.ConversationKey, handler func(Event)) (Subscription, error)
	Close() error
}
