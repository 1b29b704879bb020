package stream

import (
	"github.com/tribechat/internal/backend"
	"github.com/tribechat/internal/model"
)

// ApplyEvent folds one change-feed event into the list. The subscription
// predicate is trusted to scope events to the conversation, but the key is
// re-checked here: an out-of-scope or malformed event leaves the list
// unchanged rather than corrupting it.
//
// Inserts go through the dedup-insert, so at-least-once delivery and echoes
// of already-applied optimistic writes are no-ops. Updates are
// last-write-wins by arrival: the pushed row replaces whatever is loaded,
// and an update for a row never seen is treated as an insert.
func ApplyEvent(list []model.Message, key model.ConversationKey, ev backend.Event) []model.Message {
	if ev.Message.ID == "" || ev.Message.Key.Topic() != key.Topic() {
		return list
	}
	ev.Message.State = model.DeliveryConfirmed
	switch ev.Op {
	case backend.OpInsert:
		return Insert(list, ev.Message)
	case backend.OpUpdate:
		return Replace(list, ev.Message)
	}
	return list
}
