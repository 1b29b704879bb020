// Package stream is the message stream reconciler shared by the direct-chat
// and tribe-chat screens. It merges three asynchronously-arriving sources —
// the initial page load, optimistic local inserts, and realtime push events —
// into one deduplicated list ordered by CreatedAt.
package stream

import "github.com/tribechat/internal/model"

// Insert returns a new list with m merged in, keeping non-decreasing CreatedAt
// order. If an entry with the same id already exists the list is returned
// unchanged: dedup is by id, not by content, so repeated insertion is
// idempotent. Equal timestamps keep arrival order (the new entry goes after
// existing ones), which makes the overall ordering a stable sort.
func Insert(list []model.Message, m model.Message) []model.Message {
	if IndexOf(list, m.ID) >= 0 {
		return list
	}
	pos := len(list)
	for pos > 0 && list[pos-1].CreatedAt.After(m.CreatedAt) {
		pos--
	}
	out := make([]model.Message, 0, len(list)+1)
	out = append(out, list[:pos]...)
	out = append(out, m)
	out = append(out, list[pos:]...)
	return out
}

// Replace substitutes the entry with m's id, keeping its position as long as
// the timestamp did not change; a changed timestamp re-derives the position.
// An absent id falls through to Insert, so an update event arriving before
// its insert still lands exactly once.
func Replace(list []model.Message, m model.Message) []model.Message {
	i := IndexOf(list, m.ID)
	if i < 0 {
		return Insert(list, m)
	}
	if !list[i].CreatedAt.Equal(m.CreatedAt) {
		return Insert(Remove(list, m.ID), m)
	}
	out := make([]model.Message, len(list))
	copy(out, list)
	out[i] = m
	return out
}

// Remove drops the entry with the given id. Removing an absent id is a no-op.
func Remove(list []model.Message, id string) []model.Message {
	i := IndexOf(list, id)
	if i < 0 {
		return list
	}
	out := make([]model.Message, 0, len(list)-1)
	out = append(out, list[:i]...)
	out = append(out, list[i+1:]...)
	return out
}

// IndexOf returns the position of id in list, -1 when absent. Lists are small
// (hundreds per conversation), a linear scan is fine.
func IndexOf(list []model.Message, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}
