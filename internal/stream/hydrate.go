package stream

import "github.com/tribechat/internal/model"

// Hydrate projects the deletion and reaction logs onto a base message list,
// producing the view the screen renders. Pure and idempotent: the same inputs
// always yield the same output, so it is safe to re-run after every local
// mutation instead of maintaining incremental state.
//
// A deletion row marks the message deleted and records the acting role; the
// entry keeps its sort position, only DisplayContent/DisplayMediaURL go
// blank. Reactions aggregate to emoji -> count; the log holds one row per
// (message, user, emoji), so duplicates delivered by an at-least-once feed
// must be collapsed by the caller before they reach the log.
func Hydrate(list []model.Message, deletions []model.Deletion, reactions []model.Reaction) []model.Message {
	if len(deletions) == 0 && len(reactions) == 0 {
		return list
	}

	deleted := make(map[string]model.Deletion, len(deletions))
	for _, d := range deletions {
		if _, ok := deleted[d.MessageID]; !ok {
			deleted[d.MessageID] = d
		}
	}
	tallies := make(map[string]map[string]int, len(reactions))
	for _, rc := range reactions {
		t := tallies[rc.MessageID]
		if t == nil {
			t = make(map[string]int, 4)
			tallies[rc.MessageID] = t
		}
		t[rc.Emoji]++
	}

	out := make([]model.Message, len(list))
	copy(out, list)
	for i := range out {
		// A row-carried deleted flag (from an update event) and a log entry
		// are both authoritative; the log additionally supplies the role.
		if d, ok := deleted[out[i].ID]; ok {
			out[i].IsDeleted = true
			out[i].DeletedBy = d.Role
		}
		out[i].Reactions = tallies[out[i].ID]
	}
	return out
}

// ResolveReplies attaches reply previews by scanning the loaded list. The
// reference is weak: a target that was deleted or is outside the loaded
// window simply yields no preview.
func ResolveReplies(list []model.Message) []model.Message {
	out := make([]model.Message, len(list))
	copy(out, list)
	byID := make(map[string]int, len(out))
	for i := range out {
		byID[out[i].ID] = i
	}
	for i := range out {
		out[i].ReplyTo = nil
		if out[i].ReplyToID == nil {
			continue
		}
		if j, ok := byID[*out[i].ReplyToID]; ok {
			target := out[j]
			out[i].ReplyTo = &model.Message{
				ID:       target.ID,
				SenderID: target.SenderID,
				Content:  target.DisplayContent(),
				MediaURL: target.DisplayMediaURL(),
			}
		}
	}
	return out
}
