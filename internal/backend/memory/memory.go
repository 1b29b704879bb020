// Package memory is an in-process backend: a row store plus a change feed
// with the same at-least-once, unordered delivery contract as the hosted
// provider. It backs the dev backend service and the reconciler tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tribechat/internal/backend"
	"github.com/tribechat/internal/model"
)

// Hooks let tests and the dev backend inject write/read failures.
type Hooks struct {
	InsertMessage  func(model.Message) error
	InsertReaction func(model.Reaction) error
	InsertDeletion func(model.Deletion) error
	SelectLogs     func() error
}

type delivery struct {
	topic string
	ev    backend.Event
}

type Backend struct {
	mu        sync.RWMutex
	msgs      map[string][]model.Message // topic -> ascending by CreatedAt
	deletions map[string]model.Deletion  // messageID -> first deletion wins
	reactions []model.Reaction
	members   map[string]map[string]model.TribeRole // tribeID -> userID -> role
	subs      map[string]map[*subscription]struct{}
	hooks     Hooks
	lastTS    time.Time

	events chan delivery
	quit   chan struct{}
	once   sync.Once
}

func New() *Backend {
	b := &Backend{
		msgs:      make(map[string][]model.Message),
		deletions: make(map[string]model.Deletion),
		members:   make(map[string]map[string]model.TribeRole),
		subs:      make(map[string]map[*subscription]struct{}),
		events:    make(chan delivery, 256),
		quit:      make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Backend) Close() error {
	b.once.Do(func() { close(b.quit) })
	return nil
}

func (b *Backend) SetHooks(h Hooks) {
	b.mu.Lock()
	b.hooks = h
	b.mu.Unlock()
}

// SetMember seeds a tribe membership.
func (b *Backend) SetMember(tribeID, userID string, role model.TribeRole) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.members[tribeID] == nil {
		b.members[tribeID] = make(map[string]model.TribeRole)
	}
	b.members[tribeID][userID] = role
}

// dispatch delivers events off the writer's goroutine, like a real transport.
func (b *Backend) dispatch() {
	for {
		select {
		case <-b.quit:
			return
		case d := <-b.events:
			b.mu.RLock()
			targets := make([]*subscription, 0, 4)
			for sub := range b.subs[d.topic] {
				targets = append(targets, sub)
			}
			b.mu.RUnlock()
			for _, sub := range targets {
				sub.handler(d.ev)
			}
		}
	}
}

func (b *Backend) emit(topic string, ev backend.Event) {
	select {
	case b.events <- delivery{topic: topic, ev: ev}:
	case <-b.quit:
	}
}

// serverNow mimics a backend-assigned timestamp: strictly increasing so row
// order is well defined even within one test tick.
func (b *Backend) serverNow() time.Time {
	now := time.Now().UTC()
	if !now.After(b.lastTS) {
		now = b.lastTS.Add(time.Microsecond)
	}
	b.lastTS = now
	return now
}

func (b *Backend) SelectMessages(ctx context.Context, key model.ConversationKey, before time.Time, limit int) ([]model.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	all := b.msgs[key.Topic()]
	rows := make([]model.Message, 0, limit)
	for _, m := range all {
		// Inclusive cutoff: equal timestamps stay in the page.
		if !before.IsZero() && m.CreatedAt.After(before) {
			continue
		}
		rows = append(rows, m)
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	out := make([]model.Message, len(rows))
	copy(out, rows)
	return out, nil
}

func (b *Backend) InsertMessage(ctx context.Context, m model.Message) (model.Message, error) {
	if m.Key.IsZero() {
		return model.Message{}, backend.ErrNotFound
	}
	b.mu.Lock()
	if b.hooks.InsertMessage != nil {
		if err := b.hooks.InsertMessage(m); err != nil {
			b.mu.Unlock()
			return model.Message{}, err
		}
	}
	row := m
	row.ID = uuid.New().String()
	row.CreatedAt = b.serverNow()
	row.State = model.DeliveryConfirmed
	row.IsDeleted = false
	row.Reactions = nil
	row.ReplyTo = nil
	topic := row.Key.Topic()
	b.msgs[topic] = append(b.msgs[topic], row)
	sort.SliceStable(b.msgs[topic], func(i, j int) bool {
		return b.msgs[topic][i].CreatedAt.Before(b.msgs[topic][j].CreatedAt)
	})
	b.mu.Unlock()

	b.emit(topic, backend.Event{Op: backend.OpInsert, Message: row})
	return row, nil
}

func (b *Backend) SelectDeletions(ctx context.Context, messageIDs []string) ([]model.Deletion, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.hooks.SelectLogs != nil {
		if err := b.hooks.SelectLogs(); err != nil {
			return nil, err
		}
	}
	out := make([]model.Deletion, 0, 8)
	for _, id := range messageIDs {
		if d, ok := b.deletions[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (b *Backend) InsertDeletion(ctx context.Context, d model.Deletion) (model.Deletion, error) {
	b.mu.Lock()
	if b.hooks.InsertDeletion != nil {
		if err := b.hooks.InsertDeletion(d); err != nil {
			b.mu.Unlock()
			return model.Deletion{}, err
		}
	}
	row, topic, ok := b.findMessageLocked(d.MessageID)
	if !ok {
		b.mu.Unlock()
		return model.Deletion{}, backend.ErrNotFound
	}
	if existing, ok := b.deletions[d.MessageID]; ok {
		b.mu.Unlock()
		return existing, nil
	}
	d.DeletedAt = b.serverNow()
	b.deletions[d.MessageID] = d
	b.markDeletedLocked(topic, d.MessageID)
	row.IsDeleted = true
	row.DeletedBy = d.Role
	b.mu.Unlock()

	b.emit(topic, backend.Event{Op: backend.OpUpdate, Message: row})
	return d, nil
}

func (b *Backend) SelectReactions(ctx context.Context, messageIDs []string) ([]model.Reaction, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.hooks.SelectLogs != nil {
		if err := b.hooks.SelectLogs(); err != nil {
			return nil, err
		}
	}
	wanted := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}
	out := make([]model.Reaction, 0, 8)
	for _, rc := range b.reactions {
		if _, ok := wanted[rc.MessageID]; ok {
			out = append(out, rc)
		}
	}
	return out, nil
}

func (b *Backend) InsertReaction(ctx context.Context, rc model.Reaction) (model.Reaction, error) {
	b.mu.Lock()
	if b.hooks.InsertReaction != nil {
		if err := b.hooks.InsertReaction(rc); err != nil {
			b.mu.Unlock()
			return model.Reaction{}, err
		}
	}
	row, topic, ok := b.findMessageLocked(rc.MessageID)
	if !ok {
		b.mu.Unlock()
		return model.Reaction{}, backend.ErrNotFound
	}
	// One row per (message, user, emoji), like ON CONFLICT DO NOTHING.
	for _, x := range b.reactions {
		if x.MessageID == rc.MessageID && x.UserID == rc.UserID && x.Emoji == rc.Emoji {
			b.mu.Unlock()
			return x, nil
		}
	}
	rc.CreatedAt = b.serverNow()
	b.reactions = append(b.reactions, rc)
	b.mu.Unlock()

	b.emit(topic, backend.Event{Op: backend.OpUpdate, Message: row})
	return rc, nil
}

func (b *Backend) MemberRole(ctx context.Context, tribeID, userID string) (model.TribeRole, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	role, ok := b.members[tribeID][userID]
	if !ok {
		return "", backend.ErrNotFound
	}
	return role, nil
}

func (b *Backend) findMessageLocked(id string) (model.Message, string, bool) {
	for topic, list := range b.msgs {
		for _, m := range list {
			if m.ID == id {
				return m, topic, true
			}
		}
	}
	return model.Message{}, "", false
}

func (b *Backend) markDeletedLocked(topic, id string) {
	list := b.msgs[topic]
	for i := range list {
		if list[i].ID == id {
			list[i].IsDeleted = true
		}
	}
}

type subscription struct {
	b       *Backend
	topic   string
	handler func(backend.Event)
	once    sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.b.mu.Lock()
		if set, ok := s.b.subs[s.topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.b.subs, s.topic)
			}
		}
		s.b.mu.Unlock()
	})
}

func (b *Backend) Subscribe(ctx context.Context, key model.ConversationKey, handler func(backend.Event)) (backend.Subscription, error) {
	sub := &subscription{b: b, topic: key.Topic(), handler: handler}
	b.mu.Lock()
	if b.subs[sub.topic] == nil {
		b.subs[sub.topic] = make(map[*subscription]struct{})
	}
	b.subs[sub.topic][sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}
