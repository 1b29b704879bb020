package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tribechat/internal/backend"
	"github.com/tribechat/internal/cache"
	"github.com/tribechat/internal/logger"
	"github.com/tribechat/internal/model"
)

var (
	ErrEmptyMessage   = errors.New("empty message")
	ErrSessionClosed  = errors.New("session closed")
	ErrMessageDeleted = errors.New("message is deleted")
	ErrNotConfirmed   = errors.New("message not confirmed yet")
	ErrNotAllowed     = errors.New("not allowed")
)

// Policy is the per-screen configuration of the reconciler: direct chat and
// tribe chat share the whole pipeline and differ only here.
type Policy struct {
	// HydrateMetadata re-fetches the deletion and reaction logs after loads
	// and realtime events (tribe chat).
	HydrateMetadata bool
	// ModeratorDelete lets tribe owners and moderators delete other members'
	// messages; otherwise only the author may delete.
	ModeratorDelete bool
}

func DirectPolicy() Policy { return Policy{} }

func TribePolicy() Policy { return Policy{HydrateMetadata: true, ModeratorDelete: true} }

type Config struct {
	Key      model.ConversationKey
	UserID   string
	PageSize int
	Policy   Policy
}

// Session owns the message list of one open conversation: exactly one
// realtime subscription, the optimistic mutation state, and the metadata
// logs. All mutation goes through the session mutex; the result of every
// awaited backend call is applied only after a liveness check, so a session
// closed mid-flight never sees a late write.
type Session struct {
	mu    sync.Mutex
	cfg   Config
	store backend.Store
	rt    backend.Realtime
	pages cache.PageCache

	msgs           []model.Message
	deletions      []model.Deletion
	reactions      []model.Reaction
	localDeletions []model.Deletion
	localReactions []model.Reaction

	sub     backend.Subscription
	closed  bool
	loadGen int

	// notifyMu serializes snapshot construction and delivery, so onChange
	// always observes snapshots in state order.
	notifyMu sync.Mutex
	onChange func([]model.Message)
}

// NewSession wires a session. pages may be nil (no page cache); onChange may
// be nil (poll via Messages). onChange is invoked after every visible change
// with a hydrated snapshot; invocations are serialized and run outside the
// session lock.
func NewSession(cfg Config, store backend.Store, rt backend.Realtime, pages cache.PageCache, onChange func([]model.Message)) *Session {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Session{
		cfg:      cfg,
		store:    store,
		rt:       rt,
		pages:    pages,
		onChange: onChange,
	}
}

// Open subscribes to the change feed, shows the cached page if any, then
// loads and merges the authoritative newest page. Subscribing before loading
// means events racing the load are simply deduplicated.
func (s *Session) Open(ctx context.Context) error {
	defer logger.DeferLogDuration("session.Open", time.Now())()

	sub, err := s.rt.Subscribe(ctx, s.cfg.Key, s.handleEvent)
	if err != nil {
		return fmt.Errorf("session.Open subscribe: %w", err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return ErrSessionClosed
	}
	s.sub = sub
	gen := s.loadGen
	s.mu.Unlock()

	if s.pages != nil {
		if page, err := s.pages.GetPage(ctx, s.cfg.Key.Topic()); err == nil && len(page) > 0 {
			s.mergePage(gen, page)
			s.notify()
		}
	}

	rows, err := s.store.SelectMessages(ctx, s.cfg.Key, time.Time{}, s.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("session.Open load: %w", err)
	}
	if !s.mergePage(gen, rows) {
		return nil
	}
	s.notify()

	if s.cfg.Policy.HydrateMetadata {
		s.refreshMetadata(ctx)
	}
	s.savePage(ctx)
	return nil
}

// mergePage folds rows into the list. Rows go through Replace, not Insert:
// pages come from the backend, so a row already on screen (a stale cached
// copy, or an optimistic echo) is superseded by the loaded one, the same
// last-write-wins rule update events follow. Returns false when the result
// was discarded because the session closed or a newer load superseded this
// one.
func (s *Session) mergePage(gen int, rows []model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.loadGen != gen {
		return false
	}
	for _, m := range rows {
		m.State = model.DeliveryConfirmed
		s.msgs = Replace(s.msgs, m)
	}
	return true
}

// LoadOlder merges the page at and before the oldest loaded message. The
// cutoff is inclusive so boundary timestamp ties are never skipped; the
// overlap with already-loaded rows is absorbed by the merge.
func (s *Session) LoadOlder(ctx context.Context) error {
	defer logger.DeferLogDuration("session.LoadOlder", time.Now())()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	gen := s.loadGen
	var before time.Time
	for _, m := range s.msgs {
		if m.State == model.DeliveryConfirmed {
			before = m.CreatedAt
			break
		}
	}
	s.mu.Unlock()
	if before.IsZero() {
		return nil
	}

	rows, err := s.store.SelectMessages(ctx, s.cfg.Key, before, s.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("session.LoadOlder: %w", err)
	}
	if !s.mergePage(gen, rows) {
		return nil
	}
	s.notify()
	if s.cfg.Policy.HydrateMetadata {
		s.refreshMetadata(ctx)
	}
	return nil
}

// Send applies the optimistic entry, clears nothing else (compose state is
// the screen's), then performs the backend write. Confirmation swaps the
// pending entry for the authoritative row in one step; failure rolls the
// pending entry back.
func (s *Session) Send(ctx context.Context, content, mediaURL string, replyToID *string) error {
	defer logger.DeferLogDuration("session.Send", time.Now())()
	content = strings.TrimSpace(content)
	if content == "" && mediaURL == "" {
		return ErrEmptyMessage
	}

	token := NewClientToken()
	pending := model.Message{
		ID:        token,
		Key:       s.cfg.Key,
		SenderID:  s.cfg.UserID,
		Content:   content,
		MediaURL:  mediaURL,
		ReplyToID: replyToID,
		CreatedAt: time.Now().UTC(),
		State:     model.DeliveryPending,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.msgs = Insert(s.msgs, pending)
	s.mu.Unlock()
	s.notify()

	confirmed, err := s.store.InsertMessage(ctx, pending)
	if err != nil {
		s.mu.Lock()
		if !s.closed {
			s.msgs = Rollback(s.msgs, token)
		}
		s.mu.Unlock()
		s.notify()
		return fmt.Errorf("session.Send: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		// The row is stored server-side; the closed screen just drops it.
		s.mu.Unlock()
		return nil
	}
	s.msgs = Confirm(s.msgs, token, confirmed)
	s.mu.Unlock()
	s.notify()
	return nil
}

// React records one (message, user, emoji) row in the reaction log,
// optimistically first. A reaction already present is a no-op, a deleted or
// still-pending message is rejected.
func (s *Session) React(ctx context.Context, messageID, emoji string) error {
	defer logger.DeferLogDuration("session.React", time.Now())()
	if emoji == "" {
		return ErrEmptyMessage
	}
	if IsClientToken(messageID) {
		return ErrNotConfirmed
	}

	rc := model.Reaction{
		MessageID: messageID,
		UserID:    s.cfg.UserID,
		Emoji:     emoji,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if IndexOf(s.msgs, messageID) < 0 {
		s.mu.Unlock()
		return backend.ErrNotFound
	}
	if s.isDeletedLocked(messageID) {
		s.mu.Unlock()
		return ErrMessageDeleted
	}
	if s.hasReactionLocked(messageID, s.cfg.UserID, emoji) {
		s.mu.Unlock()
		return nil
	}
	s.localReactions = append(s.localReactions, rc)
	s.mu.Unlock()
	s.notify()

	confirmed, err := s.store.InsertReaction(ctx, rc)
	if err != nil {
		s.mu.Lock()
		if !s.closed {
			s.localReactions = removeReaction(s.localReactions, rc)
		}
		s.mu.Unlock()
		s.notify()
		return fmt.Errorf("session.React: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.localReactions = removeReaction(s.localReactions, rc)
	if !containsReaction(s.reactions, confirmed) {
		s.reactions = append(s.reactions, confirmed)
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// Delete appends a row to the deletion log: the author may always delete
// their own message; in tribes with ModeratorDelete an owner or moderator may
// delete anyone's. The message stays in the list, only its content is hidden.
func (s *Session) Delete(ctx context.Context, messageID string) error {
	defer logger.DeferLogDuration("session.Delete", time.Now())()
	if IsClientToken(messageID) {
		return ErrNotConfirmed
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	i := IndexOf(s.msgs, messageID)
	if i < 0 {
		s.mu.Unlock()
		return backend.ErrNotFound
	}
	if s.isDeletedLocked(messageID) {
		s.mu.Unlock()
		return nil
	}
	senderID := s.msgs[i].SenderID
	s.mu.Unlock()

	role := model.RoleMember
	if s.cfg.Key.Kind == model.KindTribe {
		r, err := s.store.MemberRole(ctx, s.cfg.Key.TribeID, s.cfg.UserID)
		if err == nil {
			role = r
		} else if senderID != s.cfg.UserID {
			return fmt.Errorf("session.Delete role: %w", err)
		}
	}
	if senderID != s.cfg.UserID {
		if !s.cfg.Policy.ModeratorDelete || !role.CanModerate() {
			return ErrNotAllowed
		}
	}

	d := model.Deletion{
		MessageID: messageID,
		DeletedBy: s.cfg.UserID,
		Role:      role,
		DeletedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.localDeletions = append(s.localDeletions, d)
	s.mu.Unlock()
	s.notify()

	confirmed, err := s.store.InsertDeletion(ctx, d)
	if err != nil {
		s.mu.Lock()
		if !s.closed {
			s.localDeletions = removeDeletion(s.localDeletions, messageID)
		}
		s.mu.Unlock()
		s.notify()
		return fmt.Errorf("session.Delete: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.localDeletions = removeDeletion(s.localDeletions, messageID)
	s.deletions = append(s.deletions, confirmed)
	s.mu.Unlock()
	s.notify()
	return nil
}

// handleEvent runs on the realtime transport goroutine.
func (s *Session) handleEvent(ev backend.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	before := len(s.msgs)
	s.msgs = ApplyEvent(s.msgs, s.cfg.Key, ev)
	changed := len(s.msgs) != before || ev.Op == backend.OpUpdate
	s.mu.Unlock()
	if !changed {
		return
	}
	s.notify()

	if s.cfg.Policy.HydrateMetadata {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.refreshMetadata(ctx)
		}()
	}
}

// refreshMetadata re-fetches both logs for the loaded ids and swaps them in.
// A fetch failure keeps the previous logs: messages render without fresh
// metadata rather than the screen blanking.
func (s *Session) refreshMetadata(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	gen := s.loadGen
	ids := make([]string, 0, len(s.msgs))
	for _, m := range s.msgs {
		if m.State == model.DeliveryConfirmed {
			ids = append(ids, m.ID)
		}
	}
	s.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	dels, err := s.store.SelectDeletions(ctx, ids)
	if err != nil {
		logger.Errorf("session %s: deletions fetch: %v", s.cfg.Key.Topic(), err)
		return
	}
	rcs, err := s.store.SelectReactions(ctx, ids)
	if err != nil {
		logger.Errorf("session %s: reactions fetch: %v", s.cfg.Key.Topic(), err)
		return
	}

	s.mu.Lock()
	if s.closed || s.loadGen != gen {
		s.mu.Unlock()
		return
	}
	s.deletions = dels
	s.reactions = rcs
	s.mu.Unlock()
	s.notify()
}

// Messages returns the hydrated, reply-resolved view the screen renders.
func (s *Session) Messages() []model.Message {
	s.mu.Lock()
	base := make([]model.Message, len(s.msgs))
	copy(base, s.msgs)
	dels := make([]model.Deletion, 0, len(s.deletions)+len(s.localDeletions))
	dels = append(dels, s.deletions...)
	dels = append(dels, s.localDeletions...)
	rcs := make([]model.Reaction, 0, len(s.reactions)+len(s.localReactions))
	rcs = append(rcs, s.reactions...)
	rcs = append(rcs, s.localReactions...)
	s.mu.Unlock()
	return ResolveReplies(Hydrate(base, dels, rcs))
}

// Close tears the session down: the subscription is released and every
// in-flight load or write result is discarded from here on. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.loadGen++
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// savePage caches the current page so the next open renders instantly.
func (s *Session) savePage(ctx context.Context) {
	if s.pages == nil {
		return
	}
	s.mu.Lock()
	page := make([]model.Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		if m.State == model.DeliveryConfirmed {
			page = append(page, m)
		}
	}
	if len(page) > s.cfg.PageSize {
		page = page[len(page)-s.cfg.PageSize:]
	}
	s.mu.Unlock()
	if err := s.pages.SetPage(ctx, s.cfg.Key.Topic(), page); err != nil {
		logger.Errorf("session %s: cache save: %v", s.cfg.Key.Topic(), err)
	}
}

func (s *Session) notify() {
	if s.onChange == nil {
		return
	}
	// Taking the snapshot and delivering it under one lock keeps deliveries
	// in state order when a mutation and the transport goroutine interleave.
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.onChange(s.Messages())
}

func (s *Session) isDeletedLocked(messageID string) bool {
	if i := IndexOf(s.msgs, messageID); i >= 0 && s.msgs[i].IsDeleted {
		return true
	}
	for _, d := range s.deletions {
		if d.MessageID == messageID {
			return true
		}
	}
	for _, d := range s.localDeletions {
		if d.MessageID == messageID {
			return true
		}
	}
	return false
}

func (s *Session) hasReactionLocked(messageID, userID, emoji string) bool {
	probe := model.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji}
	return containsReaction(s.reactions, probe) || containsReaction(s.localReactions, probe)
}

func containsReaction(list []model.Reaction, rc model.Reaction) bool {
	for _, x := range list {
		if x.MessageID == rc.MessageID && x.UserID == rc.UserID && x.Emoji == rc.Emoji {
			return true
		}
	}
	return false
}

func removeReaction(list []model.Reaction, rc model.Reaction) []model.Reaction {
	out := list[:0]
	for _, x := range list {
		if x.MessageID == rc.MessageID && x.UserID == rc.UserID && x.Emoji == rc.Emoji {
			continue
		}
		out = append(out, x)
	}
	return out
}

func removeDeletion(list []model.Deletion, messageID string) []model.Deletion {
	out := list[:0]
	for _, d := range list {
		if d.MessageID == messageID {
			continue
		}
		out = append(out, d)
	}
	return out
}
