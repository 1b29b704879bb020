package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribechat/internal/backend"
	"github.com/tribechat/internal/backend/memory"
	cachememory "github.com/tribechat/internal/cache/memory"
	"github.com/tribechat/internal/model"
)

const waitFor = 2 * time.Second
const tick = 10 * time.Millisecond

// snapshots records every onChange render so tests can assert on
// intermediate states (the optimistic pending entry, rollbacks).
type snapshots struct {
	mu   sync.Mutex
	all  [][]model.Message
	last []model.Message
}

func (s *snapshots) record(msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = append(s.all, msgs)
	s.last = msgs
}

func (s *snapshots) sawPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.all {
		for _, m := range snap {
			if m.State == model.DeliveryPending {
				return true
			}
		}
	}
	return false
}

func openSession(t *testing.T, b *memory.Backend, key model.ConversationKey, userID string, policy Policy) (*Session, *snapshots) {
	t.Helper()
	snaps := &snapshots{}
	s := NewSession(Config{Key: key, UserID: userID, PageSize: 50, Policy: policy}, b, b, nil, snaps.record)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(s.Close)
	return s, snaps
}

func seed(t *testing.T, b *memory.Backend, key model.ConversationKey, sender, content string) model.Message {
	t.Helper()
	row, err := b.InsertMessage(context.Background(), model.Message{Key: key, SenderID: sender, Content: content})
	require.NoError(t, err)
	return row
}

func TestSessionSendConfirms(t *testing.T) {
	b := memory.New()
	defer b.Close()
	key := model.DirectKey("c1")
	s, snaps := openSession(t, b, key, "alice", DirectPolicy())

	require.NoError(t, s.Send(context.Background(), "hello", "", nil))

	view := s.Messages()
	require.Len(t, view, 1)
	assert.Equal(t, model.DeliveryConfirmed, view[0].State)
	assert.False(t, IsClientToken(view[0].ID))
	assert.Equal(t, "hello", view[0].Content)
	assert.True(t, snaps.sawPending(), "the pending entry must render before confirmation")
}

func TestSessionSendEchoDoesNotDuplicate(t *testing.T) {
	b := memory.New()
	defer b.Close()
	key := model.DirectKey("c1")
	s, _ := openSession(t, b, key, "alice", DirectPolicy())

	require.NoError(t, s.Send(context.Background(), "hello", "", nil))

	// The feed echoes our own insert; give it time to arrive and assert the
	// dedup absorbed it.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, s.Messages(), 1)
}

func TestSessionSendFailureRollsBack(t *testing.T) {
	b := memory.New()
	defer b.Close()
	boom := errors.New("backend down")
	b.SetHooks(memory.Hooks{InsertMessage: func(model.Message) error { return boom }})

	key := model.DirectKey("c1")
	s, snaps := openSession(t, b, key, "alice", DirectPolicy())

	err := s.Send(context.Background(), "hello", "", nil)
	require.ErrorIs(t, err, boom)
	assert.Empty(t, s.Messages())
	assert.True(t, snaps.sawPending(), "the pending entry rendered, then rolled back")
}

func TestSessionRejectsEmptySend(t *testing.T) {
	b := memory.New()
	defer b.Close()
	s, _ := openSession(t, b, model.DirectKey("c1"), "alice", DirectPolicy())

	assert.ErrorIs(t, s.Send(context.Background(), "   ", "", nil), ErrEmptyMessage)
	assert.NoError(t, s.Send(context.Background(), "", "https://cdn.example/pic.jpg", nil), "media-only sends are valid")
}

func TestSessionsConverge(t *testing.T) {
	b := memory.New()
	defer b.Close()
	key := model.DirectKey("c1")
	sa, _ := openSession(t, b, key, "alice", DirectPolicy())
	sb, _ := openSession(t, b, key, "bob", DirectPolicy())

	require.NoError(t, sa.Send(context.Background(), "from alice", "", nil))
	require.NoError(t, sb.Send(context.Background(), "from bob", "", nil))

	require.Eventually(t, func() bool {
		return len(sa.Messages()) == 2 && len(sb.Messages()) == 2
	}, waitFor, tick)
	assert.Equal(t, ids(sa.Messages()), ids(sb.Messages()))
}

func TestSessionReactAggregates(t *testing.T) {
	b := memory.New()
	defer b.Close()
	key := model.DirectKey("c1")
	row := seed(t, b, key, "bob", "hi")
	s, _ := openSession(t, b, key, "alice", DirectPolicy())

	require.NoError(t, s.React(context.Background(), row.ID, "👍"))
	require.NoError(t, s.React(context.Background(), row.ID, "👍"), "repeat reaction is a no-op")
	require.NoError(t, s.React(context.Background(), row.ID, "🔥"))

	view := s.Messages()
	require.Len(t, view, 1)
	assert.Equal(t, map[string]int{"👍": 1, "🔥": 1}, view[0].Reactions)
}

func TestSessionReactValidation(t *testing.T) {
	b := memory.New()
	defer b.Close()
	key := model.DirectKey("c1")
	row := seed(t, b, key, "alice", "hi")
	s, _ := openSession(t, b, key, "alice", DirectPolicy())

	assert.ErrorIs(t, s.React(context.Background(), NewClientToken(), "👍"), ErrNotConfirmed)
	assert.ErrorIs(t, s.React(context.Background(), "unknown", "👍"), backend.ErrNotFound)
	assert.ErrorIs(t, s.React(context.Background(), row.ID, ""), ErrEmptyMessage)

	require.NoError(t, s.Delete(context.Background(), row.ID))
	assert.ErrorIs(t, s.React(context.Background(), row.ID, "👍"), ErrMessageDeleted)
}

func TestSessionReactFailureRollsBack(t *testing.T) {
	b := memory.New()
	defer b.Close()
	key := model.DirectKey("c1")
	row := seed(t, b, key, "bob", "hi")
	boom := errors.New("backend down")
	b.SetHooks(memory.Hooks{InsertReaction: func(model.Reaction) error { return boom }})
	s, _ := openSession(t, b, key, "alice", DirectPolicy())

	require.ErrorIs(t, s.React(context.Background(), row.ID, "👍"), boom)
	assert.Empty(t, s.Messages()[0].Reactions)
}

func TestSessionAuthorDelete(t *testing.T) {
	b := memory.New()
	defer b.Close()
	key := model.DirectKey("c1")
	row := seed(t, b, key, "alice", "oops")
	s, _ := openSession(t, b, key, "alice", DirectPolicy())

	require.NoError(t, s.Delete(context.Background(), row.ID))
	require.NoError(t, s.Delete(context.Background(), row.ID), "repeat delete is a no-op")

	view := s.Messages()
	require.Len(t, view, 1, "deleted messages keep their slot")
	assert.True(t, view[0].IsDeleted)
	assert.Empty(t, view[0].DisplayContent())
}

func TestSessionModeratorDelete(t *testing.T) {
	b := memory.New()
	defer b.Close()
	key := model.TribeKey("t1", "general")
	b.SetMember("t1", "alice", model.RoleOwner)
	b.SetMember("t1", "bob", model.RoleMember)
	row := seed(t, b, key, "bob", "spam")

	sb, _ := openSession(t, b, key, "bob", TribePolicy())
	other := seed(t, b, key, "alice", "hi")
	require.Eventually(t, func() bool { return len(sb.Messages()) == 2 }, waitFor, tick)
	assert.ErrorIs(t, sb.Delete(context.Background(), other.ID), ErrNotAllowed,
		"a plain member cannot delete another member's message")

	sa, _ := openSession(t, b, key, "alice", TribePolicy())
	require.NoError(t, sa.Delete(context.Background(), row.ID))

	view := sa.Messages()
	i := IndexOf(view, row.ID)
	require.GreaterOrEqual(t, i, 0)
	assert.True(t, view[i].IsDeleted)
	assert.Equal(t, model.RoleOwner, view[i].DeletedBy)
}

func TestSessionDeletePropagates(t *testing.T) {
	b := memory.New()
	defer b.Close()
	key := model.TribeKey("t1", "general")
	b.SetMember("t1", "alice", model.RoleOwner)
	row := seed(t, b, key, "alice", "gone soon")

	sa, _ := openSession(t, b, key, "alice", TribePolicy())
	sb, _ := openSession(t, b, key, "bob", TribePolicy())

	require.NoError(t, sa.Delete(context.Background(), row.ID))

	require.Eventually(t, func() bool {
		view := sb.Messages()
		i := IndexOf(view, row.ID)
		return i >= 0 && view[i].IsDeleted
	}, waitFor, tick, "the moderation update must reach other sessions")
}

func TestSessionLoadOlder(t *testing.T) {
	b := memory.New()
	defer b.Close()
	key := model.DirectKey("c1")
	for i := 0; i < 5; i++ {
		seed(t, b, key, "alice", "m")
	}

	snaps := &snapshots{}
	s := NewSession(Config{Key: key, UserID: "alice", PageSize: 2}, b, b, nil, snaps.record)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	// Pages include the boundary row, so each load brings one new row here.
	assert.Len(t, s.Messages(), 2)
	require.NoError(t, s.LoadOlder(context.Background()))
	assert.Len(t, s.Messages(), 3)
	require.NoError(t, s.LoadOlder(context.Background()))
	assert.Len(t, s.Messages(), 4)
	require.NoError(t, s.LoadOlder(context.Background()))
	assert.Len(t, s.Messages(), 5)
	require.NoError(t, s.LoadOlder(context.Background()), "no more history is not an error")
	assert.Len(t, s.Messages(), 5)
}

func TestSessionReopenAfterDeleteThroughCache(t *testing.T) {
	b := memory.New()
	defer b.Close()
	key := model.DirectKey("c1")
	row := seed(t, b, key, "bob", "secret")
	pages := cachememory.New(time.Minute)

	s1 := NewSession(Config{Key: key, UserID: "alice", PageSize: 50}, b, b, pages, nil)
	require.NoError(t, s1.Open(context.Background()))
	s1.Close()

	// Deleted while the screen was closed; the cache still holds the old row.
	_, err := b.InsertDeletion(context.Background(), model.Deletion{MessageID: row.ID, DeletedBy: "bob", Role: model.RoleMember})
	require.NoError(t, err)

	s2 := NewSession(Config{Key: key, UserID: "alice", PageSize: 50}, b, b, pages, nil)
	require.NoError(t, s2.Open(context.Background()))
	defer s2.Close()

	view := s2.Messages()
	require.Len(t, view, 1)
	assert.True(t, view[0].IsDeleted, "the loaded row supersedes the stale cached copy")
	assert.Empty(t, view[0].DisplayContent())
	assert.Empty(t, view[0].DisplayMediaURL())
}

// pageStore serves a fixed ascending row list with the inclusive paging
// cutoff, so tests can control CreatedAt values the real backends assign
// themselves.
type pageStore struct {
	rows []model.Message
}

func (p *pageStore) SelectMessages(_ context.Context, key model.ConversationKey, before time.Time, limit int) ([]model.Message, error) {
	out := make([]model.Message, 0, limit)
	for _, m := range p.rows {
		if m.Key.Topic() != key.Topic() {
			continue
		}
		if !before.IsZero() && m.CreatedAt.After(before) {
			continue
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (p *pageStore) InsertMessage(context.Context, model.Message) (model.Message, error) {
	return model.Message{}, backend.ErrNotFound
}

func (p *pageStore) SelectDeletions(context.Context, []string) ([]model.Deletion, error) {
	return nil, nil
}

func (p *pageStore) InsertDeletion(context.Context, model.Deletion) (model.Deletion, error) {
	return model.Deletion{}, backend.ErrNotFound
}

func (p *pageStore) SelectReactions(context.Context, []string) ([]model.Reaction, error) {
	return nil, nil
}

func (p *pageStore) InsertReaction(context.Context, model.Reaction) (model.Reaction, error) {
	return model.Reaction{}, backend.ErrNotFound
}

func (p *pageStore) MemberRole(context.Context, string, string) (model.TribeRole, error) {
	return "", backend.ErrNotFound
}

func (p *pageStore) Close() error { return nil }

type noopRealtime struct{}

func (noopRealtime) Subscribe(context.Context, model.ConversationKey, func(backend.Event)) (backend.Subscription, error) {
	return noopSub{}, nil
}

func (noopRealtime) Close() error { return nil }

type noopSub struct{}

func (noopSub) Unsubscribe() {}

func TestSessionLoadOlderKeepsTimestampTies(t *testing.T) {
	// CreatedAt carries no uniqueness guarantee: r1 and r2 share the page
	// boundary timestamp. r1 must still be loaded.
	key := model.DirectKey("c1")
	store := &pageStore{rows: []model.Message{
		msg("r1", t0),
		msg("r2", t0),
		msg("r3", t0.Add(time.Minute)),
	}}
	s := NewSession(Config{Key: key, UserID: "alice", PageSize: 2}, store, noopRealtime{}, nil, nil)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	assert.ElementsMatch(t, []string{"r2", "r3"}, ids(s.Messages()))

	require.NoError(t, s.LoadOlder(context.Background()))
	view := s.Messages()
	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, ids(view))
	for i := 1; i < len(view); i++ {
		assert.False(t, view[i-1].CreatedAt.After(view[i].CreatedAt))
	}
}

func TestSessionNotificationsStayInStateOrder(t *testing.T) {
	b := memory.New()
	defer b.Close()
	key := model.DirectKey("c1")
	s, snaps := openSession(t, b, key, "alice", DirectPolicy())

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				assert.NoError(t, s.Send(context.Background(), "hi", "", nil))
			}
		}()
	}
	wg.Wait()

	// Sends only add or swap entries, so each delivered snapshot must be at
	// least as long as the previous one.
	snaps.mu.Lock()
	defer snaps.mu.Unlock()
	prev := 0
	for i, snap := range snaps.all {
		require.GreaterOrEqual(t, len(snap), prev, "snapshot %d went backwards", i)
		prev = len(snap)
	}
	assert.Equal(t, 20, prev)
}

func TestSessionOpenSavesPage(t *testing.T) {
	b := memory.New()
	defer b.Close()
	key := model.DirectKey("c1")
	seed(t, b, key, "alice", "cached")
	pages := cachememory.New(time.Minute)

	s := NewSession(Config{Key: key, UserID: "alice", PageSize: 50}, b, b, pages, nil)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	page, err := pages.GetPage(context.Background(), key.Topic())
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "cached", page[0].Content)
}

func TestSessionMetadataFetchFailureKeepsMessages(t *testing.T) {
	b := memory.New()
	defer b.Close()
	key := model.TribeKey("t1", "general")
	b.SetMember("t1", "alice", model.RoleOwner)
	seed(t, b, key, "alice", "hi")
	b.SetHooks(memory.Hooks{SelectLogs: func() error { return errors.New("backend down") }})

	s, _ := openSession(t, b, key, "alice", TribePolicy())
	view := s.Messages()
	require.Len(t, view, 1, "messages render even when the logs cannot be fetched")
	assert.False(t, view[0].IsDeleted)
}

func TestSessionClose(t *testing.T) {
	b := memory.New()
	defer b.Close()
	key := model.DirectKey("c1")
	s, _ := openSession(t, b, key, "alice", DirectPolicy())
	require.NoError(t, s.Send(context.Background(), "hello", "", nil))

	s.Close()
	s.Close() // idempotent

	assert.ErrorIs(t, s.Send(context.Background(), "late", "", nil), ErrSessionClosed)
	assert.ErrorIs(t, s.LoadOlder(context.Background()), ErrSessionClosed)

	// Events after close are dropped.
	seed(t, b, key, "bob", "unseen")
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, s.Messages(), 1)
}
