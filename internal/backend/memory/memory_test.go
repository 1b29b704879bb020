package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribechat/internal/backend"
	"github.com/tribechat/internal/model"
)

func TestInsertAssignsServerFields(t *testing.T) {
	b := New()
	defer b.Close()
	key := model.DirectKey("c1")

	r1, err := b.InsertMessage(context.Background(), model.Message{Key: key, SenderID: "alice", Content: "one"})
	require.NoError(t, err)
	r2, err := b.InsertMessage(context.Background(), model.Message{Key: key, SenderID: "alice", Content: "two"})
	require.NoError(t, err)

	assert.NotEmpty(t, r1.ID)
	assert.NotEqual(t, r1.ID, r2.ID)
	assert.True(t, r2.CreatedAt.After(r1.CreatedAt), "server timestamps are strictly increasing")
	assert.Equal(t, model.DeliveryConfirmed, r1.State)
}

func TestSelectMessagesPagination(t *testing.T) {
	b := New()
	defer b.Close()
	key := model.DirectKey("c1")
	var rows []model.Message
	for i := 0; i < 5; i++ {
		r, err := b.InsertMessage(context.Background(), model.Message{Key: key, SenderID: "alice", Content: "m"})
		require.NoError(t, err)
		rows = append(rows, r)
	}

	page, err := b.SelectMessages(context.Background(), key, time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, rows[3].ID, page[0].ID)
	assert.Equal(t, rows[4].ID, page[1].ID)

	// The cutoff is inclusive: the boundary row itself stays in the page so
	// timestamp ties can never fall between pages.
	older, err := b.SelectMessages(context.Background(), key, page[0].CreatedAt, 2)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, rows[2].ID, older[0].ID)
	assert.Equal(t, rows[3].ID, older[1].ID)
}

func TestSubscribeDeliversInsertAndUpdate(t *testing.T) {
	b := New()
	defer b.Close()
	key := model.DirectKey("c1")
	events := make(chan backend.Event, 8)
	sub, err := b.Subscribe(context.Background(), key, func(ev backend.Event) { events <- ev })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	row, err := b.InsertMessage(context.Background(), model.Message{Key: key, SenderID: "alice", Content: "hi"})
	require.NoError(t, err)
	ev := <-events
	assert.Equal(t, backend.OpInsert, ev.Op)
	assert.Equal(t, row.ID, ev.Message.ID)

	_, err = b.InsertDeletion(context.Background(), model.Deletion{MessageID: row.ID, DeletedBy: "alice", Role: model.RoleMember})
	require.NoError(t, err)
	ev = <-events
	assert.Equal(t, backend.OpUpdate, ev.Op)
	assert.True(t, ev.Message.IsDeleted)
}

func TestSubscribeScopedToTopic(t *testing.T) {
	b := New()
	defer b.Close()
	events := make(chan backend.Event, 8)
	sub, err := b.Subscribe(context.Background(), model.DirectKey("c1"), func(ev backend.Event) { events <- ev })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = b.InsertMessage(context.Background(), model.Message{Key: model.DirectKey("c2"), SenderID: "alice", Content: "hi"})
	require.NoError(t, err)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for foreign topic: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeletionFirstWins(t *testing.T) {
	b := New()
	defer b.Close()
	key := model.DirectKey("c1")
	row, err := b.InsertMessage(context.Background(), model.Message{Key: key, SenderID: "alice", Content: "hi"})
	require.NoError(t, err)

	d1, err := b.InsertDeletion(context.Background(), model.Deletion{MessageID: row.ID, DeletedBy: "alice", Role: model.RoleMember})
	require.NoError(t, err)
	d2, err := b.InsertDeletion(context.Background(), model.Deletion{MessageID: row.ID, DeletedBy: "mod1", Role: model.RoleModerator})
	require.NoError(t, err)
	assert.Equal(t, d1, d2, "a second deletion returns the existing row")

	dels, err := b.SelectDeletions(context.Background(), []string{row.ID})
	require.NoError(t, err)
	require.Len(t, dels, 1)
	assert.Equal(t, "alice", dels[0].DeletedBy)
}

func TestReactionUniquePerUserEmoji(t *testing.T) {
	b := New()
	defer b.Close()
	key := model.DirectKey("c1")
	row, err := b.InsertMessage(context.Background(), model.Message{Key: key, SenderID: "alice", Content: "hi"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := b.InsertReaction(context.Background(), model.Reaction{MessageID: row.ID, UserID: "bob", Emoji: "👍"})
		require.NoError(t, err)
	}
	_, err = b.InsertReaction(context.Background(), model.Reaction{MessageID: row.ID, UserID: "carol", Emoji: "👍"})
	require.NoError(t, err)

	rcs, err := b.SelectReactions(context.Background(), []string{row.ID})
	require.NoError(t, err)
	assert.Len(t, rcs, 2)
}

func TestReactionUnknownMessage(t *testing.T) {
	b := New()
	defer b.Close()
	_, err := b.InsertReaction(context.Background(), model.Reaction{MessageID: "nope", UserID: "bob", Emoji: "👍"})
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestMemberRole(t *testing.T) {
	b := New()
	defer b.Close()
	b.SetMember("t1", "alice", model.RoleOwner)

	role, err := b.MemberRole(context.Background(), "t1", "alice")
	require.NoError(t, err)
	assert.Equal(t, model.RoleOwner, role)

	_, err = b.MemberRole(context.Background(), "t1", "bob")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}
