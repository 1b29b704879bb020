package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribechat/internal/model"
)

func TestHydrateDeletionHidesContentKeepsPosition(t *testing.T) {
	list := []model.Message{msg("a", t0), msg("b", t0.Add(time.Second))}
	dels := []model.Deletion{{MessageID: "a", DeletedBy: "mod1", Role: model.RoleModerator}}

	out := Hydrate(list, dels, nil)

	assert.Equal(t, []string{"a", "b"}, ids(out))
	assert.True(t, out[0].IsDeleted)
	assert.Equal(t, model.RoleModerator, out[0].DeletedBy)
	assert.Empty(t, out[0].DisplayContent())
	assert.Empty(t, out[0].DisplayMediaURL())
	assert.Equal(t, "hello b", out[1].DisplayContent())
	// The raw row is untouched, only the projection changes.
	assert.False(t, list[0].IsDeleted)
}

func TestHydrateFirstDeletionWins(t *testing.T) {
	list := []model.Message{msg("a", t0)}
	dels := []model.Deletion{
		{MessageID: "a", DeletedBy: "alice", Role: model.RoleMember},
		{MessageID: "a", DeletedBy: "mod1", Role: model.RoleModerator},
	}

	out := Hydrate(list, dels, nil)
	assert.Equal(t, model.RoleMember, out[0].DeletedBy)
}

func TestHydrateTalliesReactions(t *testing.T) {
	list := []model.Message{msg("a", t0), msg("b", t0.Add(time.Second))}
	rcs := []model.Reaction{
		{MessageID: "a", UserID: "alice", Emoji: "👍"},
		{MessageID: "a", UserID: "bob", Emoji: "👍"},
		{MessageID: "a", UserID: "bob", Emoji: "🔥"},
	}

	out := Hydrate(list, nil, rcs)

	assert.Equal(t, map[string]int{"👍": 2, "🔥": 1}, out[0].Reactions)
	assert.Empty(t, out[1].Reactions)
}

func TestHydrateKeepsRowCarriedDeletedFlag(t *testing.T) {
	// An update event can mark the row deleted before the log fetch lands.
	m := msg("a", t0)
	m.IsDeleted = true
	out := Hydrate([]model.Message{m}, nil, []model.Reaction{{MessageID: "a", UserID: "bob", Emoji: "👍"}})

	assert.True(t, out[0].IsDeleted)
}

func TestResolveReplies(t *testing.T) {
	parent := "a"
	gone := "missing"
	reply := msg("b", t0.Add(time.Second))
	reply.ReplyToID = &parent
	dangling := msg("c", t0.Add(2*time.Second))
	dangling.ReplyToID = &gone

	out := ResolveReplies([]model.Message{msg("a", t0), reply, dangling})

	require.NotNil(t, out[1].ReplyTo)
	assert.Equal(t, "a", out[1].ReplyTo.ID)
	assert.Equal(t, "alice", out[1].ReplyTo.SenderID)
	assert.Equal(t, "hello a", out[1].ReplyTo.Content)
	assert.Nil(t, out[2].ReplyTo, "target outside the loaded window yields no preview")
}

func TestResolveRepliesDeletedTargetBlanksPreview(t *testing.T) {
	parent := "a"
	reply := msg("b", t0.Add(time.Second))
	reply.ReplyToID = &parent
	list := Hydrate(
		[]model.Message{msg("a", t0), reply},
		[]model.Deletion{{MessageID: "a", DeletedBy: "alice", Role: model.RoleMember}},
		nil,
	)

	out := ResolveReplies(list)

	require.NotNil(t, out[1].ReplyTo)
	assert.Empty(t, out[1].ReplyTo.Content)
	assert.Empty(t, out[1].ReplyTo.MediaURL)
}
