package model

import "strings"

type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindTribe  ConversationKind = "tribe"
)

// ConversationKey identifies the thread a message belongs to: a 1:1
// conversation id, or a (tribe, channel) pair for tribe chat.
type ConversationKey struct {
	Kind           ConversationKind `json:"kind"`
	ConversationID string           `json:"conversation_id,omitempty"`
	TribeID        string           `json:"tribe_id,omitempty"`
	ChannelID      string           `json:"channel_id,omitempty"`
}

func DirectKey(conversationID string) ConversationKey {
	return ConversationKey{Kind: KindDirect, ConversationID: conversationID}
}

func TribeKey(tribeID, channelID string) ConversationKey {
	return ConversationKey{Kind: KindTribe, TribeID: tribeID, ChannelID: channelID}
}

// Topic returns the subscription topic for this key. Used as the realtime
// predicate and as cache key suffix.
func (k ConversationKey) Topic() string {
	if k.Kind == KindTribe {
		return "tribe:" + k.TribeID + ":" + k.ChannelID
	}
	return "direct:" + k.ConversationID
}

func (k ConversationKey) IsZero() bool {
	return k.ConversationID == "" && k.TribeID == "" && k.ChannelID == ""
}

// ParseTopic is the inverse of Topic. Unknown formats yield a zero key.
func ParseTopic(topic string) ConversationKey {
	parts := strings.Split(topic, ":")
	switch {
	case len(parts) == 2 && parts[0] == "direct":
		return DirectKey(parts[1])
	case len(parts) == 3 && parts[0] == "tribe":
		return TribeKey(parts[1], parts[2])
	}
	return ConversationKey{}
}

type TribeRole string

const (
	RoleOwner     TribeRole = "owner"
	RoleModerator TribeRole = "moderator"
	RoleMember    TribeRole = "member"
)

// CanModerate reports whether the role may delete other members' messages.
func (r TribeRole) CanModerate() bool {
	return r == RoleOwner || r == RoleModerator
}
