package stream

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tribechat/internal/model"
)

// clientTokenPrefix keeps client tokens disjoint from backend row ids, which
// are bare UUIDs.
const clientTokenPrefix = "pending-"

// NewClientToken mints a temporary id for an in-flight local send.
func NewClientToken() string {
	return clientTokenPrefix + uuid.New().String()
}

// IsClientToken reports whether id is a temporary client token rather than a
// backend-assigned id.
func IsClientToken(id string) bool {
	return strings.HasPrefix(id, clientTokenPrefix)
}

// Confirm transitions a pending send to its confirmed row: the entry holding
// the client token is removed and the authoritative row is merged in, in one
// step, so the list never shows both. When the backend echo comes back without
// the requested content or media (some providers return a sparse row), the
// pending payload is carried over.
//
// Confirm is idempotent: an already-removed token is ignored, and a duplicate
// confirmation for an already-present row inserts nothing.
func Confirm(list []model.Message, token string, confirmed model.Message) []model.Message {
	confirmed.State = model.DeliveryConfirmed
	if i := IndexOf(list, token); i >= 0 {
		pending := list[i]
		if confirmed.Content == "" {
			confirmed.Content = pending.Content
		}
		if confirmed.MediaURL == "" {
			confirmed.MediaURL = pending.MediaURL
		}
		if confirmed.ReplyToID == nil {
			confirmed.ReplyToID = pending.ReplyToID
		}
		list = Remove(list, token)
	}
	return Insert(list, confirmed)
}

// Rollback drops a pending send whose backend write failed. A token that was
// already confirmed or never rendered is ignored.
func Rollback(list []model.Message, token string) []model.Message {
	return Remove(list, token)
}
