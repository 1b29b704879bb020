// Package cache holds the recent-page cache: the last loaded page of a
// conversation is kept so reopening a screen renders instantly, then gets
// reconciled against the authoritative load. Implementations: redis (shared
// across client processes), memory (default, single process).
package cache

import (
	"context"

	"github.com/tribechat/internal/model"
)

// PageCache stores one message page per conversation topic. A miss returns
// (nil, nil); cache failures are never fatal to the screen.
type PageCache interface {
	GetPage(ctx context.Context, topic string) ([]model.Message, error)
	SetPage(ctx context.Context, topic string, page []model.Message) error
	Close() error
}
