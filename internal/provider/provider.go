// Package provider implements the calendar backend clients. Each provider
// exposes the same change-feed surface: pull a page of changes from a cursor,
// rebuild a baseline when the cursor is gone, and manage the push channel that
// tells us when to pull.
package provider

import (
	"calsync-go/internal/calsync"
	"calsync-go/internal/model"
)

// Registry maps providers to their change feeds.
type Registry map[model.Provider]calsync.ChangeFeed

// Feed returns the change feed for p, or nil if none is registered.
func (r Registry) Feed(p model.Provider) calsync.ChangeFeed {
	return r[p]
}
