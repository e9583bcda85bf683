package model

import "time"

// CacheTTL is the lifetime of a generated manifest in the similarity cache
const CacheTTL = 7 * 24 * time.Hour

// CacheEntry is one (embedding, manifest) pair in the similarity cache
type CacheEntry struct {
	Key         string
	Embedding   Embedding
	Text        string
	Manifest    *Manifest
	CreatedAt   time.Time
	AccessCount int64
	LastAccess  time.Time

	// Zero for featured entries, which never expire
	ExpiresAt time.Time
	Featured  bool
}

// Expired reports whether the entry has passed its TTL at now
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.Featured && !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}
