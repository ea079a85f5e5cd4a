package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// CommitFinder looks up commits by revision number.
type CommitFinder interface {
	FindCommitsByRevision(ctx context.Context, revision string) ([]Commit, error)
}

// CachedCommitFinder memoizes revision lookups for a bounded time. Only
// non-empty results are cached, so commits arriving later are still found.
type CachedCommitFinder struct {
	next  CommitFinder
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewCachedCommitFinder wraps next with an in-memory cache holding up to
// maxCommits commits for ttl each.
func NewCachedCommitFinder(
	next CommitFinder, maxCommits int64, ttl time.Duration,
) (*CachedCommitFinder, error) {
	// Cost counts commits, not bytes.
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:            maxCommits * 10,
		MaxCost:                maxCommits,
		BufferItems:            64,
		IgnoreInternalCost:     true,
		TtlTickerDurationInSec: 60,
	})
	if err != nil {
		return nil, fmt.Errorf("creating commit cache: %w", err)
	}

	return &CachedCommitFinder{
		next:  next,
		cache: cache,
		ttl:   ttl,
	}, nil
}

// FindCommitsByRevision returns the cached commits for revision, falling
// back to the wrapped finder.
func (c *CachedCommitFinder) FindCommitsByRevision(
	ctx context.Context, revision string,
) ([]Commit, error) {
	if v, ok := c.cache.Get(revision); ok {
		if commits, ok := v.([]Commit); ok {
			return commits, nil
		}
	}

	commits, err := c.next.FindCommitsByRevision(ctx, revision)
	if err != nil {
		return nil, err
	}

	if len(commits) > 0 {
		c.cache.SetWithTTL(revision, commits, int64(len(commits)), c.ttl)
	}

	return commits, nil
}

// Close releases the cache.
func (c *CachedCommitFinder) Close() {
	c.cache.Close()
}
