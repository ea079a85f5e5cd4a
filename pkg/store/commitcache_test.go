package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFinder struct {
	calls   int
	commits map[string][]Commit
	err     error
}

func (f *countingFinder) FindCommitsByRevision(_ context.Context, rev string) ([]Commit, error) {
	f.calls++

	if f.err != nil {
		return nil, f.err
	}

	return f.commits[rev], nil
}

func TestCachedCommitFinder(t *testing.T) {
	next := &countingFinder{commits: map[string][]Commit{
		"abc": {{RevisionNumber: "abc", Message: "hello"}},
	}}

	finder, err := NewCachedCommitFinder(next, 100, time.Minute)
	require.NoError(t, err)
	t.Cleanup(finder.Close)

	ctx := context.Background()

	got, err := finder.FindCommitsByRevision(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, got, 1)

	finder.cache.Wait()

	got, err = finder.FindCommitsByRevision(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "hello", got[0].Message)
	assert.Equal(t, 1, next.calls)

	// Misses are not cached.
	_, err = finder.FindCommitsByRevision(ctx, "missing")
	require.NoError(t, err)
	finder.cache.Wait()
	_, err = finder.FindCommitsByRevision(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, 3, next.calls)
}

func TestCachedCommitFinder_Error(t *testing.T) {
	boom := errors.New("boom")
	finder, err := NewCachedCommitFinder(&countingFinder{err: boom}, 10, time.Minute)
	require.NoError(t, err)
	t.Cleanup(finder.Close)

	_, err = finder.FindCommitsByRevision(context.Background(), "x")
	require.ErrorIs(t, err, boom)
}
