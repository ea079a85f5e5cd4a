package scm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnqualifiedBranch(t *testing.T) {
	tests := []struct {
		name     string
		branch   string
		expected string
	}{
		{name: "refs remotes", branch: "refs/remotes/origin/feature/x", expected: "feature/x"},
		{name: "remotes", branch: "remotes/upstream/main", expected: "main"},
		{name: "numbered origin", branch: "origin2/release", expected: "release"},
		{name: "origin", branch: "origin/hotfix/1.2", expected: "hotfix/1.2"},
		{name: "plain", branch: "develop", expected: "develop"},
		{name: "origin-like prefix kept", branch: "originals/foo", expected: "originals/foo"},
		{name: "refs heads untouched", branch: "refs/heads/main", expected: "refs/heads/main"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, UnqualifiedBranch(tt.branch))
		})
	}
}

func TestTrimGitSuffix(t *testing.T) {
	assert.Equal(t, "https://github.com/org/repo", TrimGitSuffix("https://github.com/org/repo.git"))
	assert.Equal(t, "https://github.com/org/repo", TrimGitSuffix("https://github.com/org/repo"))
	assert.Equal(t, "git@github.com:org/repo", TrimGitSuffix("git@github.com:org/repo.git"))
}

func TestMillis_TeamCity(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected int64
	}{
		{
			name:     "utc",
			raw:      "20240131T101500+0000",
			expected: time.Date(2024, 1, 31, 10, 15, 0, 0, time.UTC).UnixMilli(),
		},
		{
			name:     "positive offset",
			raw:      "20240131T101500+0200",
			expected: time.Date(2024, 1, 31, 8, 15, 0, 0, time.UTC).UnixMilli(),
		},
		{
			name:     "negative offset with minutes",
			raw:      "20240131T101500-0530",
			expected: time.Date(2024, 1, 31, 15, 45, 0, 0, time.UTC).UnixMilli(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Millis(tt.raw, LayoutTeamCity)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestMillis_TeamCityMalformed(t *testing.T) {
	for _, raw := range []string{"", "20240131T101500", "2024-01-31T10:15:00+0000", "20241331T101500+0000", "20240131T101500+xx00"} {
		t.Run(raw, func(t *testing.T) {
			got, err := Millis(raw, LayoutTeamCity)
			require.ErrorIs(t, err, ErrUnparseableTime)
			assert.Zero(t, got)
		})
	}
}

func TestMillis_ChangeSet(t *testing.T) {
	t.Run("iso without zone is local", func(t *testing.T) {
		got, err := Millis("2024-01-31T10:15:00.250", LayoutChangeSet)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 1, 31, 10, 15, 0, 250e6, time.Local).UnixMilli(), got)
	})

	t.Run("git form with zone", func(t *testing.T) {
		got, err := Millis("2024-01-31 10:15:00 +0100", LayoutChangeSet)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 1, 31, 9, 15, 0, 0, time.UTC).UnixMilli(), got)
	})

	t.Run("garbage", func(t *testing.T) {
		got, err := Millis("yesterday", LayoutChangeSet)
		require.ErrorIs(t, err, ErrUnparseableTime)
		assert.Zero(t, got)
	})
}
