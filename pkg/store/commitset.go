package store

import (
	"encoding/json"
	"fmt"
)

// CommitSet is an insertion-ordered set of pipeline commits keyed by
// revision number. The first commit added for a revision is kept.
type CommitSet struct {
	commits []PipelineCommit
	index   map[string]int
}

// NewCommitSet builds a set from commits, dropping repeated revisions.
func NewCommitSet(commits ...PipelineCommit) CommitSet {
	s := CommitSet{
		commits: make([]PipelineCommit, 0, len(commits)),
		index:   make(map[string]int, len(commits)),
	}

	for _, c := range commits {
		s.Add(c)
	}

	return s
}

// Add inserts c unless its revision is already present. It reports whether
// the set changed.
func (s *CommitSet) Add(c PipelineCommit) bool {
	if s.index == nil {
		s.index = make(map[string]int, 8)
	}

	if _, ok := s.index[c.RevisionNumber]; ok {
		return false
	}

	s.index[c.RevisionNumber] = len(s.commits)
	s.commits = append(s.commits, c)

	return true
}

// Get returns the commit stored for revision.
func (s CommitSet) Get(revision string) (PipelineCommit, bool) {
	i, ok := s.index[revision]
	if !ok {
		return PipelineCommit{}, false
	}

	return s.commits[i], true
}

// Len returns the number of commits.
func (s CommitSet) Len() int {
	return len(s.commits)
}

// Slice returns a copy of the commits in insertion order.
func (s CommitSet) Slice() []PipelineCommit {
	out := make([]PipelineCommit, len(s.commits))
	copy(out, s.commits)

	return out
}

// MarshalJSON encodes the set as an array.
func (s CommitSet) MarshalJSON() ([]byte, error) {
	if s.commits == nil {
		return []byte("[]"), nil
	}

	return json.Marshal(s.commits)
}

// UnmarshalJSON decodes an array, dropping repeated revisions.
func (s *CommitSet) UnmarshalJSON(data []byte) error {
	var commits []PipelineCommit
	if err := json.Unmarshal(data, &commits); err != nil {
		return fmt.Errorf("decoding commit set: %w", err)
	}

	*s = NewCommitSet(commits...)

	return nil
}
