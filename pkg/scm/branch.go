// Package scm normalizes source-control metadata reported by CI servers:
// qualified branch names, repository URLs and vendor timestamps.
package scm

import (
	"regexp"
	"strings"
)

// qualifiedBranch matches, in order of precedence:
//
//	refs/remotes/<remote>/<branch>
//	remotes/<remote>/<branch>
//	origin[N]/<branch>
//	<branch>
var qualifiedBranch = regexp.MustCompile(`^(?:(?:refs/)?remotes/[^/]+/(.*)|(?:origin[0-9]*/)?(.*))$`)

// UnqualifiedBranch strips remote qualifiers from a branch name.
func UnqualifiedBranch(branch string) string {
	idx := qualifiedBranch.FindStringSubmatchIndex(branch)
	if idx == nil {
		return branch
	}

	// The alternatives are exclusive; whichever group participated wins.
	if idx[2] >= 0 {
		return branch[idx[2]:idx[3]]
	}

	if idx[4] >= 0 {
		return branch[idx[4]:idx[5]]
	}

	return branch
}

// TrimGitSuffix removes a trailing ".git" from a repository URL.
func TrimGitSuffix(url string) string {
	return strings.TrimSuffix(url, ".git")
}
