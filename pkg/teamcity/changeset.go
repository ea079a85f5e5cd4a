package teamcity

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/buildstage/pkg/scm"
	"github.com/ethpandaops/buildstage/pkg/store"
)

type changeSetAuthor struct {
	FullName string `mapstructure:"fullName"`
}

// changeSetItem fields are decoded weakly: revision may arrive as a number
// or a string.
type changeSetItem struct {
	Revision  string           `mapstructure:"revision"`
	ID        string           `mapstructure:"id"`
	Author    *changeSetAuthor `mapstructure:"author"`
	User      string           `mapstructure:"user"`
	Msg       string           `mapstructure:"msg"`
	Timestamp *int64           `mapstructure:"timestamp"`
	Date      string           `mapstructure:"date"`
	Paths     []any            `mapstructure:"paths"`
}

type changeSetRevision struct {
	Revision string `mapstructure:"revision"`
	Module   string `mapstructure:"module"`
}

// changeSet keeps items raw so each one is decoded on its own.
type changeSet struct {
	Kind      string              `mapstructure:"kind"`
	Items     []any               `mapstructure:"items"`
	Revisions []changeSetRevision `mapstructure:"revisions"`
}

func (i *changeSetItem) revision() string {
	if i.Revision != "" {
		return i.Revision
	}

	return i.ID
}

func (i *changeSetItem) author() string {
	if i.Author != nil {
		return i.Author.FullName
	}

	return i.User
}

func (i *changeSetItem) timestamp(log logrus.FieldLogger) int64 {
	if i.Timestamp != nil {
		return *i.Timestamp
	}

	if i.Date == "" {
		return 0
	}

	ms, err := scm.Millis(i.Date, scm.LayoutChangeSet)
	if err != nil {
		log.WithError(err).Debug("Unparseable change set date")
	}

	return ms
}

func decodeWeak(input, result any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           result,
	})
	if err != nil {
		return fmt.Errorf("creating decoder: %w", err)
	}

	return dec.Decode(input)
}

// parseChangeSets turns raw change sets into commits, deduplicated by
// revision across all sets, and the repositories their revisions name.
// Malformed sets and items are logged and skipped.
func parseChangeSets(
	log logrus.FieldLogger, raw []map[string]any,
) ([]store.Commit, []store.RepoBranch) {
	var (
		commits []store.Commit
		repos   []store.RepoBranch
		seen    = make(map[string]struct{}, 8)
	)

	for n, rawSet := range raw {
		var set changeSet
		if err := decodeWeak(rawSet, &set); err != nil {
			log.WithError(err).WithField("change_set", n).Warn("Skipping malformed change set")

			continue
		}

		repoType := store.ParseRepoType(set.Kind)
		byRevision := make(map[string]store.RepoBranch, len(set.Revisions))

		for _, rev := range set.Revisions {
			if rev.Revision == "" {
				continue
			}

			rb := store.RepoBranch{URL: scm.TrimGitSuffix(rev.Module), Type: repoType}
			byRevision[rev.Revision] = rb
			repos = append(repos, rb)
		}

		for i, rawItem := range set.Items {
			var item changeSetItem
			if err := decodeWeak(rawItem, &item); err != nil {
				log.WithError(err).
					WithField("change_set", n).
					WithField("item", i).
					Warn("Skipping malformed change set item")

				continue
			}

			id := item.revision()
			if id == "" {
				continue
			}

			if _, dup := seen[id]; dup {
				continue
			}

			seen[id] = struct{}{}

			commit := store.Commit{
				RevisionNumber:  id,
				Author:          item.author(),
				Message:         item.Msg,
				CommitTimestamp: item.timestamp(log),
				NumberOfChanges: int64(len(item.Paths)),
			}

			if rb, ok := byRevision[id]; ok {
				commit.URL = rb.URL
				commit.Branch = rb.Branch
			}

			commits = append(commits, commit)
		}
	}

	return commits, repos
}
