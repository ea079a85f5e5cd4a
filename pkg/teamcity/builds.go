package teamcity

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/buildstage/pkg/scm"
	"github.com/ethpandaops/buildstage/pkg/store"
)

// PageSize is the number of builds requested per page.
const PageSize = 100

const stateFinished = "finished"

// BuildSummary is a build as listed for a configuration. Number is the
// build id, matching store.Build.Number.
type BuildSummary struct {
	ID     int64
	Number string
	Status store.BuildStatus

	// URL is the locator form, <instance>/app/rest/builds?locator=id:<id>.
	URL string
}

// ListBuilds pages through all builds of a configuration until an empty page
// and returns them deduplicated by id in first-seen order. On a failed page
// the builds gathered so far are returned with the error.
func (c *Client) ListBuilds(ctx context.Context, buildTypeID string) ([]BuildSummary, error) {
	var (
		builds []BuildSummary
		seen   = make(map[int64]struct{}, PageSize)
	)

	for start := 0; ; start += PageSize {
		var page buildsPage

		url := fmt.Sprintf("%s?locator=buildType:%s,count:%d,start:%d",
			JoinURL(c.opts.InstanceURL, buildsPath), buildTypeID, PageSize, start)

		if err := c.getJSON(ctx, url, &page); err != nil {
			return builds, fmt.Errorf("listing builds of %s at offset %d: %w", buildTypeID, start, err)
		}

		if len(page.Build) == 0 {
			return builds, nil
		}

		added := 0

		for _, b := range page.Build {
			if _, ok := seen[b.ID]; ok {
				continue
			}

			seen[b.ID] = struct{}{}
			added++

			builds = append(builds, BuildSummary{
				ID:     b.ID,
				Number: strconv.FormatInt(b.ID, 10),
				URL:    summaryURL(c.opts.InstanceURL, b.ID),
				Status: store.ParseBuildStatus(b.Status),
			})
		}

		// A server ignoring the start offset would repeat the same page.
		if added == 0 {
			c.log.WithField("build_type_id", buildTypeID).
				Warn("Build page contained no new builds, stopping pagination")

			return builds, nil
		}
	}
}

// GetBuildDetail fetches one build by its summary URL. It returns nil
// without error when the build has not finished yet.
func (c *Client) GetBuildDetail(ctx context.Context, buildURL string) (*store.Build, error) {
	formatted, err := FormatBuildURL(buildURL)
	if err != nil {
		return nil, err
	}

	target, err := RebuildURL(formatted, c.opts.InstanceURL)
	if err != nil {
		return nil, err
	}

	var payload buildPayload
	if err := c.getJSON(ctx, target, &payload); err != nil {
		return nil, fmt.Errorf("fetching build detail: %w", err)
	}

	if payload.State != stateFinished {
		return nil, nil
	}

	log := c.log.WithField("build_id", payload.ID)

	start := c.millis(log, payload.StartDate)
	end := c.millis(log, payload.FinishDate)
	duration := end - start

	build := &store.Build{
		Number:    strconv.FormatInt(payload.ID, 10),
		BuildURL:  formatted,
		Status:    store.ParseBuildStatus(payload.Status),
		StartTime: start,
		EndTime:   start + duration,
		Duration:  duration,
		Timestamp: c.now().UnixMilli(),
		CodeRepos: gitRepoBranches(payload.Actions),
	}

	if len(payload.ChangeSets) > 0 {
		commits, repos := parseChangeSets(log, payload.ChangeSets)
		build.SourceChangeSet = commits
		build.CodeRepos = append(build.CodeRepos, repos...)

		return build, nil
	}

	if payload.Revisions != nil {
		c.attachRevision(ctx, log, build, payload.Revisions.Revision)
	}

	return build, nil
}

func (c *Client) millis(log logrus.FieldLogger, raw string) int64 {
	ms, err := scm.Millis(raw, scm.LayoutTeamCity)
	if err != nil {
		log.WithError(err).Debug("Unparseable build date")
	}

	return ms
}

// attachRevision looks up the first revision in the commit store and makes
// the match the build's only change-set entry.
func (c *Client) attachRevision(
	ctx context.Context,
	log logrus.FieldLogger,
	build *store.Build,
	revisions []revisionRef,
) {
	if len(revisions) == 0 {
		log.Warn("No revision detected for build")

		return
	}

	if len(revisions) > 1 {
		log.WithField("revisions", len(revisions)).
			Warn("Multiple revisions detected for build, considering the first")
	}

	version := revisions[0].Version
	if version == "" || c.commits == nil {
		return
	}

	log = log.WithField("revision", version)

	matched, err := c.commits.FindCommitsByRevision(ctx, version)
	if err != nil {
		log.WithError(err).Warn("Commit lookup failed, build has no change set")

		return
	}

	if len(matched) == 0 {
		log.Warn("Commit not found in commit store, skipping it this time")

		return
	}

	build.SourceChangeSet = []store.Commit{matched[0]}
}

// gitRepoBranches pairs every remote URL of an action with every branch of
// its last built revision. The payload does not say which URL a branch
// belongs to.
func gitRepoBranches(actions []buildAction) []store.RepoBranch {
	var repos []store.RepoBranch

	for _, a := range actions {
		if len(a.RemoteURLs) == 0 || a.LastBuiltRevision == nil {
			continue
		}

		for _, remote := range a.RemoteURLs {
			if remote == "" {
				continue
			}

			remote = scm.TrimGitSuffix(remote)

			for _, br := range a.LastBuiltRevision.Branch {
				if br.Name == "" {
					continue
				}

				repos = append(repos, store.RepoBranch{
					URL:    remote,
					Branch: scm.UnqualifiedBranch(br.Name),
					Type:   store.RepoTypeGit,
				})
			}
		}
	}

	return repos
}
