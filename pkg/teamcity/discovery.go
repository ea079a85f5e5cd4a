package teamcity

import (
	"context"
	"fmt"
)

// Reasons a discovery branch was not walked.
const (
	SkipReasonFetchFailed = "fetch failed"
	SkipReasonVisited     = "already visited"
	SkipReasonMaxDepth    = "max depth exceeded"
)

const (
	deploymentProperty = "buildConfigurationType"
	deploymentValue    = "DEPLOYMENT"
)

// BuildConfiguration is a leaf build definition ("build type").
type BuildConfiguration struct {
	ID        string
	Name      string
	ProjectID string
	WebURL    string

	// RootProjectID is the configured root the configuration was found under.
	RootProjectID string
}

// SkippedBranch is a project that was not walked.
type SkippedBranch struct {
	ProjectID string
	Depth     int
	Reason    string
	Err       error
}

// DiscoveryResult is the outcome of walking one root project.
type DiscoveryResult struct {
	Configurations []BuildConfiguration
	Skipped        []SkippedBranch

	// FailOpen lists configurations whose deployment flag could not be read
	// and were therefore included.
	FailOpen []string
}

type walkResult struct {
	buildTypes []buildTypeRef
	skipped    []SkippedBranch
}

func (w *walkResult) merge(other walkResult) {
	w.buildTypes = append(w.buildTypes, other.buildTypes...)
	w.skipped = append(w.skipped, other.skipped...)
}

// Discover walks the project tree below rootProjectID and returns every
// non-deployment build configuration. The root is at depth 0; projects deeper
// than maxDepth are not fetched. A failing branch is recorded in Skipped and
// its siblings are still walked.
func (c *Client) Discover(
	ctx context.Context, rootProjectID string, maxDepth int,
) *DiscoveryResult {
	visited := make(map[string]struct{}, 16)

	walked := c.walk(ctx, rootProjectID, 0, maxDepth, visited)

	result := &DiscoveryResult{
		Configurations: make([]BuildConfiguration, 0, len(walked.buildTypes)),
		Skipped:        walked.skipped,
	}

	seen := make(map[string]struct{}, len(walked.buildTypes))

	for _, bt := range walked.buildTypes {
		if _, dup := seen[bt.ID]; dup {
			continue
		}

		seen[bt.ID] = struct{}{}

		if ctx.Err() != nil {
			break
		}

		deployment, err := c.isDeployment(ctx, bt.ID)
		if err != nil {
			c.log.WithError(err).
				WithField("build_type_id", bt.ID).
				Warn("Could not read deployment flag, including configuration")

			result.FailOpen = append(result.FailOpen, bt.ID)
		}

		if deployment {
			c.log.WithField("build_type_id", bt.ID).
				Debug("Skipping deployment configuration")

			continue
		}

		result.Configurations = append(result.Configurations, BuildConfiguration{
			ID:            bt.ID,
			Name:          bt.Name,
			ProjectID:     bt.ProjectID,
			WebURL:        bt.WebURL,
			RootProjectID: rootProjectID,
		})
	}

	return result
}

func (c *Client) walk(
	ctx context.Context,
	projectID string,
	depth, maxDepth int,
	visited map[string]struct{},
) walkResult {
	if _, ok := visited[projectID]; ok {
		return walkResult{skipped: []SkippedBranch{{
			ProjectID: projectID, Depth: depth, Reason: SkipReasonVisited,
		}}}
	}

	if depth > maxDepth {
		return walkResult{skipped: []SkippedBranch{{
			ProjectID: projectID, Depth: depth, Reason: SkipReasonMaxDepth,
		}}}
	}

	visited[projectID] = struct{}{}

	var project projectPayload

	url := JoinURL(c.opts.InstanceURL, projectsPath, "id:"+projectID)
	if err := c.getJSON(ctx, url, &project); err != nil {
		c.log.WithError(err).
			WithField("project_id", projectID).
			Warn("Failed to fetch project, skipping branch")

		return walkResult{skipped: []SkippedBranch{{
			ProjectID: projectID, Depth: depth, Reason: SkipReasonFetchFailed, Err: err,
		}}}
	}

	result := walkResult{buildTypes: project.BuildTypes.BuildType}

	for _, sub := range project.Projects.Project {
		if sub.ID == "" || ctx.Err() != nil {
			continue
		}

		result.merge(c.walk(ctx, sub.ID, depth+1, maxDepth, visited))
	}

	return result
}

// isDeployment reports whether the configuration's
// buildConfigurationType setting is DEPLOYMENT.
func (c *Client) isDeployment(ctx context.Context, buildTypeID string) (bool, error) {
	var bt buildTypePayload

	url := JoinURL(c.opts.InstanceURL, fmt.Sprintf("%s/id:%s", buildTypesPath, buildTypeID))
	if err := c.getJSON(ctx, url, &bt); err != nil {
		return false, err
	}

	for _, p := range bt.Settings.Property {
		if p.Name == deploymentProperty {
			return p.Value == deploymentValue, nil
		}
	}

	return false, nil
}
