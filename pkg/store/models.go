package store

import "time"

// Collector types.
const (
	CollectorTypeBuild   = "Build"
	CollectorTypeSCM     = "SCM"
	CollectorTypeProduct = "Product"
)

// Option keys carried by collector items.
const (
	OptionProjectID   = "projectId"
	OptionDashboardID = "dashboardId"
	OptionInstanceURL = "instanceUrl"
	OptionJobName     = "jobName"
	OptionJobURL      = "jobUrl"
)

// Pipeline stage names.
const (
	StageCommit = "Commit"
	StageBuild  = "Build"
)

// Collector is a registered data source, e.g. one TeamCity collector.
type Collector struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	Name          string `gorm:"uniqueIndex;not null" json:"name"`
	CollectorType string `gorm:"index;not null" json:"collector_type"`
	Enabled       bool   `json:"enabled"`
	Online        bool   `json:"online"`
	LastExecuted  int64  `json:"last_executed"`
}

// CollectorItem is a tracked external entity of a collector, such as a
// build configuration or a dashboard's product tracker. ItemKey identifies
// the item within its collector.
type CollectorItem struct {
	ID          uint              `gorm:"primaryKey" json:"id"`
	CollectorID uint              `gorm:"not null;uniqueIndex:idx_item_key" json:"collector_id"`
	ItemKey     string            `gorm:"not null;uniqueIndex:idx_item_key" json:"item_key"`
	Description string            `json:"description"`
	NiceName    string            `json:"nice_name,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Enabled     bool              `json:"enabled"`
	Options     map[string]string `gorm:"serializer:json;type:text" json:"options"`
	LastUpdated int64             `json:"last_updated"`
}

// Option returns the named option or an empty string.
func (i *CollectorItem) Option(key string) string {
	if i.Options == nil {
		return ""
	}

	return i.Options[key]
}

// Component groups the collector items (build, scm, ...) of one application
// component.
type Component struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	Name           string          `gorm:"not null" json:"name"`
	CollectorItems []CollectorItem `gorm:"many2many:component_collector_items" json:"collector_items,omitempty"`
}

// Dashboard is a team dashboard whose application references components.
type Dashboard struct {
	ID              uint        `gorm:"primaryKey" json:"id"`
	Title           string      `gorm:"uniqueIndex;not null" json:"title"`
	ApplicationName string      `json:"application_name"`
	Components      []Component `gorm:"many2many:dashboard_components" json:"components,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Commit is one source-control change as recorded by an SCM collector.
type Commit struct {
	ID              uint   `gorm:"primaryKey" json:"-"`
	CollectorItemID uint   `gorm:"index" json:"collector_item_id,omitempty"`
	RevisionNumber  string `gorm:"not null;index" json:"scm_revision_number"`
	Author          string `json:"scm_author,omitempty"`
	Message         string `gorm:"type:text" json:"scm_commit_log,omitempty"`
	CommitTimestamp int64  `json:"scm_commit_timestamp"`
	URL             string `json:"scm_url,omitempty"`
	Branch          string `json:"scm_branch,omitempty"`
	NumberOfChanges int64  `json:"number_of_changes"`
}

// PipelineCommit is a commit annotated with the time it was observed in a
// stage. A zero Timestamp means it has not been attributed to a build.
type PipelineCommit struct {
	Commit
	Timestamp int64 `json:"timestamp"`
}

// NewPipelineCommit attaches a stage timestamp to a commit.
func NewPipelineCommit(c Commit, timestamp int64) PipelineCommit {
	return PipelineCommit{Commit: c, Timestamp: timestamp}
}

// WithTimestamp returns a copy of p stamped with timestamp; p is unchanged.
func (p PipelineCommit) WithTimestamp(timestamp int64) PipelineCommit {
	p.Timestamp = timestamp

	return p
}

// EnvironmentStage is the set of commits known to have reached a stage.
type EnvironmentStage struct {
	Commits CommitSet `json:"commits"`
}

// Pipeline tracks which commits reached which stage for one collector item.
type Pipeline struct {
	ID              uint                         `gorm:"primaryKey" json:"-"`
	CollectorItemID uint                         `gorm:"uniqueIndex;not null" json:"collector_item_id"`
	Stages          map[string]*EnvironmentStage `gorm:"serializer:json;type:text" json:"stages"`
	UpdatedAt       time.Time                    `json:"updated_at"`
}

// NewPipeline returns an empty pipeline for a collector item.
func NewPipeline(collectorItemID uint) *Pipeline {
	return &Pipeline{
		CollectorItemID: collectorItemID,
		Stages:          make(map[string]*EnvironmentStage, 2),
	}
}

// Stage returns the named stage, or nil when it was never recorded.
func (p *Pipeline) Stage(name string) *EnvironmentStage {
	if p.Stages == nil {
		return nil
	}

	return p.Stages[name]
}

// SetStage replaces the commits of the named stage.
func (p *Pipeline) SetStage(name string, commits CommitSet) {
	if p.Stages == nil {
		p.Stages = make(map[string]*EnvironmentStage, 2)
	}

	p.Stages[name] = &EnvironmentStage{Commits: commits}
}

// BuildStatus is the outcome of a finished build.
type BuildStatus string

// Build statuses.
const (
	BuildStatusSuccess  BuildStatus = "Success"
	BuildStatusUnstable BuildStatus = "Unstable"
	BuildStatusFailure  BuildStatus = "Failure"
	BuildStatusAborted  BuildStatus = "Aborted"
	BuildStatusUnknown  BuildStatus = "Unknown"
)

// ParseBuildStatus maps a CI status string such as "SUCCESS" onto a
// BuildStatus.
func ParseBuildStatus(status string) BuildStatus {
	switch status {
	case "SUCCESS":
		return BuildStatusSuccess
	case "UNSTABLE":
		return BuildStatusUnstable
	case "FAILURE":
		return BuildStatusFailure
	case "ABORTED":
		return BuildStatusAborted
	default:
		return BuildStatusUnknown
	}
}

// RepoType is the kind of source-control system of a RepoBranch.
type RepoType string

// Repository types.
const (
	RepoTypeGit     RepoType = "GIT"
	RepoTypeSVN     RepoType = "SVN"
	RepoTypeUnknown RepoType = "Unknown"
)

// ParseRepoType maps a changeset kind such as "git" onto a RepoType.
func ParseRepoType(kind string) RepoType {
	switch kind {
	case "git", "GIT", "jetbrains.git":
		return RepoTypeGit
	case "svn", "SVN":
		return RepoTypeSVN
	default:
		return RepoTypeUnknown
	}
}

// RepoBranch is a repository location a build was associated with.
type RepoBranch struct {
	URL    string   `json:"url"`
	Branch string   `json:"branch"`
	Type   RepoType `json:"type"`
}

// Build is one finished run of a build configuration.
type Build struct {
	ID              uint         `gorm:"primaryKey" json:"-"`
	CollectorItemID uint         `gorm:"not null;uniqueIndex:idx_build_item_number" json:"collector_item_id"`
	Number          string       `gorm:"not null;uniqueIndex:idx_build_item_number" json:"number"`
	BuildURL        string       `json:"build_url"`
	Status          BuildStatus  `gorm:"index" json:"build_status"`
	StartTime       int64        `json:"start_time"`
	EndTime         int64        `json:"end_time"`
	Duration        int64        `json:"duration"`
	Timestamp       int64        `json:"timestamp"`
	CodeRepos       []RepoBranch `gorm:"serializer:json;type:text" json:"code_repos"`
	SourceChangeSet []Commit     `gorm:"serializer:json;type:text" json:"source_change_set"`
}

// PipelineCommits returns the build's change-set stamped with the build's
// start time.
func (b *Build) PipelineCommits() []PipelineCommit {
	commits := make([]PipelineCommit, 0, len(b.SourceChangeSet))
	for _, c := range b.SourceChangeSet {
		commits = append(commits, NewPipelineCommit(c, b.StartTime))
	}

	return commits
}
