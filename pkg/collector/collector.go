// Package collector runs scheduled collection passes against TeamCity
// servers and feeds the observed build commits into pipelines.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/buildstage/pkg/config"
	"github.com/ethpandaops/buildstage/pkg/pipeline"
	"github.com/ethpandaops/buildstage/pkg/store"
	"github.com/ethpandaops/buildstage/pkg/teamcity"
)

// Name is the name the TeamCity collector is registered under.
const Name = "TeamCity"

// Source is the TeamCity surface used by a collection run.
type Source interface {
	InstanceURL() string
	Discover(ctx context.Context, rootProjectID string, maxDepth int) *teamcity.DiscoveryResult
	ListBuilds(ctx context.Context, buildTypeID string) ([]teamcity.BuildSummary, error)
	GetBuildDetail(ctx context.Context, buildURL string) (*store.Build, error)
}

// Server pairs a configured TeamCity server with its client.
type Server struct {
	Config config.ServerConfig
	Source Source
}

// Exporter publishes pipeline state after a run.
type Exporter interface {
	Export(ctx context.Context) error
}

// Options configures a Collector.
type Options struct {
	Store       store.Store
	Reconciler  *pipeline.Reconciler
	Servers     []Server
	FolderDepth int
	Schedule    string
	Concurrency int
	Metrics     *Metrics
	Exporter    Exporter
}

// RunSummary describes one collection run.
type RunSummary struct {
	Configurations int
	NewBuilds      int
	Skipped        []teamcity.SkippedBranch
	Outcomes       []pipeline.Outcome
	Duration       time.Duration
}

// Collector runs collection passes, either on a schedule or once.
type Collector interface {
	Start(ctx context.Context) error
	Stop() error
	RunOnce(ctx context.Context) (*RunSummary, error)
}

// Compile-time interface check.
var _ Collector = (*collector)(nil)

type collector struct {
	log   logrus.FieldLogger
	opts  Options
	cron  *cron.Cron
	done  chan struct{}
	wg    sync.WaitGroup
	runMu sync.Mutex
	now   func() time.Time
}

// New creates a collector.
func New(log logrus.FieldLogger, opts Options) Collector {
	if opts.Concurrency <= 0 {
		opts.Concurrency = config.DefaultConcurrency
	}

	if opts.Schedule == "" {
		opts.Schedule = config.DefaultSchedule
	}

	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}

	l := log.WithField("component", "collector")

	return &collector{
		log:  l,
		opts: opts,
		cron: cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(l)))),
		done: make(chan struct{}),
		now:  time.Now,
	}
}

// Start runs one pass immediately in the background and schedules further
// passes. A scheduled pass is skipped while the previous one still runs.
func (c *collector) Start(ctx context.Context) error {
	if _, err := cron.ParseStandard(c.opts.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", c.opts.Schedule, err)
	}

	if _, err := c.cron.AddFunc(c.opts.Schedule, func() { c.scheduledRun(ctx) }); err != nil {
		return fmt.Errorf("scheduling collector: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"schedule":    c.opts.Schedule,
		"concurrency": c.opts.Concurrency,
		"servers":     len(c.opts.Servers),
	}).Info("Starting collector")

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		c.scheduledRun(ctx)
	}()

	c.cron.Start()

	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (c *collector) Stop() error {
	close(c.done)

	<-c.cron.Stop().Done()
	c.wg.Wait()

	c.log.Info("Collector stopped")

	return nil
}

func (c *collector) scheduledRun(ctx context.Context) {
	select {
	case <-c.done:
		return
	case <-ctx.Done():
		return
	default:
	}

	if !c.runMu.TryLock() {
		c.log.Warn("Previous collection run still in progress, skipping")

		return
	}
	defer c.runMu.Unlock()

	if _, err := c.run(ctx); err != nil {
		c.log.WithError(err).Error("Collection run failed")
	}
}

// RunOnce performs a single collection pass.
func (c *collector) RunOnce(ctx context.Context) (*RunSummary, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	return c.run(ctx)
}

func (c *collector) run(ctx context.Context) (*RunSummary, error) {
	start := c.now()
	summary := &RunSummary{}

	c.log.WithField("servers", len(c.opts.Servers)).Info("Collection run started")

	reg := &store.Collector{
		Name:          Name,
		CollectorType: store.CollectorTypeBuild,
		Enabled:       true,
		Online:        true,
	}

	if existing, err := c.opts.Store.FindCollectorsByType(ctx, store.CollectorTypeBuild); err == nil {
		for _, e := range existing {
			if e.Name == Name {
				reg.LastExecuted = e.LastExecuted
			}
		}
	}

	if err := c.opts.Store.UpsertCollector(ctx, reg); err != nil {
		return nil, fmt.Errorf("registering collector: %w", err)
	}

	for _, srv := range c.opts.Servers {
		for _, root := range srv.Config.ProjectIDs {
			if err := ctx.Err(); err != nil {
				return summary, err
			}

			c.collectProject(ctx, reg.ID, srv, root, summary)
		}
	}

	reg.LastExecuted = c.now().UnixMilli()
	if err := c.opts.Store.UpsertCollector(ctx, reg); err != nil {
		c.log.WithError(err).Warn("Failed to update collector last execution")
	}

	if c.opts.Exporter != nil {
		if err := c.opts.Exporter.Export(ctx); err != nil {
			c.log.WithError(err).Warn("Pipeline export failed")
		}
	}

	summary.Duration = c.now().Sub(start)

	c.opts.Metrics.runDuration.Observe(summary.Duration.Seconds())
	c.opts.Metrics.lastRun.SetToCurrentTime()

	c.log.WithFields(logrus.Fields{
		"duration":       units.HumanDuration(summary.Duration),
		"configurations": summary.Configurations,
		"new_builds":     summary.NewBuilds,
		"pipelines":      len(summary.Outcomes),
	}).Info("Collection run completed")

	return summary, nil
}

// collectProject discovers the configurations under one root project,
// stores their new builds and reconciles the resulting commits.
func (c *collector) collectProject(
	ctx context.Context,
	collectorID uint,
	srv Server,
	root string,
	summary *RunSummary,
) {
	server := srv.Config.DisplayName()
	log := c.log.WithFields(logrus.Fields{
		"server":     server,
		"project_id": root,
	})

	discovered := srv.Source.Discover(ctx, root, c.opts.FolderDepth)

	c.opts.Metrics.configurations.WithLabelValues(server).Add(float64(len(discovered.Configurations)))

	for _, s := range discovered.Skipped {
		c.opts.Metrics.skippedBranches.WithLabelValues(server, s.Reason).Inc()
	}

	summary.Configurations += len(discovered.Configurations)
	summary.Skipped = append(summary.Skipped, discovered.Skipped...)

	log.WithFields(logrus.Fields{
		"configurations": len(discovered.Configurations),
		"skipped":        len(discovered.Skipped),
		"fail_open":      len(discovered.FailOpen),
	}).Info("Discovered build configurations")

	var (
		mu       sync.Mutex
		commits  []store.PipelineCommit
		newCount atomic.Int64
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)

	for _, bc := range discovered.Configurations {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case <-c.done:
				return nil
			default:
			}

			found, n, err := c.collectConfiguration(gCtx, collectorID, srv, bc)
			if err != nil {
				log.WithError(err).
					WithField("build_type_id", bc.ID).
					Warn("Failed to collect build configuration")

				return nil //nolint:nilerr // log and continue
			}

			newCount.Add(int64(n))

			mu.Lock()
			commits = append(commits, found...)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.WithError(err).Warn("Collection of project interrupted")

		return
	}

	summary.NewBuilds += int(newCount.Load())

	res, err := c.opts.Reconciler.Reconcile(ctx, commits, collectorID, root)
	if err != nil {
		log.WithError(err).Warn("Failed to reconcile pipelines")
	}

	if res != nil {
		c.opts.Metrics.observeOutcomes(res)
		summary.Outcomes = append(summary.Outcomes, res.Outcomes...)
	}
}

// collectConfiguration upserts the collector item of a configuration and
// stores its builds not seen before. It returns the build-stage commits of
// the new builds and how many were stored.
func (c *collector) collectConfiguration(
	ctx context.Context,
	collectorID uint,
	srv Server,
	bc teamcity.BuildConfiguration,
) ([]store.PipelineCommit, int, error) {
	instanceURL := srv.Source.InstanceURL()
	server := srv.Config.DisplayName()

	log := c.log.WithFields(logrus.Fields{
		"server":        server,
		"build_type_id": bc.ID,
	})

	description := bc.Name
	if description == "" {
		description = bc.ID
	}

	item := &store.CollectorItem{
		CollectorID: collectorID,
		ItemKey:     instanceURL + "|" + bc.ID,
		Description: description,
		NiceName:    srv.Config.NiceName,
		Environment: srv.Config.Environment,
		Enabled:     true,
		Options: map[string]string{
			store.OptionProjectID:   bc.RootProjectID,
			store.OptionInstanceURL: instanceURL,
			store.OptionJobName:     bc.ID,
			store.OptionJobURL:      bc.WebURL,
		},
		LastUpdated: c.now().UnixMilli(),
	}

	if err := c.opts.Store.UpsertCollectorItem(ctx, item); err != nil {
		return nil, 0, fmt.Errorf("upserting collector item: %w", err)
	}

	log = log.WithField("collector_item_id", item.ID)

	summaries, err := srv.Source.ListBuilds(ctx, bc.ID)
	if err != nil {
		if len(summaries) == 0 {
			return nil, 0, fmt.Errorf("listing builds: %w", err)
		}

		log.WithError(err).Warn("Build listing incomplete, continuing with partial list")
	}

	stored, err := c.opts.Store.ListBuildNumbers(ctx, item.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("listing stored builds: %w", err)
	}

	known := make(map[string]struct{}, len(stored))
	for _, n := range stored {
		known[n] = struct{}{}
	}

	var (
		commits []store.PipelineCommit
		added   int
	)

	for _, s := range summaries {
		if _, ok := known[s.Number]; ok {
			continue
		}

		if err := ctx.Err(); err != nil {
			return commits, added, err
		}

		build, err := srv.Source.GetBuildDetail(ctx, s.URL)
		if err != nil {
			c.opts.Metrics.buildFailures.WithLabelValues(server).Inc()
			log.WithError(err).WithField("build_id", s.ID).Warn("Failed to fetch build detail")

			continue
		}

		if build == nil {
			continue
		}

		build.CollectorItemID = item.ID

		if err := c.opts.Store.SaveBuild(ctx, build); err != nil {
			c.opts.Metrics.buildFailures.WithLabelValues(server).Inc()
			log.WithError(err).WithField("build_id", s.ID).Warn("Failed to store build")

			continue
		}

		c.opts.Metrics.observeBuild(server, build.Status)

		added++

		commits = append(commits, build.PipelineCommits()...)
	}

	if added > 0 {
		log.WithField("new_builds", added).Info("Stored new builds")
	}

	return commits, added, nil
}

// ServersFromConfig creates a TeamCity client per configured server.
func ServersFromConfig(
	log logrus.FieldLogger,
	cfg *config.TeamCityConfig,
	commits store.CommitFinder,
) ([]Server, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no teamcity servers configured")
	}

	servers := make([]Server, 0, len(cfg.Servers))

	for _, s := range cfg.Servers {
		client := teamcity.NewClient(log, teamcity.Options{
			InstanceURL:       s.URL,
			APIKey:            s.APIKey,
			ConnectTimeout:    cfg.ConnectTimeout,
			ReadTimeout:       cfg.ReadTimeout,
			RetryAttempts:     cfg.Retry.Attempts,
			RetryDelay:        cfg.Retry.Delay,
			RequestsPerSecond: cfg.RequestsPerSecond,
		}, commits)

		servers = append(servers, Server{Config: s, Source: client})
	}

	return servers, nil
}
