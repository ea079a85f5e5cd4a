package collector_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/buildstage/pkg/collector"
	"github.com/ethpandaops/buildstage/pkg/config"
	"github.com/ethpandaops/buildstage/pkg/pipeline"
	"github.com/ethpandaops/buildstage/pkg/store"
	"github.com/ethpandaops/buildstage/pkg/teamcity"
)

const instanceURL = "http://tc.example"

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	s := store.NewStore(testLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

// fakeSource serves a fixed project tree with canned builds.
type fakeSource struct {
	mu          sync.Mutex
	configs     []teamcity.BuildConfiguration
	skipped     []teamcity.SkippedBranch
	builds      map[string][]teamcity.BuildSummary
	details     map[string]*store.Build
	listErr     error
	detailCalls map[string]int
	discovers   int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		builds:      make(map[string][]teamcity.BuildSummary),
		details:     make(map[string]*store.Build),
		detailCalls: make(map[string]int),
	}
}

func (f *fakeSource) InstanceURL() string { return instanceURL }

func (f *fakeSource) Discover(_ context.Context, root string, _ int) *teamcity.DiscoveryResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.discovers++

	res := &teamcity.DiscoveryResult{Skipped: f.skipped}
	for _, c := range f.configs {
		c.RootProjectID = root
		res.Configurations = append(res.Configurations, c)
	}

	return res
}

func (f *fakeSource) ListBuilds(_ context.Context, buildTypeID string) ([]teamcity.BuildSummary, error) {
	return f.builds[buildTypeID], f.listErr
}

func (f *fakeSource) GetBuildDetail(_ context.Context, url string) (*store.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.detailCalls[url]++

	b, ok := f.details[url]
	if !ok {
		return nil, errors.New("boom")
	}

	if b == nil {
		return nil, nil
	}

	cp := *b

	return &cp, nil
}

func (f *fakeSource) discoverCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.discovers
}

func (f *fakeSource) addBuild(buildTypeID string, id int64, b *store.Build) {
	n := strconv.FormatInt(id, 10)
	url := instanceURL + "/app/rest/builds?locator=id:" + n

	f.builds[buildTypeID] = append(f.builds[buildTypeID], teamcity.BuildSummary{
		ID: id, Number: n, URL: url,
	})

	if b != nil {
		b.Number = n
	}

	f.details[url] = b
}

func finished(start int64, status store.BuildStatus, revs ...string) *store.Build {
	b := &store.Build{Status: status, StartTime: start, EndTime: start + 10}
	for _, r := range revs {
		b.SourceChangeSet = append(b.SourceChangeSet, store.Commit{RevisionNumber: r})
	}

	return b
}

// seedPipeline links the build collector item of Backend_Build to a
// dashboard with one product item whose pipeline has the given commit stage.
func seedPipeline(t *testing.T, s store.Store, commitStage ...store.PipelineCommit) uint {
	t.Helper()

	ctx := context.Background()

	build := &store.Collector{Name: collector.Name, CollectorType: store.CollectorTypeBuild}
	require.NoError(t, s.UpsertCollector(ctx, build))

	product := &store.Collector{Name: "Product", CollectorType: store.CollectorTypeProduct}
	require.NoError(t, s.UpsertCollector(ctx, product))

	item := &store.CollectorItem{
		CollectorID: build.ID,
		ItemKey:     instanceURL + "|Backend_Build",
		Options:     map[string]string{store.OptionProjectID: "Backend"},
	}
	require.NoError(t, s.UpsertCollectorItem(ctx, item))

	comp := &store.Component{Name: "backend", CollectorItems: []store.CollectorItem{*item}}
	require.NoError(t, s.CreateComponent(ctx, comp))

	dash := &store.Dashboard{Title: "backend", Components: []store.Component{*comp}}
	require.NoError(t, s.CreateDashboard(ctx, dash))

	p := &store.CollectorItem{
		CollectorID: product.ID,
		ItemKey:     "dashboard:backend",
		Options: map[string]string{
			store.OptionDashboardID: strconv.FormatUint(uint64(dash.ID), 10),
		},
	}
	require.NoError(t, s.UpsertCollectorItem(ctx, p))

	pl := store.NewPipeline(p.ID)
	pl.SetStage(store.StageCommit, store.NewCommitSet(commitStage...))
	require.NoError(t, s.SavePipeline(ctx, pl))

	return p.ID
}

func stageCommit(rev string, ts int64) store.PipelineCommit {
	return store.NewPipelineCommit(store.Commit{RevisionNumber: rev, CommitTimestamp: ts}, ts)
}

func newCollector(
	s store.Store, src *fakeSource, reg *prometheus.Registry, exporter collector.Exporter,
) collector.Collector {
	return collector.New(testLogger(), collector.Options{
		Store:      s,
		Reconciler: pipeline.NewReconciler(testLogger(), s),
		Servers: []collector.Server{{
			Config: config.ServerConfig{URL: instanceURL, ProjectIDs: []string{"Backend"}},
			Source: src,
		}},
		FolderDepth: 10,
		Concurrency: 2,
		Metrics:     collector.NewMetrics(reg),
		Exporter:    exporter,
	})
}

type countingExporter struct {
	calls int
	err   error
}

func (e *countingExporter) Export(context.Context) error {
	e.calls++

	return e.err
}

func TestRunOnce_CollectsAndReconciles(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	productID := seedPipeline(t, s,
		stageCommit("c3", 300),
		stageCommit("c2", 200),
		stageCommit("c1", 100),
	)

	src := newFakeSource()
	src.configs = []teamcity.BuildConfiguration{
		{ID: "Backend_Build", Name: "Build", WebURL: instanceURL + "/viewType.html?buildTypeId=Backend_Build"},
		{ID: "Backend_Test", Name: "Test"},
	}
	src.skipped = []teamcity.SkippedBranch{{ProjectID: "Loop", Reason: teamcity.SkipReasonVisited}}
	src.addBuild("Backend_Build", 2, finished(5000, store.BuildStatusSuccess, "c2"))
	src.addBuild("Backend_Build", 1, finished(4000, store.BuildStatusFailure, "c1"))
	src.addBuild("Backend_Build", 3, nil) // still running
	src.addBuild("Backend_Test", 7, finished(6000, store.BuildStatusSuccess))

	reg := prometheus.NewRegistry()
	exporter := &countingExporter{}
	c := newCollector(s, src, reg, exporter)

	summary, err := c.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Configurations)
	assert.Equal(t, 3, summary.NewBuilds)
	assert.Len(t, summary.Skipped, 1)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, pipeline.StatusUpdated, summary.Outcomes[0].Status)
	assert.Equal(t, 1, exporter.calls)

	collectors, err := s.FindCollectorsByType(ctx, store.CollectorTypeBuild)
	require.NoError(t, err)
	require.Len(t, collectors, 1)
	assert.NotZero(t, collectors[0].LastExecuted)

	items, err := s.FindCollectorItemsByCollectorIDs(ctx, []uint{collectors[0].ID})
	require.NoError(t, err)
	require.Len(t, items, 2)

	byKey := make(map[string]store.CollectorItem, len(items))
	for _, it := range items {
		byKey[it.ItemKey] = it
	}

	buildItem := byKey[instanceURL+"|Backend_Build"]
	assert.Equal(t, "Backend", buildItem.Option(store.OptionProjectID))
	assert.Equal(t, instanceURL, buildItem.Option(store.OptionInstanceURL))
	assert.Equal(t, "Backend_Build", buildItem.Option(store.OptionJobName))
	assert.Equal(t, "Build", buildItem.Description)

	numbers, err := s.ListBuildNumbers(ctx, buildItem.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, numbers)

	p, err := s.FindPipelineByCollectorItemID(ctx, productID)
	require.NoError(t, err)

	stage := p.Stage(store.StageBuild)
	require.NotNil(t, stage)

	got := make(map[string]int64)
	for _, pc := range stage.Commits.Slice() {
		got[pc.RevisionNumber] = pc.Timestamp
	}

	// c3 has not been built yet, so nothing newer carries it.
	assert.Equal(t, map[string]int64{"c2": 5000, "c1": 4000}, got)

	assert.InDelta(t, 2, testutil.ToFloat64(collectorMetric(t, reg, "buildstage_configurations_discovered_total")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(collectorMetric(t, reg, "buildstage_discovery_skipped_branches_total")), 0)
}

func TestRunOnce_SkipsStoredBuilds(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	src := newFakeSource()
	src.configs = []teamcity.BuildConfiguration{{ID: "Backend_Build"}}
	src.addBuild("Backend_Build", 1, finished(1000, store.BuildStatusSuccess, "c1"))

	c := newCollector(s, src, prometheus.NewRegistry(), nil)

	first, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.NewBuilds)

	second, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.NewBuilds)

	assert.Equal(t, 1, src.detailCalls[instanceURL+"/app/rest/builds?locator=id:1"])
}

func TestRunOnce_DetailFailureContinues(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	src := newFakeSource()
	src.configs = []teamcity.BuildConfiguration{{ID: "Backend_Build"}}
	src.addBuild("Backend_Build", 2, finished(2000, store.BuildStatusSuccess))
	src.builds["Backend_Build"] = append(src.builds["Backend_Build"], teamcity.BuildSummary{
		ID: 1, Number: "1", URL: instanceURL + "/broken",
	})

	reg := prometheus.NewRegistry()
	c := newCollector(s, src, reg, nil)

	summary, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NewBuilds)

	assert.InDelta(t, 1, testutil.ToFloat64(collectorMetric(t, reg, "buildstage_build_detail_failures_total")), 0)
}

func TestRunOnce_PartialListing(t *testing.T) {
	s := setupTestStore(t)

	src := newFakeSource()
	src.configs = []teamcity.BuildConfiguration{{ID: "Backend_Build"}}
	src.addBuild("Backend_Build", 1, finished(1000, store.BuildStatusSuccess))
	src.listErr = errors.New("page 2 failed")

	c := newCollector(s, src, prometheus.NewRegistry(), nil)

	summary, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NewBuilds)
}

func TestRunOnce_ExportFailureIsNotFatal(t *testing.T) {
	s := setupTestStore(t)

	exporter := &countingExporter{err: errors.New("bucket gone")}
	c := newCollector(s, newFakeSource(), prometheus.NewRegistry(), exporter)

	_, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, exporter.calls)
}

func TestStart_RunsImmediately(t *testing.T) {
	s := setupTestStore(t)
	src := newFakeSource()

	c := collector.New(testLogger(), collector.Options{
		Store:      s,
		Reconciler: pipeline.NewReconciler(testLogger(), s),
		Servers: []collector.Server{{
			Config: config.ServerConfig{URL: instanceURL, ProjectIDs: []string{"Backend"}},
			Source: src,
		}},
		Schedule: "@every 1h",
	})

	require.NoError(t, c.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return src.discoverCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop())
}

func TestStart_InvalidSchedule(t *testing.T) {
	s := setupTestStore(t)

	c := collector.New(testLogger(), collector.Options{
		Store:      s,
		Reconciler: pipeline.NewReconciler(testLogger(), s),
		Schedule:   "every now and then",
	})

	require.Error(t, c.Start(context.Background()))
}

func TestServersFromConfig(t *testing.T) {
	_, err := collector.ServersFromConfig(testLogger(), &config.TeamCityConfig{}, nil)
	require.Error(t, err)

	servers, err := collector.ServersFromConfig(testLogger(), &config.TeamCityConfig{
		Servers: []config.ServerConfig{
			{URL: "http://a.example", ProjectIDs: []string{"A"}},
			{URL: "http://b.example", NiceName: "B", ProjectIDs: []string{"B"}},
		},
	}, nil)
	require.NoError(t, err)
	require.Len(t, servers, 2)

	assert.Equal(t, "http://a.example", servers[0].Source.InstanceURL())
	assert.Equal(t, "B", servers[1].Config.NiceName)
}

// collectorMetric sums every series of the named metric family into a
// single gauge so it can be read with testutil.ToFloat64.
func collectorMetric(t *testing.T, reg *prometheus.Registry, name string) prometheus.Collector {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64

	for _, f := range families {
		if f.GetName() != name {
			continue
		}

		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "sum"})
	g.Set(total)

	return g
}
