package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ethpandaops/buildstage/pkg/collector"
	"github.com/ethpandaops/buildstage/pkg/config"
	"github.com/ethpandaops/buildstage/pkg/export"
	"github.com/ethpandaops/buildstage/pkg/pipeline"
	"github.com/ethpandaops/buildstage/pkg/store"
)

const (
	commitCacheSize = 10_000
	commitCacheTTL  = 10 * time.Minute
)

// app holds the components shared by serve and collect.
type app struct {
	store      store.Store
	commits    *store.CachedCommitFinder
	reconciler *pipeline.Reconciler
	collector  collector.Collector
	registry   *prometheus.Registry
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	commits, err := store.NewCachedCommitFinder(st, commitCacheSize, commitCacheTTL)
	if err != nil {
		_ = st.Stop()

		return nil, err
	}

	a := &app{
		store:      st,
		commits:    commits,
		reconciler: pipeline.NewReconciler(log, st),
		registry:   prometheus.NewRegistry(),
	}

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	servers, err := collector.ServersFromConfig(log, &cfg.TeamCity, commits)
	if err != nil {
		a.close()

		return nil, err
	}

	var exporter collector.Exporter

	if cfg.Export.S3 != nil && cfg.Export.S3.Enabled {
		exporter, err = export.NewS3Exporter(log, cfg.Export.S3, st)
		if err != nil {
			a.close()

			return nil, fmt.Errorf("creating s3 exporter: %w", err)
		}

		log.WithField("bucket", cfg.Export.S3.Bucket).Info("S3 pipeline export enabled")
	}

	a.collector = collector.New(log, collector.Options{
		Store:       st,
		Reconciler:  a.reconciler,
		Servers:     servers,
		FolderDepth: cfg.TeamCity.FolderDepth,
		Schedule:    cfg.Collector.Schedule,
		Concurrency: cfg.Collector.Concurrency,
		Metrics:     collector.NewMetrics(a.registry),
		Exporter:    exporter,
	})

	return a, nil
}

func (a *app) close() {
	a.commits.Close()

	if err := a.store.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop store")
	}
}
