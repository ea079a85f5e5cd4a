package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/buildstage/pkg/pipeline"
)

var collectOnce bool

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run the collector without the API server",
	Long: `Run collection passes on the configured schedule. With --once a single
pass is performed and the command exits.`,
	RunE: runCollect,
}

func init() {
	collectCmd.Flags().BoolVar(&collectOnce, "once", false, "run a single collection pass and exit")

	rootCmd.AddCommand(collectCmd)
}

func runCollect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if collectOnce {
		summary, err := a.collector.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("collection run: %w", err)
		}

		outcomes := pipeline.Result{Outcomes: summary.Outcomes}

		log.WithFields(logrus.Fields{
			"duration":          units.HumanDuration(summary.Duration),
			"configurations":    summary.Configurations,
			"skipped_branches":  len(summary.Skipped),
			"new_builds":        summary.NewBuilds,
			"pipelines_updated": outcomes.Count(pipeline.StatusUpdated),
			"pipelines_skipped": outcomes.Count(pipeline.StatusSkipped),
			"pipelines_failed":  outcomes.Count(pipeline.StatusFailed),
		}).Info("Collection finished")

		return nil
	}

	if err := a.collector.Start(ctx); err != nil {
		return fmt.Errorf("starting collector: %w", err)
	}

	<-ctx.Done()
	log.Info("Shutting down collector")

	return a.collector.Stop()
}
