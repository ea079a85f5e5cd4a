// Package pipeline merges commits observed in builds into the Build stage
// of every delivery pipeline tracking the originating project.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/buildstage/pkg/store"
)

// Store is the persistence the reconciler reads and writes.
type Store interface {
	FindCollectorItemsByCollectorIDs(ctx context.Context, ids []uint) ([]store.CollectorItem, error)
	FindComponentsByCollectorItemID(ctx context.Context, itemID uint) ([]store.Component, error)
	FindDashboardsByComponentIDs(ctx context.Context, ids []uint) ([]store.Dashboard, error)
	FindCollectorItemsByType(ctx context.Context, collectorType string) ([]store.CollectorItem, error)
	FindPipelineByCollectorItemID(ctx context.Context, itemID uint) (*store.Pipeline, error)
	SavePipeline(ctx context.Context, p *store.Pipeline) error
}

// Reconciler updates pipelines. Writes to the same pipeline are serialized;
// distinct pipelines are independent.
type Reconciler struct {
	log   logrus.FieldLogger
	store Store
	locks sync.Map // collector item id -> *sync.Mutex
}

// NewReconciler creates a Reconciler backed by s.
func NewReconciler(log logrus.FieldLogger, s Store) *Reconciler {
	return &Reconciler{
		log:   log.WithField("component", "pipeline"),
		store: s,
	}
}

func (r *Reconciler) lock(itemID uint) func() {
	v, _ := r.locks.LoadOrStore(itemID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()

	return mu.Unlock
}

// Reconcile merges commits seen at the build stage of the project
// projectID, collected by collectorID, into every product pipeline whose
// dashboard references that project. A failure on one pipeline is recorded
// in the result and the remaining pipelines are still processed. The error
// is non-nil only when the affected pipelines could not be resolved.
func (r *Reconciler) Reconcile(
	ctx context.Context,
	commits []store.PipelineCommit,
	collectorID uint,
	projectID string,
) (*Result, error) {
	result := &Result{}

	if len(commits) == 0 {
		return result, nil
	}

	log := r.log.WithFields(logrus.Fields{
		"collector_id": collectorID,
		"project_id":   projectID,
	})

	dashboards, err := r.dashboardIDs(ctx, collectorID, projectID)
	if err != nil {
		return result, err
	}

	if len(dashboards) == 0 {
		log.Debug("No dashboard references this project")

		return result, nil
	}

	products, err := r.store.FindCollectorItemsByType(ctx, store.CollectorTypeProduct)
	if err != nil {
		return result, fmt.Errorf("listing product collector items: %w", err)
	}

	for i := range products {
		item := &products[i]

		if _, ok := dashboards[item.Option(store.OptionDashboardID)]; !ok {
			continue
		}

		if err := ctx.Err(); err != nil {
			return result, err
		}

		outcome := r.reconcileItem(ctx, item.ID, commits)
		result.add(outcome)

		entry := log.WithField("collector_item_id", item.ID)

		switch outcome.Status {
		case StatusSkipped:
			entry.WithField("reason", outcome.Reason).
				Warn("Skipped pipeline, commit collector may not have run yet")
		case StatusFailed:
			entry.WithError(outcome.Err).Warn("Failed to reconcile pipeline")
		default:
			entry.Debug("Reconciled pipeline")
		}
	}

	return result, nil
}

// dashboardIDs resolves the ids of dashboards whose components reference
// any item of collectorID tracking projectID.
func (r *Reconciler) dashboardIDs(
	ctx context.Context, collectorID uint, projectID string,
) (map[string]struct{}, error) {
	items, err := r.store.FindCollectorItemsByCollectorIDs(ctx, []uint{collectorID})
	if err != nil {
		return nil, fmt.Errorf("listing collector items: %w", err)
	}

	var componentIDs []uint

	for i := range items {
		if items[i].Option(store.OptionProjectID) != projectID {
			continue
		}

		components, err := r.store.FindComponentsByCollectorItemID(ctx, items[i].ID)
		if err != nil {
			return nil, fmt.Errorf("listing components of item %d: %w", items[i].ID, err)
		}

		for _, c := range components {
			componentIDs = append(componentIDs, c.ID)
		}
	}

	if len(componentIDs) == 0 {
		return nil, nil
	}

	dashboards, err := r.store.FindDashboardsByComponentIDs(ctx, componentIDs)
	if err != nil {
		return nil, fmt.Errorf("listing dashboards: %w", err)
	}

	ids := make(map[string]struct{}, len(dashboards))
	for _, d := range dashboards {
		ids[strconv.FormatUint(uint64(d.ID), 10)] = struct{}{}
	}

	return ids, nil
}

func (r *Reconciler) reconcileItem(
	ctx context.Context, itemID uint, incoming []store.PipelineCommit,
) Outcome {
	unlock := r.lock(itemID)
	defer unlock()

	outcome := Outcome{CollectorItemID: itemID}

	p, err := r.loadOrCreate(ctx, itemID)
	if err != nil {
		outcome.Status = StatusFailed
		outcome.Err = err

		return outcome
	}

	commitStage := p.Stage(store.StageCommit)
	if commitStage == nil || commitStage.Commits.Len() == 0 {
		outcome.Status = StatusSkipped
		outcome.Reason = ReasonNoCommitStage

		return outcome
	}

	var previous []store.PipelineCommit
	if build := p.Stage(store.StageBuild); build != nil {
		previous = build.Commits.Slice()
	}

	p.SetStage(store.StageBuild, Merge(commitStage.Commits.Slice(), previous, incoming))

	if err := r.store.SavePipeline(ctx, p); err != nil {
		outcome.Status = StatusFailed
		outcome.Err = err

		return outcome
	}

	outcome.Status = StatusUpdated

	return outcome
}

func (r *Reconciler) loadOrCreate(ctx context.Context, itemID uint) (*store.Pipeline, error) {
	p, err := r.store.FindPipelineByCollectorItemID(ctx, itemID)
	if errors.Is(err, store.ErrNotFound) {
		return store.NewPipeline(itemID), nil
	}

	if err != nil {
		return nil, err
	}

	return p, nil
}

// Merge computes a Build stage from the Commit stage, the previously
// recorded Build stage and newly observed build commits.
//
// Walking commits from newest to oldest, a commit with a known build record
// takes that record and its timestamp becomes the carried timestamp. An
// unknown commit inherits the carried timestamp, or is dropped while none
// has been seen. Incoming records win over previous ones.
func Merge(commitStage, previous, incoming []store.PipelineCommit) store.CommitSet {
	sorted := make([]store.PipelineCommit, len(commitStage))
	copy(sorted, commitStage)

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CommitTimestamp > sorted[j].CommitTimestamp
	})

	known := make(map[string]store.PipelineCommit, len(previous)+len(incoming))
	for _, c := range previous {
		known[c.RevisionNumber] = c
	}

	for _, c := range incoming {
		known[c.RevisionNumber] = c
	}

	accepted := make([]store.PipelineCommit, 0, len(sorted))

	var lastBuildTimestamp int64

	for _, c := range sorted {
		if match, ok := known[c.RevisionNumber]; ok {
			accepted = append(accepted, match)
			lastBuildTimestamp = match.Timestamp

			continue
		}

		if lastBuildTimestamp == 0 {
			continue
		}

		accepted = append(accepted, c.WithTimestamp(lastBuildTimestamp))
	}

	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].Timestamp > accepted[j].Timestamp
	})

	return store.NewCommitSet(accepted...)
}

// RecordCommits adds commits to the Commit stage of an item's pipeline,
// creating the pipeline if needed. Revisions already present are kept.
func (r *Reconciler) RecordCommits(
	ctx context.Context, itemID uint, commits []store.Commit,
) (*store.Pipeline, error) {
	unlock := r.lock(itemID)
	defer unlock()

	p, err := r.loadOrCreate(ctx, itemID)
	if err != nil {
		return nil, err
	}

	var set store.CommitSet
	if stage := p.Stage(store.StageCommit); stage != nil {
		set = store.NewCommitSet(stage.Commits.Slice()...)
	}

	for _, c := range commits {
		set.Add(store.NewPipelineCommit(c, c.CommitTimestamp))
	}

	p.SetStage(store.StageCommit, set)

	if err := r.store.SavePipeline(ctx, p); err != nil {
		return nil, err
	}

	return p, nil
}
