package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ethpandaops/buildstage/pkg/config"
)

// ErrNotFound is returned when a looked up record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides persistence for collectors, their items, dashboards,
// commits, builds and pipelines.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	UpsertCollector(ctx context.Context, c *Collector) error
	FindCollectorsByType(ctx context.Context, collectorType string) ([]Collector, error)

	UpsertCollectorItem(ctx context.Context, item *CollectorItem) error
	GetCollectorItem(ctx context.Context, id uint) (*CollectorItem, error)
	FindCollectorItemsByCollectorIDs(ctx context.Context, ids []uint) ([]CollectorItem, error)
	FindCollectorItemsByType(ctx context.Context, collectorType string) ([]CollectorItem, error)

	CreateComponent(ctx context.Context, c *Component) error
	FindComponentsByCollectorItemID(ctx context.Context, itemID uint) ([]Component, error)
	CreateDashboard(ctx context.Context, d *Dashboard) error
	RegisterDashboard(ctx context.Context, d *Dashboard, product *Collector) (*CollectorItem, error)
	FindDashboardsByComponentIDs(ctx context.Context, ids []uint) ([]Dashboard, error)

	UpsertCommit(ctx context.Context, c *Commit) error
	FindCommitsByRevision(ctx context.Context, revision string) ([]Commit, error)

	SaveBuild(ctx context.Context, b *Build) error
	ListBuildNumbers(ctx context.Context, itemID uint) ([]string, error)
	ListBuilds(ctx context.Context, itemID uint, limit int) ([]Build, error)

	FindPipelineByCollectorItemID(ctx context.Context, itemID uint) (*Pipeline, error)
	SavePipeline(ctx context.Context, p *Pipeline) error
	ListPipelines(ctx context.Context) ([]Pipeline, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows a single writer; this also keeps ":memory:" databases
	// on one connection.
	if s.cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Collector{},
		&CollectorItem{},
		&Component{},
		&Dashboard{},
		&Commit{},
		&Build{},
		&Pipeline{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// UpsertCollector inserts or updates a collector keyed by name.
func (s *store) UpsertCollector(ctx context.Context, c *Collector) error {
	return upsertCollector(s.db.WithContext(ctx), c)
}

func upsertCollector(db *gorm.DB, c *Collector) error {
	var existing Collector

	err := db.Where("name = ?", c.Name).Take(&existing).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := db.Create(c).Error; err != nil {
			return fmt.Errorf("creating collector: %w", err)
		}
	case err != nil:
		return fmt.Errorf("looking up collector: %w", err)
	default:
		c.ID = existing.ID
		if err := db.Save(c).Error; err != nil {
			return fmt.Errorf("updating collector: %w", err)
		}
	}

	return nil
}

// FindCollectorsByType returns all collectors of the given type.
func (s *store) FindCollectorsByType(
	ctx context.Context, collectorType string,
) ([]Collector, error) {
	var collectors []Collector
	if err := s.db.WithContext(ctx).
		Where("collector_type = ?", collectorType).
		Order("id").
		Find(&collectors).Error; err != nil {
		return nil, fmt.Errorf("listing collectors: %w", err)
	}

	return collectors, nil
}

// UpsertCollectorItem inserts or updates an item keyed by collector id and
// item key.
func (s *store) UpsertCollectorItem(ctx context.Context, item *CollectorItem) error {
	return upsertCollectorItem(s.db.WithContext(ctx), item)
}

func upsertCollectorItem(db *gorm.DB, item *CollectorItem) error {
	var existing CollectorItem

	err := db.Where("collector_id = ? AND item_key = ?", item.CollectorID, item.ItemKey).
		Take(&existing).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := db.Create(item).Error; err != nil {
			return fmt.Errorf("creating collector item: %w", err)
		}
	case err != nil:
		return fmt.Errorf("looking up collector item: %w", err)
	default:
		item.ID = existing.ID
		if err := db.Save(item).Error; err != nil {
			return fmt.Errorf("updating collector item: %w", err)
		}
	}

	return nil
}

// GetCollectorItem returns the item with the given id.
func (s *store) GetCollectorItem(ctx context.Context, id uint) (*CollectorItem, error) {
	var item CollectorItem

	err := s.db.WithContext(ctx).Take(&item, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("collector item %d: %w", id, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("getting collector item: %w", err)
	}

	return &item, nil
}

// FindCollectorItemsByCollectorIDs returns all items belonging to any of the
// given collectors.
func (s *store) FindCollectorItemsByCollectorIDs(
	ctx context.Context, ids []uint,
) ([]CollectorItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var items []CollectorItem
	if err := s.db.WithContext(ctx).
		Where("collector_id IN ?", ids).
		Order("id").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("listing collector items: %w", err)
	}

	return items, nil
}

// FindCollectorItemsByType returns the items of every collector of the
// given type.
func (s *store) FindCollectorItemsByType(
	ctx context.Context, collectorType string,
) ([]CollectorItem, error) {
	var items []CollectorItem
	if err := s.db.WithContext(ctx).
		Joins("JOIN collectors ON collectors.id = collector_items.collector_id").
		Where("collectors.collector_type = ?", collectorType).
		Order("collector_items.id").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("listing collector items by type: %w", err)
	}

	return items, nil
}

// CreateComponent stores a component and links it to its existing
// collector items.
func (s *store) CreateComponent(ctx context.Context, c *Component) error {
	return createComponent(s.db.WithContext(ctx), c)
}

func createComponent(db *gorm.DB, c *Component) error {
	if err := db.Omit("CollectorItems.*").Create(c).Error; err != nil {
		return fmt.Errorf("creating component: %w", err)
	}

	return nil
}

// FindComponentsByCollectorItemID returns the components referencing the
// given collector item.
func (s *store) FindComponentsByCollectorItemID(
	ctx context.Context, itemID uint,
) ([]Component, error) {
	var components []Component
	if err := s.db.WithContext(ctx).
		Joins("JOIN component_collector_items cci ON cci.component_id = components.id").
		Where("cci.collector_item_id = ?", itemID).
		Order("components.id").
		Find(&components).Error; err != nil {
		return nil, fmt.Errorf("listing components: %w", err)
	}

	return components, nil
}

// CreateDashboard stores a dashboard and links it to its existing
// components.
func (s *store) CreateDashboard(ctx context.Context, d *Dashboard) error {
	return createDashboard(s.db.WithContext(ctx), d)
}

func createDashboard(db *gorm.DB, d *Dashboard) error {
	if err := db.Omit("Components.*").Create(d).Error; err != nil {
		return fmt.Errorf("creating dashboard: %w", err)
	}

	return nil
}

// RegisterDashboard stores d together with its new components, upserts the
// product collector and creates the product item tracking d. Nothing is
// written unless every step succeeds.
func (s *store) RegisterDashboard(
	ctx context.Context, d *Dashboard, product *Collector,
) (*CollectorItem, error) {
	var item *CollectorItem

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range d.Components {
			if err := createComponent(tx, &d.Components[i]); err != nil {
				return err
			}
		}

		if err := createDashboard(tx, d); err != nil {
			return err
		}

		if err := upsertCollector(tx, product); err != nil {
			return err
		}

		dashboardID := strconv.FormatUint(uint64(d.ID), 10)

		item = &CollectorItem{
			CollectorID: product.ID,
			ItemKey:     "dashboard:" + dashboardID,
			Description: d.Title,
			Enabled:     true,
			Options:     map[string]string{OptionDashboardID: dashboardID},
			LastUpdated: time.Now().UnixMilli(),
		}

		return upsertCollectorItem(tx, item)
	})
	if err != nil {
		return nil, fmt.Errorf("registering dashboard: %w", err)
	}

	return item, nil
}

// FindDashboardsByComponentIDs returns the distinct dashboards referencing
// any of the given components.
func (s *store) FindDashboardsByComponentIDs(
	ctx context.Context, ids []uint,
) ([]Dashboard, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var dashboards []Dashboard
	if err := s.db.WithContext(ctx).
		Distinct("dashboards.*").
		Joins("JOIN dashboard_components dc ON dc.dashboard_id = dashboards.id").
		Where("dc.component_id IN ?", ids).
		Order("dashboards.id").
		Find(&dashboards).Error; err != nil {
		return nil, fmt.Errorf("listing dashboards: %w", err)
	}

	return dashboards, nil
}

// UpsertCommit inserts or updates a commit keyed by collector item id and
// revision number.
func (s *store) UpsertCommit(ctx context.Context, c *Commit) error {
	var existing Commit

	err := s.db.WithContext(ctx).
		Where("collector_item_id = ? AND revision_number = ?", c.CollectorItemID, c.RevisionNumber).
		Take(&existing).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
			return fmt.Errorf("creating commit: %w", err)
		}
	case err != nil:
		return fmt.Errorf("looking up commit: %w", err)
	default:
		c.ID = existing.ID
		if err := s.db.WithContext(ctx).Save(c).Error; err != nil {
			return fmt.Errorf("updating commit: %w", err)
		}
	}

	return nil
}

// FindCommitsByRevision returns every stored commit with the given revision
// number, oldest first.
func (s *store) FindCommitsByRevision(
	ctx context.Context, revision string,
) ([]Commit, error) {
	var commits []Commit
	if err := s.db.WithContext(ctx).
		Where("revision_number = ?", revision).
		Order("id").
		Find(&commits).Error; err != nil {
		return nil, fmt.Errorf("finding commits: %w", err)
	}

	return commits, nil
}

// SaveBuild inserts a build. Builds are unique per collector item and number.
func (s *store) SaveBuild(ctx context.Context, b *Build) error {
	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		return fmt.Errorf("saving build %s: %w", b.Number, err)
	}

	return nil
}

// ListBuildNumbers returns the numbers of the builds already stored for an
// item.
func (s *store) ListBuildNumbers(ctx context.Context, itemID uint) ([]string, error) {
	var numbers []string
	if err := s.db.WithContext(ctx).
		Model(&Build{}).
		Where("collector_item_id = ?", itemID).
		Pluck("number", &numbers).Error; err != nil {
		return nil, fmt.Errorf("listing build numbers: %w", err)
	}

	return numbers, nil
}

// ListBuilds returns the most recent builds of an item. A non-positive limit
// returns all of them.
func (s *store) ListBuilds(ctx context.Context, itemID uint, limit int) ([]Build, error) {
	q := s.db.WithContext(ctx).
		Where("collector_item_id = ?", itemID).
		Order("start_time DESC, id DESC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	var builds []Build
	if err := q.Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("listing builds: %w", err)
	}

	return builds, nil
}

// FindPipelineByCollectorItemID returns the pipeline of a collector item.
func (s *store) FindPipelineByCollectorItemID(
	ctx context.Context, itemID uint,
) (*Pipeline, error) {
	var p Pipeline

	err := s.db.WithContext(ctx).
		Where("collector_item_id = ?", itemID).
		Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("pipeline for item %d: %w", itemID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("finding pipeline: %w", err)
	}

	return &p, nil
}

// SavePipeline creates or fully replaces a pipeline.
func (s *store) SavePipeline(ctx context.Context, p *Pipeline) error {
	if p.ID == 0 {
		var existing Pipeline

		err := s.db.WithContext(ctx).
			Select("id").
			Where("collector_item_id = ?", p.CollectorItemID).
			Take(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("looking up pipeline: %w", err)
		}

		p.ID = existing.ID
	}

	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return fmt.Errorf("saving pipeline: %w", err)
	}

	return nil
}

// ListPipelines returns all pipelines ordered by collector item.
func (s *store) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	var pipelines []Pipeline
	if err := s.db.WithContext(ctx).
		Order("collector_item_id").
		Find(&pipelines).Error; err != nil {
		return nil, fmt.Errorf("listing pipelines: %w", err)
	}

	return pipelines, nil
}
