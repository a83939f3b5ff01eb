// Package migrator seeds the publish queue from existing content and purges
// rows whose records no longer qualify for sync.
//
// Seeding is set based: one INSERT ... SELECT per base type, reading either
// the versions table (versioned types) or the base table. Identity hashes
// are computed in SQL through a scratch class lookup table created by Setup
// and dropped by TearDown. Purge walks a type's queue rows in chunks and
// re-evaluates each record against the per-instance veto.
//
// These are offline jobs. A failed seed is recovered by running it again;
// Setup truncates the queue first.
package migrator

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/roach88/changefeed/internal/entity"
	"github.com/roach88/changefeed/internal/logging"
	"github.com/roach88/changefeed/internal/metrics"
	"github.com/roach88/changefeed/internal/model"
	"github.com/roach88/changefeed/internal/policy"
)

// DefaultChunkSize is the number of queue rows examined per purge step.
const DefaultChunkSize = 1000

// VersionsSuffix names the versions table of a versioned base table.
const VersionsSuffix = "_Versions"

// Queue is the part of the publish queue the migrator drives.
// Implemented by *store.Store.
type Queue interface {
	Truncate(ctx context.Context) error
	CreateLookup(ctx context.Context, classMap map[string]string) error
	DropLookup(ctx context.Context) error
	InsertFromVersions(ctx context.Context, versionsTable string) (int64, error)
	InsertFromBase(ctx context.Context, baseTable string) (int64, error)
	DeleteUnresolved(ctx context.Context) (int64, error)
	ItemsForType(ctx context.Context, typ string, afterID int64, limit int) ([]model.QueueItem, error)
	DeleteItems(ctx context.Context, ids []int64) (int64, error)
}

// Migrator seeds and purges the publish queue.
type Migrator struct {
	queue     Queue
	entities  entity.Store
	registry  *policy.Registry
	logger    *zap.Logger
	chunkSize int
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Migrator) { m.logger = logging.OrNop(l) }
}

// WithChunkSize sets the purge chunk size. Non-positive values are ignored.
func WithChunkSize(n int) Option {
	return func(m *Migrator) {
		if n > 0 {
			m.chunkSize = n
		}
	}
}

// New creates a Migrator.
func New(queue Queue, entities entity.Store, registry *policy.Registry, opts ...Option) *Migrator {
	m := &Migrator{
		queue:     queue,
		entities:  entities,
		registry:  registry,
		logger:    zap.NewNop(),
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ClassesToMigrate returns the distinct base types of every included class.
func (m *Migrator) ClassesToMigrate() []string {
	return m.registry.BaseTypes()
}

// classMap maps every included class to its base type.
func (m *Migrator) classMap() map[string]string {
	out := make(map[string]string)
	for _, class := range m.registry.IncludedTypes() {
		if base, ok := m.registry.BaseType(class); ok {
			out[class] = base
		}
	}
	return out
}

// Setup truncates the queue and creates the class lookup table.
func (m *Migrator) Setup(ctx context.Context) error {
	if err := m.queue.Truncate(ctx); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if err := m.queue.CreateLookup(ctx, m.classMap()); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	return nil
}

// TearDown removes rows whose class did not resolve and drops the lookup
// table.
func (m *Migrator) TearDown(ctx context.Context) error {
	n, err := m.queue.DeleteUnresolved(ctx)
	if err != nil {
		return fmt.Errorf("tear down: %w", err)
	}
	if n > 0 {
		m.logger.Info("removed unresolved rows", zap.Int64("count", n))
	}
	if err := m.queue.DropLookup(ctx); err != nil {
		return fmt.Errorf("tear down: %w", err)
	}
	return nil
}

// Migrate backfills the queue for one base type and returns the number of
// rows inserted. Setup must have run.
func (m *Migrator) Migrate(ctx context.Context, base string) (int64, error) {
	spec, ok := m.registry.Spec(base)
	if !ok {
		return 0, model.NewLookupError(base)
	}

	var (
		n   int64
		err error
	)
	if m.registry.Versioned(base) {
		n, err = m.queue.InsertFromVersions(ctx, spec.Table+VersionsSuffix)
	} else {
		n, err = m.queue.InsertFromBase(ctx, spec.Table)
	}
	if err != nil {
		return 0, fmt.Errorf("migrate %s: %w", base, err)
	}
	metrics.RecordMigrated(base, n)
	return n, nil
}

// MigrateAll backfills every base type and returns the total rows inserted.
func (m *Migrator) MigrateAll(ctx context.Context) (int64, error) {
	classes := m.ClassesToMigrate()
	m.logger.Info(fmt.Sprintf("Migrating %d classes", len(classes)))

	var total int64
	for _, class := range classes {
		m.logger.Info("Migrating " + class)
		n, err := m.Migrate(ctx, class)
		if err != nil {
			return total, err
		}
		m.logger.Info(fmt.Sprintf("%d records migrated", n), zap.String("type", class))
		total += n
	}
	return total, nil
}

// Purge removes the queue rows of base (and its subtypes) whose record is
// vetoed by the inclusion policy, and returns the purged entity ids, sorted.
//
// Types whose hierarchy declares no veto are skipped: their inclusion can
// only change through configuration, which purge does not re-check.
// Deletion rows and rows whose record no longer exists are kept.
func (m *Migrator) Purge(ctx context.Context, base string) ([]int64, error) {
	if !m.registry.Known(base) {
		return nil, model.NewLookupError(base)
	}

	purged := make(map[int64]struct{})
	for _, class := range m.registry.Subtypes(base) {
		if !m.registry.IncludesType(class) || !m.registry.HasVeto(class) {
			continue
		}
		if err := m.purgeClass(ctx, class, purged); err != nil {
			return nil, fmt.Errorf("purge %s: %w", class, err)
		}
	}

	ids := make([]int64, 0, len(purged))
	for id := range purged {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	metrics.RecordPurged(base, len(ids))
	return ids, nil
}

// purgeClass walks the rows of one concrete class chunk by chunk. Each chunk
// is read completely before its rows are deleted.
func (m *Migrator) purgeClass(ctx context.Context, class string, purged map[int64]struct{}) error {
	var after int64
	for {
		rows, err := m.queue.ItemsForType(ctx, class, after, m.chunkSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		after = rows[len(rows)-1].ID

		doomed, err := m.vetoed(ctx, class, rows)
		if err != nil {
			return err
		}
		if len(doomed) > 0 {
			rowIDs := make([]int64, 0, len(doomed))
			for _, row := range doomed {
				rowIDs = append(rowIDs, row.ID)
				purged[row.EntityID] = struct{}{}
			}
			if _, err := m.queue.DeleteItems(ctx, rowIDs); err != nil {
				return err
			}
		}

		if len(rows) < m.chunkSize {
			return nil
		}
	}
}

// vetoed returns the rows of chunk whose record fails the inclusion policy.
// Draft and ALL rows are checked against the draft record, Live rows
// against the live record.
func (m *Migrator) vetoed(ctx context.Context, class string, chunk []model.QueueItem) ([]model.QueueItem, error) {
	byStage := make(map[model.Stage][]int64)
	for _, row := range chunk {
		if row.Kind == model.EventDeleted {
			continue
		}
		stage := fetchStage(row.Stage)
		byStage[stage] = append(byStage[stage], row.EntityID)
	}

	records := make(map[model.Stage]map[int64]model.Entity, len(byStage))
	for _, stage := range []model.Stage{model.StageDraft, model.StageLive} {
		ids := byStage[stage]
		if len(ids) == 0 {
			continue
		}
		found, err := m.entities.FetchByIDs(ctx, stage, class, ids)
		if err != nil {
			return nil, model.NewFetchError(class, err)
		}
		records[stage] = make(map[int64]model.Entity, len(found))
		for _, e := range found {
			records[stage][e.ID] = e
		}
	}

	var out []model.QueueItem
	for _, row := range chunk {
		if row.Kind == model.EventDeleted {
			continue
		}
		e, ok := records[fetchStage(row.Stage)][row.EntityID]
		if !ok {
			continue
		}
		if !m.registry.Includes(e.Type, &e) {
			out = append(out, row)
		}
	}
	return out, nil
}

func fetchStage(s model.Stage) model.Stage {
	if s == model.StageLive {
		return model.StageLive
	}
	return model.StageDraft
}

// Report summarises a seed or purge run.
type Report struct {
	Classes  []string
	Migrated int64
	Purged   map[string][]int64
}

// PurgedCount returns the number of purged records across all classes.
func (r Report) PurgedCount() int {
	n := 0
	for _, ids := range r.Purged {
		n += len(ids)
	}
	return n
}

// Seed rebuilds the queue from scratch: Setup, MigrateAll, a purge of every
// class and TearDown.
func (m *Migrator) Seed(ctx context.Context) (Report, error) {
	m.logger.Info("Prepping database...")
	if err := m.Setup(ctx); err != nil {
		return Report{}, err
	}

	report := Report{Classes: m.ClassesToMigrate()}
	n, err := m.MigrateAll(ctx)
	report.Migrated = n
	if err != nil {
		return report, err
	}

	m.logger.Info("Purging individual records...")
	report.Purged, err = m.purgeEach(ctx, report.Classes)
	if err != nil {
		return report, err
	}

	if err := m.TearDown(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// PurgeAll purges every class without reseeding.
func (m *Migrator) PurgeAll(ctx context.Context) (Report, error) {
	report := Report{Classes: m.ClassesToMigrate()}
	m.logger.Info(fmt.Sprintf("Purging %d classes", len(report.Classes)))

	var err error
	report.Purged, err = m.purgeEach(ctx, report.Classes)
	if err != nil {
		return report, err
	}
	if err := m.TearDown(ctx); err != nil {
		return report, err
	}
	return report, nil
}

func (m *Migrator) purgeEach(ctx context.Context, classes []string) (map[string][]int64, error) {
	out := make(map[string][]int64)
	for _, class := range classes {
		ids, err := m.Purge(ctx, class)
		if err != nil {
			return out, err
		}
		if len(ids) > 0 {
			m.logger.Info(fmt.Sprintf("Purged %d records from %s", len(ids), class),
				zap.String("type", class), zap.Int64s("ids", ids))
			out[class] = ids
		}
	}
	return out, nil
}
