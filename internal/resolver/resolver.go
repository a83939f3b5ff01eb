// Package resolver serves paginated deltas of the publish queue.
//
// A sync request names a stage, a since-instant, a page size and an optional
// offset token. The resolver selects the latest queue row of every identity
// visible at that stage, orders them by (type, id), cuts one page, and splits
// it into deletes (identity hashes only) and updates (records fetched in one
// bulk call per type and projected to the wire shape).
//
// For a fixed store snapshot, identical requests return identical pages and
// offset tokens, so clients may retry safely.
package resolver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/changefeed/internal/entity"
	"github.com/roach88/changefeed/internal/logging"
	"github.com/roach88/changefeed/internal/metrics"
	"github.com/roach88/changefeed/internal/model"
	"github.com/roach88/changefeed/internal/policy"
	"github.com/roach88/changefeed/internal/store"
)

// Default limits.
const (
	DefaultMaxLimit     = 1000
	DefaultDefaultLimit = 1000
)

// Queue is the read side of the publish queue. Implemented by *store.Store.
type Queue interface {
	WindowItems(ctx context.Context, w store.Window) ([]model.QueueItem, error)
	CountWindow(ctx context.Context, w store.Window) (int, error)
}

// Request is one sync call.
type Request struct {
	Stage       model.Stage
	Since       time.Time
	Limit       int
	OffsetToken string
}

// Result is one page of changes.
type Result struct {
	TotalCount int                     `json:"totalCount"`
	Updates    []model.ProjectedEntity `json:"updates"`
	Deletes    []string                `json:"deletes"`
	NextCursor *string                 `json:"nextCursor"`
}

// Resolver answers sync requests.
type Resolver struct {
	queue        Queue
	entities     entity.Store
	registry     *policy.Registry
	projector    Projector
	logger       *zap.Logger
	maxLimit     int
	defaultLimit int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithProjector replaces the DefaultProjector.
func WithProjector(p Projector) Option {
	return func(r *Resolver) { r.projector = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = logging.OrNop(l) }
}

// WithLimits sets the maximum and default page sizes. Non-positive values
// keep the defaults.
func WithLimits(max, def int) Option {
	return func(r *Resolver) {
		if max > 0 {
			r.maxLimit = max
		}
		if def > 0 {
			r.defaultLimit = def
		}
	}
}

// New creates a Resolver.
func New(queue Queue, entities entity.Store, registry *policy.Registry, opts ...Option) *Resolver {
	r := &Resolver{
		queue:        queue,
		entities:     entities,
		registry:     registry,
		projector:    DefaultProjector{Registry: registry},
		logger:       zap.NewNop(),
		maxLimit:     DefaultMaxLimit,
		defaultLimit: DefaultDefaultLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.defaultLimit > r.maxLimit {
		r.defaultLimit = r.maxLimit
	}
	return r
}

// MaxLimit returns the configured maximum page size.
func (r *Resolver) MaxLimit() int {
	return r.maxLimit
}

// Sync returns one page of changes for req.
//
// Errors:
//   - VALIDATION: limit out of range, unknown stage, malformed or stale offset token
//   - FETCH: the entity store failed; no partial page is returned
//
// The window only holds rows of currently included types, so totalCount and
// every next cursor name types the cursor decoder accepts. Rows whose type was
// excluded or removed after queueing are skipped silently. A Queue that ignores
// Window.Types still gets the per-group recheck, which logs unknown types
// (LOOKUP).
func (r *Resolver) Sync(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := r.sync(ctx, req)
	metrics.RecordSync(string(req.Stage), time.Since(start), err)
	return res, err
}

func (r *Resolver) sync(ctx context.Context, req Request) (*Result, error) {
	limit, err := r.limit(req.Limit)
	if err != nil {
		return nil, err
	}
	if !validStage(req.Stage) {
		return nil, model.NewValidationError("invalid stage", string(req.Stage))
	}

	var after Cursor
	if req.OffsetToken != "" {
		if after, err = r.DecodeCursor(req.OffsetToken); err != nil {
			return nil, err
		}
	}

	res := &Result{
		Updates: []model.ProjectedEntity{},
		Deletes: []string{},
	}
	included := r.registry.IncludedTypes()
	if len(included) == 0 {
		return res, nil
	}

	w := store.Window{
		Stage:     req.Stage,
		Since:     req.Since,
		Types:     included,
		AfterType: after.Type,
		AfterID:   after.ID,
	}
	total, err := r.queue.CountWindow(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}

	// One extra row tells whether another page follows.
	w.Limit = limit + 1
	rows, err := r.queue.WindowItems(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}

	res.TotalCount = total
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		next := EncodeCursor(last.EntityType, last.EntityID)
		res.NextCursor = &next
	}

	groups := groupUpdates(rows, res)
	for _, g := range groups {
		updates, err := r.resolveGroup(ctx, req.Stage, g)
		if err != nil {
			return nil, err
		}
		res.Updates = append(res.Updates, updates...)
	}

	r.logger.Debug("resolved sync page",
		zap.String("stage", string(req.Stage)),
		zap.Int("total", total),
		zap.Int("updates", len(res.Updates)),
		zap.Int("deletes", len(res.Deletes)))
	return res, nil
}

func (r *Resolver) limit(requested int) (int, error) {
	switch {
	case requested == 0:
		return r.defaultLimit, nil
	case requested < 0 || requested > r.maxLimit:
		return 0, model.NewMaxLimitError(requested, r.maxLimit)
	}
	return requested, nil
}

func validStage(s model.Stage) bool {
	for _, v := range model.ValidStages {
		if s == v {
			return true
		}
	}
	return false
}

// typeGroup is the ids of one entity type in page order.
type typeGroup struct {
	typ string
	ids []int64
}

// groupUpdates appends deletes to res and groups the remaining rows by type.
// Rows arrive ordered by type, so each group is contiguous.
func groupUpdates(rows []model.QueueItem, res *Result) []typeGroup {
	var groups []typeGroup
	for _, row := range rows {
		if row.Kind == model.EventDeleted {
			res.Deletes = append(res.Deletes, row.IdentityHash)
			continue
		}
		if n := len(groups); n == 0 || groups[n-1].typ != row.EntityType {
			groups = append(groups, typeGroup{typ: row.EntityType})
		}
		g := &groups[len(groups)-1]
		g.ids = append(g.ids, row.EntityID)
	}
	return groups
}

// resolveGroup rechecks inclusion, fetches and projects one type group.
func (r *Resolver) resolveGroup(ctx context.Context, stage model.Stage, g typeGroup) ([]model.ProjectedEntity, error) {
	log := r.logger.With(zap.String("type", g.typ), zap.String("stage", string(stage)))

	if !r.registry.Known(g.typ) {
		log.Warn("skipping rows of unknown type", zap.Error(model.NewLookupError(g.typ)), zap.Int("count", len(g.ids)))
		metrics.RecordSkipped("lookup", len(g.ids))
		return nil, nil
	}
	if !r.registry.IncludesType(g.typ) {
		metrics.RecordSkipped("excluded", len(g.ids))
		return nil, nil
	}

	entities, err := r.entities.FetchByIDs(ctx, stage, g.typ, g.ids)
	if err != nil {
		return nil, model.NewFetchError(g.typ, err)
	}

	out := make([]model.ProjectedEntity, 0, len(entities))
	for _, e := range entities {
		p, err := r.projector.Project(ctx, stage, e)
		if model.IsLookupError(err) {
			log.Warn("skipping unprojectable record", zap.Int64("id", e.ID), zap.Error(err))
			metrics.RecordSkipped("lookup", 1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("project %s#%d: %w", e.Type, e.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}
