// Package tracker records entity changes during a unit of work and flushes
// them to the publish queue exactly once at its end.
//
// A UnitOfWork is created per request or job and carried in the context.
// Record is an in-memory upsert keyed by identity hash and stage, so
// recording the same change many times yields one queue row (last write
// wins). Flush persists every pending entry independently, each in its own
// transaction with bounded retry, then emits one notification for the batch.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roach88/changefeed/internal/logging"
	"github.com/roach88/changefeed/internal/metrics"
	"github.com/roach88/changefeed/internal/model"
	"github.com/roach88/changefeed/internal/policy"
)

// Writer persists queue rows. Implemented by *store.Store.
type Writer interface {
	ReplaceItem(ctx context.Context, ev model.ChangeEvent, publishEventID *int64) (int64, error)
	CreatePublishEvent(ctx context.Context) (int64, error)
	CompletePublishEvent(ctx context.Context, id int64, status model.PublishStatus, d time.Duration) error
}

// Notification is emitted once per flushed unit of work.
type Notification struct {
	UnitOfWork     string              `json:"unitOfWork"`
	PublishEventID *int64              `json:"publishEventId,omitempty"`
	Events         []model.ChangeEvent `json:"events"`
}

// Notifier receives flush notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// RetryPolicy bounds the retries of one flush entry.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Interval is the initial backoff interval.
	Interval time.Duration
}

// DefaultRetry is used when no policy is configured.
var DefaultRetry = RetryPolicy{Attempts: 3, Interval: 50 * time.Millisecond}

// Tracker creates units of work bound to a queue writer.
type Tracker struct {
	writer   Writer
	registry *policy.Registry
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
	retry    RetryPolicy
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithNotifier sets the notifier. Without one, flushes do not notify.
func WithNotifier(n Notifier) Option {
	return func(t *Tracker) { t.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.logger = logging.OrNop(l) }
}

// WithClock overrides the clock used for publish durations.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithIDGenerator overrides the unit-of-work id generator.
func WithIDGenerator(gen func() string) Option {
	return func(t *Tracker) { t.newID = gen }
}

// WithRetry sets the per-entry retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(t *Tracker) {
		if p.Attempts < 1 {
			p.Attempts = 1
		}
		t.retry = p
	}
}

// New creates a Tracker.
func New(w Writer, registry *policy.Registry, opts ...Option) *Tracker {
	t := &Tracker{
		writer:   w,
		registry: registry,
		logger:   zap.NewNop(),
		now:      time.Now,
		newID:    newUUID,
		retry:    DefaultRetry,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func newUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Registry returns the registry the tracker resolves types with.
func (t *Tracker) Registry() *policy.Registry {
	return t.registry
}

// Begin opens a unit of work.
func (t *Tracker) Begin() *UnitOfWork {
	return &UnitOfWork{
		tracker: t,
		id:      t.newID(),
		pending: make(map[string]model.ChangeEvent),
	}
}

// BeginPublish opens a unit of work tied to a new PENDING publish event.
// Flushed rows reference the event, which is completed when the unit flushes.
func (t *Tracker) BeginPublish(ctx context.Context) (*UnitOfWork, error) {
	id, err := t.writer.CreatePublishEvent(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin publish: %w", err)
	}
	u := t.Begin()
	u.publishEventID = &id
	u.startedAt = t.now()
	return u, nil
}

// Run executes fn inside a new unit of work and flushes it on every exit
// path, including errors and panics. The flush is detached from ctx
// cancellation so a cancelled request still persists what it recorded.
func (t *Tracker) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	u := t.Begin()
	defer func() {
		if ferr := u.Flush(context.WithoutCancel(ctx)); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}()
	return fn(WithUnitOfWork(ctx, u))
}

// UnitOfWork holds the pending changes of one request or job.
// It must not be shared across concurrent units of work.
type UnitOfWork struct {
	tracker *Tracker
	id      string

	mu             sync.Mutex
	pending        map[string]model.ChangeEvent
	order          []string
	flushed        bool
	publishEventID *int64
	startedAt      time.Time
}

// ID returns the unit-of-work identifier used in logs and notifications.
func (u *UnitOfWork) ID() string {
	return u.id
}

// PublishEventID returns the publish event of a publish unit, or nil.
func (u *UnitOfWork) PublishEventID() *int64 {
	return u.publishEventID
}

// Record upserts a pending change for e at stage. A later record for the
// same identity and stage replaces the earlier one.
//
// Returns a LOOKUP error if e's type is not declared, and an error if the
// unit has already been flushed.
func (u *UnitOfWork) Record(e model.Entity, kind model.EventKind, stage model.Stage) error {
	reg := u.tracker.registry
	base, ok := reg.BaseType(e.Type)
	if !ok {
		return model.NewLookupError(e.Type)
	}

	ev := model.ChangeEvent{
		EntityType:   model.NormalizeType(e.Type),
		BaseType:     base,
		EntityID:     e.ID,
		Kind:         kind,
		Stage:        stage,
		IdentityHash: model.IdentityHash(base, e.ID),
		SizeBytes:    sizeOf(reg, e),
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.flushed {
		return fmt.Errorf("record %s#%d: unit of work %s already flushed", e.Type, e.ID, u.id)
	}

	key := ev.Key()
	if _, exists := u.pending[key]; !exists {
		u.order = append(u.order, key)
	}
	u.pending[key] = ev
	return nil
}

// Snapshot returns the pending changes in first-recorded order.
func (u *UnitOfWork) Snapshot() []model.ChangeEvent {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.snapshotLocked()
}

func (u *UnitOfWork) snapshotLocked() []model.ChangeEvent {
	out := make([]model.ChangeEvent, 0, len(u.order))
	for _, key := range u.order {
		out = append(out, u.pending[key])
	}
	return out
}

// Flushed reports whether Flush has run.
func (u *UnitOfWork) Flushed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.flushed
}

// Flush persists every pending change and emits one notification carrying
// the persisted batch. Only the first call does anything.
//
// Each entry is written independently; an entry that still fails after
// retries is logged and reported in the returned *FlushError while the rest
// continue.
func (u *UnitOfWork) Flush(ctx context.Context) error {
	u.mu.Lock()
	if u.flushed {
		u.mu.Unlock()
		return nil
	}
	u.flushed = true
	batch := u.snapshotLocked()
	u.mu.Unlock()

	t := u.tracker
	log := t.logger.With(zap.String("unit_of_work", u.id))
	start := time.Now()

	var (
		persisted []model.ChangeEvent
		failed    []FailedEntry
	)
	for _, ev := range batch {
		if err := t.persist(ctx, ev, u.publishEventID); err != nil {
			log.Warn("failed to persist change",
				zap.String("type", ev.EntityType),
				zap.Int64("id", ev.EntityID),
				zap.String("stage", string(ev.Stage)),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
			metrics.RecordFlushEntry(metrics.OutcomeFailed, string(ev.Stage))
			failed = append(failed, FailedEntry{Event: ev, Err: err})
			continue
		}
		metrics.RecordFlushEntry(metrics.OutcomePersisted, string(ev.Stage))
		persisted = append(persisted, ev)
	}
	metrics.ObserveFlush(time.Since(start))

	if len(persisted) > 0 && t.notifier != nil {
		err := t.notifier.Notify(ctx, Notification{
			UnitOfWork:     u.id,
			PublishEventID: u.publishEventID,
			Events:         persisted,
		})
		metrics.RecordNotification(err)
		if err != nil {
			log.Warn("failed to notify flush", zap.Int("count", len(persisted)), zap.Error(err))
		}
	}

	if u.publishEventID != nil {
		status := model.PublishSuccess
		if len(failed) > 0 {
			status = model.PublishFailure
		}
		if err := t.writer.CompletePublishEvent(ctx, *u.publishEventID, status, t.now().Sub(u.startedAt)); err != nil {
			log.Warn("failed to complete publish event", zap.Int64("publish_event", *u.publishEventID), zap.Error(err))
		}
	}

	if len(batch) > 0 {
		log.Debug("flushed unit of work",
			zap.Int("persisted", len(persisted)),
			zap.Int("failed", len(failed)))
	}

	if len(failed) > 0 {
		return &FlushError{UnitOfWork: u.id, Total: len(batch), Failed: failed}
	}
	return nil
}

// persist writes one entry with bounded exponential backoff.
func (t *Tracker) persist(ctx context.Context, ev model.ChangeEvent, publishEventID *int64) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.retry.Interval
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(t.retry.Attempts-1)), ctx)

	return backoff.Retry(func() error {
		_, err := t.writer.ReplaceItem(ctx, ev, publishEventID)
		return err
	}, bo)
}

// sizeOf reads the size field declared on e's hierarchy, if any.
func sizeOf(reg *policy.Registry, e model.Entity) *int64 {
	for _, class := range reg.Chain(e.Type) {
		spec, _ := reg.Spec(class)
		if spec.SizeField == "" {
			continue
		}
		switch v := e.Fields[spec.SizeField].(type) {
		case int64:
			return &v
		case int:
			n := int64(v)
			return &n
		case float64:
			n := int64(v)
			return &n
		}
		return nil
	}
	return nil
}

// FailedEntry is one change that could not be persisted.
type FailedEntry struct {
	Event model.ChangeEvent
	Err   error
}

// FlushError reports the entries of one flush that were lost.
// It unwraps to a PARTIAL_FLUSH *model.Error.
type FlushError struct {
	UnitOfWork string
	Total      int
	Failed     []FailedEntry
}

// Error implements the error interface.
func (e *FlushError) Error() string {
	keys := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		keys = append(keys, fmt.Sprintf("%s#%d@%s", f.Event.EntityType, f.Event.EntityID, f.Event.Stage))
	}
	return fmt.Sprintf("flush %s: %d of %d changes lost: %s",
		e.UnitOfWork, len(e.Failed), e.Total, strings.Join(keys, ", "))
}

// Unwrap returns the PARTIAL_FLUSH error wrapping every entry cause.
func (e *FlushError) Unwrap() error {
	causes := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		causes = append(causes, f.Err)
	}
	return model.NewPartialFlushError(len(e.Failed), e.Total, errors.Join(causes...))
}
