package tracker

import (
	"context"
	"fmt"

	"github.com/roach88/changefeed/internal/model"
	"github.com/roach88/changefeed/internal/policy"
)

// Lifecycle is the capability the entity-store collaborator calls after each
// mutation. Every method records into the unit of work carried by ctx.
type Lifecycle interface {
	OnAfterWrite(ctx context.Context, e model.Entity) error
	OnAfterDelete(ctx context.Context, e model.Entity) error
	OnAfterPublish(ctx context.Context, e model.Entity) error
	OnAfterUnpublish(ctx context.Context, e model.Entity) error
	OnAfterArchive(ctx context.Context, e model.Entity) error

	// OnAfterManyToManyChange marks owner changed after a relation mutation.
	// Plain relations apply to every stage; versioned (through) relations
	// apply to the stage the caller is writing.
	OnAfterManyToManyChange(ctx context.Context, owner model.Entity, versioned bool, current model.Stage) error
}

// Hooks implements Lifecycle with the stage selection rules:
//
//	hook        versioned type     other types
//	write       UPDATED  Stage     UPDATED  ALL
//	delete      DELETED  Stage     DELETED  ALL
//	publish     UPDATED  Live      UPDATED  Live
//	unpublish   DELETED  Stage     DELETED  Stage
//	archive     DELETED  Stage     DELETED  Stage
//
// Types the registry does not include are ignored.
type Hooks struct {
	registry *policy.Registry
}

var _ Lifecycle = (*Hooks)(nil)

// NewHooks creates Hooks resolving types with registry.
func NewHooks(registry *policy.Registry) *Hooks {
	return &Hooks{registry: registry}
}

// OnAfterWrite implements Lifecycle.
func (h *Hooks) OnAfterWrite(ctx context.Context, e model.Entity) error {
	return h.record(ctx, e, model.EventUpdated, h.editStage(e))
}

// OnAfterDelete implements Lifecycle.
func (h *Hooks) OnAfterDelete(ctx context.Context, e model.Entity) error {
	return h.record(ctx, e, model.EventDeleted, h.editStage(e))
}

// OnAfterPublish implements Lifecycle.
func (h *Hooks) OnAfterPublish(ctx context.Context, e model.Entity) error {
	return h.record(ctx, e, model.EventUpdated, model.StageLive)
}

// OnAfterUnpublish implements Lifecycle. The change is recorded against the
// draft stage, not live.
func (h *Hooks) OnAfterUnpublish(ctx context.Context, e model.Entity) error {
	return h.record(ctx, e, model.EventDeleted, model.StageDraft)
}

// OnAfterArchive implements Lifecycle.
func (h *Hooks) OnAfterArchive(ctx context.Context, e model.Entity) error {
	return h.record(ctx, e, model.EventDeleted, model.StageDraft)
}

// OnAfterManyToManyChange implements Lifecycle.
func (h *Hooks) OnAfterManyToManyChange(ctx context.Context, owner model.Entity, versioned bool, current model.Stage) error {
	stage := model.StageAll
	if versioned {
		stage = current
	}
	return h.record(ctx, owner, model.EventUpdated, stage)
}

// editStage is the stage of a plain write or delete.
func (h *Hooks) editStage(e model.Entity) model.Stage {
	if h.registry.Versioned(e.Type) {
		return model.StageDraft
	}
	return model.StageAll
}

func (h *Hooks) record(ctx context.Context, e model.Entity, kind model.EventKind, stage model.Stage) error {
	if !h.registry.IncludesType(e.Type) {
		return nil
	}
	u, ok := FromContext(ctx)
	if !ok {
		return fmt.Errorf("record %s#%d: %w", e.Type, e.ID, ErrNoUnitOfWork)
	}
	return u.Record(e, kind, stage)
}
