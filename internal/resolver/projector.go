package resolver

import (
	"context"

	"github.com/roach88/changefeed/internal/model"
	"github.com/roach88/changefeed/internal/policy"
)

// Projector turns a fetched entity into its sync wire shape.
type Projector interface {
	Project(ctx context.Context, stage model.Stage, e model.Entity) (model.ProjectedEntity, error)
}

// ProjectorFunc adapts a function to Projector.
type ProjectorFunc func(ctx context.Context, stage model.Stage, e model.Entity) (model.ProjectedEntity, error)

// Project implements Projector.
func (f ProjectorFunc) Project(ctx context.Context, stage model.Stage, e model.Entity) (model.ProjectedEntity, error) {
	return f(ctx, stage, e)
}

// DefaultProjector exposes every fetched column under fields.
type DefaultProjector struct {
	Registry *policy.Registry
}

// Project implements Projector.
func (p DefaultProjector) Project(_ context.Context, _ model.Stage, e model.Entity) (model.ProjectedEntity, error) {
	base, ok := p.Registry.BaseType(e.Type)
	if !ok {
		return model.ProjectedEntity{}, model.NewLookupError(e.Type)
	}
	return model.ProjectedEntity{
		TypeName:         p.Registry.TypeName(e.Type),
		IdentityHash:     model.IdentityHash(e.Type, e.ID),
		BaseIdentityHash: model.IdentityHash(base, e.ID),
		LegacyID:         e.ID,
		TypeAncestry:     p.Registry.Ancestry(e.Type),
		Fields:           e.Fields,
	}, nil
}
