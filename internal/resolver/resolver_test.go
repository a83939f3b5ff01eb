package resolver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changefeed/internal/entity"
	"github.com/roach88/changefeed/internal/model"
	"github.com/roach88/changefeed/internal/policy"
	"github.com/roach88/changefeed/internal/store"
	"github.com/roach88/changefeed/internal/testutil"
	"github.com/roach88/changefeed/internal/tracker"
)

type fixture struct {
	clock    *testutil.DeterministicClock
	store    *store.Store
	site     *testutil.Site
	registry *policy.Registry
	tracker  *tracker.Tracker
	hooks    *tracker.Hooks
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewDeterministicClock()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := testutil.SiteRegistry(t, nil, nil)
	return &fixture{
		clock:    clock,
		store:    s,
		site:     testutil.NewSite(t, s.DB()),
		registry: reg,
		tracker:  tracker.New(s, reg, tracker.WithIDGenerator(testutil.SequentialIDs())),
		hooks:    tracker.NewHooks(reg),
	}
}

func (f *fixture) resolver(opts ...Option) *Resolver {
	return New(f.store, entity.NewSQLStore(f.store.DB(), f.store.Dialect(), f.registry), f.registry, opts...)
}

// do runs fn as one unit of work.
func (f *fixture) do(t *testing.T, fn func(ctx context.Context, h *tracker.Hooks) error) {
	t.Helper()
	err := f.tracker.Run(context.Background(), func(ctx context.Context) error {
		return fn(ctx, f.hooks)
	})
	require.NoError(t, err)
}

func page(id int64) model.Entity {
	return model.Entity{Type: testutil.PageClass, ID: id}
}

func (f *fixture) writePage(t *testing.T, id int64, title string) {
	t.Helper()
	f.site.WritePage(id, testutil.PageClass, title)
	f.do(t, func(ctx context.Context, h *tracker.Hooks) error { return h.OnAfterWrite(ctx, page(id)) })
}

func (f *fixture) publishPage(t *testing.T, id int64) {
	t.Helper()
	f.site.PublishPage(id)
	f.do(t, func(ctx context.Context, h *tracker.Hooks) error { return h.OnAfterPublish(ctx, page(id)) })
}

func (f *fixture) writeImage(t *testing.T, id int64, name string) {
	t.Helper()
	f.site.WriteFile(id, testutil.ImageClass, name, true, 1024)
	f.do(t, func(ctx context.Context, h *tracker.Hooks) error {
		return h.OnAfterWrite(ctx, model.Entity{Type: testutil.ImageClass, ID: id})
	})
}

func legacyIDs(res *Result) []int64 {
	out := make([]int64, 0, len(res.Updates))
	for _, u := range res.Updates {
		out = append(out, u.LegacyID)
	}
	return out
}

func TestEncodeCursor(t *testing.T) {
	assert.Equal(t, "Article-5", EncodeCursor("Article", 5))
	assert.Equal(t, "App__Model__Page-42", EncodeCursor(testutil.PageClass, 42))
}

func TestDecodeCursor_RoundTrip(t *testing.T) {
	reg, err := policy.New(policy.Config{Types: []policy.TypeSpec{
		{Class: "Article"},
		{Class: `App\My-Thing`},
		{Class: testutil.PageClass},
	}})
	require.NoError(t, err)
	r := New(nil, nil, reg)

	for _, typ := range []string{"Article", `App\My-Thing`, testutil.PageClass} {
		c, err := r.DecodeCursor(EncodeCursor(typ, 5))
		require.NoError(t, err, typ)
		assert.Equal(t, Cursor{Type: typ, ID: 5}, c)
	}
}

func TestDecodeCursor_Invalid(t *testing.T) {
	reg := testutil.SiteRegistry(t, nil, nil)
	r := New(nil, nil, reg)

	tests := []struct {
		name  string
		token string
	}{
		{"no separator", "garbage"},
		{"missing id", "App__Model__Page-"},
		{"missing type", "-5"},
		{"non numeric id", "App__Model__Page-x"},
		{"negative id", "App__Model__Page--1"},
		{"unknown type", "App__Gone-1"},
		{"excluded type", "App__Secret__Note-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.DecodeCursor(tt.token)
			require.Error(t, err)
			assert.True(t, model.IsValidationError(err))
			assert.Equal(t, model.ReasonInvalidToken, model.ReasonOf(err))
		})
	}
}

func TestSync_Limits(t *testing.T) {
	f := newFixture(t)
	r := f.resolver()
	ctx := context.Background()

	for _, limit := range []int{-1, DefaultMaxLimit + 1} {
		_, err := r.Sync(ctx, Request{Stage: model.StageDraft, Limit: limit})
		require.Error(t, err)
		assert.True(t, model.IsValidationError(err))
		assert.Equal(t, model.ReasonMaxLimit, model.ReasonOf(err), "limit %d", limit)
	}

	_, err := r.Sync(ctx, Request{Stage: model.StageDraft, Limit: DefaultMaxLimit})
	assert.NoError(t, err)
}

func TestSync_DefaultLimit(t *testing.T) {
	f := newFixture(t)
	for id := int64(1); id <= 8; id++ {
		f.writePage(t, id, fmt.Sprintf("Page %d", id))
	}
	r := f.resolver(WithLimits(10, 5))

	res, err := r.Sync(context.Background(), Request{Stage: model.StageDraft})
	require.NoError(t, err)
	assert.Equal(t, 8, res.TotalCount)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, legacyIDs(res))
	require.NotNil(t, res.NextCursor)
	assert.Equal(t, "App__Model__Page-5", *res.NextCursor)

	_, err = r.Sync(context.Background(), Request{Stage: model.StageDraft, Limit: 11})
	assert.Equal(t, model.ReasonMaxLimit, model.ReasonOf(err))
}

func TestSync_InvalidStage(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver().Sync(context.Background(), Request{Stage: "Preview"})
	assert.True(t, model.IsValidationError(err))
}

func TestSync_InvalidOffsetToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver().Sync(context.Background(), Request{Stage: model.StageDraft, OffsetToken: "nope"})
	assert.Equal(t, model.ReasonInvalidToken, model.ReasonOf(err))
}

func TestSync_EmptyQueue(t *testing.T) {
	f := newFixture(t)
	res, err := f.resolver().Sync(context.Background(), Request{Stage: model.StageLive})
	require.NoError(t, err)
	assert.Zero(t, res.TotalCount)
	assert.NotNil(t, res.Updates)
	assert.NotNil(t, res.Deletes)
	assert.Nil(t, res.NextCursor)
}

func TestSync_StageIsolation(t *testing.T) {
	f := newFixture(t)
	r := f.resolver()
	ctx := context.Background()

	f.writePage(t, 1, "Home")

	live, err := r.Sync(ctx, Request{Stage: model.StageLive})
	require.NoError(t, err)
	assert.Zero(t, live.TotalCount, "draft write is not visible on live")

	f.publishPage(t, 1)

	live, err = r.Sync(ctx, Request{Stage: model.StageLive})
	require.NoError(t, err)
	assert.Equal(t, 1, live.TotalCount)
	require.Len(t, live.Updates, 1)
	assert.Equal(t, int64(1), live.Updates[0].LegacyID)
	assert.Equal(t, "Home", live.Updates[0].Fields["Title"])
	assert.Empty(t, live.Deletes)

	draft, err := r.Sync(ctx, Request{Stage: model.StageDraft})
	require.NoError(t, err)
	assert.Equal(t, 1, draft.TotalCount)
}

func TestSync_AllStageVisibleEverywhere(t *testing.T) {
	f := newFixture(t)
	r := f.resolver()
	f.writeImage(t, 3, "cat.jpg")

	for _, stage := range []model.Stage{model.StageDraft, model.StageLive} {
		res, err := r.Sync(context.Background(), Request{Stage: stage})
		require.NoError(t, err)
		require.Len(t, res.Updates, 1, stage)
		assert.Equal(t, "Image", res.Updates[0].TypeName)
	}
}

func TestSync_SinceFiltersOlderRows(t *testing.T) {
	f := newFixture(t)
	r := f.resolver()

	f.writePage(t, 1, "Home")
	since := testutil.At(f.clock.Current())
	f.writePage(t, 2, "About")

	res, err := r.Sync(context.Background(), Request{Stage: model.StageDraft, Since: since})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalCount)
	assert.Equal(t, []int64{2}, legacyIDs(res))
}

func TestSync_LatestRowPerIdentity(t *testing.T) {
	f := newFixture(t)
	f.writePage(t, 1, "Home")
	f.writeImage(t, 3, "cat.jpg")
	f.site.DeleteFile(3)
	f.do(t, func(ctx context.Context, h *tracker.Hooks) error {
		return h.OnAfterDelete(ctx, model.Entity{Type: testutil.ImageClass, ID: 3})
	})

	res, err := f.resolver().Sync(context.Background(), Request{Stage: model.StageDraft})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalCount)
	assert.Equal(t, []int64{1}, legacyIDs(res))
	assert.Equal(t, []string{model.IdentityHash(testutil.FileClass, 3)}, res.Deletes)
}

func TestSync_PaginationIsDeterministic(t *testing.T) {
	f := newFixture(t)
	for id := int64(1); id <= 5; id++ {
		f.writePage(t, id, fmt.Sprintf("Page %d", id))
	}
	for id := int64(10); id <= 12; id++ {
		f.writeImage(t, id, fmt.Sprintf("img-%d.png", id))
	}
	f.site.ArchivePage(4)
	f.do(t, func(ctx context.Context, h *tracker.Hooks) error { return h.OnAfterArchive(ctx, page(4)) })

	r := f.resolver()
	ctx := context.Background()

	whole, err := r.Sync(ctx, Request{Stage: model.StageDraft, Limit: 1000})
	require.NoError(t, err)
	require.Nil(t, whole.NextCursor)

	var (
		updates []int64
		deletes []string
		token   string
		pages   int
	)
	for {
		res, err := r.Sync(ctx, Request{Stage: model.StageDraft, Limit: 2, OffsetToken: token})
		require.NoError(t, err)
		assert.Equal(t, whole.TotalCount, res.TotalCount, "total ignores the cursor")

		again, err := r.Sync(ctx, Request{Stage: model.StageDraft, Limit: 2, OffsetToken: token})
		require.NoError(t, err)
		assert.Equal(t, res, again, "identical requests return identical pages")

		updates = append(updates, legacyIDs(res)...)
		deletes = append(deletes, res.Deletes...)
		pages++
		if res.NextCursor == nil {
			break
		}
		token = *res.NextCursor
	}

	assert.Equal(t, 4, pages)
	assert.Equal(t, 8, whole.TotalCount)
	assert.Equal(t, legacyIDs(whole), updates)
	assert.Equal(t, whole.Deletes, deletes)
	assert.Equal(t, []int64{10, 11, 12, 1, 2, 3, 5}, updates)
	assert.Equal(t, []string{model.IdentityHash(testutil.PageClass, 4)}, deletes)
}

func TestSync_ExcludedTypeSkippedSilently(t *testing.T) {
	f := newFixture(t)
	f.writePage(t, 1, "Home")
	f.writeImage(t, 3, "cat.jpg")

	reg := testutil.SiteRegistry(t, nil, []string{`App\Assets\*`})
	r := New(f.store, entity.NewSQLStore(f.store.DB(), f.store.Dialect(), reg), reg)

	res, err := r.Sync(context.Background(), Request{Stage: model.StageDraft})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalCount, "rows of excluded types leave the window")
	assert.Equal(t, []int64{1}, legacyIDs(res))
}

func (f *fixture) queueGone(t *testing.T, id int64) {
	t.Helper()
	_, err := f.store.ReplaceItem(context.Background(), model.ChangeEvent{
		EntityType:   `App\Gone`,
		BaseType:     `App\Gone`,
		EntityID:     id,
		Kind:         model.EventUpdated,
		Stage:        model.StageAll,
		IdentityHash: model.IdentityHash(`App\Gone`, id),
	}, nil)
	require.NoError(t, err)
}

func TestSync_UnknownTypeSkipped(t *testing.T) {
	f := newFixture(t)
	f.writePage(t, 1, "Home")
	f.queueGone(t, 7)

	res, err := f.resolver().Sync(context.Background(), Request{Stage: model.StageDraft})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalCount)
	assert.Equal(t, []int64{1}, legacyIDs(res))
}

func TestSync_PagesPastTypesExcludedAfterQueueing(t *testing.T) {
	f := newFixture(t)
	f.writeImage(t, 3, "cat.jpg")
	f.writeImage(t, 4, "dog.jpg")
	f.writePage(t, 1, "Home")
	f.writePage(t, 2, "About")
	f.queueGone(t, 7)

	reg := testutil.SiteRegistry(t, nil, []string{`App\Assets\*`})
	r := New(f.store, entity.NewSQLStore(f.store.DB(), f.store.Dialect(), reg), reg)
	ctx := context.Background()

	var (
		ids   []int64
		token string
		pages int
	)
	for {
		res, err := r.Sync(ctx, Request{Stage: model.StageDraft, Limit: 1, OffsetToken: token})
		require.NoError(t, err)
		assert.Equal(t, 2, res.TotalCount)
		ids = append(ids, legacyIDs(res)...)
		pages++
		if res.NextCursor == nil {
			break
		}
		_, err = r.DecodeCursor(*res.NextCursor)
		require.NoError(t, err, "next cursor %q must decode", *res.NextCursor)
		token = *res.NextCursor
	}

	assert.Equal(t, 2, pages)
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestSync_NothingIncluded(t *testing.T) {
	f := newFixture(t)
	f.writePage(t, 1, "Home")

	reg := testutil.SiteRegistry(t, []string{`Vendor\*`}, nil)
	r := New(f.store, entity.NewSQLStore(f.store.DB(), f.store.Dialect(), reg), reg)

	res, err := r.Sync(context.Background(), Request{Stage: model.StageDraft})
	require.NoError(t, err)
	assert.Zero(t, res.TotalCount)
	assert.Empty(t, res.Updates)
	assert.Nil(t, res.NextCursor)
}

// failingEntities fails every fetch.
type failingEntities struct{}

func (failingEntities) FetchByIDs(context.Context, model.Stage, string, []int64) ([]model.Entity, error) {
	return nil, errors.New("connection reset by peer")
}

func TestSync_FetchErrorFailsRequest(t *testing.T) {
	f := newFixture(t)
	f.writePage(t, 1, "Home")

	r := New(f.store, failingEntities{}, f.registry)
	res, err := r.Sync(context.Background(), Request{Stage: model.StageDraft})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, model.IsFetchError(err))
	assert.Contains(t, err.Error(), "connection reset by peer")
}

func TestSync_DeletesNeedNoFetch(t *testing.T) {
	f := newFixture(t)
	f.writePage(t, 1, "Home")
	f.site.ArchivePage(1)
	f.do(t, func(ctx context.Context, h *tracker.Hooks) error { return h.OnAfterArchive(ctx, page(1)) })

	r := New(f.store, failingEntities{}, f.registry)
	res, err := r.Sync(context.Background(), Request{Stage: model.StageDraft})
	require.NoError(t, err)
	assert.Empty(t, res.Updates)
	assert.Equal(t, []string{model.IdentityHash(testutil.PageClass, 1)}, res.Deletes)
}

func TestSync_CustomProjector(t *testing.T) {
	f := newFixture(t)
	f.writePage(t, 1, "Home")

	r := f.resolver(WithProjector(ProjectorFunc(func(_ context.Context, stage model.Stage, e model.Entity) (model.ProjectedEntity, error) {
		return model.ProjectedEntity{
			TypeName: "Custom",
			LegacyID: e.ID,
			Fields:   map[string]any{"stage": string(stage), "title": e.Fields["Title"]},
		}, nil
	})))

	res, err := r.Sync(context.Background(), Request{Stage: model.StageDraft})
	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, "Custom", res.Updates[0].TypeName)
	assert.Equal(t, map[string]any{"stage": "Stage", "title": "Home"}, res.Updates[0].Fields)
}

func TestDefaultProjector(t *testing.T) {
	reg := testutil.SiteRegistry(t, nil, nil)
	p := DefaultProjector{Registry: reg}

	got, err := p.Project(context.Background(), model.StageDraft, model.Entity{Type: testutil.BlogPostClass, ID: 9})
	require.NoError(t, err)
	assert.Equal(t, "BlogPost", got.TypeName)
	assert.Equal(t, model.IdentityHash(testutil.BlogPostClass, 9), got.IdentityHash)
	assert.Equal(t, model.IdentityHash(testutil.PageClass, 9), got.BaseIdentityHash)
	assert.Equal(t, []string{"BlogPost"}, got.TypeAncestry)

	_, err = p.Project(context.Background(), model.StageDraft, model.Entity{Type: `App\Gone`, ID: 1})
	assert.True(t, model.IsLookupError(err))
}

func TestSync_Golden(t *testing.T) {
	f := newFixture(t)
	f.writePage(t, 1, "Home")
	f.writePage(t, 2, "About")
	f.site.ArchivePage(2)
	f.do(t, func(ctx context.Context, h *tracker.Hooks) error { return h.OnAfterArchive(ctx, page(2)) })
	f.writeImage(t, 3, "cat.jpg")

	res, err := f.resolver().Sync(context.Background(), Request{Stage: model.StageDraft, Since: time.Time{}})
	require.NoError(t, err)

	testutil.AssertGoldenJSON(t, "sync_draft", res)
}
