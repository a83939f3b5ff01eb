package migrator

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changefeed/internal/entity"
	"github.com/roach88/changefeed/internal/logging"
	"github.com/roach88/changefeed/internal/model"
	"github.com/roach88/changefeed/internal/resolver"
	"github.com/roach88/changefeed/internal/store"
	"github.com/roach88/changefeed/internal/testutil"
)

type fixture struct {
	store    *store.Store
	site     *testutil.Site
	migrator *Migrator
	logs     *bytes.Buffer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithClock(testutil.NewDeterministicClock().Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := testutil.SiteRegistry(t, nil, nil)
	logs := &bytes.Buffer{}
	base := []Option{WithLogger(logging.NewWithWriter("debug", logging.FormatConsole, logs))}
	m := New(s, entity.NewSQLStore(s.DB(), s.Dialect(), reg), reg, append(base, opts...)...)

	return &fixture{store: s, site: testutil.NewSite(t, s.DB()), migrator: m, logs: logs}
}

// populate lays out a small site:
//
//	1 page, published       -> ALL
//	2 page, draft only      -> Draft
//	3 page, archived        -> not migrated
//	4 blog post, published  -> ALL
//	5 page of an undeclared class -> removed at teardown
//	10 used file, 11 unused image -> ALL, 11 purged
//	20 note (excluded type) -> not migrated
func (f *fixture) populate() {
	f.site.WritePage(1, testutil.PageClass, "Home")
	f.site.PublishPage(1)
	f.site.WritePage(2, testutil.PageClass, "Draft")
	f.site.WritePage(3, testutil.PageClass, "Gone")
	f.site.ArchivePage(3)
	f.site.WritePage(4, testutil.BlogPostClass, "News")
	f.site.PublishPage(4)
	f.site.WritePage(5, `App\Model\Legacy`, "Old")
	f.site.WriteFile(10, testutil.FileClass, "report.pdf", true, 2048)
	f.site.WriteFile(11, testutil.ImageClass, "unused.png", false, 512)
	f.site.WriteNote(20, "secret")
}

func (f *fixture) item(t *testing.T, base string, id int64, stage model.Stage) (model.QueueItem, bool) {
	t.Helper()
	it, err := f.store.GetItem(context.Background(), model.IdentityHash(base, id), stage)
	if err != nil {
		return model.QueueItem{}, false
	}
	return it, true
}

func TestClassesToMigrate(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{testutil.FileClass, testutil.PageClass}, f.migrator.ClassesToMigrate())
}

func TestMigrate_VersionedStages(t *testing.T) {
	f := newFixture(t)
	f.populate()
	ctx := context.Background()

	require.NoError(t, f.migrator.Setup(ctx))
	n, err := f.migrator.Migrate(ctx, testutil.PageClass)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n, "pages 1, 2, 4 and the undeclared 5")

	home, ok := f.item(t, testutil.PageClass, 1, model.StageAll)
	require.True(t, ok)
	assert.Equal(t, model.EventUpdated, home.Kind)
	assert.Equal(t, testutil.PageClass, home.EntityType)

	_, ok = f.item(t, testutil.PageClass, 2, model.StageDraft)
	assert.True(t, ok)

	_, ok = f.item(t, testutil.PageClass, 3, model.StageDraft)
	assert.False(t, ok, "archived page is not migrated")

	post, ok := f.item(t, testutil.PageClass, 4, model.StageAll)
	require.True(t, ok)
	assert.Equal(t, testutil.BlogPostClass, post.EntityType)
	assert.Equal(t, testutil.PageClass, post.BaseType)
}

func TestMigrate_BaseTable(t *testing.T) {
	f := newFixture(t)
	f.populate()
	ctx := context.Background()

	require.NoError(t, f.migrator.Setup(ctx))
	n, err := f.migrator.Migrate(ctx, testutil.FileClass)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	img, ok := f.item(t, testutil.FileClass, 11, model.StageAll)
	require.True(t, ok)
	assert.Equal(t, testutil.ImageClass, img.EntityType)
}

func TestMigrate_UnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.migrator.Migrate(context.Background(), `App\Gone`)
	assert.True(t, model.IsLookupError(err))
}

func TestTearDown_RemovesUnresolvedRows(t *testing.T) {
	f := newFixture(t)
	f.populate()
	ctx := context.Background()

	require.NoError(t, f.migrator.Setup(ctx))
	_, err := f.migrator.MigrateAll(ctx)
	require.NoError(t, err)
	require.NoError(t, f.migrator.TearDown(ctx))

	items, err := f.store.ListItems(ctx, store.ListFilter{})
	require.NoError(t, err)
	for _, it := range items {
		assert.NotEqual(t, `App\Model\Legacy`, it.EntityType)
		assert.NotEmpty(t, it.IdentityHash)
	}

	// The lookup table is gone.
	_, err = f.store.DB().Exec(`SELECT 1 FROM changefeed_class_lookup`)
	assert.Error(t, err)
}

func TestSeed(t *testing.T) {
	f := newFixture(t)
	f.populate()
	ctx := context.Background()

	// Rows queued before the seed are discarded.
	_, err := f.store.ReplaceItem(ctx, model.ChangeEvent{
		EntityType: testutil.PageClass, BaseType: testutil.PageClass, EntityID: 99,
		Kind: model.EventUpdated, Stage: model.StageDraft,
		IdentityHash: model.IdentityHash(testutil.PageClass, 99),
	}, nil)
	require.NoError(t, err)

	report, err := f.migrator.Seed(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{testutil.FileClass, testutil.PageClass}, report.Classes)
	assert.Equal(t, int64(6), report.Migrated)
	assert.Equal(t, map[string][]int64{testutil.FileClass: {11}}, report.Purged)
	assert.Equal(t, 1, report.PurgedCount())

	n, err := f.store.CountItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "pages 1, 2, 4 and file 10")

	out := f.logs.String()
	for _, msg := range []string{
		"Prepping database...",
		"Migrating 2 classes",
		`Migrating App\Model\Page`,
		"4 records migrated",
		"Purging individual records...",
		`Purged 1 records from App\Assets\File`,
	} {
		assert.Contains(t, out, msg)
	}
}

func TestPurge_SkipsTypesWithoutVeto(t *testing.T) {
	f := newFixture(t)
	f.populate()
	ctx := context.Background()
	_, err := f.migrator.Seed(ctx)
	require.NoError(t, err)

	f.site.ArchivePage(1)

	ids, err := f.migrator.Purge(ctx, testutil.PageClass)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, ok := f.item(t, testutil.PageClass, 1, model.StageAll)
	assert.True(t, ok)
}

func TestPurge_KeepsDeletionRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.ReplaceItem(ctx, model.ChangeEvent{
		EntityType: testutil.FileClass, BaseType: testutil.FileClass, EntityID: 30,
		Kind: model.EventDeleted, Stage: model.StageAll,
		IdentityHash: model.IdentityHash(testutil.FileClass, 30),
	}, nil)
	require.NoError(t, err)

	ids, err := f.migrator.Purge(ctx, testutil.FileClass)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, ok := f.item(t, testutil.FileClass, 30, model.StageAll)
	assert.True(t, ok)
}

func TestPurge_Chunked(t *testing.T) {
	f := newFixture(t, WithChunkSize(2))
	ctx := context.Background()
	for id := int64(1); id <= 5; id++ {
		f.site.WriteFile(id, testutil.FileClass, "f", id%2 == 0, 1)
	}
	require.NoError(t, f.migrator.Setup(ctx))
	_, err := f.migrator.MigrateAll(ctx)
	require.NoError(t, err)

	ids, err := f.migrator.Purge(ctx, testutil.FileClass)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 5}, ids)

	n, err := f.store.CountItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPurge_RecordLeavesSync(t *testing.T) {
	f := newFixture(t)
	f.populate()
	ctx := context.Background()
	_, err := f.migrator.Seed(ctx)
	require.NoError(t, err)

	reg := testutil.SiteRegistry(t, nil, nil)
	r := resolver.New(f.store, entity.NewSQLStore(f.store.DB(), f.store.Dialect(), reg), reg)

	before, err := r.Sync(ctx, resolver.Request{Stage: model.StageLive})
	require.NoError(t, err)
	assert.Contains(t, updatedIDs(before), int64(10))

	f.site.SetFileUsed(10, false)
	ids, err := f.migrator.Purge(ctx, testutil.FileClass)
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, ids)

	after, err := r.Sync(ctx, resolver.Request{Stage: model.StageLive})
	require.NoError(t, err)
	assert.NotContains(t, updatedIDs(after), int64(10))
	assert.Equal(t, before.TotalCount-1, after.TotalCount)
}

func TestPurgeAll(t *testing.T) {
	f := newFixture(t)
	f.populate()
	ctx := context.Background()
	_, err := f.migrator.Seed(ctx)
	require.NoError(t, err)

	f.site.SetFileUsed(10, false)
	report, err := f.migrator.PurgeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]int64{testutil.FileClass: {10}}, report.Purged)
	assert.Contains(t, f.logs.String(), "Purging 2 classes")
}

func updatedIDs(res *resolver.Result) []int64 {
	out := make([]int64, 0, len(res.Updates))
	for _, u := range res.Updates {
		out = append(out, u.LegacyID)
	}
	return out
}
