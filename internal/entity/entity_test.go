package entity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changefeed/internal/model"
	"github.com/roach88/changefeed/internal/store"
	"github.com/roach88/changefeed/internal/testutil"
)

func setup(t *testing.T) (*SQLStore, *testutil.Site) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	site := testutil.NewSite(t, s.DB())
	reg := testutil.SiteRegistry(t, nil, nil)
	return NewSQLStore(s.DB(), s.Dialect(), reg), site
}

func TestFetchByIDs_DraftJoinsSubclassTables(t *testing.T) {
	es, site := setup(t)
	site.WritePage(1, testutil.PageClass, "Home")
	site.WritePage(2, testutil.BlogPostClass, "News")

	got, err := es.FetchByIDs(context.Background(), model.StageDraft, testutil.BlogPostClass, []int64{2})
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, testutil.BlogPostClass, got[0].Type)
	assert.Equal(t, int64(2), got[0].ID)
	assert.Equal(t, "News", got[0].Fields["Title"])
	assert.Equal(t, "author-News", got[0].Fields["Author"])
}

func TestFetchByIDs_LiveReadsLiveTables(t *testing.T) {
	es, site := setup(t)
	ctx := context.Background()
	site.WritePage(1, testutil.PageClass, "Home")
	site.WritePage(2, testutil.PageClass, "About")
	site.PublishPage(2)

	live, err := es.FetchByIDs(ctx, model.StageLive, testutil.PageClass, []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, int64(2), live[0].ID)

	draft, err := es.FetchByIDs(ctx, model.StageDraft, testutil.PageClass, []int64{2, 1})
	require.NoError(t, err)
	require.Len(t, draft, 2)
	assert.Equal(t, int64(1), draft[0].ID, "ordered by id")
}

func TestFetchByIDs_NonVersionedIgnoresStage(t *testing.T) {
	es, site := setup(t)
	site.WriteFile(7, testutil.ImageClass, "cat.jpg", true, 1024)

	got, err := es.FetchByIDs(context.Background(), model.StageLive, testutil.ImageClass, []int64{7})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1024), got[0].Fields["FileSize"])
	assert.Equal(t, int64(640), got[0].Fields["Width"])
}

func TestFetchByIDs_MissingRecordsOmitted(t *testing.T) {
	es, _ := setup(t)

	got, err := es.FetchByIDs(context.Background(), model.StageDraft, testutil.PageClass, []int64{99})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = es.FetchByIDs(context.Background(), model.StageDraft, testutil.PageClass, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchByIDs_UnknownTypeIsLookupError(t *testing.T) {
	es, _ := setup(t)

	_, err := es.FetchByIDs(context.Background(), model.StageDraft, `App\Gone`, []int64{1})
	require.Error(t, err)
	assert.True(t, model.IsLookupError(err))
}

func TestSelectQuery_MySQLQuoting(t *testing.T) {
	reg := testutil.SiteRegistry(t, nil, nil)
	es := NewSQLStore(nil, store.MySQL, reg)

	q, err := es.selectQuery(model.StageLive, testutil.BlogPostClass, 2)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT t0.*, t1.* FROM `SiteTree_Live` t0 LEFT JOIN `BlogPost_Live` t1 ON t1.`ID` = t0.`ID` "+
			"WHERE t0.`ID` IN (?, ?) ORDER BY t0.`ID` ASC",
		q)
}
