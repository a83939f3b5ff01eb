package testutil

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/changefeed/internal/policy"
)

// Classes of the fixture site.
const (
	PageClass     = `App\Model\Page`
	BlogPostClass = `App\Model\BlogPost`
	FileClass     = `App\Assets\File`
	ImageClass    = `App\Assets\Image`
	NoteClass     = `App\Secret\Note`
)

// EntityStamp is the Created/LastEdited value of every fixture row.
const EntityStamp = "2023-06-01 12:00:00"

const siteSchema = `
CREATE TABLE IF NOT EXISTS "SiteTree" (
	"ID" INTEGER PRIMARY KEY, "ClassName" TEXT NOT NULL,
	"Created" DATETIME, "LastEdited" DATETIME, "Title" TEXT, "URLSegment" TEXT);
CREATE TABLE IF NOT EXISTS "SiteTree_Live" (
	"ID" INTEGER PRIMARY KEY, "ClassName" TEXT NOT NULL,
	"Created" DATETIME, "LastEdited" DATETIME, "Title" TEXT, "URLSegment" TEXT);
CREATE TABLE IF NOT EXISTS "SiteTree_Versions" (
	"ID" INTEGER PRIMARY KEY AUTOINCREMENT, "RecordID" INTEGER NOT NULL, "Version" INTEGER NOT NULL,
	"WasPublished" INTEGER NOT NULL DEFAULT 0, "WasDeleted" INTEGER NOT NULL DEFAULT 0,
	"ClassName" TEXT NOT NULL, "Created" DATETIME, "LastEdited" DATETIME, "Title" TEXT);
CREATE TABLE IF NOT EXISTS "BlogPost" ("ID" INTEGER PRIMARY KEY, "Author" TEXT);
CREATE TABLE IF NOT EXISTS "BlogPost_Live" ("ID" INTEGER PRIMARY KEY, "Author" TEXT);
CREATE TABLE IF NOT EXISTS "File" (
	"ID" INTEGER PRIMARY KEY, "ClassName" TEXT NOT NULL,
	"Created" DATETIME, "LastEdited" DATETIME, "Name" TEXT,
	"IsUsed" INTEGER NOT NULL DEFAULT 0, "FileSize" INTEGER);
CREATE TABLE IF NOT EXISTS "Image" ("ID" INTEGER PRIMARY KEY, "Width" INTEGER);
CREATE TABLE IF NOT EXISTS "Note" (
	"ID" INTEGER PRIMARY KEY, "ClassName" TEXT NOT NULL,
	"Created" DATETIME, "LastEdited" DATETIME, "Body" TEXT)
`

// SiteTypes returns the type declarations of the fixture site.
// Files are vetoed unless IsUsed is set.
func SiteTypes() []policy.TypeSpec {
	return []policy.TypeSpec{
		{Class: PageClass, Table: "SiteTree", Versioned: true},
		{Class: BlogPostClass, Parent: PageClass},
		{Class: FileClass, SizeField: "FileSize", Veto: policy.RequireField("IsUsed")},
		{Class: ImageClass, Parent: FileClass},
		{Class: NoteClass},
	}
}

// SiteRegistry builds the registry of the fixture site. With no patterns
// every type is included except the App\Secret namespace.
func SiteRegistry(t testing.TB, included, excluded []string) *policy.Registry {
	t.Helper()
	if included == nil && excluded == nil {
		excluded = []string{`App\Secret\*`}
	}
	r, err := policy.New(policy.Config{
		Included: included,
		Excluded: excluded,
		Types:    SiteTypes(),
	})
	require.NoError(t, err)
	return r
}

// Site is a SQLite database laid out like a small CMS: a versioned page
// hierarchy (SiteTree, BlogPost) and non-versioned assets (File, Image) and
// notes. Methods mutate the tables the way the CMS would; they never touch
// the publish queue.
type Site struct {
	t  testing.TB
	DB *sql.DB
}

// NewSite creates the entity tables in db.
func NewSite(t testing.TB, db *sql.DB) *Site {
	t.Helper()
	_, err := db.Exec(siteSchema)
	require.NoError(t, err)
	return &Site{t: t, DB: db}
}

func (s *Site) exec(query string, args ...any) {
	s.t.Helper()
	_, err := s.DB.Exec(query, args...)
	require.NoError(s.t, err)
}

// WritePage saves the draft of a page (or blog post) and appends a draft version.
func (s *Site) WritePage(id int64, class, title string) {
	s.t.Helper()
	s.exec(`INSERT OR REPLACE INTO "SiteTree" ("ID", "ClassName", "Created", "LastEdited", "Title", "URLSegment")
		VALUES (?, ?, ?, ?, ?, lower(?))`, id, class, EntityStamp, EntityStamp, title, title)
	if class == BlogPostClass {
		s.exec(`INSERT OR REPLACE INTO "BlogPost" ("ID", "Author") VALUES (?, ?)`, id, "author-"+title)
	}
	s.appendVersion(id, 0, 0)
}

// PublishPage copies the draft of a page to the live tables and appends a
// published version.
func (s *Site) PublishPage(id int64) {
	s.t.Helper()
	s.exec(`INSERT OR REPLACE INTO "SiteTree_Live" SELECT * FROM "SiteTree" WHERE "ID" = ?`, id)
	s.exec(`INSERT OR REPLACE INTO "BlogPost_Live" SELECT * FROM "BlogPost" WHERE "ID" = ?`, id)
	s.appendVersion(id, 1, 0)
}

// UnpublishPage removes a page from the live tables.
func (s *Site) UnpublishPage(id int64) {
	s.t.Helper()
	s.exec(`DELETE FROM "SiteTree_Live" WHERE "ID" = ?`, id)
	s.exec(`DELETE FROM "BlogPost_Live" WHERE "ID" = ?`, id)
}

// ArchivePage removes a page from every stage and appends a deleted version.
func (s *Site) ArchivePage(id int64) {
	s.t.Helper()
	s.appendVersion(id, 0, 1)
	s.UnpublishPage(id)
	s.exec(`DELETE FROM "SiteTree" WHERE "ID" = ?`, id)
	s.exec(`DELETE FROM "BlogPost" WHERE "ID" = ?`, id)
}

func (s *Site) appendVersion(id int64, published, deleted int) {
	s.t.Helper()
	s.exec(`INSERT INTO "SiteTree_Versions"
		("RecordID", "Version", "WasPublished", "WasDeleted", "ClassName", "Created", "LastEdited", "Title")
		SELECT ?, COALESCE((SELECT MAX("Version") FROM "SiteTree_Versions" WHERE "RecordID" = ?), 0) + 1,
			?, ?, "ClassName", "Created", "LastEdited", "Title"
		FROM "SiteTree" WHERE "ID" = ?`, id, id, published, deleted, id)
}

// WriteFile saves a file (or image) row.
func (s *Site) WriteFile(id int64, class, name string, used bool, size int64) {
	s.t.Helper()
	s.exec(`INSERT OR REPLACE INTO "File" ("ID", "ClassName", "Created", "LastEdited", "Name", "IsUsed", "FileSize")
		VALUES (?, ?, ?, ?, ?, ?, ?)`, id, class, EntityStamp, EntityStamp, name, used, size)
	if class == ImageClass {
		s.exec(`INSERT OR REPLACE INTO "Image" ("ID", "Width") VALUES (?, ?)`, id, 640)
	}
}

// SetFileUsed flips the usage flag consulted by the file veto.
func (s *Site) SetFileUsed(id int64, used bool) {
	s.t.Helper()
	s.exec(`UPDATE "File" SET "IsUsed" = ? WHERE "ID" = ?`, used, id)
}

// DeleteFile removes a file row.
func (s *Site) DeleteFile(id int64) {
	s.t.Helper()
	s.exec(`DELETE FROM "File" WHERE "ID" = ?`, id)
	s.exec(`DELETE FROM "Image" WHERE "ID" = ?`, id)
}

// WriteNote saves a note row.
func (s *Site) WriteNote(id int64, body string) {
	s.t.Helper()
	s.exec(`INSERT OR REPLACE INTO "Note" ("ID", "ClassName", "Created", "LastEdited", "Body")
		VALUES (?, ?, ?, ?, ?)`, id, NoteClass, EntityStamp, EntityStamp, body)
}
