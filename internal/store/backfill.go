package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/changefeed/internal/model"
)

// lookupTable maps concrete classes to base classes during a backfill.
const lookupTable = "changefeed_class_lookup"

// CreateLookup (re)creates the class lookup table and fills it with classMap
// (concrete class -> base class). Classes missing from the map will not
// resolve during backfill and their rows are removed by DeleteUnresolved.
func (s *Store) CreateLookup(ctx context.Context, classMap map[string]string) error {
	if err := s.DropLookup(ctx); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE `+lookupTable+` (
			object_class VARCHAR(255) NOT NULL PRIMARY KEY,
			base_class   VARCHAR(255) NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create lookup: %w", err)
	}

	if len(classMap) == 0 {
		return nil
	}

	classes := make([]string, 0, len(classMap))
	for c := range classMap {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	args := make([]any, 0, 2*len(classes))
	values := make([]string, 0, len(classes))
	for _, c := range classes {
		values = append(values, "(?, ?)")
		args = append(args, c, classMap[c])
	}
	query := `INSERT INTO ` + lookupTable + ` (object_class, base_class) VALUES ` + strings.Join(values, ", ")
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("fill lookup: %w", err)
	}
	return nil
}

// DropLookup removes the class lookup table if present.
func (s *Store) DropLookup(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+lookupTable); err != nil {
		return fmt.Errorf("drop lookup: %w", err)
	}
	return nil
}

// baseLookup returns the correlated subquery resolving the base class of the
// row's class column.
func (s *Store) baseLookup(classCol string) string {
	return fmt.Sprintf(`(SELECT l.base_class FROM %s l WHERE l.object_class = %s)`, lookupTable, classCol)
}

// hashExpr returns md5(base || ':' || id), NULL when the base is unresolved.
func (s *Store) hashExpr(base, idCol string) string {
	return fmt.Sprintf(`CASE WHEN %s IS NULL THEN NULL ELSE %s END`,
		base, s.dialect.MD5(s.dialect.Concat(base, "':'", idCol)))
}

// InsertFromVersions backfills the queue from a versions table: one UPDATED
// row per record, taken from its latest version if that version is not a
// deletion. Records whose latest version was ever published are queued at
// StageAll, the rest at StageDraft.
//
// Returns the number of rows inserted.
func (s *Store) InsertFromVersions(ctx context.Context, versionsTable string) (int64, error) {
	q := s.dialect.Quote
	class := "v1." + q("ClassName")
	recordID := "v1." + q("RecordID")
	base := s.baseLookup(class)

	query := fmt.Sprintf(`
		INSERT INTO publish_queue_items
		(created_at, last_edited_at, event_kind, stage, entity_type, base_type, entity_id, identity_hash)
		SELECT
			v1.%[1]s,
			v1.%[2]s,
			'%[3]s',
			CASE WHEN v1.%[4]s = 1 THEN '%[5]s' ELSE '%[6]s' END,
			%[7]s,
			%[8]s,
			%[9]s,
			%[10]s
		FROM %[11]s v1
		WHERE v1.%[12]s = 0 AND v1.%[13]s = (
			SELECT MAX(v2.%[13]s) FROM %[11]s v2
			WHERE v2.%[14]s = %[9]s
		)
		ORDER BY v1.%[15]s ASC`,
		q("Created"),
		q("LastEdited"),
		model.EventUpdated,
		q("WasPublished"),
		model.StageAll,
		model.StageDraft,
		class,
		base,
		recordID,
		s.hashExpr(base, recordID),
		q(versionsTable),
		q("WasDeleted"),
		q("Version"),
		q("RecordID"),
		q("ID"),
	)

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("backfill from %s: %w", versionsTable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("backfill from %s: %w", versionsTable, err)
	}
	return n, nil
}

// InsertFromBase backfills the queue from a non-versioned base table: one
// UPDATED row per record at StageAll.
//
// Returns the number of rows inserted.
func (s *Store) InsertFromBase(ctx context.Context, baseTable string) (int64, error) {
	q := s.dialect.Quote
	class := "b." + q("ClassName")
	id := "b." + q("ID")
	base := s.baseLookup(class)

	query := fmt.Sprintf(`
		INSERT INTO publish_queue_items
		(created_at, last_edited_at, event_kind, stage, entity_type, base_type, entity_id, identity_hash)
		SELECT
			b.%[1]s,
			b.%[2]s,
			'%[3]s',
			'%[4]s',
			%[5]s,
			%[6]s,
			%[7]s,
			%[8]s
		FROM %[9]s b
		ORDER BY %[7]s ASC`,
		q("Created"),
		q("LastEdited"),
		model.EventUpdated,
		model.StageAll,
		class,
		base,
		id,
		s.hashExpr(base, id),
		q(baseTable),
	)

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("backfill from %s: %w", baseTable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("backfill from %s: %w", baseTable, err)
	}
	return n, nil
}

// DeleteUnresolved removes rows whose class did not resolve through the
// lookup table. Returns the number deleted.
func (s *Store) DeleteUnresolved(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM publish_queue_items
		WHERE base_type IS NULL OR identity_hash IS NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("delete unresolved: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete unresolved: %w", err)
	}
	return n, nil
}
