package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/changefeed/internal/model"
)

const itemColumns = `q.id, q.created_at, q.last_edited_at, q.event_kind, q.stage, q.entity_type,
		q.base_type, q.entity_id, q.identity_hash, q.size_bytes, q.publish_event_id`

// Window selects the queue rows visible to a sync request.
type Window struct {
	// Stage is the requested stage. Rows at StageAll always match too.
	Stage model.Stage

	// Since excludes rows created at or before this instant.
	Since time.Time

	// Types, when non-empty, restricts the window to these entity types.
	// The filter applies to the latest row of each identity, so an identity
	// whose newest row has another type stays hidden.
	Types []string

	// AfterType and AfterID resume strictly after (AfterType, AfterID) in
	// (entity_type, entity_id) order. Ignored when AfterType is empty.
	AfterType string
	AfterID   int64

	// Limit caps the number of rows returned. Zero means no cap.
	Limit int
}

// windowFrom returns the FROM clause and predicates shared by WindowItems
// and CountWindow. Only the latest row of each identity is visible, so an
// identity queued at both the requested stage and ALL is reported once.
func windowFrom(w Window) (string, []string, []any) {
	from := `publish_queue_items q
		JOIN (
			SELECT MAX(id) AS id FROM publish_queue_items
			WHERE stage IN (?, ?) AND created_at > ? AND identity_hash IS NOT NULL
			GROUP BY identity_hash
		) latest ON latest.id = q.id`
	args := []any{string(w.Stage), string(model.StageAll), formatTime(w.Since)}

	var where []string
	if len(w.Types) > 0 {
		where = append(where, "q.entity_type IN ("+placeholders(len(w.Types))+")")
		for _, t := range w.Types {
			args = append(args, t)
		}
	}
	return from, where, args
}

// WindowItems returns the rows in w, ordered by (entity_type, entity_id).
//
// Returns empty slice (not nil) if no rows match.
func (s *Store) WindowItems(ctx context.Context, w Window) ([]model.QueueItem, error) {
	from, where, args := windowFrom(w)
	if w.AfterType != "" {
		where = append(where, "(q.entity_type > ? OR (q.entity_type = ? AND q.entity_id > ?))")
		args = append(args, w.AfterType, w.AfterType, w.AfterID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", itemColumns, from)
	if len(where) > 0 {
		b.WriteString("\n\t\tWHERE " + strings.Join(where, " AND "))
	}
	// Deterministic ordering: the sync cursor resumes on this exact order
	b.WriteString(`
		ORDER BY q.entity_type ASC, q.entity_id ASC, q.id ASC`)
	if w.Limit > 0 {
		b.WriteString(`
		LIMIT ?`)
		args = append(args, w.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query window: %w", err)
	}
	return collectItems(rows)
}

// CountWindow returns the number of distinct identities in w, ignoring the
// cursor and limit.
func (s *Store) CountWindow(ctx context.Context, w Window) (int, error) {
	from, where, args := windowFrom(w)
	query := "SELECT COUNT(*) FROM " + from
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count window: %w", err)
	}
	return n, nil
}

// ItemsForType returns up to limit rows of entity type typ with id > afterID,
// ordered by id. Used to walk a type's rows in chunks.
func (s *Store) ItemsForType(ctx context.Context, typ string, afterID int64, limit int) ([]model.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+`
		FROM publish_queue_items q
		WHERE q.entity_type = ? AND q.id > ?
		ORDER BY q.id ASC
		LIMIT ?
	`, typ, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query items for type: %w", err)
	}
	return collectItems(rows)
}

// ListFilter narrows ListItems.
type ListFilter struct {
	Stage model.Stage
	Kind  model.EventKind
	Limit int
}

// ListItems returns queue rows newest first.
func (s *Store) ListItems(ctx context.Context, f ListFilter) ([]model.QueueItem, error) {
	var (
		where []string
		args  []any
	)
	if f.Stage != "" {
		where = append(where, "q.stage = ?")
		args = append(args, string(f.Stage))
	}
	if f.Kind != "" {
		where = append(where, "q.event_kind = ?")
		args = append(args, string(f.Kind))
	}

	query := `SELECT ` + itemColumns + ` FROM publish_queue_items q`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY q.id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return collectItems(rows)
}

// GetItem returns the row for (identityHash, stage), or sql.ErrNoRows.
func (s *Store) GetItem(ctx context.Context, identityHash string, stage model.Stage) (model.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+`
		FROM publish_queue_items q
		WHERE q.identity_hash = ? AND q.stage = ?
		ORDER BY q.id DESC
		LIMIT 1
	`, identityHash, string(stage))
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("get item: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return model.QueueItem{}, err
	}
	if len(items) == 0 {
		return model.QueueItem{}, sql.ErrNoRows
	}
	return items[0], nil
}

// CountItems returns the total number of queue rows.
func (s *Store) CountItems(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM publish_queue_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

// PublishEvents returns publish events newest first with their item counts.
func (s *Store) PublishEvents(ctx context.Context, limit int) ([]model.PublishEvent, error) {
	query := `
		SELECT e.id, e.created_at, e.status, e.duration_seconds, COALESCE(c.n, 0)
		FROM publish_events e
		LEFT JOIN (
			SELECT publish_event_id, COUNT(*) AS n
			FROM publish_queue_items
			WHERE publish_event_id IS NOT NULL
			GROUP BY publish_event_id
		) c ON c.publish_event_id = e.id
		ORDER BY e.id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query publish events: %w", err)
	}
	defer rows.Close()

	events := []model.PublishEvent{}
	for rows.Next() {
		var (
			ev      model.PublishEvent
			created sqlTime
			status  string
		)
		if err := rows.Scan(&ev.ID, &created, &status, &ev.DurationSeconds, &ev.ItemCount); err != nil {
			return nil, fmt.Errorf("scan publish event: %w", err)
		}
		ev.CreatedAt = created.Time
		ev.Status = model.PublishStatus(status)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publish events: %w", err)
	}
	return events, nil
}

// collectItems drains and closes rows.
func collectItems(rows *sql.Rows) ([]model.QueueItem, error) {
	defer rows.Close()

	items := []model.QueueItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

func scanItem(rows *sql.Rows) (model.QueueItem, error) {
	var (
		item           model.QueueItem
		created        sqlTime
		lastEdited     sqlTime
		kind, stage    string
		baseType, hash sql.NullString
		size, eventID  sql.NullInt64
	)
	err := rows.Scan(
		&item.ID,
		&created,
		&lastEdited,
		&kind,
		&stage,
		&item.EntityType,
		&baseType,
		&item.EntityID,
		&hash,
		&size,
		&eventID,
	)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("scan item: %w", err)
	}

	item.CreatedAt = created.Time
	item.LastEditedAt = lastEdited.Time
	item.Kind = model.EventKind(kind)
	item.Stage = model.Stage(stage)
	item.BaseType = baseType.String
	item.IdentityHash = hash.String
	if size.Valid {
		v := size.Int64
		item.SizeBytes = &v
	}
	if eventID.Valid {
		v := eventID.Int64
		item.PublishEventID = &v
	}
	return item, nil
}

// sqlTime scans DATETIME columns from either driver: time.Time (MySQL with
// parseTime, SQLite with a DATETIME decltype) or text.
type sqlTime struct {
	Time time.Time
}

func (t *sqlTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time = time.Time{}
	case time.Time:
		t.Time = x.UTC()
	case string:
		return t.parse(x)
	case []byte:
		return t.parse(string(x))
	default:
		return fmt.Errorf("unsupported time value %T", v)
	}
	return nil
}

func (t *sqlTime) parse(s string) error {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unparseable time %q", s)
}
