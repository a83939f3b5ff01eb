package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/changefeed/internal/model"
)

// ReplaceItem supersedes the queue row for (ev.IdentityHash, ev.Stage).
//
// The delete of the previous row and the insert of the new one run in one
// transaction, so readers never observe zero or two rows for the key. Two
// concurrent flushes of the same key resolve to whichever commits last.
//
// Returns the id of the inserted row.
func (s *Store) ReplaceItem(ctx context.Context, ev model.ChangeEvent, publishEventID *int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("replace item: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM publish_queue_items
		WHERE identity_hash = ? AND stage = ?
	`, ev.IdentityHash, string(ev.Stage)); err != nil {
		return 0, fmt.Errorf("replace item: delete previous: %w", err)
	}

	now := s.stamp()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO publish_queue_items
		(created_at, last_edited_at, event_kind, stage, entity_type, base_type,
		 entity_id, identity_hash, size_bytes, publish_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		now,
		now,
		string(ev.Kind),
		string(ev.Stage),
		ev.EntityType,
		ev.BaseType,
		ev.EntityID,
		ev.IdentityHash,
		nullInt64(ev.SizeBytes),
		nullInt64(publishEventID),
	)
	if err != nil {
		return 0, fmt.Errorf("replace item: insert: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("replace item: last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("replace item: commit: %w", err)
	}
	return id, nil
}

// Truncate removes every queue row and publish event.
func (s *Store) Truncate(ctx context.Context) error {
	for _, table := range []string{"publish_queue_items", "publish_events"} {
		if _, err := s.db.ExecContext(ctx, s.dialect.Truncate(table)); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}

// DeleteItems removes queue rows by row id. Returns the number deleted.
func (s *Store) DeleteItems(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`DELETE FROM publish_queue_items WHERE id IN (%s)`, placeholders(len(ids)))
	res, err := s.db.ExecContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return 0, fmt.Errorf("delete items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete items: %w", err)
	}
	return n, nil
}

// CreatePublishEvent opens a PENDING publish event and returns its id.
func (s *Store) CreatePublishEvent(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO publish_events (created_at, status, duration_seconds)
		VALUES (?, ?, 0)
	`, s.stamp(), string(model.PublishPending))
	if err != nil {
		return 0, fmt.Errorf("create publish event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create publish event: %w", err)
	}
	return id, nil
}

// CompletePublishEvent records the final status and duration of a publish event.
func (s *Store) CompletePublishEvent(ctx context.Context, id int64, status model.PublishStatus, d time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE publish_events SET status = ?, duration_seconds = ?
		WHERE id = ?
	`, string(status), int64(d/time.Second), id)
	if err != nil {
		return fmt.Errorf("complete publish event: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
