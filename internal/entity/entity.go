// Package entity is the read side of the entity store: bulk fetch of records
// by id for one concrete type at one stage.
//
// changefeed never writes entity tables. The SQL implementation reads tables
// laid out like SilverStripe's ORM: one table per class in the hierarchy
// joined on "ID", a "ClassName" column on the root table, and "<Table>_Live"
// copies of every table of a versioned hierarchy.
package entity

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/changefeed/internal/model"
	"github.com/roach88/changefeed/internal/policy"
	"github.com/roach88/changefeed/internal/store"
)

// Store fetches records by id.
type Store interface {
	// FetchByIDs returns the records of typ among ids as seen at stage.
	// Records that no longer exist are omitted. Order is by id.
	FetchByIDs(ctx context.Context, stage model.Stage, typ string, ids []int64) ([]model.Entity, error)
}

// LiveSuffix is appended to every table name of a versioned hierarchy when
// reading the live stage.
const LiveSuffix = "_Live"

// SQLStore implements Store over SQL tables.
type SQLStore struct {
	db       *sql.DB
	dialect  store.Dialect
	registry *policy.Registry
}

// NewSQLStore creates a SQLStore reading from db.
func NewSQLStore(db *sql.DB, dialect store.Dialect, registry *policy.Registry) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, registry: registry}
}

// FetchByIDs implements Store.
func (s *SQLStore) FetchByIDs(ctx context.Context, stage model.Stage, typ string, ids []int64) ([]model.Entity, error) {
	if len(ids) == 0 {
		return []model.Entity{}, nil
	}
	query, err := s.selectQuery(stage, typ, len(ids))
	if err != nil {
		return nil, err
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", typ, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("fetch %s: columns: %w", typ, err)
	}

	entities := []model.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows, cols, typ)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", typ, err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s: iterate: %w", typ, err)
	}
	return entities, nil
}

// selectQuery joins every table of typ's hierarchy, root first.
func (s *SQLStore) selectQuery(stage model.Stage, typ string, n int) (string, error) {
	chain := s.registry.Chain(typ)
	if len(chain) == 0 {
		return "", model.NewLookupError(typ)
	}

	live := stage == model.StageLive && s.registry.Versioned(typ)
	q := s.dialect.Quote

	var (
		selects []string
		from    strings.Builder
	)
	for i := len(chain) - 1; i >= 0; i-- {
		spec, _ := s.registry.Spec(chain[i])
		table := spec.Table
		if live {
			table += LiveSuffix
		}
		alias := fmt.Sprintf("t%d", len(chain)-1-i)
		selects = append(selects, alias+".*")
		if i == len(chain)-1 {
			fmt.Fprintf(&from, "%s %s", q(table), alias)
			continue
		}
		fmt.Fprintf(&from, " LEFT JOIN %s %s ON %s.%s = t0.%s", q(table), alias, alias, q("ID"), q("ID"))
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
	return fmt.Sprintf("SELECT %s FROM %s WHERE t0.%s IN (%s) ORDER BY t0.%s ASC",
		strings.Join(selects, ", "), from.String(), q("ID"), placeholders, q("ID")), nil
}

// scanEntity reads one row into an Entity. Columns of joined subclass tables
// never overwrite a non-NULL value from an ancestor table.
func scanEntity(rows *sql.Rows, cols []string, typ string) (model.Entity, error) {
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return model.Entity{}, err
	}

	fields := make(map[string]any, len(cols))
	for i, col := range cols {
		v := normalize(values[i])
		if v == nil {
			if _, seen := fields[col]; seen {
				continue
			}
		}
		fields[col] = v
	}

	e := model.Entity{Type: typ, Fields: fields}
	if class, ok := fields["ClassName"].(string); ok && class != "" {
		e.Type = class
	}
	id, err := toInt64(fields["ID"])
	if err != nil {
		return model.Entity{}, fmt.Errorf("read ID: %w", err)
	}
	e.ID = id
	return e, nil
}

// normalize converts driver values to JSON friendly ones.
func normalize(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC()
	}
	return v
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		var n int64
		_, err := fmt.Sscan(x, &n)
		return n, err
	}
	return 0, fmt.Errorf("unexpected id value %T", v)
}
