package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/roach88/changefeed/internal/model"
)

//go:embed schema_sqlite.sql
var schemaSQLite string

//go:embed schema_mysql.sql
var schemaMySQL string

// Driver names accepted by OpenDriver.
const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

// sqliteDriverName is the registered SQLite driver with the md5() function.
const sqliteDriverName = "sqlite3_changefeed"

func init() {
	sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("md5", model.MD5Hex, true)
		},
	})
}

// Dialect captures the SQL differences between SQLite and MySQL.
type Dialect struct {
	name   string
	schema string
}

var (
	// SQLite is the default dialect.
	SQLite = Dialect{name: DriverSQLite, schema: schemaSQLite}

	// MySQL targets MySQL 5.7+ / MariaDB.
	MySQL = Dialect{name: DriverMySQL, schema: schemaMySQL}
)

// Name returns the driver name.
func (d Dialect) Name() string { return d.name }

// Quote quotes an identifier from the entity schema.
func (d Dialect) Quote(ident string) string {
	if d.name == DriverMySQL {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Concat returns a string concatenation expression.
func (d Dialect) Concat(parts ...string) string {
	if d.name == DriverMySQL {
		return "CONCAT(" + strings.Join(parts, ", ") + ")"
	}
	return "(" + strings.Join(parts, " || ") + ")"
}

// MD5 returns the lowercase hex md5 expression. On SQLite the function is
// provided by the connect hook.
func (d Dialect) MD5(expr string) string {
	if d.name == DriverMySQL {
		return "MD5(" + expr + ")"
	}
	return "md5(" + expr + ")"
}

// fkParents are the tables another table's foreign key references.
// InnoDB refuses to TRUNCATE them even when the child table is empty.
var fkParents = map[string]bool{
	"publish_events": true,
}

// Truncate returns the statement that empties table.
func (d Dialect) Truncate(table string) string {
	if d.name == DriverMySQL && !fkParents[table] {
		return "TRUNCATE TABLE " + table
	}
	return "DELETE FROM " + table
}

// statements splits the embedded schema into executable statements.
func (d Dialect) statements() []string {
	var out []string
	for _, stmt := range strings.Split(d.schema, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// dialectFor resolves a driver name.
func dialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverSQLite, "", sqliteDriverName:
		return SQLite, nil
	case DriverMySQL:
		return MySQL, nil
	}
	return Dialect{}, fmt.Errorf("unsupported driver %q", driver)
}

// openDB opens the connection pool for the dialect.
func openDB(d Dialect, dsn string) (*sql.DB, error) {
	if d.name == DriverMySQL {
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		return sql.Open(DriverMySQL, cfg.FormatDSN())
	}
	return sql.Open(sqliteDriverName, dsn)
}

// schemaVersion reads the applied schema version.
func (d Dialect) schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if d.name == DriverMySQL {
		if _, err := db.ExecContext(ctx,
			`CREATE TABLE IF NOT EXISTS changefeed_schema (version INT NOT NULL)`); err != nil {
			return 0, err
		}
		err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM changefeed_schema`).Scan(&version)
		return version, err
	}
	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version)
	return version, err
}

// setSchemaVersion records the applied schema version.
func (d Dialect) setSchemaVersion(ctx context.Context, db *sql.DB, version int) error {
	if d.name == DriverMySQL {
		if _, err := db.ExecContext(ctx, `DELETE FROM changefeed_schema`); err != nil {
			return err
		}
		_, err := db.ExecContext(ctx, `INSERT INTO changefeed_schema (version) VALUES (?)`, version)
		return err
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version))
	return err
}
