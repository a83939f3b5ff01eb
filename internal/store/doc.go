// Package store provides durable storage for the publish queue.
//
// The store holds two tables:
//   - publish_queue_items: one row per (identity_hash, stage), superseded on
//     every flush by a transactional delete-then-insert
//   - publish_events: optional grouping of the items written by one explicit
//     publish action
//
// It also owns the set-based backfill statements the migrator runs against
// the entity tables (class lookup table, INSERT ... SELECT from versions and
// base tables), since those need the dialect-specific SQL the store already
// knows.
//
// # Dialects
//
// SQLite (mattn/go-sqlite3) is the default and what tests run against. A
// custom md5() SQL function is registered on every SQLite connection so the
// backfill can compute identity hashes in SQL, exactly as MySQL's MD5() does.
// MySQL (go-sql-driver/mysql) is supported for production deployments that
// keep the queue next to the CMS tables.
//
// # Deterministic Query Results
//
// Every read that feeds sync pagination orders by (entity_type, entity_id),
// with id as the final tie-breaker for admin listings.
//
// # Database Configuration (SQLite)
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Timestamps are stored as UTC "YYYY-MM-DD HH:MM:SS" text (SQLite) or
// DATETIME (MySQL) so that range comparisons behave identically on both.
package store
