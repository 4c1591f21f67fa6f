// Package sqlite stores the event log in a SQLite database so that several
// cellqueue processes on one host can share it.
//
// Sequence numbers are allocated inside an immediate transaction, which
// takes the database write lock before reading log_meta. Appends from
// different processes are therefore serialised by SQLite itself.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/cellqueue/internal/eventlog"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Added index on events.type for log statistics
const currentSchemaVersion = 1

// replayBatch is the number of rows fetched per query during replay
const replayBatch = 512

// Store is an eventlog.Log backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention between processes
//   - immediate transactions so sequence allocation holds the write lock
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores events in one transaction.
func (s *Store) Append(ctx context.Context, events ...eventlog.Event) ([]eventlog.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append: begin: %w", err)
	}
	defer tx.Rollback()

	var seq uint64
	if err := tx.QueryRowContext(ctx, "SELECT last_seq FROM log_meta WHERE id = 1").Scan(&seq); err != nil {
		return nil, fmt.Errorf("append: read last_seq: %w", err)
	}

	stored := make([]eventlog.Event, 0, len(events))
	for _, e := range events {
		seq++
		sealed, err := eventlog.Seal(e, seq)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (seq, type, timestamp, payload, checksum)
			VALUES (?, ?, ?, ?, ?)
		`,
			sealed.Seq,
			string(sealed.Type),
			sealed.Timestamp,
			string(sealed.Payload),
			sealed.Checksum,
		)
		if err != nil {
			return nil, fmt.Errorf("append: insert seq %d: %w", seq, err)
		}
		stored = append(stored, sealed)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE log_meta SET last_seq = ? WHERE id = 1", seq); err != nil {
		return nil, fmt.Errorf("append: update last_seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("append: commit: %w", err)
	}
	return stored, nil
}

// Replay reads events in batches so the handler never runs while a result
// set holds the single connection.
func (s *Store) Replay(ctx context.Context, afterSeq uint64, handler eventlog.EventHandler) error {
	cursor := afterSeq
	for {
		batch, err := s.readBatch(ctx, cursor)
		if err != nil {
			return err
		}
		for _, e := range batch {
			if err := handler(e); err != nil {
				return err
			}
			cursor = e.Seq
		}
		if len(batch) < replayBatch {
			return nil
		}
	}
}

func (s *Store) readBatch(ctx context.Context, afterSeq uint64) ([]eventlog.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, timestamp, payload, checksum
		FROM events
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, afterSeq, replayBatch)
	if err != nil {
		return nil, fmt.Errorf("replay: query: %w", err)
	}
	defer rows.Close()

	batch := make([]eventlog.Event, 0, replayBatch)
	for rows.Next() {
		var (
			e       eventlog.Event
			typ     string
			payload string
		)
		if err := rows.Scan(&e.Seq, &typ, &e.Timestamp, &payload, &e.Checksum); err != nil {
			return nil, fmt.Errorf("replay: scan: %w", err)
		}
		e.Type = eventlog.Type(typ)
		e.Payload = []byte(payload)
		if err := eventlog.Verify(e); err != nil {
			return nil, err
		}
		batch = append(batch, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replay: iterate: %w", err)
	}
	return batch, nil
}

// LastSeq returns the highest sequence number ever assigned.
func (s *Store) LastSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	if err := s.db.QueryRowContext(ctx, "SELECT last_seq FROM log_meta WHERE id = 1").Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

// Compact deletes events already captured by a snapshot.
func (s *Store) Compact(ctx context.Context, uptoSeq uint64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE seq <= ?", uptoSeq); err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	return nil
}

// CountByType returns the number of retained events per type.
func (s *Store) CountByType(ctx context.Context) (map[eventlog.Type]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT type, COUNT(*) FROM events GROUP BY type")
	if err != nil {
		return nil, fmt.Errorf("count by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[eventlog.Type]int)
	for rows.Next() {
		var (
			typ   string
			count int
		)
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("count by type: %w", err)
		}
		counts[eventlog.Type(typ)] = count
	}
	return counts, rows.Err()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)"); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
