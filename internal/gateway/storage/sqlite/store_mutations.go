package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/israasaleh/flashcard-gateway/internal/gateway/storage"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// AppendMutation inserts one queued mutation keyed by its timestamp.
//
// The timestamp is the unique queue key. When a second mutation arrives in
// the same millisecond the timestamp is advanced until the insert succeeds,
// so FIFO ordering by timestamp is preserved for same-instant writes. The
// stored mutation (with its possibly adjusted timestamp) is returned.
func (s *Store) AppendMutation(ctx context.Context, mutation storage.QueuedMutation) (storage.QueuedMutation, error) {
	if err := ctx.Err(); err != nil {
		return storage.QueuedMutation{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.QueuedMutation{}, fmt.Errorf("storage is not configured")
	}
	mutation.URL = strings.TrimSpace(mutation.URL)
	mutation.Method = strings.TrimSpace(mutation.Method)
	if mutation.URL == "" {
		return storage.QueuedMutation{}, fmt.Errorf("mutation url is required")
	}
	if mutation.Method == "" {
		return storage.QueuedMutation{}, fmt.Errorf("mutation method is required")
	}
	if mutation.Timestamp <= 0 {
		mutation.Timestamp = time.Now().UTC().UnixMilli()
	}

	headerJSON, err := marshalHeader(mutation.Header)
	if err != nil {
		return storage.QueuedMutation{}, err
	}

	var body any
	if mutation.Body != nil {
		body = *mutation.Body
	}

	for {
		_, err := s.sqlDB.ExecContext(ctx,
			`INSERT INTO mutation_queue (ts, url, method, header_json, body)
			 VALUES (?, ?, ?, ?, ?)`,
			mutation.Timestamp, mutation.URL, mutation.Method, headerJSON, body)
		if err == nil {
			return mutation, nil
		}
		if !isTimestampCollision(err) {
			return storage.QueuedMutation{}, fmt.Errorf("append mutation: %w", err)
		}
		mutation.Timestamp++
		if err := ctx.Err(); err != nil {
			return storage.QueuedMutation{}, err
		}
	}
}

// ListMutations returns the full queue in timestamp order.
func (s *Store) ListMutations(ctx context.Context) ([]storage.QueuedMutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT ts, url, method, header_json, body
		 FROM mutation_queue
		 ORDER BY ts ASC`)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var mutations []storage.QueuedMutation
	for rows.Next() {
		var mutation storage.QueuedMutation
		var headerJSON string
		var body *string
		if err := rows.Scan(&mutation.Timestamp, &mutation.URL, &mutation.Method, &headerJSON, &body); err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		header, err := unmarshalHeader(headerJSON)
		if err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		mutation.Header = header
		mutation.Body = body
		mutations = append(mutations, mutation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mutations: %w", err)
	}
	return mutations, nil
}

// ReplaceMutations swaps the entire queue for the given set in one transaction.
//
// Sync passes call this once after classifying every replay outcome; the
// queue is never mutated entry by entry during iteration.
func (s *Store) ReplaceMutations(ctx context.Context, mutations []storage.QueuedMutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin queue replace: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mutation_queue`); err != nil {
		return fmt.Errorf("clear mutation queue: %w", err)
	}

	for _, mutation := range mutations {
		headerJSON, err := marshalHeader(mutation.Header)
		if err != nil {
			return err
		}
		var body any
		if mutation.Body != nil {
			body = *mutation.Body
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mutation_queue (ts, url, method, header_json, body)
			 VALUES (?, ?, ?, ?, ?)`,
			mutation.Timestamp, mutation.URL, mutation.Method, headerJSON, body); err != nil {
			return fmt.Errorf("reinsert mutation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit queue replace: %w", err)
	}
	return nil
}

// CountMutations returns the number of queued mutations.
func (s *Store) CountMutations(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	var count int
	row := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_queue`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count mutations: %w", err)
	}
	return count, nil
}

func isTimestampCollision(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "mutation_queue.ts")
}
