package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/israasaleh/flashcard-gateway/internal/gateway/storage"
)

func marshalHeader(header http.Header) (string, error) {
	if header == nil {
		header = http.Header{}
	}
	raw, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}
	return string(raw), nil
}

func unmarshalHeader(raw string) (http.Header, error) {
	header := http.Header{}
	if strings.TrimSpace(raw) == "" {
		return header, nil
	}
	if err := json.Unmarshal([]byte(raw), &header); err != nil {
		return nil, fmt.Errorf("unmarshal header: %w", err)
	}
	return header, nil
}

// GetCacheEntry loads a response snapshot by partition and key.
func (s *Store) GetCacheEntry(ctx context.Context, partition, cacheKey string) (storage.CacheEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return storage.CacheEntry{}, false, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.CacheEntry{}, false, fmt.Errorf("storage is not configured")
	}
	partition = strings.TrimSpace(partition)
	cacheKey = strings.TrimSpace(cacheKey)
	if partition == "" {
		return storage.CacheEntry{}, false, fmt.Errorf("partition is required")
	}
	if cacheKey == "" {
		return storage.CacheEntry{}, false, fmt.Errorf("cache key is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT partition, cache_key, status, header_json, body, stored_at
		 FROM cache_entries
		 WHERE partition = ? AND cache_key = ?`,
		partition, cacheKey,
	)

	var entry storage.CacheEntry
	var headerJSON string
	var storedAt int64
	if err := row.Scan(&entry.Partition, &entry.CacheKey, &entry.Status, &headerJSON, &entry.Body, &storedAt); err != nil {
		if err == sql.ErrNoRows {
			return storage.CacheEntry{}, false, nil
		}
		return storage.CacheEntry{}, false, fmt.Errorf("get cache entry: %w", err)
	}

	header, err := unmarshalHeader(headerJSON)
	if err != nil {
		return storage.CacheEntry{}, false, fmt.Errorf("get cache entry: %w", err)
	}
	entry.Header = header
	entry.StoredAt = fromMillis(storedAt)
	return entry, true, nil
}

// PutCacheEntry upserts one response snapshot by partition and key.
func (s *Store) PutCacheEntry(ctx context.Context, entry storage.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return putCacheEntry(ctx, s.sqlDB, entry)
}

// PutCacheEntries upserts a batch of snapshots in one transaction.
//
// Install-time shell pre-caching relies on the all-or-nothing behavior: a
// failed entry aborts the whole batch.
func (s *Store) PutCacheEntries(ctx context.Context, entries []storage.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cache batch: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, entry := range entries {
		if err := putCacheEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache batch: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putCacheEntry(ctx context.Context, db execer, entry storage.CacheEntry) error {
	entry.Partition = strings.TrimSpace(entry.Partition)
	entry.CacheKey = strings.TrimSpace(entry.CacheKey)
	if entry.Partition == "" {
		return fmt.Errorf("partition is required")
	}
	if entry.CacheKey == "" {
		return fmt.Errorf("cache key is required")
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}

	headerJSON, err := marshalHeader(entry.Header)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(
		ctx,
		`INSERT INTO cache_entries (partition, cache_key, status, header_json, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(partition, cache_key) DO UPDATE SET
		    status = excluded.status,
		    header_json = excluded.header_json,
		    body = excluded.body,
		    stored_at = excluded.stored_at`,
		entry.Partition,
		entry.CacheKey,
		entry.Status,
		headerJSON,
		entry.Body,
		toMillis(entry.StoredAt),
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// DeleteCacheEntry removes one snapshot. Missing entries are not an error.
func (s *Store) DeleteCacheEntry(ctx context.Context, partition, cacheKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	partition = strings.TrimSpace(partition)
	cacheKey = strings.TrimSpace(cacheKey)
	if partition == "" {
		return fmt.Errorf("partition is required")
	}
	if cacheKey == "" {
		return fmt.Errorf("cache key is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE partition = ? AND cache_key = ?`,
		partition, cacheKey)
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// ListPartitions returns the distinct partition names currently stored.
func (s *Store) ListPartitions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT DISTINCT partition FROM cache_entries ORDER BY partition`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var partitions []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		partitions = append(partitions, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate partitions: %w", err)
	}
	return partitions, nil
}

// DeletePartition removes a partition and all its entries.
func (s *Store) DeletePartition(ctx context.Context, partition string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	partition = strings.TrimSpace(partition)
	if partition == "" {
		return fmt.Errorf("partition is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE partition = ?`, partition)
	if err != nil {
		return fmt.Errorf("delete partition: %w", err)
	}
	return nil
}
