// Copyright 2025 James Ross
package store

import (
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/mattn/go-sqlite3"
)

// CreateBinary inserts a row for a hash that's about to be downloaded.
// Already-existing rows (a retrieval re-enqueue racing a previous one)
// are tolerated and treated as a no-op success.
func (s *Store) CreateBinary(sha256 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := sq.Insert("binaries").
		Columns("sha256", "available", "size").
		Values(sha256, false, 0).
		RunWith(s.db).Exec()
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return nil
		}
		return err
	}
	return nil
}

// GetBinary looks up a binary by hash.
func (s *Store) GetBinary(sha256 string) (Binary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b Binary
	row := sq.Select("id", "sha256", "available", "size", "created_at").
		From("binaries").Where(sq.Eq{"sha256": sha256}).RunWith(s.db).QueryRow()
	if err := row.Scan(&b.ID, &b.SHA256, &b.Available, &b.Size, &b.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Binary{}, ErrNotFound
		}
		return Binary{}, err
	}
	return b, nil
}

// FilterAvailable returns the subset of hashes NOT yet marked available,
// i.e. the set the retrieval pipeline still needs to fetch.
func (s *Store) FilterAvailable(hashes []string) ([]string, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := sq.Select("sha256").From("binaries").
		Where(sq.And{sq.Eq{"sha256": hashes}, sq.Eq{"available": true}}).
		RunWith(s.db).Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	available := map[string]struct{}{}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		available[h] = struct{}{}
	}
	remaining := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := available[h]; !ok {
			remaining = append(remaining, h)
		}
	}
	return remaining, nil
}

// MarkUnavailable flips available=false once a binary's cache entry has
// been evicted, so a later analysis request re-triggers retrieval
// instead of assuming the bytes are still cached.
func (s *Store) MarkUnavailable(sha256 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := sq.Update("binaries").
		Set("available", false).
		Where(sq.Eq{"sha256": sha256}).
		RunWith(s.db).Exec()
	return err
}

// MarkAvailable upserts a binary row with available=true and the given
// size, used once the download pipeline has written bytes to the cache.
func (s *Store) MarkAvailable(sha256 string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := sq.Update("binaries").
		Set("available", true).
		Set("size", size).
		Where(sq.Eq{"sha256": sha256}).
		RunWith(s.db).Exec()
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		_, err := sq.Insert("binaries").
			Columns("sha256", "available", "size").
			Values(sha256, true, size).
			RunWith(s.db).Exec()
		return err
	}
	return nil
}
