package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukerupert/ridealong/internal/kv"
)

// KVStore persists string values in the kv_entries table. Every write bumps
// the row version, which Update uses for compare-and-set.
type KVStore struct {
	db *sql.DB
}

func NewKVStore(db *sql.DB) *KVStore {
	return &KVStore{db: db}
}

func (s *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get kv entry: %w", err)
	}
	return value, true, nil
}

func (s *KVStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value,
		     version = kv_entries.version + 1, updated_at = CURRENT_TIMESTAMP`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set kv entry: %w", err)
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete kv entry: %w", err)
	}
	return nil
}

func (s *KVStore) Update(ctx context.Context, key string, fn kv.UpdateFunc) error {
	for range kv.MaxUpdateAttempts {
		var (
			value   string
			version int64
		)
		found := true
		err := s.db.QueryRowContext(ctx,
			`SELECT value, version FROM kv_entries WHERE key = ?`, key,
		).Scan(&value, &version)
		if err == sql.ErrNoRows {
			found = false
		} else if err != nil {
			return fmt.Errorf("read kv entry: %w", err)
		}

		next, err := fn(value, found)
		if errors.Is(err, kv.ErrNoChange) {
			return nil
		}
		if err != nil {
			return err
		}

		var res sql.Result
		if found {
			res, err = s.db.ExecContext(ctx,
				`UPDATE kv_entries SET value = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
				 WHERE key = ? AND version = ?`,
				next, key, version,
			)
		} else {
			res, err = s.db.ExecContext(ctx,
				`INSERT INTO kv_entries (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
				key, next,
			)
		}
		if err != nil {
			return fmt.Errorf("write kv entry: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("write kv entry: %w", err)
		} else if n == 1 {
			return nil
		}
	}
	return kv.ErrConflict
}
