// Package apikey manages the addon's API keys in a local SQLite database.
package apikey

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Key is one issued API key.
type Key struct {
	APIKey         string
	Name           string
	IsActive       bool
	NeverExpire    bool
	ExpirationDate time.Time
	LatestQuery    time.Time
	TotalQueries   int64
}

// Expired reports whether the key's lifetime ran out.
func (k Key) Expired(now time.Time) bool {
	return !k.NeverExpire && now.After(k.ExpirationDate)
}

type StoreOptions struct {
	// Path of the SQLite database file
	Path string
	// Lifetime of newly created keys
	DefaultTTL time.Duration
	// How long an expired key must additionally have been unused before the
	// sweep deletes it
	SweepGrace time.Duration
}

func NewStoreOpts(path string, defaultTTL, sweepGrace time.Duration) StoreOptions {
	return StoreOptions{
		Path:       path,
		DefaultTTL: defaultTTL,
		SweepGrace: sweepGrace,
	}
}

var DefaultStoreOpts = StoreOptions{
	Path:       "stream-fusion.db",
	DefaultTTL: 15 * 24 * time.Hour,
	SweepGrace: 7 * 24 * time.Hour,
}

// ErrNotFound is returned when no key matches the given value.
var ErrNotFound = errors.New("API key not found")

// Store persists API keys in SQLite.
type Store struct {
	db         *sql.DB
	defaultTTL time.Duration
	sweepGrace time.Duration
	logger     *zap.Logger
}

func NewStore(opts StoreOptions, logger *zap.Logger) (*Store, error) {
	// Precondition check
	if opts.Path == "" {
		return nil, errors.New("opts.Path must not be empty")
	}
	if opts.DefaultTTL <= 0 {
		return nil, errors.New("opts.DefaultTTL must be positive")
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("Couldn't open SQLite database: %v", err)
	}
	// modernc.org/sqlite allows a single writer
	db.SetMaxOpenConns(1)

	schema := `CREATE TABLE IF NOT EXISTS api_keys (
		api_key TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		never_expire INTEGER NOT NULL DEFAULT 0,
		expiration_ts INTEGER NOT NULL DEFAULT 0,
		latest_query_ts INTEGER NOT NULL DEFAULT 0,
		total_queries INTEGER NOT NULL DEFAULT 0
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("Couldn't create api_keys table: %v", err)
	}

	return &Store{
		db:         db,
		defaultTTL: opts.DefaultTTL,
		sweepGrace: opts.SweepGrace,
		logger:     logger,
	}, nil
}

// Create issues a new random key.
func (s *Store) Create(ctx context.Context, name string, neverExpire bool) (Key, error) {
	key := Key{
		APIKey:      uuid.NewString(),
		Name:        name,
		IsActive:    true,
		NeverExpire: neverExpire,
	}
	if !neverExpire {
		key.ExpirationDate = time.Unix(time.Now().Add(s.defaultTTL).Unix(), 0).UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (api_key, name, is_active, never_expire, expiration_ts) VALUES (?, ?, 1, ?, ?)`,
		key.APIKey, key.Name, boolToInt(key.NeverExpire), key.ExpirationDate.Unix())
	if err != nil {
		return Key{}, fmt.Errorf("Couldn't insert API key: %v", err)
	}
	s.logger.Info("Created API key", zap.String("name", name), zap.Bool("neverExpire", neverExpire))
	return key, nil
}

// Check reports whether the key exists, is active and hasn't expired, and
// counts the query in the same statement. Expired keys are deactivated on
// the way.
func (s *Store) Check(ctx context.Context, apiKey string) (bool, error) {
	// Precondition check
	if apiKey == "" {
		return false, nil
	}
	now := time.Now().Unix()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = 0 WHERE api_key = ? AND never_expire = 0 AND expiration_ts <= ?`,
		apiKey, now); err != nil {
		return false, fmt.Errorf("Couldn't deactivate expired API key: %v", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET latest_query_ts = ?, total_queries = total_queries + 1 WHERE api_key = ? AND is_active = 1`,
		now, apiKey)
	if err != nil {
		return false, fmt.Errorf("Couldn't check API key: %v", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("Couldn't check API key: %v", err)
	}
	return affected == 1, nil
}

// Get returns the key record for the given value.
func (s *Store) Get(ctx context.Context, apiKey string) (Key, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT api_key, name, is_active, never_expire, expiration_ts, latest_query_ts, total_queries FROM api_keys WHERE api_key = ?`, apiKey)
	key, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Key{}, ErrNotFound
	}
	return key, err
}

// List returns all keys, newest expiry first.
func (s *Store) List(ctx context.Context) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT api_key, name, is_active, never_expire, expiration_ts, latest_query_ts, total_queries FROM api_keys ORDER BY expiration_ts DESC`)
	if err != nil {
		return nil, fmt.Errorf("Couldn't query API keys: %v", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Renew extends an expiring key by the default TTL and reactivates it.
func (s *Store) Renew(ctx context.Context, apiKey string) (Key, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = 1, expiration_ts = ? WHERE api_key = ? AND never_expire = 0`,
		time.Now().Add(s.defaultTTL).Unix(), apiKey)
	if err != nil {
		return Key{}, fmt.Errorf("Couldn't renew API key: %v", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Key{}, fmt.Errorf("Couldn't renew API key: %v", err)
	}
	if affected == 0 {
		return Key{}, ErrNotFound
	}
	return s.Get(ctx, apiKey)
}

// Revoke deactivates a key without deleting it.
func (s *Store) Revoke(ctx context.Context, apiKey string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE api_keys SET is_active = 0 WHERE api_key = ?`, apiKey)
	if err != nil {
		return fmt.Errorf("Couldn't revoke API key: %v", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("Couldn't revoke API key: %v", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	s.logger.Info("Revoked API key")
	return nil
}

// Delete removes a key entirely.
func (s *Store) Delete(ctx context.Context, apiKey string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE api_key = ?`, apiKey)
	if err != nil {
		return fmt.Errorf("Couldn't delete API key: %v", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("Couldn't delete API key: %v", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpired removes keys that expired before now minus the sweep grace
// and haven't been used since. Meant to run as a periodic job.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	return s.DeleteExpiredBefore(ctx, time.Now().Add(-s.sweepGrace))
}

// DeleteExpiredBefore removes keys that expired before the cutoff and whose
// last use is older than the cutoff.
func (s *Store) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM api_keys WHERE never_expire = 0 AND expiration_ts < ? AND latest_query_ts < ?`,
		cutoff.Unix(), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("Couldn't delete expired API keys: %v", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("Couldn't delete expired API keys: %v", err)
	}
	if deleted > 0 {
		s.logger.Info("Deleted expired API keys", zap.Int64("count", deleted))
	}
	return deleted, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(row rowScanner) (Key, error) {
	var key Key
	var active, neverExpire int
	var expiration, latestQuery int64
	if err := row.Scan(&key.APIKey, &key.Name, &active, &neverExpire, &expiration, &latestQuery, &key.TotalQueries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Key{}, err
		}
		return Key{}, fmt.Errorf("Couldn't scan API key row: %v", err)
	}
	key.IsActive = active == 1
	key.NeverExpire = neverExpire == 1
	if expiration > 0 {
		key.ExpirationDate = time.Unix(expiration, 0).UTC()
	}
	if latestQuery > 0 {
		key.LatestQuery = time.Unix(latestQuery, 0).UTC()
	}
	return key, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
