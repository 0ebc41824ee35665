// Package cachestore persists device-derived addresses and extended public
// keys in a local SQLite database. It is the only state the daemon keeps
// across restarts.
package cachestore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	envDBPath         = "VAULTD_CACHE_DB_PATH"
	defaultDBDirName  = ".vaultd"
	defaultDBFileName = "derivations.sqlite"
	derivationTable   = "derivations"
)

// Key identifies one cached derivation. ScriptType may be empty for
// networks that have no script-type dimension.
type Key struct {
	DeviceID   string
	Path       string
	Coin       string
	ScriptType string
}

// Value is the device-confirmed result for a key.
type Value struct {
	Address string
	Xpub    string
}

// Entry is a stored derivation with its bookkeeping timestamps.
type Entry struct {
	Key
	Value
	CreatedAt time.Time
	LastUsed  time.Time
}

// Status summarizes a device's cache population.
type Status struct {
	DeviceID  string    `json:"device_id"`
	Entries   int       `json:"entries"`
	Addresses int       `json:"addresses"`
	Xpubs     int       `json:"xpubs"`
	OldestAt  time.Time `json:"oldest_at,omitempty"`
}

// Store is a SQLite-backed derivation cache.
type Store struct {
	db *sql.DB
}

// ResolveDatabasePath returns the cache database location, honoring the
// VAULTD_CACHE_DB_PATH override.
func ResolveDatabasePath() (string, error) {
	if val := strings.TrimSpace(os.Getenv(envDBPath)); val != "" {
		return val, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "resolve home dir")
	}
	return filepath.Join(home, defaultDBDirName, defaultDBFileName), nil
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, pkgerrors.Wrap(err, "create cache dir")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open cache db")
	}
	store := &Store{db: db}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("cachestore opened")
	return store, nil
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS ` + derivationTable + ` (
		device_id   TEXT NOT NULL,
		path        TEXT NOT NULL,
		coin        TEXT NOT NULL,
		script_type TEXT NOT NULL DEFAULT '',
		address     TEXT NOT NULL DEFAULT '',
		xpub        TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL,
		last_used   INTEGER NOT NULL,
		PRIMARY KEY (device_id, path, coin, script_type)
	)`)
	return pkgerrors.Wrap(err, "ensure derivations schema")
}

// Get returns the stored value for key and refreshes its last-used time.
func (s *Store) Get(ctx context.Context, key Key) (Value, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT address, xpub FROM `+derivationTable+
			` WHERE device_id = ? AND path = ? AND coin = ? AND script_type = ?`,
		key.DeviceID, key.Path, key.Coin, key.ScriptType)
	var val Value
	if err := row.Scan(&val.Address, &val.Xpub); err != nil {
		if pkgerrors.Is(err, sql.ErrNoRows) {
			return Value{}, false, nil
		}
		return Value{}, false, pkgerrors.Wrap(err, "query derivation")
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE `+derivationTable+` SET last_used = ? WHERE device_id = ? AND path = ? AND coin = ? AND script_type = ?`,
		time.Now().Unix(), key.DeviceID, key.Path, key.Coin, key.ScriptType)
	if err != nil {
		log.Warn().Err(err).Msg("touch derivation last_used failed")
	}
	return val, true, nil
}

// Put upserts a device-confirmed value. Callers must never store empty or
// failed results; writes are idempotent for identical input.
func (s *Store) Put(ctx context.Context, key Key, val Value) error {
	if val.Address == "" && val.Xpub == "" {
		return pkgerrors.New("cachestore: refusing to store empty derivation")
	}
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+derivationTable+` (device_id, path, coin, script_type, address, xpub, created_at, last_used)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id, path, coin, script_type) DO UPDATE SET
		   address = excluded.address, xpub = excluded.xpub, last_used = excluded.last_used`,
		key.DeviceID, key.Path, key.Coin, key.ScriptType, val.Address, val.Xpub, now, now)
	return pkgerrors.Wrap(err, "store derivation")
}

// ClearDevice removes every entry for one device.
func (s *Store) ClearDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+derivationTable+` WHERE device_id = ?`, deviceID)
	return pkgerrors.Wrapf(err, "clear cache for device %s", deviceID)
}

// DeviceStatus reports the population of one device's cache.
func (s *Store) DeviceStatus(ctx context.Context, deviceID string) (Status, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN address != '' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN xpub != '' THEN 1 ELSE 0 END), 0),
		        COALESCE(MIN(created_at), 0)
		 FROM `+derivationTable+` WHERE device_id = ?`, deviceID)
	status := Status{DeviceID: deviceID}
	var oldest int64
	if err := row.Scan(&status.Entries, &status.Addresses, &status.Xpubs, &oldest); err != nil {
		return Status{}, pkgerrors.Wrap(err, "query cache status")
	}
	if oldest > 0 {
		status.OldestAt = time.Unix(oldest, 0)
	}
	return status, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
