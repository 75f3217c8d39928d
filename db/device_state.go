package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/automaton/errors"
)

// Device state keys.
const (
	KeyAppVersion = "app_version"
)

// GetDeviceState returns the stored value for key, or "" when unset.
func GetDeviceState(ctx context.Context, db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, "SELECT value FROM device_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "read device state %s", key)
	}
	return value, nil
}

// SetDeviceState stores value under key.
func SetDeviceState(ctx context.Context, db *sql.DB, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO device_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrapf(err, "write device state %s", key)
	}
	return nil
}

// SwapAppVersion records current as the app version and returns it when it
// differs from a previously recorded one. A first run reports no update.
func SwapAppVersion(ctx context.Context, db *sql.DB, current string) (string, error) {
	if current == "" {
		return "", nil
	}
	last, err := GetDeviceState(ctx, db, KeyAppVersion)
	if err != nil {
		return "", err
	}
	if last == current {
		return "", nil
	}
	if err := SetDeviceState(ctx, db, KeyAppVersion, current); err != nil {
		return "", err
	}
	if last == "" {
		return "", nil
	}
	return current, nil
}
