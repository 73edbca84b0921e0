package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// Sync cursor bookkeeping lives in the sync_state key/value table. Positions
// only increase; they are cleared only by an explicit reset on logout.

const (
	keyPosition = "pts"
	keyLastSync = "last_sync"
)

func channelKey(chatID int64) string {
	return fmt.Sprintf("channel_pts_%d", chatID)
}

// SyncValue returns the raw value for a sync_state key, or "" if absent.
func (db *DB) SyncValue(key string) (string, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SetSyncValue stores a sync_state key unconditionally.
func (db *DB) SetSyncValue(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (db *DB) syncInt(key string) (int64, error) {
	v, err := db.SyncValue(key)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt sync_state %s=%q: %w", key, v, err)
	}
	return n, nil
}

// advance stores pts under key only when it is greater than the stored value,
// so re-applying an old delta can never move a cursor backwards.
func (db *DB) advance(key string, pts int64) error {
	current, err := db.syncInt(key)
	if err != nil {
		return err
	}
	if pts <= current {
		return nil
	}
	return db.SetSyncValue(key, strconv.FormatInt(pts, 10))
}

// Position returns the global pts cursor.
func (db *DB) Position() (int64, error) {
	return db.syncInt(keyPosition)
}

// AdvancePosition raises the global pts cursor (monotonic).
func (db *DB) AdvancePosition(pts int64) error {
	return db.advance(keyPosition, pts)
}

// ChannelPosition returns the per-channel pts cursor.
func (db *DB) ChannelPosition(chatID int64) (int64, error) {
	return db.syncInt(channelKey(chatID))
}

// AdvanceChannelPosition raises a per-channel pts cursor (monotonic).
func (db *DB) AdvanceChannelPosition(chatID, pts int64) error {
	return db.advance(channelKey(chatID), pts)
}

// LastSyncAt returns the wall time of the last completed difference fetch.
func (db *DB) LastSyncAt() (time.Time, error) {
	ms, err := db.syncInt(keyLastSync)
	if err != nil || ms == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// TouchLastSync records now as the last completed sync time.
func (db *DB) TouchLastSync() error {
	return db.SetSyncValue(keyLastSync, strconv.FormatInt(time.Now().UnixMilli(), 10))
}

// ResetSyncState wipes all cursors. Only for logout/data-wipe.
func (db *DB) ResetSyncState() error {
	_, err := db.Exec(`DELETE FROM sync_state`)
	return err
}
