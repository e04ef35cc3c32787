package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// DeviceKey authenticates a field device and binds it to one producer. Only
// the SHA-256 digest of the key is stored.
type DeviceKey struct {
	ID         string `json:"id"`
	ProducerID string `json:"producer_id"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"key_hash"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// HashDeviceKey returns a stable SHA-256 hex digest for the provided key.
func HashDeviceKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertDeviceKey stores a hashed device key. KeyHash must already contain
// the hashed value.
func (s SQLite) InsertDeviceKey(ctx context.Context, key DeviceKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.ProducerID == "" {
		return errors.New("producer_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	var name any
	if key.Name != "" {
		name = key.Name
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO device_keys(id, producer_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ProducerID, name, key.KeyHash, key.CreatedAt)
	return err
}

// GetDeviceKeyByHash returns a device key by its hashed value.
func (s SQLite) GetDeviceKeyByHash(ctx context.Context, hash string) (DeviceKey, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, producer_id, COALESCE(name,''), key_hash, created_at FROM device_keys WHERE key_hash=? LIMIT 1`, hash)
	var key DeviceKey
	err := row.Scan(&key.ID, &key.ProducerID, &key.Name, &key.KeyHash, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return DeviceKey{}, ErrNotFound
	}
	if err != nil {
		return DeviceKey{}, err
	}
	return key, nil
}

// ListDeviceKeys returns device keys, optionally filtered by producer.
func (s SQLite) ListDeviceKeys(ctx context.Context, producerID string) ([]DeviceKey, error) {
	query := `SELECT id, producer_id, COALESCE(name,''), key_hash, created_at FROM device_keys`
	var args []any
	if producerID != "" {
		query += ` WHERE producer_id=?`
		args = append(args, producerID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []DeviceKey
	for rows.Next() {
		var key DeviceKey
		if err := rows.Scan(&key.ID, &key.ProducerID, &key.Name, &key.KeyHash, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteDeviceKey revokes a device key by ID.
func (s SQLite) DeleteDeviceKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	_, err := s.DB.ExecContext(ctx, `DELETE FROM device_keys WHERE id=?`, id)
	return err
}
