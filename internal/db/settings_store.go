package db

import (
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/rxdelivery/driversync/internal/errors"
)

// Setting keys used by the driver sync core.
const (
	SettingAuthToken = "auth.token"
	SettingDriverID  = "driver.id"
)

// Sealer encrypts values bound to a label.
type Sealer interface {
	SealString(plaintext, label string) (string, error)
	OpenString(encoded, label string) (string, error)
}

// SettingsStore is a small key/value table for device-local state.
type SettingsStore struct {
	db     *DB
	sealer Sealer
}

// NewSettingsStore creates a SettingsStore. sealer may be nil, in which case
// SetSecret and GetSecret fail.
func NewSettingsStore(db *DB, sealer Sealer) *SettingsStore {
	return &SettingsStore{db: db, sealer: sealer}
}

// Get returns the value for key, or an ErrNotFound error.
func (s *SettingsStore) Get(key string) (string, error) {
	stmt, err := s.db.prepare(`SELECT value FROM settings WHERE key = ?`)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "prepare get setting", err)
	}

	var value string
	err = stmt.QueryRow(key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.New(apperrors.ErrNotFound, "setting "+key+" not found")
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "get setting", err)
	}
	return value, nil
}

// Set inserts or replaces key.
func (s *SettingsStore) Set(key, value string) error {
	if key == "" {
		return apperrors.New(apperrors.ErrInvalid, "setting key is required")
	}

	stmt, err := s.db.prepare(`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "prepare set setting", err)
	}

	if _, err := stmt.Exec(key, value, time.Now().UnixMilli()); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "set setting", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *SettingsStore) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete setting", err)
	}
	return nil
}

// Clear removes every setting.
func (s *SettingsStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM settings`); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "clear settings", err)
	}
	return nil
}

// SetSecret seals value with the key as associated data and stores it.
func (s *SettingsStore) SetSecret(key, value string) error {
	if s.sealer == nil {
		return apperrors.New(apperrors.ErrCryptoFailed, "no sealer configured")
	}
	sealed, err := s.sealer.SealString(value, key)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCryptoFailed, "seal setting "+key, err)
	}
	return s.Set(key, sealed)
}

// GetSecret loads and opens a value stored with SetSecret.
func (s *SettingsStore) GetSecret(key string) (string, error) {
	if s.sealer == nil {
		return "", apperrors.New(apperrors.ErrCryptoFailed, "no sealer configured")
	}
	sealed, err := s.Get(key)
	if err != nil {
		return "", err
	}
	value, err := s.sealer.OpenString(sealed, key)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCryptoFailed, "open setting "+key, err)
	}
	return value, nil
}
