package main

import (
	"github.com/rxdelivery/driversync/internal/crypto"
	"github.com/rxdelivery/driversync/internal/db"
	apperrors "github.com/rxdelivery/driversync/internal/errors"
	"github.com/rxdelivery/driversync/internal/logging"
	"github.com/rxdelivery/driversync/internal/remote"
)

// newSealer returns nil when no device secret is configured; the token is
// then not persisted.
func newSealer(secret string) (db.Sealer, error) {
	if secret == "" {
		return nil, nil
	}
	s, err := crypto.NewSealer([]byte(secret), nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "device secret", err)
	}
	return s, nil
}

// tokenSettings is the part of the settings store the bootstrap uses.
type tokenSettings interface {
	Set(key, value string) error
	SetSecret(key, value string) error
	GetSecret(key string) (string, error)
}

// tokenManager keeps the live credentials and their sealed copy in step.
type tokenManager struct {
	creds    *remote.Credentials
	settings tokenSettings

	// onChange runs after the shell installed a new token.
	onChange func()
}

// loadTokens picks the bearer token: a configured one wins and is sealed into
// settings for the next start; otherwise the stored one is used.
func loadTokens(configured string, settings tokenSettings) (*tokenManager, error) {
	m := &tokenManager{creds: remote.NewCredentials(), settings: settings}

	if configured != "" {
		if err := m.install(configured, true); err != nil {
			return nil, err
		}
		return m, nil
	}

	stored, err := settings.GetSecret(db.SettingAuthToken)
	switch {
	case err == nil:
		if err := m.install(stored, false); err != nil {
			return nil, err
		}
	case apperrors.Is(err, apperrors.ErrNotFound), apperrors.Is(err, apperrors.ErrCryptoFailed):
		logging.Warn("No auth token available; requests will be unauthenticated", nil)
	default:
		return nil, err
	}
	return m, nil
}

// SetToken installs a token the shell obtained after the previous one expired
// or was refused.
func (m *tokenManager) SetToken(raw string) error {
	if err := m.install(raw, true); err != nil {
		return err
	}
	logging.Info("Auth token replaced", map[string]interface{}{"driver_id": m.creds.Subject()})
	if m.onChange != nil {
		m.onChange()
	}
	return nil
}

// install makes raw the live token. A JWT subject is remembered as the
// driver id.
func (m *tokenManager) install(raw string, seal bool) error {
	subject, err := m.creds.Set(raw)
	if err != nil {
		return err
	}
	if seal {
		if err := m.settings.SetSecret(db.SettingAuthToken, raw); err != nil {
			logging.Warn("Auth token not persisted", map[string]interface{}{"error": err.Error()})
		}
	}
	if subject != "" {
		return m.settings.Set(db.SettingDriverID, subject)
	}
	return nil
}
