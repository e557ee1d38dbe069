package session

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	slotsBucket = []byte("slots")

	keyAuth         = []byte("auth")
	keyDeviceTokens = []byte("device_tokens")
	keyTheme        = []byte("theme")
	keyLastPulledAt = []byte("last_pulled_at")
)

// Auth is the signed-in session. Losing it means asking the user to sign in
// again, never data loss.
type Auth struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// Store holds the small named blobs that live outside the table store:
// session state, device tokens, theme preference, sync watermark. Each slot
// is hydrated independently at startup and persisted on change.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(slotsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create slots bucket: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAuth persists the signed-in user id and token.
func (s *Store) SaveAuth(auth Auth) error {
	return s.putJSON(keyAuth, auth)
}

// Auth hydrates the session slot. Returns false when no one is signed in.
func (s *Store) Auth() (Auth, bool, error) {
	var auth Auth
	ok, err := s.getJSON(keyAuth, &auth)
	return auth, ok, err
}

// ClearAuth signs the session out.
func (s *Store) ClearAuth() error {
	return s.delete(keyAuth)
}

func (s *Store) SaveDeviceTokens(tokens []string) error {
	return s.putJSON(keyDeviceTokens, tokens)
}

func (s *Store) DeviceTokens() ([]string, error) {
	var tokens []string
	if _, err := s.getJSON(keyDeviceTokens, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *Store) SaveTheme(theme string) error {
	return s.putJSON(keyTheme, theme)
}

func (s *Store) Theme() (string, error) {
	var theme string
	if _, err := s.getJSON(keyTheme, &theme); err != nil {
		return "", err
	}
	return theme, nil
}

// SaveLastPulledAt persists the sync watermark.
func (s *Store) SaveLastPulledAt(ts float64) error {
	return s.putJSON(keyLastPulledAt, ts)
}

// LastPulledAt returns the sync watermark, or nil before the first pull.
func (s *Store) LastPulledAt() (*float64, error) {
	var ts float64
	ok, err := s.getJSON(keyLastPulledAt, &ts)
	if err != nil || !ok {
		return nil, err
	}
	if math.IsNaN(ts) {
		return nil, nil
	}
	return &ts, nil
}

func (s *Store) putJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize slot %s: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(slotsBucket).Put(key, data)
	})
}

func (s *Store) getJSON(key []byte, v any) (bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(slotsBucket).Get(key)
		if raw != nil {
			data = append(data, raw...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse slot %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) delete(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(slotsBucket).Delete(key)
	})
}
