// Package credentials keeps one directory of credential material per session.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zhouzirui/wagate/backend/internal/protocol"
)

const credsFile = "creds.json"

var ErrInvalidSessionID = errors.New("invalid session id")

// Store is a file-backed credential store rooted at baseDir.
type Store struct {
	baseDir string
}

// New creates the root directory if needed.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir %s: %w", baseDir, err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Dir returns the session-scoped directory. Protocol clients may keep their own
// files there; everything in it is removed with the session.
func (s *Store) Dir(sessionID string) (string, error) {
	if sessionID == "" || sessionID == "." || sessionID == ".." || strings.ContainsAny(sessionID, `/\`) {
		return "", ErrInvalidSessionID
	}
	return filepath.Join(s.baseDir, sessionID), nil
}

// Load returns the persisted credentials, or zero credentials on first start.
func (s *Store) Load(sessionID string) (protocol.Credentials, error) {
	dir, err := s.Dir(sessionID)
	if err != nil {
		return protocol.Credentials{}, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return protocol.Credentials{}, fmt.Errorf("create session dir: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, credsFile))
	if errors.Is(err, os.ErrNotExist) {
		return protocol.Credentials{}, nil
	}
	if err != nil {
		return protocol.Credentials{}, fmt.Errorf("read credentials: %w", err)
	}

	var creds protocol.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return protocol.Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

// Save writes the credentials atomically.
func (s *Store) Save(sessionID string, creds protocol.Credentials) error {
	dir, err := s.Dir(sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	if creds.UpdatedAt.IsZero() {
		creds.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	tmp, err := os.CreateTemp(dir, credsFile+".*")
	if err != nil {
		return fmt.Errorf("create temp credentials: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close credentials: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, credsFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit credentials: %w", err)
	}
	return nil
}

// Reset drops credential material but keeps the directory, forcing a fresh
// QR enrollment on the next start.
func (s *Store) Reset(sessionID string) error {
	dir, err := s.Dir(sessionID)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("reset credentials: %w", err)
		}
	}
	return nil
}

// Remove deletes the whole session directory. Absence is not an error.
func (s *Store) Remove(sessionID string) error {
	dir, err := s.Dir(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}
