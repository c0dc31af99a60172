// Package credcache persists VRM session credentials between runs.
//
// The VRM API rate-limits logins and may challenge repeated password
// authentication. Caching the access token lets the bridge restart
// without burning a login, and without creating a fresh access token
// on the account every time.
package credcache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

// Credentials is the persisted shape of a VRM session. AccessToken is
// the raw token value as issued by the API, with no authorization
// scheme prefix — formatting for the x-authorization header happens at
// request time, never at rest.
type Credentials struct {
	AccessToken string `json:"access_token"`
	UserID      int64  `json:"idUser"`
}

// Store reads and writes the credential cache file.
type Store struct {
	path   string
	logger *slog.Logger
}

// New creates a Store backed by the file at path.
// If logger is nil, slog.Default() is used.
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// Path returns the cache file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads cached credentials. A missing file is a normal cache miss
// and returns (nil, nil). A corrupt or incomplete file is also treated
// as a miss, with a warning, so a damaged cache can never keep the
// bridge from logging in with the password.
func (s *Store) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credential cache %s: %w", s.path, err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		s.logger.Warn("credential cache is corrupt, ignoring",
			"path", s.path,
			"error", err,
		)
		return nil, nil
	}

	if creds.AccessToken == "" || creds.UserID == 0 {
		s.logger.Warn("credential cache is incomplete, ignoring",
			"path", s.path,
		)
		return nil, nil
	}

	return &creds, nil
}

// Save writes credentials to the cache file with owner-only permissions.
func (s *Store) Save(creds Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	if err := os.WriteFile(s.path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write credential cache %s: %w", s.path, err)
	}

	s.logger.Debug("saved credential cache", "path", s.path)
	return nil
}

// Clear removes the cache file. Removing an absent file is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credential cache %s: %w", s.path, err)
	}
	return nil
}
