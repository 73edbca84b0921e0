// Package auth holds the session credentials consumed by the transport and
// REST client: bearer token, the authenticated user id, and a stable device
// identifier. Obtaining the token (login, refresh) is outside this daemon;
// a front-end writes credentials and the daemon picks them up.
package auth

import (
	"os"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Credentials is the on-disk credentials.toml shape.
type Credentials struct {
	Token    string `toml:"token"`
	UserID   int64  `toml:"user_id"`
	DeviceID string `toml:"device_id"`
}

// Manager loads and persists session credentials.
type Manager struct {
	mu    sync.RWMutex
	path  string
	creds Credentials
}

// Load reads credentials from path. A missing file yields an empty (logged
// out) manager; a device id is minted on first use either way.
func Load(path string) (*Manager, error) {
	m := &Manager{path: path}
	if _, err := toml.DecodeFile(path, &m.creds); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if m.creds.DeviceID == "" {
		m.creds.DeviceID = uuid.NewString()
		if err := m.save(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Token returns the current bearer token, or "" when logged out.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds.Token
}

// UserID returns the authenticated user id, or 0 when logged out.
func (m *Manager) UserID() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds.UserID
}

// DeviceID returns the stable per-session device identifier.
func (m *Manager) DeviceID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds.DeviceID
}

// LoggedIn reports whether a token is present.
func (m *Manager) LoggedIn() bool {
	return m.Token() != ""
}

// SetCredentials stores a new token and user id.
func (m *Manager) SetCredentials(token string, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds.Token = token
	m.creds.UserID = userID
	return m.save()
}

// Clear drops the token and user id (logout), keeping the device id.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds.Token = ""
	m.creds.UserID = 0
	return m.save()
}

func (m *Manager) save() error {
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(m.creds)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
