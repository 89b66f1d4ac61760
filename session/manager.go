package session

import (
	"context"
	"log/slog"
	"sync"
)

// Delegate is notified about changes to the managed session. Delegates
// must unregister themselves on teardown, the manager holds them until
// RemoveDelegate is called.
type Delegate interface {
	SessionTokensUpdated(session *Session)
	SessionUserUpdated(session *Session)
}

// Manager owns the active session. It coordinates the refresh lifecycle
// with persistence and notifies delegates on token and user changes. At
// most one session is managed per storage key.
type Manager struct {
	lifecycle *Lifecycle
	storage   *Storage
	logger    *slog.Logger

	mu        sync.Mutex
	delegates []Delegate
}

// NewManager creates a manager wiring lifecycle and storage together.
// Sessions refreshed by the background timer are persisted and announced
// the same way on demand refreshes are.
func NewManager(lifecycle *Lifecycle, storage *Storage, logger *slog.Logger) *Manager {
	m := &Manager{lifecycle: lifecycle, storage: storage, logger: logger}
	lifecycle.OnPeriodicRefresh = m.persistAndNotifyTokens
	return m
}

// Session returns the managed session, or nil when logged out.
func (m *Manager) Session() *Session {
	return m.lifecycle.Session()
}

// RestoreSession loads a previously persisted session from storage and
// starts managing it. No delegate notifications are fired, restoring is
// not a change. Returns nil when nothing usable is stored.
func (m *Manager) RestoreSession() *Session {
	session := m.storage.Load()
	if session == nil {
		return nil
	}
	m.lifecycle.SetSession(session)
	return session
}

// ManageSession makes session the active one, persists it, and notifies
// delegates about whichever of tokens and user actually changed compared
// to the previously managed session.
func (m *Manager) ManageSession(session *Session) {
	prev := m.lifecycle.Session()
	m.lifecycle.SetSession(session)
	m.storage.Save(session)

	tokensChanged := prev == nil ||
		prev.SessionToken.JWT != session.SessionToken.JWT ||
		prev.RefreshToken.JWT != session.RefreshToken.JWT
	userChanged := prev == nil || !prev.User.Equal(session.User)

	if tokensChanged {
		m.notifyTokensUpdated(session)
	}
	if userChanged {
		m.notifyUserUpdated(session)
	}
}

// ClearSession stops managing the active session and removes it from
// storage. Delegates are not notified.
func (m *Manager) ClearSession() {
	m.lifecycle.SetSession(nil)
	m.storage.Remove()
}

// RefreshSessionIfNeeded refreshes the session tokens if they are about
// to expire, persisting and announcing the new tokens on success.
func (m *Manager) RefreshSessionIfNeeded(ctx context.Context) (bool, error) {
	refreshed, err := m.lifecycle.RefreshSessionIfNeeded(ctx)
	if err != nil {
		return false, err
	}
	if refreshed {
		m.persistAndNotifyTokens()
	}
	return refreshed, nil
}

// UpdateTokens applies a refresh response to the managed session, for
// callers that performed the refresh themselves.
func (m *Manager) UpdateTokens(response *RefreshResponse) {
	session := m.lifecycle.Session()
	if session == nil {
		return
	}

	beforeSession := session.SessionToken.JWT
	beforeRefresh := session.RefreshToken.JWT
	session.UpdateTokens(response)
	m.storage.Save(session)

	if session.SessionToken.JWT != beforeSession || session.RefreshToken.JWT != beforeRefresh {
		m.notifyTokensUpdated(session)
	}
}

// UpdateUser replaces the managed session's user snapshot, for callers
// that fetched fresh user details.
func (m *Manager) UpdateUser(user User) {
	session := m.lifecycle.Session()
	if session == nil {
		return
	}

	changed := !session.User.Equal(user)
	session.UpdateUser(user)
	m.storage.Save(session)

	if changed {
		m.notifyUserUpdated(session)
	}
}

// AddDelegate registers a delegate for session change notifications.
func (m *Manager) AddDelegate(d Delegate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delegates = append(m.delegates, d)
}

// RemoveDelegate unregisters a previously added delegate.
func (m *Manager) RemoveDelegate(d Delegate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.delegates {
		if existing == d {
			m.delegates = append(m.delegates[:i], m.delegates[i+1:]...)
			return
		}
	}
}

func (m *Manager) persistAndNotifyTokens() {
	session := m.lifecycle.Session()
	if session == nil {
		return
	}
	m.storage.Save(session)
	m.notifyTokensUpdated(session)
}

func (m *Manager) notifyTokensUpdated(session *Session) {
	for _, d := range m.snapshotDelegates() {
		d.SessionTokensUpdated(session)
	}
}

func (m *Manager) notifyUserUpdated(session *Session) {
	for _, d := range m.snapshotDelegates() {
		d.SessionUserUpdated(session)
	}
}

func (m *Manager) snapshotDelegates() []Delegate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delegate(nil), m.delegates...)
}
