package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/authbridge/errs"
)

const (
	// refreshTriggerInterval is how close to its expiry the session token
	// must be before a refresh is attempted.
	refreshTriggerInterval = 60 * time.Second

	// periodicCheckFrequency is how often the background timer re-evaluates
	// the refresh policy while a usable refresh token is held.
	periodicCheckFrequency = 30 * time.Second

	// minExpiryGain is the minimum extension a refreshed session token must
	// provide over the current one. Anything less would refresh in a loop
	// without ever moving the expiry forward.
	minExpiryGain = time.Second
)

// Lifecycle holds the active session and keeps its tokens valid, both on
// demand and via a background timer.
type Lifecycle struct {
	refresher Refresher
	logger    *slog.Logger

	// OnPeriodicRefresh is invoked after the background timer successfully
	// refreshes the session. Set by the manager to persist and notify.
	OnPeriodicRefresh func()

	mu        sync.Mutex
	session   *Session
	stopTimer chan struct{}
}

// NewLifecycle creates a lifecycle refreshing through the given refresher.
func NewLifecycle(refresher Refresher, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{refresher: refresher, logger: logger}
}

// Session returns the currently held session, or nil.
func (l *Lifecycle) Session() *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

// SetSession replaces the held session and restarts the periodic refresh
// timer. Passing nil clears the session and stops the timer.
func (l *Lifecycle) SetSession(session *Session) {
	l.mu.Lock()
	l.session = session
	l.stopTimerLocked()
	if session != nil && !session.RefreshToken.IsExpired() {
		stop := make(chan struct{})
		l.stopTimer = stop
		go l.periodicRefresh(stop)
	}
	l.mu.Unlock()
}

// Close stops the periodic refresh timer.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	l.stopTimerLocked()
	l.mu.Unlock()
}

// RefreshSessionIfNeeded refreshes the held session's tokens when the
// session token is about to expire. It returns true only when a refresh
// was performed and applied.
//
// A refresh result is discarded when the held session was replaced while
// the network call was in flight, and when the new session token would
// not meaningfully extend the current expiry.
func (l *Lifecycle) RefreshSessionIfNeeded(ctx context.Context) (bool, error) {
	l.mu.Lock()
	current := l.session
	l.mu.Unlock()

	if current == nil || !shouldRefresh(current) {
		return false, nil
	}

	response, err := l.refresher.RefreshSession(ctx, current.RefreshToken.JWT)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session == nil || l.session.SessionToken.JWT != current.SessionToken.JWT {
		l.logger.Debug("discarding stale refresh result, session changed while refreshing")
		return false, nil
	}
	if response.SessionToken.ExpiresAt.Before(l.session.SessionToken.ExpiresAt.Add(minExpiryGain)) {
		return false, nil
	}

	l.session.UpdateTokens(response)

	return true, nil
}

func shouldRefresh(session *Session) bool {
	if session.RefreshToken.IsExpired() {
		return false
	}
	return time.Until(session.SessionToken.ExpiresAt) <= refreshTriggerInterval
}

// stopTimerLocked stops any running periodic refresh goroutine. Callers
// must hold l.mu.
func (l *Lifecycle) stopTimerLocked() {
	if l.stopTimer != nil {
		close(l.stopTimer)
		l.stopTimer = nil
	}
}

// clearTimer detaches the given stop channel if it is still the active
// one, so a timer stopping itself does not race a newer timer.
func (l *Lifecycle) clearTimer(stop chan struct{}) {
	l.mu.Lock()
	if l.stopTimer == stop {
		l.stopTimer = nil
	}
	l.mu.Unlock()
}

func (l *Lifecycle) periodicRefresh(stop chan struct{}) {
	ticker := time.NewTicker(periodicCheckFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			session := l.Session()
			if session == nil || session.RefreshToken.IsExpired() {
				l.clearTimer(stop)
				return
			}

			refreshed, err := l.RefreshSessionIfNeeded(context.Background())
			if err != nil {
				// Network errors are transient, try again next tick. Any
				// other error means refreshing this session is broken for
				// good, so stop hammering the server. The session itself
				// stays held, stale but present.
				if errors.Is(err, errs.NetworkError) {
					l.logger.Debug("periodic session refresh failed, will retry", "error", err)
					continue
				}

				l.logger.Error("periodic session refresh failed, stopping timer", "error", err)
				l.clearTimer(stop)

				return
			}

			if refreshed && l.OnPeriodicRefresh != nil {
				l.OnPeriodicRefresh()
			}
		}
	}
}
