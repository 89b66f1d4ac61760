// Package session manages the authenticated user's session: the token
// pair itself, persistence through a pluggable secure store, an automatic
// refresh lifecycle, and a manager that coordinates the two and notifies
// observers.
package session

import (
	"context"

	"github.com/alexjbarnes/authbridge/token"
)

// Session is the mutable aggregate of a short lived session token, a
// longer lived refresh token, and the user snapshot they belong to. Both
// tokens always reference the same subject.
type Session struct {
	SessionToken *token.Token
	RefreshToken *token.Token
	User         User
}

// AuthenticationResponse is the decoded result of a successful sign in,
// sign up, or flow run.
type AuthenticationResponse struct {
	SessionToken *token.Token
	RefreshToken *token.Token
	User         User
	FirstSeen    bool
}

// RefreshResponse is the decoded result of a session refresh. RefreshToken
// is nil when the server did not rotate it.
type RefreshResponse struct {
	SessionToken *token.Token
	RefreshToken *token.Token
}

// Refresher exchanges a refresh JWT for new session tokens. Implemented
// by the API client.
type Refresher interface {
	RefreshSession(ctx context.Context, refreshJwt string) (*RefreshResponse, error)
}

// New creates a session from an authentication response.
func New(response *AuthenticationResponse) *Session {
	return &Session{
		SessionToken: response.SessionToken,
		RefreshToken: response.RefreshToken,
		User:         response.User,
	}
}

// FromJWTs reconstructs a session from two persisted JWT strings.
func FromJWTs(sessionJwt, refreshJwt string, user User) (*Session, error) {
	sessionToken, err := token.Decode(sessionJwt)
	if err != nil {
		return nil, err
	}
	refreshToken, err := token.Decode(refreshJwt)
	if err != nil {
		return nil, err
	}
	return &Session{SessionToken: sessionToken, RefreshToken: refreshToken, User: user}, nil
}

// UpdateTokens applies a refresh result in place. The refresh token is
// only replaced when the server returned a new one.
func (s *Session) UpdateTokens(response *RefreshResponse) {
	s.SessionToken = response.SessionToken
	if response.RefreshToken != nil {
		s.RefreshToken = response.RefreshToken
	}
}

// UpdateUser replaces the session's user snapshot.
func (s *Session) UpdateUser(user User) {
	s.User = user
}
