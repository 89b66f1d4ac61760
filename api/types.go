package api

import (
	"net/http"

	"github.com/alexjbarnes/authbridge/errs"
	"github.com/alexjbarnes/authbridge/session"
	"github.com/alexjbarnes/authbridge/token"
)

// Cookie names the backend uses when it delivers tokens out of band.
const (
	// SessionCookieName carries the session JWT.
	SessionCookieName = "AB"

	// RefreshCookieName carries the refresh JWT. Flow pages may announce
	// a different name through the bridge handshake.
	RefreshCookieName = "ABR"
)

// DeliveryMethod selects how a one time code or link reaches the user.
type DeliveryMethod string

const (
	DeliveryEmail DeliveryMethod = "email"
	DeliverySMS   DeliveryMethod = "sms"
)

// JWTResponse is the wire shape every authenticating route responds with.
// Tokens may arrive in the body, in cookies, or split between the two.
type JWTResponse struct {
	SessionJwt string        `json:"sessionJwt"`
	RefreshJwt string        `json:"refreshJwt"`
	User       *session.User `json:"user"`
	FirstSeen  bool          `json:"firstSeen"`
}

// EnchantedLinkResponse describes a started enchanted link sign in. The
// pending reference is polled until the user clicks the emailed link.
type EnchantedLinkResponse struct {
	LinkID     string `json:"linkId"`
	PendingRef string `json:"pendingRef"`
	MaskedEmail string `json:"maskedEmail"`
}

type maskedAddressResponse struct {
	MaskedEmail string `json:"maskedEmail"`
	MaskedPhone string `json:"maskedPhone"`
}

// AuthenticationResponse converts a JWT response into a decoded session
// payload, recovering missing JWTs from the response cookies. The refresh
// cookie name is configurable because flow pages can announce their own.
func (r *JWTResponse) AuthenticationResponse(cookies []*http.Cookie, refreshCookieName string) (*session.AuthenticationResponse, error) {
	if refreshCookieName == "" {
		refreshCookieName = RefreshCookieName
	}

	sessionToken := findToken(r.SessionJwt, cookies, SessionCookieName)
	if sessionToken == nil {
		return nil, errs.DecodeError.WithMessage("missing session JWT")
	}
	refreshToken := findToken(r.RefreshJwt, cookies, refreshCookieName)
	if refreshToken == nil {
		return nil, errs.DecodeError.WithMessage("missing refresh JWT")
	}
	if r.User == nil {
		return nil, errs.DecodeError.WithMessage("missing user details")
	}

	return &session.AuthenticationResponse{
		SessionToken: sessionToken,
		RefreshToken: refreshToken,
		User:         *r.User,
		FirstSeen:    r.FirstSeen,
	}, nil
}

// RefreshResponse converts a JWT response from the refresh route. The
// refresh token is optional, servers only rotate it near its expiry.
func (r *JWTResponse) RefreshResponse(cookies []*http.Cookie) (*session.RefreshResponse, error) {
	sessionToken := findToken(r.SessionJwt, cookies, SessionCookieName)
	if sessionToken == nil {
		return nil, errs.DecodeError.WithMessage("missing session JWT")
	}
	return &session.RefreshResponse{
		SessionToken: sessionToken,
		RefreshToken: findToken(r.RefreshJwt, cookies, RefreshCookieName),
	}, nil
}

// findToken decodes jwt if present, falling back to the named response
// cookie.
func findToken(jwt string, cookies []*http.Cookie, cookieName string) *token.Token {
	if jwt != "" {
		if tok, err := token.Decode(jwt); err == nil {
			return tok
		}
		return nil
	}
	return FindTokenCookie(cookies, cookieName)
}

// FindTokenCookie picks the best token among same named cookies: servers
// and proxies can stack multiple generations of a cookie, so prefer a
// non-expired token, then the most recently issued one.
func FindTokenCookie(cookies []*http.Cookie, name string) *token.Token {
	var best *token.Token
	for _, cookie := range cookies {
		if cookie.Name != name {
			continue
		}
		tok, err := token.Decode(cookie.Value)
		if err != nil {
			continue
		}
		if best == nil {
			best = tok
			continue
		}
		if best.IsExpired() != tok.IsExpired() {
			if best.IsExpired() {
				best = tok
			}
			continue
		}
		if tok.IssuedAt.After(best.IssuedAt) {
			best = tok
		}
	}
	return best
}
