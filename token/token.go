// Package token decodes JWT session tokens into an immutable value with
// typed accessors for expiry, tenants, permissions and roles. Tokens are
// decoded without signature verification, the server is the trust anchor.
package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alexjbarnes/authbridge/errs"
)

// Claim names consumed by the SDK itself and excluded from Token.Claims.
var reservedClaims = map[string]bool{
	"sub":         true,
	"iss":         true,
	"iat":         true,
	"exp":         true,
	"tenants":     true,
	"permissions": true,
	"roles":       true,
}

// Token is an immutable decoded JWT.
type Token struct {
	// JWT is the original compact serialization the token was decoded from.
	JWT string
	// EntityID is the subject claim, the user or access key the token is for.
	EntityID string
	// ProjectID is derived from the issuer claim. Issuer URLs keep only the
	// path suffix after the last slash.
	ProjectID string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// Claims holds the custom claims only, reserved names are stripped.
	Claims map[string]any

	allClaims map[string]any
}

// Decode parses a compact three segment JWT. Malformed tokens and missing
// or mistyped required claims (sub, iss, iat, exp) fail with a token error,
// never a partially populated Token.
func Decode(jwtString string) (*Token, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(jwtString, jwt.MapClaims{})
	if err != nil {
		return nil, errs.TokenError.WithCause(err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errs.TokenError.WithMessage("unexpected claims type")
	}

	sub, ok := claims["sub"].(string)
	if !ok {
		return nil, errs.TokenError.WithMessage("invalid sub claim")
	}
	iss, ok := claims["iss"].(string)
	if !ok {
		return nil, errs.TokenError.WithMessage("invalid iss claim")
	}
	iat, ok := numericClaim(claims["iat"])
	if !ok {
		return nil, errs.TokenError.WithMessage("invalid iat claim")
	}
	exp, ok := numericClaim(claims["exp"])
	if !ok {
		return nil, errs.TokenError.WithMessage("invalid exp claim")
	}

	custom := make(map[string]any)
	for name, value := range claims {
		if !reservedClaims[name] {
			custom[name] = value
		}
	}

	return &Token{
		JWT:       jwtString,
		EntityID:  sub,
		ProjectID: issuerProjectID(iss),
		IssuedAt:  time.Unix(int64(iat), 0),
		ExpiresAt: time.Unix(int64(exp), 0),
		Claims:    custom,
		allClaims: map[string]any(claims),
	}, nil
}

// IsExpired reports whether the token's expiry has passed, evaluated
// against the current clock on every call.
func (t *Token) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// Permissions returns the permissions granted by the token. A non-empty
// tenant reads the tenant's nested claims instead of the top level ones.
// Missing tenants or malformed claim values yield an empty list.
func (t *Token) Permissions(tenant string) []string {
	return t.authorizationItems("permissions", tenant)
}

// Roles returns the roles granted by the token, with the same tenant
// semantics as Permissions.
func (t *Token) Roles(tenant string) []string {
	return t.authorizationItems("roles", tenant)
}

func (t *Token) authorizationItems(claim, tenant string) []string {
	source := t.allClaims
	if tenant != "" {
		tenants, ok := t.allClaims["tenants"].(map[string]any)
		if !ok {
			return []string{}
		}
		source, ok = tenants[tenant].(map[string]any)
		if !ok {
			return []string{}
		}
	}
	values, ok := source[claim].([]any)
	if !ok {
		return []string{}
	}
	items := make([]string, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			return []string{}
		}
		items = append(items, s)
	}
	return items
}

func numericClaim(v any) (float64, bool) {
	n, ok := v.(float64)
	return n, ok
}

func issuerProjectID(iss string) string {
	if i := strings.LastIndex(iss, "/"); i >= 0 {
		return iss[i+1:]
	}
	return iss
}
