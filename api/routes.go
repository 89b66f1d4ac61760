package api

import (
	"context"
	"errors"
	"time"

	"github.com/alexjbarnes/authbridge/errs"
	"github.com/alexjbarnes/authbridge/session"
)

// DefaultEnchantedLinkTimeout bounds how long PollEnchantedLink waits for
// the user to click the emailed link.
const DefaultEnchantedLinkTimeout = 2 * time.Minute

const enchantedLinkPollInterval = time.Second

// RefreshSession exchanges a refresh JWT for a new session token, and
// possibly a rotated refresh token.
func (c *Client) RefreshSession(ctx context.Context, refreshJwt string) (*session.RefreshResponse, error) {
	var response JWTResponse
	cookies, err := c.post(ctx, "/v1/auth/refresh", refreshJwt, struct{}{}, &response)
	if err != nil {
		return nil, err
	}
	return response.RefreshResponse(cookies)
}

// Me fetches the authenticated user's details.
func (c *Client) Me(ctx context.Context, refreshJwt string) (session.User, error) {
	var user session.User
	if _, err := c.get(ctx, "/v1/auth/me", refreshJwt, nil, &user); err != nil {
		return session.User{}, err
	}
	return user, nil
}

// Logout invalidates the session the refresh JWT belongs to.
func (c *Client) Logout(ctx context.Context, refreshJwt string) error {
	_, err := c.post(ctx, "/v1/auth/logout", refreshJwt, struct{}{}, nil)
	return err
}

// LogoutAll invalidates all of the user's sessions.
func (c *Client) LogoutAll(ctx context.Context, refreshJwt string) error {
	_, err := c.post(ctx, "/v1/auth/logoutall", refreshJwt, struct{}{}, nil)
	return err
}

// ExchangeFlowCode redeems the authorization code produced by a finished
// flow for session tokens.
func (c *Client) ExchangeFlowCode(ctx context.Context, authorizationCode, codeVerifier string) (*session.AuthenticationResponse, error) {
	body := map[string]any{
		"authCode":     authorizationCode,
		"codeVerifier": codeVerifier,
	}
	var response JWTResponse
	cookies, err := c.post(ctx, "/v1/flow/exchange", "", body, &response)
	if err != nil {
		return nil, err
	}
	return response.AuthenticationResponse(cookies, "")
}

// OTPSignIn sends a one time code to the user, returning the masked
// address it was delivered to.
func (c *Client) OTPSignIn(ctx context.Context, method DeliveryMethod, loginID string) (string, error) {
	body := map[string]any{"loginId": loginID}
	var response maskedAddressResponse
	if _, err := c.post(ctx, "/v1/auth/otp/signin/"+string(method), "", body, &response); err != nil {
		return "", err
	}
	if method == DeliverySMS {
		return response.MaskedPhone, nil
	}
	return response.MaskedEmail, nil
}

// OTPVerify checks a one time code and signs the user in.
func (c *Client) OTPVerify(ctx context.Context, method DeliveryMethod, loginID, code string) (*session.AuthenticationResponse, error) {
	body := map[string]any{
		"loginId": loginID,
		"code":    code,
	}
	var response JWTResponse
	cookies, err := c.post(ctx, "/v1/auth/otp/verify/"+string(method), "", body, &response)
	if err != nil {
		return nil, err
	}
	return response.AuthenticationResponse(cookies, "")
}

// MagicLinkVerify redeems the token carried by a clicked magic link.
func (c *Client) MagicLinkVerify(ctx context.Context, linkToken string) (*session.AuthenticationResponse, error) {
	body := map[string]any{"token": linkToken}
	var response JWTResponse
	cookies, err := c.post(ctx, "/v1/auth/magiclink/verify", "", body, &response)
	if err != nil {
		return nil, err
	}
	return response.AuthenticationResponse(cookies, "")
}

// EnchantedLinkSignIn emails the user a set of links and returns the
// pending reference to poll plus the link id the user must pick.
func (c *Client) EnchantedLinkSignIn(ctx context.Context, loginID, redirectURL string) (*EnchantedLinkResponse, error) {
	body := map[string]any{
		"loginId": loginID,
		"uri":     redirectURL,
	}
	var response EnchantedLinkResponse
	if _, err := c.post(ctx, "/v1/auth/enchantedlink/signin/email", "", body, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// EnchantedLinkSession checks whether a pending enchanted link sign in
// has been confirmed. Returns EnchantedLinkPending until the user clicks
// the link.
func (c *Client) EnchantedLinkSession(ctx context.Context, pendingRef string) (*session.AuthenticationResponse, error) {
	body := map[string]any{"pendingRef": pendingRef}
	var response JWTResponse
	cookies, err := c.post(ctx, "/v1/auth/enchantedlink/pending-session", "", body, &response)
	if err != nil {
		return nil, err
	}
	return response.AuthenticationResponse(cookies, "")
}

// PollEnchantedLink polls a pending enchanted link sign in until the user
// confirms it, the timeout passes, or ctx is cancelled. Pending responses
// and network errors are tolerated until the deadline. Cancellation is
// checked before every iteration and surfaces as the domain's cancelled
// error, a timeout as the expired error, except that a deadline reached
// on a network failure reports that failure instead.
func (c *Client) PollEnchantedLink(ctx context.Context, pendingRef string, timeout time.Duration) (*session.AuthenticationResponse, error) {
	if timeout <= 0 {
		timeout = DefaultEnchantedLinkTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		if ctx.Err() != nil {
			return nil, errs.EnchantedLinkCancelled.WithCause(ctx.Err())
		}

		response, err := c.EnchantedLinkSession(ctx, pendingRef)
		if err == nil {
			return response, nil
		}
		if ctx.Err() != nil {
			return nil, errs.EnchantedLinkCancelled.WithCause(ctx.Err())
		}
		if !errors.Is(err, errs.EnchantedLinkPending) && !errors.Is(err, errs.NetworkError) {
			return nil, err
		}
		if time.Now().After(deadline) {
			if errors.Is(err, errs.NetworkError) {
				return nil, err
			}
			return nil, errs.EnchantedLinkExpired
		}

		// Sleep in a small increment so cancellation is noticed promptly.
		select {
		case <-ctx.Done():
			return nil, errs.EnchantedLinkCancelled.WithCause(ctx.Err())
		case <-time.After(enchantedLinkPollInterval):
		}
	}
}

// OAuthNativeFinish completes a sign in with provider exchange started by
// a flow, redeeming the provider's authorization code or identity token.
func (c *Client) OAuthNativeFinish(ctx context.Context, stateID, user, authorizationCode, identityToken string) (*session.AuthenticationResponse, error) {
	body := map[string]any{
		"stateId": stateID,
	}
	if user != "" {
		body["user"] = user
	}
	if authorizationCode != "" {
		body["code"] = authorizationCode
	}
	if identityToken != "" {
		body["idToken"] = identityToken
	}
	var response JWTResponse
	cookies, err := c.post(ctx, "/v1/auth/oauth/native/finish", "", body, &response)
	if err != nil {
		return nil, err
	}
	return response.AuthenticationResponse(cookies, "")
}

// ExchangeWebAuthCode redeems the exchange code produced by a sandboxed
// browser OAuth or SSO authentication.
func (c *Client) ExchangeWebAuthCode(ctx context.Context, code string) (*session.AuthenticationResponse, error) {
	body := map[string]any{"code": code}
	var response JWTResponse
	cookies, err := c.post(ctx, "/v1/auth/oauth/exchange", "", body, &response)
	if err != nil {
		return nil, err
	}
	return response.AuthenticationResponse(cookies, "")
}
