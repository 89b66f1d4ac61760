package flow

import (
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/authbridge/errs"
)

// Handshake message names the flow page emits.
const (
	messageLog     = "log"
	messageFound   = "found"
	messageReady   = "ready"
	messageBridge  = "bridge"
	messageAbort   = "abort"
	messageFailure = "failure"
	messageSuccess = "success"
)

// foundPayload carries the flow component's attributes, discovered when
// the handshake script locates it in the page.
type foundPayload struct {
	RefreshCookieName string `json:"refreshCookieName"`
}

// Request is a native action the flow page asks the host to perform.
type Request interface {
	isRequest()
}

// OAuthNativeRequest asks the host to run a platform native sign in with
// provider exchange.
type OAuthNativeRequest struct {
	ClientID string
	StateID  string
	Nonce    string
	Implicit bool
}

// WebAuthVariant distinguishes browser based OAuth from SSO.
type WebAuthVariant string

const (
	WebAuthOAuth WebAuthVariant = "oauthWeb"
	WebAuthSSO   WebAuthVariant = "sso"
)

// WebAuthRequest asks the host to authenticate against a start URL in a
// sandboxed browser session.
type WebAuthRequest struct {
	Variant   WebAuthVariant
	StartURL  string
	FinishURL string
}

func (OAuthNativeRequest) isRequest() {}
func (WebAuthRequest) isRequest()     {}

type bridgeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// parseRequest converts a bridge message body into a typed request.
// Parsing is strict, an unrecognized type or a malformed payload is a
// flow failure rather than a best effort value.
func parseRequest(body []byte) (Request, error) {
	var envelope bridgeEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errs.FlowFailed.WithMessage("malformed bridge request").WithCause(err)
	}

	switch envelope.Type {
	case "oauthNative":
		var payload struct {
			Start struct {
				ClientID string `json:"clientId"`
				StateID  string `json:"stateId"`
				Nonce    string `json:"nonce"`
				Implicit bool   `json:"implicit"`
			} `json:"start"`
		}
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil, errs.FlowFailed.WithMessage("malformed oauthNative request").WithCause(err)
		}
		if payload.Start.ClientID == "" || payload.Start.StateID == "" {
			return nil, errs.FlowFailed.WithMessage("incomplete oauthNative request")
		}
		return OAuthNativeRequest{
			ClientID: payload.Start.ClientID,
			StateID:  payload.Start.StateID,
			Nonce:    payload.Start.Nonce,
			Implicit: payload.Start.Implicit,
		}, nil

	case "oauthWeb", "sso":
		var payload struct {
			StartURL  string `json:"startUrl"`
			FinishURL string `json:"finishUrl"`
		}
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil, errs.FlowFailed.WithMessage("malformed %s request", envelope.Type).WithCause(err)
		}
		if payload.StartURL == "" {
			return nil, errs.FlowFailed.WithMessage("incomplete %s request", envelope.Type)
		}
		return WebAuthRequest{
			Variant:   WebAuthVariant(envelope.Type),
			StartURL:  payload.StartURL,
			FinishURL: payload.FinishURL,
		}, nil

	default:
		return nil, errs.FlowFailed.WithMessage("unexpected bridge request type: %q", envelope.Type)
	}
}

// Response is a native result posted back into the flow page.
type Response interface {
	responseType() string
	responsePayload() (map[string]any, error)
}

// OAuthNativeResponse carries the provider credential obtained by a
// native sign in.
type OAuthNativeResponse struct {
	StateID           string
	AuthorizationCode string
	IdentityToken     string
	// User is the provider supplied profile JSON, only present on the
	// user's first sign in.
	User string
}

func (OAuthNativeResponse) responseType() string { return "oauthNative" }

func (r OAuthNativeResponse) responsePayload() (map[string]any, error) {
	payload := map[string]any{"stateId": r.StateID}
	if r.AuthorizationCode != "" {
		payload["code"] = r.AuthorizationCode
	}
	if r.IdentityToken != "" {
		payload["idToken"] = r.IdentityToken
	}
	if r.User != "" {
		payload["user"] = r.User
	}
	return payload, nil
}

// WebAuthResponse carries the exchange code produced by a sandboxed
// browser authentication.
type WebAuthResponse struct {
	Variant      WebAuthVariant
	ExchangeCode string
}

func (r WebAuthResponse) responseType() string { return string(r.Variant) }

func (r WebAuthResponse) responsePayload() (map[string]any, error) {
	return map[string]any{"exchangeCode": r.ExchangeCode}, nil
}

// MagicLinkResponse resumes a flow after the user followed a magic link
// back into the host application.
type MagicLinkResponse struct {
	URL string
}

func (MagicLinkResponse) responseType() string { return "magicLink" }

func (r MagicLinkResponse) responsePayload() (map[string]any, error) {
	return map[string]any{"url": r.URL}, nil
}

// FailureResponse tells the page a native action did not produce a
// credential, with a reason it can react to. User cancellations travel
// this way so the page can reset instead of terminating the flow.
type FailureResponse struct {
	Reason string
}

func (FailureResponse) responseType() string { return "failure" }

func (r FailureResponse) responsePayload() (map[string]any, error) {
	return map[string]any{"failure": r.Reason}, nil
}

// encodeResponse serializes a response for the handleResponse call.
func encodeResponse(response Response) (kind string, payload string, err error) {
	values, err := response.responsePayload()
	if err != nil {
		return "", "", errs.EncodeError.WithCause(err)
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", "", errs.EncodeError.WithCause(err)
	}
	return response.responseType(), string(data), nil
}

// failureReason extracts the human readable reason from a failure message
// body, which is either a bare string or a {"failure": ...} object.
func failureReason(body []byte) string {
	var asString string
	if err := json.Unmarshal(body, &asString); err == nil {
		return asString
	}
	var asObject struct {
		Failure string `json:"failure"`
	}
	if err := json.Unmarshal(body, &asObject); err == nil && asObject.Failure != "" {
		return asObject.Failure
	}
	return fmt.Sprintf("%.200s", string(body))
}
