package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/authbridge/errs"
)

// --- request parsing ---

func TestParseRequest_OAuthNative(t *testing.T) {
	body := `{"type":"oauthNative","payload":{"start":{"clientId":"com.example.app","stateId":"st-1","nonce":"n-1","implicit":true}}}`

	request, err := parseRequest([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, OAuthNativeRequest{
		ClientID: "com.example.app",
		StateID:  "st-1",
		Nonce:    "n-1",
		Implicit: true,
	}, request)
}

func TestParseRequest_WebAuthVariants(t *testing.T) {
	for _, variant := range []string{"oauthWeb", "sso"} {
		t.Run(variant, func(t *testing.T) {
			body := `{"type":"` + variant + `","payload":{"startUrl":"https://auth.example.com/start","finishUrl":"app://finish"}}`

			request, err := parseRequest([]byte(body))
			require.NoError(t, err)
			assert.Equal(t, WebAuthRequest{
				Variant:   WebAuthVariant(variant),
				StartURL:  "https://auth.example.com/start",
				FinishURL: "app://finish",
			}, request)
		})
	}
}

func TestParseRequest_StrictParsing(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `not json`},
		{"unknown type", `{"type":"fingerprint","payload":{}}`},
		{"oauthNative missing stateId", `{"type":"oauthNative","payload":{"start":{"clientId":"c"}}}`},
		{"oauthNative payload wrong shape", `{"type":"oauthNative","payload":{"start":"nope"}}`},
		{"webAuth missing startUrl", `{"type":"sso","payload":{"finishUrl":"app://finish"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			request, err := parseRequest([]byte(tt.body))
			assert.Nil(t, request)
			assert.ErrorIs(t, err, errs.FlowFailed, "malformed requests are flow failures, not best effort values")
		})
	}
}

// --- response encoding ---

func TestEncodeResponse_OAuthNative(t *testing.T) {
	kind, payload, err := encodeResponse(OAuthNativeResponse{
		StateID:           "st-1",
		AuthorizationCode: "code-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "oauthNative", kind)
	assert.JSONEq(t, `{"stateId":"st-1","code":"code-1"}`, payload)
}

func TestEncodeResponse_WebAuth(t *testing.T) {
	kind, payload, err := encodeResponse(WebAuthResponse{Variant: WebAuthSSO, ExchangeCode: "x-1"})
	require.NoError(t, err)
	assert.Equal(t, "sso", kind)
	assert.JSONEq(t, `{"exchangeCode":"x-1"}`, payload)
}

func TestEncodeResponse_MagicLinkAndFailure(t *testing.T) {
	kind, payload, err := encodeResponse(MagicLinkResponse{URL: "app://resume?t=1"})
	require.NoError(t, err)
	assert.Equal(t, "magicLink", kind)
	assert.JSONEq(t, `{"url":"app://resume?t=1"}`, payload)

	kind, payload, err = encodeResponse(FailureResponse{Reason: "OAuthNativeCancelled"})
	require.NoError(t, err)
	assert.Equal(t, "failure", kind)
	assert.JSONEq(t, `{"failure":"OAuthNativeCancelled"}`, payload)
}

// --- helpers ---

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "bad state", failureReason([]byte(`"bad state"`)))
	assert.Equal(t, "bad state", failureReason([]byte(`{"failure":"bad state"}`)))
	assert.Equal(t, `{"other":"shape"}`, failureReason([]byte(`{"other":"shape"}`)))
}

func TestSuccessPayload(t *testing.T) {
	assert.Nil(t, successPayload(nil))
	assert.Nil(t, successPayload([]byte(`null`)))
	assert.Nil(t, successPayload([]byte(`""`)))
	assert.Equal(t, []byte(`{"sessionJwt":"x"}`), successPayload([]byte(`{"sessionJwt":"x"}`)))
	assert.Equal(t, []byte(`{"sessionJwt":"x"}`), successPayload([]byte(`"{\"sessionJwt\":\"x\"}"`)),
		"string wrapped payloads are unwrapped")
}

func TestEscapeJS(t *testing.T) {
	assert.Equal(t, `a\'b`, escapeJS("a'b"))
	assert.Equal(t, `a\\b`, escapeJS(`a\b`))
	assert.Equal(t, `a\nb`, escapeJS("a\nb"))
	assert.Equal(t, `{\'k\':1}`, escapeJS("{'k':1}"))
}
