package flow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/authbridge/errs"
	"github.com/alexjbarnes/authbridge/session"
	"github.com/alexjbarnes/authbridge/token"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeJWT(t *testing.T, id string, exp time.Time) string {
	t.Helper()
	header, err := json.Marshal(map[string]string{"alg": "none", "typ": "JWT"})
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"sub": "U2AAAA",
		"iss": "P2BBBB",
		"iat": time.Now().Add(-time.Minute).Unix(),
		"exp": exp.Unix(),
		"id":  id,
	})
	require.NoError(t, err)
	enc := base64.RawURLEncoding
	return enc.EncodeToString(header) + "." + enc.EncodeToString(payload) + ".sig"
}

func makeSession(t *testing.T, id string) *session.Session {
	t.Helper()
	sessionToken, err := token.Decode(makeJWT(t, id+"-session", time.Now().Add(10*time.Minute)))
	require.NoError(t, err)
	refreshToken, err := token.Decode(makeJWT(t, id+"-refresh", time.Now().Add(24*time.Hour)))
	require.NoError(t, err)
	return &session.Session{
		SessionToken: sessionToken,
		RefreshToken: refreshToken,
		User:         session.User{UserID: "U2AAAA"},
	}
}

// fakeRuntime is an in-memory Runtime driven by tests emitting events.
type fakeRuntime struct {
	mu      sync.Mutex
	events  chan Event
	loads   []string
	evals   []string
	cookies []*http.Cookie
	loadErr error
	closed  bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{events: make(chan Event, 64)}
}

func (f *fakeRuntime) Load(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, url)
	return f.loadErr
}

func (f *fakeRuntime) Evaluate(_ context.Context, js string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals = append(f.evals, js)
	return nil
}

func (f *fakeRuntime) Cookies(context.Context) ([]*http.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cookies, nil
}

func (f *fakeRuntime) Events() <-chan Event {
	return f.events
}

func (f *fakeRuntime) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeRuntime) emit(event Event) {
	f.events <- event
}

func (f *fakeRuntime) emitMessage(name string, body string) {
	f.emit(Event{Kind: EventMessage, Name: name, Body: json.RawMessage(body)})
}

func (f *fakeRuntime) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loads)
}

func (f *fakeRuntime) evalCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.evals...)
}

// recordingBridgeDelegate records everything the bridge reports.
type recordingBridgeDelegate struct {
	mu            sync.Mutex
	loadsStarted  int
	loadsFinished int
	loadFailures  []*errs.Error
	readyCount    int
	requests      []Request
	failures      []*errs.Error
	finishes      [][]byte
}

func (d *recordingBridgeDelegate) BridgeStartedLoading() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadsStarted++
}

func (d *recordingBridgeDelegate) BridgeFinishedLoading() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadsFinished++
}

func (d *recordingBridgeDelegate) BridgeFailedLoading(err *errs.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadFailures = append(d.loadFailures, err)
}

func (d *recordingBridgeDelegate) BridgeReady() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readyCount++
}

func (d *recordingBridgeDelegate) BridgeReceivedRequest(request Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, request)
}

func (d *recordingBridgeDelegate) BridgeFailed(err *errs.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, err)
}

func (d *recordingBridgeDelegate) BridgeFinished(payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finishes = append(d.finishes, payload)
}

// recordingDelegate records everything a coordinator reports.
type recordingDelegate struct {
	mu          sync.Mutex
	transitions []string
	readyCount  int
	failures    []*errs.Error
	finishes    []*session.AuthenticationResponse
}

func (d *recordingDelegate) CoordinatorStateChanged(from, to State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transitions = append(d.transitions, from.String()+">"+to.String())
}

func (d *recordingDelegate) CoordinatorReady() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readyCount++
}

func (d *recordingDelegate) CoordinatorFailed(err *errs.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, err)
}

func (d *recordingDelegate) CoordinatorFinished(response *session.AuthenticationResponse) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finishes = append(d.finishes, response)
}

// fakeOAuthProvider returns a canned credential or error.
type fakeOAuthProvider struct {
	credential *OAuthNativeCredential
	err        error
}

func (f *fakeOAuthProvider) SignIn(context.Context, OAuthNativeRequest) (*OAuthNativeCredential, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.credential, nil
}

// fakeWebAuthenticator returns a canned exchange code or error.
type fakeWebAuthenticator struct {
	code string
	err  error
}

func (f *fakeWebAuthenticator) Authenticate(context.Context, WebAuthVariant, string, string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.code, nil
}
