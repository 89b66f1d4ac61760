package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/authbridge/token"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// makeJWT builds an unsigned compact JWT for a subject expiring at exp.
// The id claim makes otherwise identical tokens distinguishable.
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

func makeToken(t *testing.T, id string, exp time.Time) *token.Token {
	t.Helper()
	tok, err := token.Decode(makeJWT(t, id, exp))
	require.NoError(t, err)
	return tok
}

func makeSession(t *testing.T, id string, sessionExp, refreshExp time.Time) *Session {
	t.Helper()
	return &Session{
		SessionToken: makeToken(t, id+"-session", sessionExp),
		RefreshToken: makeToken(t, id+"-refresh", refreshExp),
		User:         User{UserID: "U2AAAA", Email: "user@example.com"},
	}
}

// fakeStore is an in-memory Store counting writes, with optional forced
// failures.
type fakeStore struct {
	mu    sync.Mutex
	items map[string][]byte
	saves int
	err   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: map[string][]byte{}}
}

func (f *fakeStore) LoadItem(key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.items[key], nil
}

func (f *fakeStore) SaveItem(key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saves++
	f.items[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeStore) RemoveItem(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	delete(f.items, key)
	return nil
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

// fakeRefresher returns a canned response or error and records calls.
// onCall runs before returning, letting tests mutate state mid-refresh.
type fakeRefresher struct {
	mu       sync.Mutex
	response *RefreshResponse
	err      error
	calls    int
	onCall   func()
}

func (f *fakeRefresher) RefreshSession(_ context.Context, _ string) (*RefreshResponse, error) {
	f.mu.Lock()
	f.calls++
	onCall, response, err := f.onCall, f.response, f.err
	f.mu.Unlock()
	if onCall != nil {
		onCall()
	}
	if err != nil {
		return nil, err
	}
	if response == nil {
		return nil, errors.New("no canned response")
	}
	return response, nil
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
