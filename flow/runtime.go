package flow

import (
	"context"
	"encoding/json"
	"net/http"
)

// EventKind classifies what the web runtime reported.
type EventKind string

const (
	// EventLoadStarted fires when the runtime begins loading a page.
	EventLoadStarted EventKind = "loadStarted"

	// EventLoadFinished fires when the page finished loading.
	EventLoadFinished EventKind = "loadFinished"

	// EventLoadFailed fires when loading failed. Status carries the HTTP
	// status when one was received, 0 for transport level failures.
	EventLoadFailed EventKind = "loadFailed"

	// EventMessage is a handshake message posted by the page.
	EventMessage EventKind = "message"
)

// Event is a single report from the web runtime.
type Event struct {
	Kind EventKind

	// Load failure details.
	Status int
	Error  string

	// Handshake message name and body.
	Name string
	Body json.RawMessage
}

// Runtime is the embedded web runtime hosting the flow page. The bridge
// drives it through this interface, visual rendering is entirely the
// runtime's concern.
type Runtime interface {
	// Load navigates the runtime to url.
	Load(ctx context.Context, url string) error

	// Evaluate runs a JavaScript expression in the page.
	Evaluate(ctx context.Context, js string) error

	// Cookies returns the cookies currently visible to the page.
	Cookies(ctx context.Context) ([]*http.Cookie, error)

	// Events delivers runtime reports in order. The channel closes when
	// the runtime shuts down.
	Events() <-chan Event

	Close() error
}
