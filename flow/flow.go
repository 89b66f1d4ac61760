// Package flow runs a hosted authentication flow page inside an embedded
// web runtime, driving it through a bridged message protocol until it
// produces an authenticated session.
//
// The Bridge owns the runtime and translates between typed native values
// and the page's handshake messages. The Coordinator sits above it and
// runs the flow state machine, delegating native credential work to
// pluggable providers.
package flow

import (
	"github.com/alexjbarnes/authbridge/session"
)

// Flow describes a single flow run.
type Flow struct {
	// URL is the address of the hosted flow page.
	URL string

	// OAuthProvider names the provider the page should offer for native
	// sign in, for example "apple" or "google".
	OAuthProvider string

	// OAuthRedirect and SSORedirect are the callback URLs handed to the
	// page for browser based authentication.
	OAuthRedirect string
	SSORedirect   string

	// MagicLinkRedirect is the deep link the page embeds in magic link
	// emails so the host application can resume the flow.
	MagicLinkRedirect string

	// ClientInputs are arbitrary values forwarded to the page on
	// initialization.
	ClientInputs map[string]any

	// ProvidedSession is an already authenticated session for flows that
	// run on behalf of a signed in user, such as step-up or MFA. Its
	// refresh JWT is pushed into the page periodically while the flow is
	// ready, and it is the fallback result when the page finishes without
	// returning fresh tokens.
	ProvidedSession *session.Session
}

// State tracks a flow run through its lifecycle. Transitions only move
// forward: Failed is reachable from Started and Ready, and both Failed
// and Finished are terminal.
type State int

const (
	StateInitial State = iota
	StateStarted
	StateReady
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarted:
		return "started"
	case StateReady:
		return "ready"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
