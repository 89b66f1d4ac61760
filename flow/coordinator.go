package flow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/authbridge/api"
	"github.com/alexjbarnes/authbridge/errs"
	"github.com/alexjbarnes/authbridge/session"
)

// refreshJwtPushFrequency is how often a ready flow gets the provided
// session's refresh JWT pushed into the page, keeping a long running
// flow's cookies current without reloading it.
const refreshJwtPushFrequency = time.Second

// Delegate observes a flow run. CoordinatorFailed is called at most once
// per run, subsequent errors are swallowed.
type Delegate interface {
	CoordinatorStateChanged(from, to State)
	CoordinatorReady()
	CoordinatorFailed(err *errs.Error)
	CoordinatorFinished(response *session.AuthenticationResponse)
}

// OAuthNativeCredential is the result of a platform native sign in with
// provider exchange.
type OAuthNativeCredential struct {
	AuthorizationCode string
	IdentityToken     string
	// User is the provider supplied profile JSON, present only on the
	// user's first sign in with this provider.
	User string
}

// OAuthProvider performs platform native sign in, presenting whatever UI
// the platform requires. A user backing out must surface as
// errs.OAuthNativeCancelled.
type OAuthProvider interface {
	SignIn(ctx context.Context, request OAuthNativeRequest) (*OAuthNativeCredential, error)
}

// WebAuthenticator authenticates against a start URL in a sandboxed
// browser session and returns the resulting exchange code. A user
// backing out must surface as errs.WebAuthCancelled.
type WebAuthenticator interface {
	Authenticate(ctx context.Context, variant WebAuthVariant, startURL, finishURL string) (string, error)
}

// CoordinatorConfig wires up a Coordinator. Runtime and Delegate are
// required, the providers are optional and only needed when flows use
// native credentials.
type CoordinatorConfig struct {
	Runtime  Runtime
	Delegate Delegate
	OAuth    OAuthProvider
	WebAuth  WebAuthenticator
	Logger   *slog.Logger
}

// Coordinator runs a flow end to end: it starts the bridge, reacts to
// page events, delegates native credential requests, and converts the
// final payload into an authenticated session.
type Coordinator struct {
	bridge   *Bridge
	delegate Delegate
	oauth    OAuthProvider
	webauth  WebAuthenticator
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	flow        *Flow
	ctx         context.Context
	cancel      context.CancelFunc
	refreshStop chan struct{}
}

// NewCoordinator creates a coordinator driving the given runtime.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Runtime == nil {
		return nil, errs.MissingArguments.WithMessage("runtime is required")
	}
	if cfg.Delegate == nil {
		return nil, errs.MissingArguments.WithMessage("delegate is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Coordinator{
		delegate: cfg.Delegate,
		oauth:    cfg.OAuth,
		webauth:  cfg.WebAuth,
		logger:   logger,
	}
	c.bridge = NewBridge(cfg.Runtime, &bridgeEvents{c}, logger)
	return c, nil
}

// State returns the run's current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins the flow run. A coordinator runs exactly one flow.
func (c *Coordinator) Start(ctx context.Context, flow *Flow) error {
	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.state != StateInitial {
		c.mu.Unlock()
		cancel()
		return errs.FlowFailed.WithMessage("flow already started")
	}
	c.state = StateStarted
	c.flow = flow
	c.ctx = runCtx
	c.cancel = cancel
	c.mu.Unlock()

	c.delegate.CoordinatorStateChanged(StateInitial, StateStarted)
	c.logger.Info("starting flow", "url", flow.URL)

	return c.bridge.Start(runCtx, flow)
}

// Resume feeds a redirect URL back into a flow waiting on a magic link.
// It reports whether the flow accepted it: resumes are only valid while
// the flow is ready, anything earlier or later is ignored.
func (c *Coordinator) Resume(url string) bool {
	c.mu.Lock()
	ready := c.state == StateReady
	c.mu.Unlock()
	if !ready {
		c.logger.Debug("ignoring resume, flow not ready", "state", c.State().String())
		return false
	}
	c.bridge.PostResponse(MagicLinkResponse{URL: url})
	return true
}

// Cancel aborts the run with a cancellation error. Cancelling an already
// finished or cancelled run is a no-op.
func (c *Coordinator) Cancel() {
	c.fail(errs.FlowCancelled)
}

// Close releases the bridge and the runtime underneath it.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.stopRefreshPushLocked()
	c.mu.Unlock()
	return c.bridge.Close()
}

// fail moves the run to the failed state and reports the error, exactly
// once. Errors arriving in a terminal state are swallowed.
func (c *Coordinator) fail(err *errs.Error) {
	c.mu.Lock()
	if c.state == StateFailed || c.state == StateFinished {
		c.mu.Unlock()
		c.logger.Debug("ignoring error in terminal flow state", "error", err)
		return
	}
	from := c.state
	c.state = StateFailed
	c.stopRefreshPushLocked()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.logger.Info("flow failed", "error", err)
	c.delegate.CoordinatorStateChanged(from, StateFailed)
	c.delegate.CoordinatorFailed(err)
}

func (c *Coordinator) finish(response *session.AuthenticationResponse) {
	c.mu.Lock()
	if c.state == StateFailed || c.state == StateFinished {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = StateFinished
	c.stopRefreshPushLocked()
	c.mu.Unlock()

	c.logger.Info("flow finished", "userId", response.User.UserID)
	c.delegate.CoordinatorStateChanged(from, StateFinished)
	c.delegate.CoordinatorFinished(response)
}

func (c *Coordinator) ready() {
	c.mu.Lock()
	if c.state != StateStarted {
		c.mu.Unlock()
		c.logger.Debug("ignoring ready in state", "state", c.state.String())
		return
	}
	c.state = StateReady
	c.startRefreshPushLocked()
	c.mu.Unlock()

	c.delegate.CoordinatorStateChanged(StateStarted, StateReady)
	c.delegate.CoordinatorReady()
}

// receivedRequest handles a native action request. Requests are valid in
// the started state too: flows without visible screens fire requests
// before ready.
func (c *Coordinator) receivedRequest(request Request) {
	c.mu.Lock()
	accepted := c.state == StateStarted || c.state == StateReady
	c.mu.Unlock()
	if !accepted {
		c.fail(errs.FlowFailed.WithMessage("unexpected bridge request in state %s", c.State()))
		return
	}

	// Native credential UI blocks until the user completes or cancels,
	// run it off the bridge's event loop.
	go c.handleRequest(request)
}

func (c *Coordinator) handleRequest(request Request) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	switch request := request.(type) {
	case OAuthNativeRequest:
		if c.oauth == nil {
			c.fail(errs.FlowFailed.WithMessage("no native oauth provider configured"))
			return
		}
		credential, err := c.oauth.SignIn(ctx, request)
		switch {
		case errors.Is(err, errs.OAuthNativeCancelled):
			// The user backing out is not a flow failure, report it into
			// the page so it can offer alternatives.
			c.logger.Debug("native oauth cancelled by user")
			c.bridge.PostResponse(FailureResponse{Reason: "OAuthNativeCancelled"})
		case err != nil:
			c.fail(wrapProviderError(err, errs.OAuthNativeFailed))
		default:
			c.bridge.PostResponse(OAuthNativeResponse{
				StateID:           request.StateID,
				AuthorizationCode: credential.AuthorizationCode,
				IdentityToken:     credential.IdentityToken,
				User:              credential.User,
			})
		}

	case WebAuthRequest:
		if c.webauth == nil {
			c.fail(errs.FlowFailed.WithMessage("no web authenticator configured"))
			return
		}
		exchangeCode, err := c.webauth.Authenticate(ctx, request.Variant, request.StartURL, request.FinishURL)
		switch {
		case errors.Is(err, errs.WebAuthCancelled):
			c.logger.Debug("web auth cancelled by user")
			c.bridge.PostResponse(FailureResponse{Reason: "WebAuthCancelled"})
		case err != nil:
			c.fail(wrapProviderError(err, errs.WebAuthFailed))
		default:
			c.bridge.PostResponse(WebAuthResponse{Variant: request.Variant, ExchangeCode: exchangeCode})
		}
	}
}

// succeeded converts the page's final payload into an authenticated
// session. An absent payload falls back to the flow's provided session,
// which covers step-up flows that merely re-validate a signed in user.
func (c *Coordinator) succeeded(payload []byte) {
	c.mu.Lock()
	if c.state == StateFailed || c.state == StateFinished {
		c.mu.Unlock()
		return
	}
	flow := c.flow
	ctx := c.ctx
	c.mu.Unlock()

	if len(payload) == 0 {
		if flow == nil || flow.ProvidedSession == nil {
			c.fail(errs.FlowFailed.WithMessage("flow finished without a session"))
			return
		}
		provided := flow.ProvidedSession
		c.finish(&session.AuthenticationResponse{
			SessionToken: provided.SessionToken,
			RefreshToken: provided.RefreshToken,
			User:         provided.User,
		})
		return
	}

	var response api.JWTResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		c.fail(errs.FlowFailed.WithMessage("invalid flow response").WithCause(err))
		return
	}

	// Tokens can arrive in page cookies instead of the payload.
	cookies, err := c.bridge.Cookies(ctx)
	if err != nil {
		c.logger.Warn("failed to collect flow page cookies", "error", err)
	}

	authResponse, err := response.AuthenticationResponse(cookies, c.bridge.RefreshCookieName())
	if err != nil {
		c.fail(errs.FlowFailed.WithMessage("invalid flow response").WithCause(err))
		return
	}
	c.finish(authResponse)
}

func (c *Coordinator) startRefreshPushLocked() {
	stop := make(chan struct{})
	c.refreshStop = stop
	go c.pushRefreshJWT(stop)
}

// stopRefreshPushLocked stops the refresh push timer. Callers must hold
// c.mu.
func (c *Coordinator) stopRefreshPushLocked() {
	if c.refreshStop != nil {
		close(c.refreshStop)
		c.refreshStop = nil
	}
}

func (c *Coordinator) pushRefreshJWT(stop chan struct{}) {
	ticker := time.NewTicker(refreshJwtPushFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			flow := c.flow
			c.mu.Unlock()
			if flow == nil || flow.ProvidedSession == nil {
				continue
			}
			if refresh := flow.ProvidedSession.RefreshToken; !refresh.IsExpired() {
				c.bridge.UpdateRefreshJWT(refresh.JWT)
			}
		}
	}
}

func wrapProviderError(err error, sentinel *errs.Error) *errs.Error {
	var e *errs.Error
	if errors.As(err, &e) {
		return e
	}
	return sentinel.WithCause(err)
}

// bridgeEvents adapts bridge callbacks onto the coordinator without
// exposing them on its public API.
type bridgeEvents struct {
	c *Coordinator
}

func (b *bridgeEvents) BridgeStartedLoading() {
	b.c.logger.Debug("flow page started loading")
}

func (b *bridgeEvents) BridgeFinishedLoading() {
	b.c.logger.Debug("flow page finished loading")
}

func (b *bridgeEvents) BridgeFailedLoading(err *errs.Error) {
	b.c.fail(err)
}

func (b *bridgeEvents) BridgeReady() {
	b.c.ready()
}

func (b *bridgeEvents) BridgeReceivedRequest(request Request) {
	b.c.receivedRequest(request)
}

func (b *bridgeEvents) BridgeFailed(err *errs.Error) {
	b.c.fail(err)
}

func (b *bridgeEvents) BridgeFinished(payload []byte) {
	b.c.succeeded(payload)
}
