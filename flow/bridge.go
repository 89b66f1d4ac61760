package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/authbridge/errs"
)

const (
	// bridgeVersion is the handshake protocol version announced to the
	// flow page. Pages built for a newer protocol abort the handshake.
	bridgeVersion = 1

	// retryBackoffBase is the linear backoff unit for page load retries,
	// attempt n waits n times this long.
	retryBackoffBase = 1250 * time.Millisecond

	// retryWindow bounds all load retries for one Start call. Hosted flow
	// pages are served from CDNs and customer infrastructure that see
	// transient unavailability, a short bounded retry recovers those
	// without masking persistent failures.
	retryWindow = 10 * time.Second
)

// bootstrapScript is injected after every page load. It locates the flow
// component, relays its lifecycle messages to the host, and exposes the
// entry points the host invokes.
const bootstrapScript = `
(function() {
    if (window.authbridge) {
        return
    }

    function post(name, body) {
        window.bridgeHost.postMessage(JSON.stringify({ name: name, body: body }))
    }

    window.authbridge = {
        initialize: function(options, refreshJwt, clientInputs) {
            var component = window.authbridge.component
            if (!component) {
                return
            }
            component.nativeOptions = JSON.parse(options)
            component.nativeClientInputs = JSON.parse(clientInputs)
            if (refreshJwt) {
                component.refreshJwt = refreshJwt
            }
            component.nativeResume()
        },
        updateRefreshJwt: function(refreshJwt) {
            var component = window.authbridge.component
            if (component && refreshJwt) {
                component.refreshJwt = refreshJwt
            }
        },
        handleResponse: function(type, payload) {
            var component = window.authbridge.component
            if (component) {
                component.nativeComplete(type, JSON.parse(payload))
            }
        },
    }

    function attach(component) {
        window.authbridge.component = component
        component.addEventListener('ready', function() { post('ready', null) })
        component.addEventListener('bridge', function(event) { post('bridge', event.detail) })
        component.addEventListener('abort', function(event) { post('abort', event.detail) })
        component.addEventListener('error', function(event) { post('failure', event.detail) })
        component.addEventListener('success', function(event) { post('success', event.detail) })
        post('found', {
            refreshCookieName: component.getAttribute('refresh-cookie-name') || '',
        })
    }

    function find() {
        var component = document.querySelector('authbridge-wc, auth-flow')
        if (component) {
            attach(component)
        } else {
            post('log', 'waiting for flow component')
            setTimeout(find, 20)
        }
    }

    find()
})()
`

// nativeOptions is the configuration object handed to the flow page on
// initialization.
type nativeOptions struct {
	Platform          string `json:"platform"`
	BridgeVersion     int    `json:"bridgeVersion"`
	OAuthProvider     string `json:"oauthProvider,omitempty"`
	OAuthRedirect     string `json:"oauthRedirect,omitempty"`
	SSORedirect       string `json:"ssoRedirect,omitempty"`
	MagicLinkRedirect string `json:"magicLinkRedirect,omitempty"`
}

// BridgeDelegate receives the bridge's typed view of what the flow page
// is doing. All callbacks are invoked from the bridge's event loop
// goroutine, one at a time.
type BridgeDelegate interface {
	BridgeStartedLoading()
	BridgeFinishedLoading()

	// BridgeFailedLoading reports a page load failure that was not, or
	// could no longer be, retried.
	BridgeFailedLoading(err *errs.Error)

	// BridgeReady fires when the flow component is interactive.
	BridgeReady()

	// BridgeReceivedRequest delivers a native action request.
	BridgeReceivedRequest(request Request)

	// BridgeFailed reports an authentication failure or user abort.
	BridgeFailed(err *errs.Error)

	// BridgeFinished delivers the success payload, nil when the page
	// finished without returning data.
	BridgeFinished(payload []byte)
}

// retryState tracks load retries within one Start lifetime. At most one
// retry is scheduled at a time, attempts only grow, and a retry is only
// scheduled if its delay still lands inside the window.
type retryState struct {
	scheduled bool
	attempts  int
	until     time.Time
}

// Bridge owns the web runtime and translates between typed native values
// and the page's handshake protocol.
type Bridge struct {
	runtime  Runtime
	delegate BridgeDelegate
	logger   *slog.Logger

	mu                sync.Mutex
	flow              *Flow
	ctx               context.Context
	cancel            context.CancelFunc
	refreshCookieName string
	retry             retryState
	retryTimer        *time.Timer
	loopDone          chan struct{}
}

// NewBridge creates a bridge over runtime reporting to delegate.
func NewBridge(runtime Runtime, delegate BridgeDelegate, logger *slog.Logger) *Bridge {
	return &Bridge{runtime: runtime, delegate: delegate, logger: logger}
}

// Start begins a flow run: it starts consuming runtime events and loads
// the flow page. The retry window opens now.
func (b *Bridge) Start(ctx context.Context, flow *Flow) error {
	runCtx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	if b.flow != nil {
		b.mu.Unlock()
		cancel()
		return errs.FlowFailed.WithMessage("bridge already started")
	}
	b.flow = flow
	b.ctx = runCtx
	b.cancel = cancel
	b.retry = retryState{until: time.Now().Add(retryWindow)}
	b.loopDone = make(chan struct{})
	b.mu.Unlock()

	go b.loop()

	if err := b.runtime.Load(runCtx, flow.URL); err != nil {
		b.handleLoadFailed(0, err.Error())
	}
	return nil
}

// RefreshCookieName returns the refresh cookie name the flow component
// announced, or empty when it uses the default.
func (b *Bridge) RefreshCookieName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshCookieName
}

// Cookies returns the cookies visible to the flow page.
func (b *Bridge) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	return b.runtime.Cookies(ctx)
}

// UpdateRefreshJWT pushes a fresh refresh JWT into the page so long
// running flows keep an authenticated user's token current.
func (b *Bridge) UpdateRefreshJWT(jwt string) {
	b.evaluate(fmt.Sprintf("authbridge.updateRefreshJwt('%s')", escapeJS(jwt)))
}

// PostResponse posts a native action result back into the page.
func (b *Bridge) PostResponse(response Response) {
	kind, payload, err := encodeResponse(response)
	if err != nil {
		b.logger.Error("failed to encode flow response", "error", err)
		return
	}
	b.evaluate(fmt.Sprintf("authbridge.handleResponse('%s', '%s')", escapeJS(kind), escapeJS(payload)))
}

// Close tears the bridge down: pending retries are cancelled, the run
// context is cancelled, and the runtime is closed.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.retryTimer != nil {
		b.retryTimer.Stop()
		b.retryTimer = nil
	}
	cancel := b.cancel
	loopDone := b.loopDone
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := b.runtime.Close()
	if loopDone != nil {
		<-loopDone
	}
	return err
}

// loop is the bridge's event loop. All delegate callbacks happen here,
// serializing the protocol without locks around the delegate.
func (b *Bridge) loop() {
	defer close(b.loopDone)

	for event := range b.runtime.Events() {
		switch event.Kind {
		case EventLoadStarted:
			b.delegate.BridgeStartedLoading()
		case EventLoadFinished:
			b.injectBootstrap()
			b.delegate.BridgeFinishedLoading()
		case EventLoadFailed:
			b.handleLoadFailed(event.Status, event.Error)
		case EventMessage:
			b.handleMessage(event.Name, event.Body)
		}
	}
}

func (b *Bridge) injectBootstrap() {
	b.evaluate(bootstrapScript)
}

func (b *Bridge) handleMessage(name string, body []byte) {
	switch name {
	case messageLog:
		b.logger.Debug("flow page log", "message", failureReason(body))

	case messageFound:
		var payload foundPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			b.logger.Warn("malformed found payload", "error", err)
		}
		b.mu.Lock()
		b.refreshCookieName = payload.RefreshCookieName
		b.mu.Unlock()
		b.initialize()

	case messageReady:
		b.delegate.BridgeReady()

	case messageBridge:
		request, err := parseRequest(body)
		if err != nil {
			b.delegate.BridgeFailed(asError(err))
			return
		}
		b.delegate.BridgeReceivedRequest(request)

	case messageAbort:
		reason := abortReason(body)
		if reason == "" {
			b.delegate.BridgeFailed(errs.FlowCancelled)
			return
		}
		b.delegate.BridgeFailed(errs.FlowFailed.WithMessage("%s", reason))

	case messageFailure:
		b.delegate.BridgeFailed(errs.FlowFailed.WithMessage("%s", failureReason(body)))

	case messageSuccess:
		b.delegate.BridgeFinished(successPayload(body))

	default:
		b.logger.Debug("unexpected message from flow page", "name", name)
	}
}

// initialize hands the page its native configuration. Called when the
// handshake script reports the flow component.
func (b *Bridge) initialize() {
	b.mu.Lock()
	flow := b.flow
	b.mu.Unlock()
	if flow == nil {
		return
	}

	options, err := json.Marshal(nativeOptions{
		Platform:          "go",
		BridgeVersion:     bridgeVersion,
		OAuthProvider:     flow.OAuthProvider,
		OAuthRedirect:     flow.OAuthRedirect,
		SSORedirect:       flow.SSORedirect,
		MagicLinkRedirect: flow.MagicLinkRedirect,
	})
	if err != nil {
		b.logger.Error("failed to encode native options", "error", err)
		return
	}

	inputs := []byte("{}")
	if len(flow.ClientInputs) > 0 {
		inputs, err = json.Marshal(flow.ClientInputs)
		if err != nil {
			b.logger.Error("failed to encode client inputs", "error", err)
			return
		}
	}

	refreshJwt := ""
	if flow.ProvidedSession != nil {
		refreshJwt = flow.ProvidedSession.RefreshToken.JWT
	}

	b.evaluate(fmt.Sprintf("authbridge.initialize('%s', '%s', '%s')",
		escapeJS(string(options)), escapeJS(refreshJwt), escapeJS(string(inputs))))
}

// handleLoadFailed applies the retry policy to a page load failure.
// Multiple error signals from one failed attempt are deduplicated by the
// scheduled flag.
func (b *Bridge) handleLoadFailed(status int, description string) {
	b.mu.Lock()

	if b.retry.scheduled {
		b.mu.Unlock()
		return
	}

	// Server errors are worth retrying, as are transport failures that
	// never produced a status. Client errors will not get better.
	retryable := status == 0 || status >= 500
	if !retryable {
		b.mu.Unlock()
		b.delegate.BridgeFailedLoading(loadError(status, description))
		return
	}

	b.retry.attempts++
	delay := time.Duration(b.retry.attempts) * retryBackoffBase
	if time.Now().Add(delay).After(b.retry.until) {
		b.mu.Unlock()
		b.delegate.BridgeFailedLoading(loadError(status, description))
		return
	}

	b.retry.scheduled = true
	b.logger.Debug("retrying flow page load",
		"attempt", b.retry.attempts, "delay", delay, "status", status)
	b.retryTimer = time.AfterFunc(delay, b.retryLoad)
	b.mu.Unlock()
}

func (b *Bridge) retryLoad() {
	b.mu.Lock()
	b.retry.scheduled = false
	flow := b.flow
	ctx := b.ctx
	b.mu.Unlock()

	if flow == nil || ctx == nil || ctx.Err() != nil {
		return
	}
	if err := b.runtime.Load(ctx, flow.URL); err != nil {
		b.handleLoadFailed(0, err.Error())
	}
}

func (b *Bridge) evaluate(js string) {
	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := b.runtime.Evaluate(ctx, js); err != nil {
		b.logger.Warn("failed to evaluate script in flow page", "error", err)
	}
}

func loadError(status int, description string) *errs.Error {
	if status > 0 {
		return errs.NetworkError.WithMessage("flow page load failed with status %d", status)
	}
	if description == "" {
		description = "flow page failed to load"
	}
	return errs.NetworkError.WithMessage("%s", description)
}

// abortReason extracts the optional reason from an abort message. An
// empty reason means the user backed out.
func abortReason(body []byte) string {
	if len(body) == 0 || string(body) == "null" {
		return ""
	}
	var reason string
	if err := json.Unmarshal(body, &reason); err == nil {
		return reason
	}
	return failureReason(body)
}

// successPayload normalizes a success message body: pages deliver the
// server response either as a JSON object or as a string-wrapped one,
// and flows without a payload send nothing at all.
func successPayload(body []byte) []byte {
	if len(body) == 0 || string(body) == "null" {
		return nil
	}
	var wrapped string
	if err := json.Unmarshal(body, &wrapped); err == nil {
		if wrapped == "" {
			return nil
		}
		return []byte(wrapped)
	}
	return body
}

// escapeJS makes a string safe to embed in a single quoted JS literal.
func escapeJS(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '\\':
			sb.WriteString(`\\`)
		case '\'':
			sb.WriteString(`\'`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\u2028':
			sb.WriteString(`\u2028`)
		case '\u2029':
			sb.WriteString(`\u2029`)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func asError(err error) *errs.Error {
	var e *errs.Error
	if errors.As(err, &e) {
		return e
	}
	return errs.FlowFailed.WithCause(err)
}
