package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// responseTimeout bounds how long a runtime command waits for its ack.
	responseTimeout = 30 * time.Second

	// eventBuffer is the size of the delivered events channel. The bridge
	// consumes events continuously, the buffer only absorbs bursts.
	eventBuffer = 16

	runtimeReadLimit = 4 * 1024 * 1024
)

var errResponseTimeout = fmt.Errorf("timed out waiting for runtime response")

// wsConn is the subset of *websocket.Conn the runtime uses. Narrowed to
// an interface so tests can substitute a mock connection.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// commandFrame is a request sent to the web runtime. Every command
// carries an id the runtime echoes in its reply.
type commandFrame struct {
	Op  string `json:"op"`
	ID  int64  `json:"id"`
	URL string `json:"url,omitempty"`
	JS  string `json:"js,omitempty"`
}

// replyFrame is the runtime's answer to a command.
type replyFrame struct {
	Res     string        `json:"res"`
	ID      int64         `json:"id"`
	Error   string        `json:"error,omitempty"`
	Cookies []cookieFrame `json:"cookies,omitempty"`
}

type cookieFrame struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Domain  string `json:"domain,omitempty"`
	Path    string `json:"path,omitempty"`
	Expires int64  `json:"expires,omitempty"`
}

// eventFrame is an unsolicited report from the runtime: page load
// lifecycle or a handshake message posted by the page.
type eventFrame struct {
	Op     string          `json:"op"`
	Kind   string          `json:"kind,omitempty"`
	Status int             `json:"status,omitempty"`
	Error  string          `json:"error,omitempty"`
	Name   string          `json:"name,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// WSRuntime drives a remote headless web runtime over a WebSocket.
//
// Architecture: a reader goroutine owns the connection's read side and
// splits inbound frames into command replies, delivered to the waiting
// caller by id, and events, delivered in order on the events channel.
// Writes are serialized by a mutex, commands are request/reply so there
// is never more than one write in flight per caller.
type WSRuntime struct {
	conn   wsConn
	logger *slog.Logger

	events chan Event

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan replyFrame
	closed  bool

	readerDone chan struct{}
	cancelRead context.CancelFunc
}

// DialRuntime connects to a web runtime endpoint.
func DialRuntime(ctx context.Context, url string, logger *slog.Logger) (*WSRuntime, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing web runtime: %w", err)
	}
	conn.SetReadLimit(runtimeReadLimit)

	return newWSRuntime(conn, logger), nil
}

func newWSRuntime(conn wsConn, logger *slog.Logger) *WSRuntime {
	readCtx, cancel := context.WithCancel(context.Background())
	r := &WSRuntime{
		conn:       conn,
		logger:     logger,
		events:     make(chan Event, eventBuffer),
		pending:    make(map[int64]chan replyFrame),
		readerDone: make(chan struct{}),
		cancelRead: cancel,
	}
	go r.reader(readCtx)
	return r
}

// reader owns the connection's read side, splitting frames into command
// replies and events. Exits on read error or shutdown, closing the
// events channel so the bridge's loop terminates.
func (r *WSRuntime) reader(ctx context.Context) {
	defer close(r.readerDone)
	defer close(r.events)

	for {
		typ, data, err := r.conn.Read(ctx)
		if err != nil {
			r.logger.Debug("runtime connection closed", "error", err)
			r.failPending()
			return
		}
		if typ != websocket.MessageText {
			r.logger.Debug("ignoring non-text frame from runtime", "bytes", len(data))
			continue
		}

		switch {
		case gjson.GetBytes(data, "res").Exists():
			var reply replyFrame
			if err := json.Unmarshal(data, &reply); err != nil {
				r.logger.Warn("unparseable reply frame from runtime", "error", err)
				continue
			}
			r.deliverReply(reply)

		case gjson.GetBytes(data, "op").Exists():
			r.handleEventFrame(data)

		default:
			r.logger.Debug("unrecognized frame from runtime", "bytes", len(data))
		}
	}
}

func (r *WSRuntime) handleEventFrame(data []byte) {
	var frame eventFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		r.logger.Warn("unparseable event frame from runtime", "error", err)
		return
	}

	switch frame.Op {
	case "event":
		switch EventKind(frame.Kind) {
		case EventLoadStarted, EventLoadFinished, EventLoadFailed:
			r.events <- Event{Kind: EventKind(frame.Kind), Status: frame.Status, Error: frame.Error}
		default:
			r.logger.Debug("unknown runtime event kind", "kind", frame.Kind)
		}
	case "message":
		r.events <- Event{Kind: EventMessage, Name: frame.Name, Body: frame.Body}
	default:
		r.logger.Debug("unknown runtime frame op", "op", frame.Op)
	}
}

func (r *WSRuntime) deliverReply(reply replyFrame) {
	r.mu.Lock()
	ch, ok := r.pending[reply.ID]
	if ok {
		delete(r.pending, reply.ID)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("reply for unknown command id", "id", reply.ID)
		return
	}
	ch <- reply
}

// failPending unblocks callers waiting for replies after the connection
// drops. Their channels are closed, which they observe as a dead runtime.
func (r *WSRuntime) failPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

// command sends a frame and waits for the runtime's reply.
func (r *WSRuntime) command(ctx context.Context, frame commandFrame) (replyFrame, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return replyFrame{}, fmt.Errorf("runtime is closed")
	}
	r.nextID++
	frame.ID = r.nextID
	ch := make(chan replyFrame, 1)
	r.pending[frame.ID] = ch
	r.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		r.dropPending(frame.ID)
		return replyFrame{}, fmt.Errorf("encoding %s command: %w", frame.Op, err)
	}

	r.writeMu.Lock()
	err = r.conn.Write(ctx, websocket.MessageText, data)
	r.writeMu.Unlock()
	if err != nil {
		r.dropPending(frame.ID)
		return replyFrame{}, fmt.Errorf("sending %s command: %w", frame.Op, err)
	}

	timeout := time.NewTimer(responseTimeout)
	defer timeout.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return replyFrame{}, fmt.Errorf("runtime connection lost")
		}
		if reply.Res == "error" {
			return replyFrame{}, fmt.Errorf("runtime rejected %s: %s", frame.Op, reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		r.dropPending(frame.ID)
		return replyFrame{}, ctx.Err()
	case <-timeout.C:
		r.dropPending(frame.ID)
		return replyFrame{}, errResponseTimeout
	}
}

func (r *WSRuntime) dropPending(id int64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Load navigates the runtime to url.
func (r *WSRuntime) Load(ctx context.Context, url string) error {
	_, err := r.command(ctx, commandFrame{Op: "load", URL: url})
	return err
}

// Evaluate runs a JavaScript expression in the page.
func (r *WSRuntime) Evaluate(ctx context.Context, js string) error {
	_, err := r.command(ctx, commandFrame{Op: "eval", JS: js})
	return err
}

// Cookies returns the cookies currently visible to the page.
func (r *WSRuntime) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	reply, err := r.command(ctx, commandFrame{Op: "cookies"})
	if err != nil {
		return nil, err
	}

	cookies := make([]*http.Cookie, 0, len(reply.Cookies))
	for _, c := range reply.Cookies {
		cookie := &http.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
		}
		if c.Expires > 0 {
			cookie.Expires = time.Unix(c.Expires, 0)
		}
		cookies = append(cookies, cookie)
	}
	return cookies, nil
}

// Events delivers runtime reports in order.
func (r *WSRuntime) Events() <-chan Event {
	return r.events
}

// Close shuts the runtime connection down and waits for the reader to
// exit. Safe to call more than once.
func (r *WSRuntime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancelRead()
	err := r.conn.Close(websocket.StatusNormalClosure, "bye")
	<-r.readerDone
	return err
}
