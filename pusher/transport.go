// Package pusher implements the echolink Transport over the Pusher wire
// protocol: a WebSocket connection to /app/{key} exchanging JSON frames,
// with private-channel subscriptions authorized through an HTTP handshake.
package pusher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/vellum-hq/echolink/echolink"
)

// Version identifies this client to the broker.
const Version = "0.3.0"

// Transport is a single connection handle. It is created disconnected;
// Connect starts the asynchronous dial and all later lifecycle changes are
// delivered through the bound event handler, tagged with the handle ID.
type Transport struct {
	cfg  echolink.TransportConfig
	id   string
	auth *AuthClient
	log  *slog.Logger

	mu        sync.Mutex
	state     echolink.TransportState
	conn      *wsConn
	socketID  string
	onEvent   func(echolink.TransportEvent)
	onMessage func(echolink.ChannelMessage)
	cancel    context.CancelFunc

	writeCh chan frame
}

// New constructs a transport from cfg. It satisfies echolink.TransportFactory.
func New(cfg echolink.TransportConfig) (echolink.Transport, error) {
	if cfg.AppKey == "" {
		return nil, errors.New("app key is required")
	}
	if cfg.Host == "" {
		return nil, errors.New("host is required")
	}
	t := &Transport{
		cfg:     cfg,
		id:      uuid.NewString(),
		state:   echolink.TransportDisconnected,
		writeCh: make(chan frame, 16),
	}
	t.log = slog.Default().With("component", "pusher", "handle", t.id[:8])
	if cfg.AuthEndpoint != "" {
		t.auth = NewAuthClient(cfg.AuthEndpoint, cfg.AuthHeaders)
	}
	return t, nil
}

var _ echolink.TransportFactory = New

// ID implements echolink.Transport.
func (t *Transport) ID() string { return t.id }

// State implements echolink.Transport.
func (t *Transport) State() echolink.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Bind implements echolink.Transport.
func (t *Transport) Bind(fn func(echolink.TransportEvent)) {
	t.mu.Lock()
	t.onEvent = fn
	t.mu.Unlock()
}

// BindMessages implements echolink.Transport.
func (t *Transport) BindMessages(fn func(echolink.ChannelMessage)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

// Connect implements echolink.Transport. It returns an error only when the
// attempt cannot start; dial failures arrive as EventError.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != echolink.TransportDisconnected {
		t.mu.Unlock()
		return fmt.Errorf("connect already started (state %s)", t.state)
	}
	t.state = echolink.TransportConnecting
	t.mu.Unlock()

	go t.run(ctx)
	return nil
}

func (t *Transport) run(ctx context.Context) {
	dialCtx := ctx
	if t.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
		defer cancel()
	}

	ws, _, err := websocket.Dial(dialCtx, t.url(), nil)
	if err != nil {
		code := echolink.CodeConnectionRefused
		if errors.Is(err, context.DeadlineExceeded) {
			code = echolink.CodeConnectionTimeout
		}
		t.fail(code, "dial failed: "+err.Error())
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.state != echolink.TransportConnecting {
		// Disconnected while dialing.
		t.mu.Unlock()
		cancel()
		_ = ws.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	t.conn = newWSConn(ws, t.cfg.ReadTimeout, t.cfg.WriteTimeout)
	t.cancel = cancel
	t.mu.Unlock()

	go t.readLoop(runCtx)
	go t.writeLoop(runCtx)
}

func (t *Transport) readLoop(ctx context.Context) {
	for {
		var f frame
		if err := t.conn.Read(ctx, &f); err != nil {
			if isExpectedDisconnect(ctx, err) {
				// A clean close from the broker before the connection was
				// established is a failed connect, not a clean disconnect.
				if ctx.Err() == nil && t.State() == echolink.TransportConnecting {
					t.fail(0, "closed before connection established")
					return
				}
				t.disconnected()
				return
			}
			code := 0
			if errors.Is(err, context.DeadlineExceeded) {
				code = echolink.CodeConnectionTimeout
			} else if status := websocket.CloseStatus(err); status >= 4000 {
				code = int(status)
			}
			t.fail(code, "read failed: "+err.Error())
			return
		}
		t.handleFrame(f)
	}
}

func (t *Transport) writeLoop(ctx context.Context) {
	for {
		select {
		case f := <-t.writeCh:
			if err := t.conn.Write(ctx, f); err != nil {
				if !isExpectedDisconnect(ctx, err) {
					t.fail(0, "write failed: "+err.Error())
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) handleFrame(f frame) {
	switch f.Event {
	case evConnectionEstablished:
		var p establishedPayload
		if err := decodeData(f.Data, &p); err != nil {
			t.fail(0, "malformed connection_established: "+err.Error())
			return
		}
		t.mu.Lock()
		t.socketID = p.SocketID
		t.state = echolink.TransportConnected
		t.mu.Unlock()
		t.log.Debug("connection established", "socket_id", p.SocketID)
		t.emit(echolink.TransportEvent{HandleID: t.id, Type: echolink.EventConnected})

	case evError:
		var p errorPayload
		if err := decodeData(f.Data, &p); err != nil {
			t.fail(0, "malformed error frame: "+err.Error())
			return
		}
		t.fail(p.Code, p.Message)

	case evPing:
		t.enqueue(frame{Event: evPong})

	case evPong:
		// Nothing to do.

	default:
		t.mu.Lock()
		fn := t.onMessage
		t.mu.Unlock()
		if f.Channel != "" && fn != nil {
			fn(echolink.ChannelMessage{Channel: f.Channel, Event: f.Event, Data: f.Data})
		}
	}
}

// Subscribe implements echolink.Transport, performing the authorization
// handshake for private and presence channels.
func (t *Transport) Subscribe(ctx context.Context, channel string) error {
	t.mu.Lock()
	state := t.state
	socketID := t.socketID
	t.mu.Unlock()
	if state != echolink.TransportConnected {
		return fmt.Errorf("not connected (state %s)", state)
	}

	payload := subscribePayload{Channel: channel}
	if isPrivate(channel) {
		if t.auth == nil {
			return errors.New("no auth endpoint configured for private channel")
		}
		resp, err := t.auth.Authorize(ctx, socketID, channel)
		if err != nil {
			return &echolink.ConnError{
				Kind:       echolink.KindAuthentication,
				Message:    "channel authorization failed: " + err.Error(),
				OccurredAt: time.Now(),
				Wrapped:    err,
			}
		}
		payload.Auth = resp.Auth
		payload.ChannelData = resp.ChannelData
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return t.send(ctx, frame{Event: evSubscribe, Data: data})
}

// Unsubscribe implements echolink.Transport.
func (t *Transport) Unsubscribe(ctx context.Context, channel string) error {
	data, err := json.Marshal(unsubscribePayload{Channel: channel})
	if err != nil {
		return err
	}
	return t.send(ctx, frame{Event: evUnsubscribe, Data: data})
}

// Disconnect implements echolink.Transport. Always a clean close; the
// monitor has detached by the time this runs during teardown, so the close
// event is discarded as stale.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	conn := t.conn
	t.state = echolink.TransportDisconnected
	t.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client teardown")
	}
	return nil
}

func (t *Transport) send(ctx context.Context, f frame) error {
	select {
	case t.writeCh <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) enqueue(f frame) {
	select {
	case t.writeCh <- f:
	default:
		t.log.Warn("write queue full, dropping frame", "event", f.Event)
	}
}

func (t *Transport) fail(code int, message string) {
	t.mu.Lock()
	t.state = echolink.TransportFailed
	t.mu.Unlock()
	t.log.Warn("transport failure", "code", code, "message", message)
	t.emit(echolink.TransportEvent{HandleID: t.id, Type: echolink.EventError, Code: code, Message: message})
}

func (t *Transport) disconnected() {
	t.mu.Lock()
	t.state = echolink.TransportDisconnected
	t.mu.Unlock()
	t.emit(echolink.TransportEvent{HandleID: t.id, Type: echolink.EventDisconnected})
}

func (t *Transport) emit(ev echolink.TransportEvent) {
	t.mu.Lock()
	fn := t.onEvent
	t.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// url builds the broker endpoint. A zero port relies on the scheme default.
func (t *Transport) url() string {
	scheme := "ws"
	if t.cfg.ForceTLS {
		scheme = "wss"
	}
	host := t.cfg.Host
	if t.cfg.Port != 0 {
		host = net.JoinHostPort(host, strconv.Itoa(t.cfg.Port))
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     "/app/" + t.cfg.AppKey,
		RawQuery: "protocol=7&client=echolink-go&version=" + Version,
	}
	return u.String()
}

func isPrivate(channel string) bool {
	return strings.HasPrefix(channel, "private-") || strings.HasPrefix(channel, "presence-")
}

func isExpectedDisconnect(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}
