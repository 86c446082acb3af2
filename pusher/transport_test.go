package pusher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vellum-hq/echolink/echolink"
)

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(echolink.TransportConfig{Host: "broker.test"}); err == nil {
		t.Fatal("expected error without app key")
	}
	if _, err := New(echolink.TransportConfig{AppKey: "key"}); err == nil {
		t.Fatal("expected error without host")
	}
	tr, err := New(echolink.TransportConfig{AppKey: "key", Host: "broker.test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if tr.ID() == "" {
		t.Fatal("expected a handle identity")
	}
	if tr.State() != echolink.TransportDisconnected {
		t.Fatalf("state = %s, want disconnected", tr.State())
	}
}

func TestTransportURL(t *testing.T) {
	cases := []struct {
		name string
		cfg  echolink.TransportConfig
		want string
	}{
		{
			name: "plain ws with port",
			cfg:  echolink.TransportConfig{AppKey: "k1", Host: "broker.test", Port: 6001},
			want: "ws://broker.test:6001/app/k1",
		},
		{
			name: "tls with default port omitted",
			cfg:  echolink.TransportConfig{AppKey: "k2", Host: "broker.test", ForceTLS: true},
			want: "wss://broker.test/app/k2",
		},
		{
			name: "tls with explicit port",
			cfg:  echolink.TransportConfig{AppKey: "k3", Host: "broker.test", Port: 8443, ForceTLS: true},
			want: "wss://broker.test:8443/app/k3",
		},
	}
	for _, tc := range cases {
		tr, err := New(tc.cfg)
		if err != nil {
			t.Fatalf("%s: New() error = %v", tc.name, err)
		}
		got := tr.(*Transport).url()
		if !strings.HasPrefix(got, tc.want+"?") {
			t.Errorf("%s: url = %q, want prefix %q", tc.name, got, tc.want)
		}
		if !strings.Contains(got, "protocol=7") {
			t.Errorf("%s: url %q missing protocol version", tc.name, got)
		}
	}
}

func TestDecodeDataDoubleEncoded(t *testing.T) {
	var p establishedPayload

	// Double-encoded form, as the protocol sends it.
	raw := json.RawMessage(`"{\"socket_id\":\"12.34\",\"activity_timeout\":120}"`)
	if err := decodeData(raw, &p); err != nil {
		t.Fatalf("decodeData double-encoded: %v", err)
	}
	if p.SocketID != "12.34" || p.ActivityTimeout != 120 {
		t.Fatalf("unexpected payload: %+v", p)
	}

	// Plain object form works too.
	raw = json.RawMessage(`{"socket_id":"56.78"}`)
	if err := decodeData(raw, &p); err != nil {
		t.Fatalf("decodeData plain: %v", err)
	}
	if p.SocketID != "56.78" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

// fakeBroker upgrades the connection, completes the handshake, echoes back
// observed subscribe frames, then closes with the configured status.
func fakeBroker(t *testing.T, subscribes chan<- frame, closeStatus websocket.StatusCode) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()

		established := `{"event":"pusher:connection_established","data":"{\"socket_id\":\"1.1\",\"activity_timeout\":120}"}`
		if err := c.Write(ctx, websocket.MessageText, []byte(established)); err != nil {
			return
		}

		for {
			_, msg, err := c.Read(ctx)
			if err != nil {
				return
			}
			var f frame
			if err := json.Unmarshal(msg, &f); err != nil {
				continue
			}
			if f.Event == evSubscribe {
				subscribes <- f
				c.Close(closeStatus, "done")
				return
			}
		}
	}))
}

func TestTransportConnectAndSubscribe(t *testing.T) {
	subscribes := make(chan frame, 1)
	srv := fakeBroker(t, subscribes, websocket.StatusNormalClosure)
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	tr, err := New(echolink.TransportConfig{
		AppKey:           "test-key",
		Host:             host,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	events := make(chan echolink.TransportEvent, 8)
	tr.Bind(func(ev echolink.TransportEvent) { events <- ev })

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != echolink.EventConnected {
			t.Fatalf("event = %+v, want connected", ev)
		}
		if ev.HandleID != tr.ID() {
			t.Fatalf("event handle = %q, want %q", ev.HandleID, tr.ID())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no connected event")
	}
	if tr.State() != echolink.TransportConnected {
		t.Fatalf("state = %s, want connected", tr.State())
	}

	if err := tr.Subscribe(context.Background(), "updates"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	select {
	case f := <-subscribes:
		var p subscribePayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			t.Fatalf("subscribe payload: %v", err)
		}
		if p.Channel != "updates" || p.Auth != "" {
			t.Fatalf("unexpected subscribe payload: %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("broker saw no subscribe frame")
	}

	// Broker closed cleanly after the subscribe: a clean disconnect event,
	// never an error.
	select {
	case ev := <-events:
		if ev.Type != echolink.EventDisconnected {
			t.Fatalf("event = %+v, want clean disconnect", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect event")
	}

	_ = tr.Disconnect()
}

func TestTransportBrokerCloseCodeSurfaces(t *testing.T) {
	subscribes := make(chan frame, 1)
	srv := fakeBroker(t, subscribes, websocket.StatusCode(echolink.CodeTokenExpired))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	tr, err := New(echolink.TransportConfig{
		AppKey:           "test-key",
		Host:             host,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	events := make(chan echolink.TransportEvent, 8)
	tr.Bind(func(ev echolink.TransportEvent) { events <- ev })
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	<-events // connected
	if err := tr.Subscribe(context.Background(), "updates"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	<-subscribes

	select {
	case ev := <-events:
		if ev.Type != echolink.EventError {
			t.Fatalf("event = %+v, want error", ev)
		}
		if ev.Code != echolink.CodeTokenExpired {
			t.Fatalf("code = %d, want %d", ev.Code, echolink.CodeTokenExpired)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error event")
	}
}

func TestTransportCloseBeforeEstablished(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// Accept the socket, then shed it before the handshake frame.
		c.Close(websocket.StatusGoingAway, "shedding connections")
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	tr, err := New(echolink.TransportConfig{
		AppKey:           "test-key",
		Host:             host,
		HandshakeTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	events := make(chan echolink.TransportEvent, 4)
	tr.Bind(func(ev echolink.TransportEvent) { events <- ev })
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != echolink.EventError {
			t.Fatalf("event = %+v, want error (a close before establishment is a failed connect)", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event for a close before establishment")
	}
	if tr.State() != echolink.TransportFailed {
		t.Fatalf("state = %s, want failed", tr.State())
	}
}

func TestSubscribeAuthFailureClassified(t *testing.T) {
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
	}))
	defer authSrv.Close()

	subscribes := make(chan frame, 1)
	srv := fakeBroker(t, subscribes, websocket.StatusNormalClosure)
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	tr, err := New(echolink.TransportConfig{
		AppKey:           "test-key",
		Host:             host,
		AuthEndpoint:     authSrv.URL,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	events := make(chan echolink.TransportEvent, 8)
	tr.Bind(func(ev echolink.TransportEvent) { events <- ev })
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	select {
	case ev := <-events:
		if ev.Type != echolink.EventConnected {
			t.Fatalf("event = %+v, want connected", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no connected event")
	}

	err = tr.Subscribe(context.Background(), "private-orders")
	if err == nil {
		t.Fatal("expected error for a rejected handshake")
	}
	if !echolink.IsAuthError(err) {
		t.Fatalf("subscribe error %v not classified as authentication", err)
	}
	var ce *echolink.ConnError
	if !errors.As(err, &ce) || ce.Kind != echolink.KindAuthentication {
		t.Fatalf("error = %#v, want authentication-kind ConnError", err)
	}
	if ce.Wrapped == nil {
		t.Fatal("classified error must wrap the handshake failure")
	}
}

func TestTransportDialFailure(t *testing.T) {
	tr, err := New(echolink.TransportConfig{
		AppKey:           "test-key",
		Host:             "127.0.0.1:1", // nothing listens here
		HandshakeTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	events := make(chan echolink.TransportEvent, 1)
	tr.Bind(func(ev echolink.TransportEvent) { events <- ev })
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != echolink.EventError {
			t.Fatalf("event = %+v, want error", ev)
		}
		if ev.Code != echolink.CodeConnectionRefused && ev.Code != echolink.CodeConnectionTimeout {
			t.Fatalf("code = %d, want a connection failure code", ev.Code)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no error event for failed dial")
	}
	if tr.State() != echolink.TransportFailed {
		t.Fatalf("state = %s, want failed", tr.State())
	}
}

func TestSubscribeRequiresConnection(t *testing.T) {
	tr, err := New(echolink.TransportConfig{AppKey: "key", Host: "broker.test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := tr.Subscribe(context.Background(), "updates"); err == nil {
		t.Fatal("expected error when not connected")
	}
}
