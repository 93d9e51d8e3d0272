package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// echoServer upgrades with an independent websocket implementation and echoes
// text messages back, so the hand-rolled client is validated against a peer
// that was not written here.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectAndEcho(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := New(wsURL(srv), DefaultConfig())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if !c.IsConnected() {
		t.Fatal("IsConnected=false after successful connect")
	}

	// Exercise all three length tiers through a real server.
	for _, size := range []int{64, 300, 70_000} {
		msg := strings.Repeat("a", size)
		if err := c.Send(msg); err != nil {
			t.Fatalf("Send(%d bytes): %v", size, err)
		}
		got, err := c.Receive(5 * time.Second)
		if err != nil {
			t.Fatalf("Receive(%d bytes): %v", size, err)
		}
		if got != msg {
			t.Fatalf("echo mismatch at size %d", size)
		}
	}
}

func TestConnectRejectsNonUpgradeResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK) // plain 200, no upgrade
	}))
	defer srv.Close()

	c := New(wsURL(srv), DefaultConfig())
	err := c.Connect(context.Background())
	if _, ok := err.(*HandshakeError); !ok {
		t.Fatalf("expected HandshakeError, got %v", err)
	}
	if c.IsConnected() {
		t.Fatal("connection reported live after failed handshake")
	}
}

func TestConnectRejectsBadAcceptKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: bm90LXRoZS1yaWdodC1rZXk=\r\n\r\n"))
	}))
	defer srv.Close()

	c := New(wsURL(srv), DefaultConfig())
	err := c.Connect(context.Background())
	he, ok := err.(*HandshakeError)
	if !ok {
		t.Fatalf("expected HandshakeError, got %v", err)
	}
	if !strings.Contains(he.Reason, "Accept") {
		t.Fatalf("expected accept-key mismatch, got reason %q", he.Reason)
	}
}

func TestConnectFailsOnUnresolvableHost(t *testing.T) {
	c := New("ws://host.invalid:9/ws", Config{
		HandshakeTimeout: time.Second,
		DialTimeout:      time.Second,
	})
	err := c.Connect(context.Background())
	if _, ok := err.(*DialError); !ok {
		t.Fatalf("expected DialError, got %v", err)
	}
}

func TestServerPingIsAnsweredTransparently(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotPong := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPongHandler(func(string) error {
			select {
			case gotPong <- struct{}{}:
			default:
			}
			return nil
		})
		_ = conn.WriteControl(websocket.PingMessage, []byte("k"), time.Now().Add(time.Second))
		// Follow with a text frame so the client's Receive returns.
		_ = conn.WriteMessage(websocket.TextMessage, []byte("after-ping"))
		// Read to let the pong handler fire.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := New(wsURL(srv), DefaultConfig())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	got, err := c.Receive(5 * time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got != "after-ping" {
		t.Fatalf("got %q, expected text frame after ping", got)
	}

	// Nudge the server read loop so the pong is observed.
	_ = c.Send("bye")

	select {
	case <-gotPong:
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the pong reply")
	}
}

func TestReceiveTimeout(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := New(wsURL(srv), DefaultConfig())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if _, err := c.Receive(100 * time.Millisecond); err != ErrReceiveTimeout {
		t.Fatalf("expected ErrReceiveTimeout, got %v", err)
	}
	// Timeout must not kill the connection.
	if !c.IsConnected() {
		t.Fatal("connection dropped after receive timeout")
	}
}

func TestAcceptKeyKnownVector(t *testing.T) {
	// RFC 6455 §1.3 worked example.
	if got := acceptKey("dGhlIHNhbXBsZSBub25jZQ=="); got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("acceptKey=%q", got)
	}
}
