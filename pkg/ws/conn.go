// Package ws implements a minimal RFC 6455 client over raw TCP/TLS. The
// exchange speaks plain text frames, so only the client side of the protocol
// is covered: upgrade handshake, text/ping/pong/close frames, and the three
// payload-length tiers.
package ws

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"
)

// State tracks the connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshake
	StateConnected
	StateClosing
)

// Config carries dial and handshake tunables.
type Config struct {
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	TLSConfig        *tls.Config // nil means defaults for wss
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		DialTimeout:      10 * time.Second,
	}
}

// Conn is a single client-side websocket connection. Send and Receive are
// individually goroutine-safe but Receive must have a single caller; the RPC
// layer above owns the read loop.
type Conn struct {
	rawURL string
	cfg    Config

	mu      sync.Mutex
	state   State
	netConn net.Conn
	br      *bufio.Reader

	writeMu sync.Mutex
}

// New builds an unconnected Conn for the given ws:// or wss:// URL.
func New(rawURL string, cfg Config) *Conn {
	return &Conn{rawURL: rawURL, cfg: cfg, state: StateDisconnected}
}

// Connect resolves, dials, and performs the HTTP upgrade. Any failure leaves
// the Conn back in the disconnected state with a typed error.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("websocket: connect in state %d", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.state = StateDisconnected
		c.netConn = nil
		c.br = nil
		c.mu.Unlock()
		return err
	}

	u, err := url.Parse(c.rawURL)
	if err != nil {
		return fail(&DialError{Stage: "dns", cause: err})
	}

	host, port := u.Hostname(), u.Port()
	secure := u.Scheme == "wss"
	if port == "" {
		if secure {
			port = "443"
		} else {
			port = "80"
		}
	}

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return fail(&DialError{Stage: "dns", cause: err})
	}
	if len(addrs) == 0 {
		return fail(&DialError{Stage: "dns", cause: fmt.Errorf("no addresses for %s", host)})
	}

	netConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addrs[0], port))
	if err != nil {
		return fail(&DialError{Stage: "tcp", cause: err})
	}

	if secure {
		tlsCfg := c.cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: host}
		}
		tlsConn := tls.Client(netConn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			netConn.Close()
			return fail(&DialError{Stage: "tls", cause: err})
		}
		netConn = tlsConn
	}

	c.mu.Lock()
	c.state = StateHandshake
	c.mu.Unlock()

	secKey, err := newSecKey()
	if err != nil {
		netConn.Close()
		return fail(&HandshakeError{Reason: "key generation", cause: err})
	}

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = netConn.SetDeadline(deadline)

	if _, err := netConn.Write(buildUpgradeRequest(u, secKey)); err != nil {
		netConn.Close()
		return fail(&HandshakeError{Reason: "write upgrade request", cause: err})
	}

	br := bufio.NewReader(netConn)
	if err := checkUpgradeResponse(br, secKey); err != nil {
		netConn.Close()
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return fail(&HandshakeError{Reason: "timeout", cause: err})
		}
		return fail(err)
	}

	_ = netConn.SetDeadline(time.Time{})

	c.mu.Lock()
	c.netConn = netConn
	c.br = br
	c.state = StateConnected
	c.mu.Unlock()
	return nil
}

// Send writes one masked text frame.
func (c *Conn) Send(text string) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	netConn := c.netConn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := netConn.Write(encodeFrame(opText, []byte(text), true)); err != nil {
		c.markDisconnected()
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// Receive blocks until a complete text message arrives or timeout elapses.
// Control frames are handled inline: pings are answered with pongs, pongs are
// skipped, and a close frame (or EOF) tears the connection down. Fragmented
// messages are reassembled across continuation frames.
func (c *Conn) Receive(timeout time.Duration) (string, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	netConn := c.netConn
	br := c.br
	c.mu.Unlock()

	if timeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(timeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	var assembled []byte
	assembling := false

	for {
		f, err := readFrame(br)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return "", ErrReceiveTimeout
			}
			c.markDisconnected()
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return "", ErrConnectionClosed
			}
			return "", err
		}

		switch f.opcode {
		case opPing:
			c.writeMu.Lock()
			_, werr := netConn.Write(encodeFrame(opPong, f.payload, true))
			c.writeMu.Unlock()
			if werr != nil {
				c.markDisconnected()
				return "", fmt.Errorf("%w: %v", ErrConnectionClosed, werr)
			}
		case opPong:
			// keepalive reply, nothing to do
		case opClose:
			c.writeMu.Lock()
			_, _ = netConn.Write(encodeFrame(opClose, nil, true))
			c.writeMu.Unlock()
			c.markDisconnected()
			return "", ErrConnectionClosed
		case opText, opBinary:
			if f.fin {
				return string(f.payload), nil
			}
			assembled = append(assembled[:0], f.payload...)
			assembling = true
		case opContinuation:
			if !assembling {
				return "", &ProtocolError{Detail: "continuation without initial frame"}
			}
			assembled = append(assembled, f.payload...)
			if f.fin {
				return string(assembled), nil
			}
		default:
			return "", &ProtocolError{Detail: fmt.Sprintf("unknown opcode 0x%x", f.opcode)}
		}
	}
}

// IsConnected reports whether the underlying socket is live.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// Close sends a best-effort close frame then releases the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	netConn := c.netConn
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = netConn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = netConn.Write(encodeFrame(opClose, nil, true))
	c.writeMu.Unlock()

	err := netConn.Close()

	c.mu.Lock()
	c.state = StateDisconnected
	c.netConn = nil
	c.br = nil
	c.mu.Unlock()
	return err
}

func (c *Conn) markDisconnected() {
	c.mu.Lock()
	if c.netConn != nil {
		_ = c.netConn.Close()
	}
	c.netConn = nil
	c.br = nil
	c.state = StateDisconnected
	c.mu.Unlock()
}
