package ws

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// wsGUID is the fixed concatenation string from RFC 6455 §1.3.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

func newSecKey() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b[:]), nil
}

func acceptKey(secKey string) string {
	sum := sha1.Sum([]byte(secKey + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func buildUpgradeRequest(u *url.URL, secKey string) []byte {
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", secKey)
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	b.WriteString("\r\n")
	return []byte(b.String())
}

// checkUpgradeResponse validates the server's 101 response. Any deviation is a
// HandshakeError so callers can distinguish refused upgrades from transport
// faults.
func checkUpgradeResponse(br *bufio.Reader, secKey string) error {
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return &HandshakeError{Reason: "malformed response", cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return &HandshakeError{Reason: fmt.Sprintf("unexpected status %s", resp.Status)}
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return &HandshakeError{Reason: "missing Upgrade: websocket header"}
	}
	if !strings.EqualFold(resp.Header.Get("Connection"), "upgrade") {
		return &HandshakeError{Reason: "missing Connection: Upgrade header"}
	}
	if got := resp.Header.Get("Sec-WebSocket-Accept"); got != acceptKey(secKey) {
		return &HandshakeError{Reason: "Sec-WebSocket-Accept mismatch"}
	}
	return nil
}
