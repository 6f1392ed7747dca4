package websocket

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// WebSocket protocol constants per RFC 6455.
const (
	// websocketGUID is the globally unique identifier for WebSocket handshake
	// per RFC 6455, section 4.2.2, item 5.4.
	websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	// websocketVersion is the WebSocket protocol version per RFC 6455, section 4.2.1, item 6.
	websocketVersion = "13"

	// challengeKeySize is the decoded length of Sec-WebSocket-Key.
	challengeKeySize = 16
)

// Negotiator validates upgrade requests and produces the server half of the
// opening handshake, RFC 6455, section 4.2.
type Negotiator struct {
	// Subprotocols lists the protocols the server accepts, in order of
	// preference. When empty, the first protocol requested by the client is
	// echoed back unchanged.
	Subprotocols []string

	// CheckOrigin returns true if the request Origin header is acceptable.
	// A nil CheckOrigin accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// Negotiate validates r and returns the headers of the 101 response. On
// failure the error is a *HandshakeError carrying the HTTP status to reply
// with; the request must not be upgraded.
func (n *Negotiator) Negotiate(r *http.Request) (http.Header, error) {
	if r.Method != http.MethodGet {
		return nil, reject(http.StatusBadRequest, "method must be GET")
	}

	if !upgradeIsWebSocket(r.Header) {
		return nil, reject(http.StatusBadRequest, "missing or invalid Upgrade header")
	}

	if !headerContainsToken(r.Header, "Connection", "upgrade") {
		return nil, reject(http.StatusBadRequest, "missing Upgrade token in Connection header")
	}

	// Check WebSocket version per RFC 6455, section 4.2.1, item 6.
	if r.Header.Get("Sec-WebSocket-Version") != websocketVersion {
		return nil, reject(http.StatusUpgradeRequired, "unsupported version")
	}

	// Extract challenge key per RFC 6455, section 4.2.1, item 5.
	challengeKey := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if challengeKey == "" {
		return nil, reject(http.StatusBadRequest, "missing Sec-WebSocket-Key")
	}
	if decoded, err := base64.StdEncoding.DecodeString(challengeKey); err != nil || len(decoded) != challengeKeySize {
		return nil, reject(http.StatusBadRequest, "invalid Sec-WebSocket-Key")
	}

	if n != nil && n.CheckOrigin != nil && !n.CheckOrigin(r) {
		return nil, reject(http.StatusForbidden, "origin not allowed")
	}

	h := make(http.Header, 4)
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	h.Set("Sec-WebSocket-Accept", ComputeAcceptKey(challengeKey))
	if protocol := n.selectSubprotocol(r); protocol != "" {
		h.Set("Sec-WebSocket-Protocol", protocol)
	}

	return h, nil
}

func (n *Negotiator) selectSubprotocol(r *http.Request) string {
	clientProtocols := Subprotocols(r)
	if len(clientProtocols) == 0 {
		return ""
	}
	if n == nil || len(n.Subprotocols) == 0 {
		return clientProtocols[0]
	}
	for _, serverProtocol := range n.Subprotocols {
		if slices.Contains(clientProtocols, serverProtocol) {
			return serverProtocol
		}
	}
	return ""
}

// ComputeAcceptKey computes the Sec-WebSocket-Accept value per RFC 6455, section 4.2.2, item 5.4.
// The accept key is the base64-encoded SHA-1 hash of the challenge key concatenated with the GUID.
func ComputeAcceptKey(challengeKey string) string {
	h := sha1.New()
	h.Write([]byte(challengeKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// WriteResponse writes the 101 Switching Protocols response with header h
// and flushes it.
func WriteResponse(w io.Writer, h http.Header) error {
	buf := bufio.NewWriter(w)
	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	writeHeader(buf, h)
	buf.WriteString("\r\n")
	return buf.Flush()
}

// WriteRejection writes a plain HTTP error response for a rejected
// handshake onto a raw connection.
func WriteRejection(w io.Writer, e *HandshakeError) error {
	body := e.Reason + "\n"

	h := make(http.Header, 4)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Connection", "close")
	if e.Status == http.StatusUpgradeRequired {
		h.Set("Sec-WebSocket-Version", websocketVersion)
	}

	buf := bufio.NewWriter(w)
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(e.Status))
	buf.WriteString(" ")
	buf.WriteString(e.StatusText())
	buf.WriteString("\r\n")
	writeHeader(buf, h)
	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.Flush()
}

func writeHeader(buf *bufio.Writer, h http.Header) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		for _, v := range h[k] {
			buf.WriteString(k)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
}

// Subprotocols returns the subprotocols requested by the client in the
// Sec-WebSocket-Protocol header per RFC 6455, section 11.3.4.
func Subprotocols(r *http.Request) []string {
	h := r.Header.Values("Sec-WebSocket-Protocol")
	if len(h) == 0 {
		return nil
	}
	var protocols []string
	for _, s := range h {
		for _, p := range strings.Split(s, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				protocols = append(protocols, p)
			}
		}
	}
	return protocols
}

// IsWebSocketUpgrade returns true if the client sent a WebSocket upgrade request
// per RFC 6455, section 4.2.1, items 1 and 2.
func IsWebSocketUpgrade(r *http.Request) bool {
	return headerContainsToken(r.Header, "Connection", "upgrade") && upgradeIsWebSocket(r.Header)
}

// upgradeIsWebSocket reports whether the Upgrade header is exactly
// "websocket", ignoring case. Token lists such as "h2c, websocket" are
// refused.
func upgradeIsWebSocket(h http.Header) bool {
	values := h.Values("Upgrade")
	return len(values) == 1 && strings.EqualFold(strings.TrimSpace(values[0]), "websocket")
}

// headerContainsToken checks if a header contains a specific token (case-insensitive).
// Tokens may be comma-separated (e.g., "Connection: keep-alive, Upgrade").
func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}
