// File: wshub/handshake.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// RFC6455 server handshake. The reactor has already parsed the HTTP
// request; this validates the upgrade headers and renders the 101
// response bytes.

package wshub

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/momentics/hioload-gateway/reactor"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var (
	errBadUpgrade  = errors.New("ws: invalid upgrade headers")
	errBadVersion  = errors.New("ws: unsupported websocket version, only 13 is supported")
	errMissingKey  = errors.New("ws: missing Sec-WebSocket-Key header")
)

// acceptKey computes the Sec-WebSocket-Accept value for a client key.
func acceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// upgradeResponse validates the handshake request and returns the 101
// response to write on the socket.
func upgradeResponse(req *reactor.Request) ([]byte, error) {
	if !headerContainsToken(req.Header("connection"), "upgrade") ||
		!strings.EqualFold(req.Header("upgrade"), "websocket") {
		return nil, errBadUpgrade
	}
	key := req.Header("sec-websocket-key")
	if key == "" {
		return nil, errMissingKey
	}
	if req.Header("sec-websocket-version") != "13" {
		return nil, errBadVersion
	}
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + acceptKey(key) + "\r\n\r\n")
	return []byte(b.String()), nil
}

// headerContainsToken reports whether a comma-separated header value
// contains the token, case-insensitive.
func headerContainsToken(value, token string) bool {
	for _, p := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(p), token) {
			return true
		}
	}
	return false
}
