// File: reactor/parser.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Incremental HTTP/1.1 request parser over the connection's receive
// buffer. Parses the request line and CRLF headers up to the double
// CRLF, then exactly Content-Length body bytes. Chunked bodies are not
// supported; the query string is kept raw.

package reactor

import (
	"bytes"
	"strconv"
	"strings"
	"time"
)

// ParseStatus is the outcome of one parse attempt.
type ParseStatus int

const (
	ParseNeedMore ParseStatus = iota
	ParseMalformed
	ParseTooLarge
	ParseComplete
)

// MaxHeaderBytes bounds the request line plus all headers.
const MaxHeaderBytes = 16 << 10

// Request is one parsed HTTP request.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Proto    string
	Headers  map[string]string // keys lowercased
	Body     []byte
	RemoteIP string
	Received time.Time
}

// Header returns a header by lowercased name.
func (r *Request) Header(name string) string { return r.Headers[name] }

// IsWebSocketUpgrade reports a GET /ws upgrade request with the
// required handshake headers.
func (r *Request) IsWebSocketUpgrade() bool {
	return r.Method == "GET" &&
		r.Path == "/ws" &&
		strings.EqualFold(r.Header("upgrade"), "websocket") &&
		r.Header("sec-websocket-key") != ""
}

// parseRequest attempts to parse one complete request from buf.
// On ParseComplete it returns the request and the consumed byte count.
func parseRequest(buf []byte, maxBody int) (*Request, int, ParseStatus) {
	headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		if len(buf) > MaxHeaderBytes {
			return nil, 0, ParseTooLarge
		}
		return nil, 0, ParseNeedMore
	}
	if headerEnd > MaxHeaderBytes {
		return nil, 0, ParseTooLarge
	}

	head := buf[:headerEnd]
	lines := bytes.Split(head, []byte("\r\n"))
	if len(lines) == 0 {
		return nil, 0, ParseMalformed
	}

	// Request line: METHOD SP TARGET SP VERSION.
	parts := bytes.SplitN(lines[0], []byte(" "), 3)
	if len(parts) != 3 {
		return nil, 0, ParseMalformed
	}
	method := string(parts[0])
	target := string(parts[1])
	proto := string(parts[2])
	if method == "" || target == "" || !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, 0, ParseMalformed
	}

	req := &Request{
		Method:  method,
		Proto:   proto,
		Headers: make(map[string]string, len(lines)-1),
	}
	if q := strings.IndexByte(target, '?'); q >= 0 {
		req.Path = target[:q]
		req.RawQuery = target[q+1:]
	} else {
		req.Path = target
	}

	for _, line := range lines[1:] {
		if len(line) == 0 {
			return nil, 0, ParseMalformed
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, 0, ParseMalformed
		}
		name := strings.ToLower(string(bytes.TrimSpace(line[:colon])))
		value := string(bytes.TrimSpace(line[colon+1:]))
		if name == "" || strings.ContainsAny(name, " \t") {
			return nil, 0, ParseMalformed
		}
		req.Headers[name] = value
	}

	bodyStart := headerEnd + 4
	contentLength := 0
	if cl := req.Headers["content-length"]; cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, 0, ParseMalformed
		}
		contentLength = n
	}
	if contentLength > maxBody {
		return nil, 0, ParseTooLarge
	}
	if len(buf) < bodyStart+contentLength {
		return nil, 0, ParseNeedMore
	}
	if contentLength > 0 {
		req.Body = append([]byte(nil), buf[bodyStart:bodyStart+contentLength]...)
	}
	return req, bodyStart + contentLength, ParseComplete
}

// PathParam extracts the trailing segment after prefix, e.g.
// PathParam("/execute/browser_navigate", "/execute/") == "browser_navigate".
func PathParam(path, prefix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := path[len(prefix):]
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
