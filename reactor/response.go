// File: reactor/response.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// HTTP response serialization. Every response carries the uniform CORS
// headers and Connection: keep-alive; the reactor keeps reading
// subsequent requests until the keep-alive window lapses.

package reactor

import (
	"fmt"
	"strings"
)

// Response is a to-be-serialized HTTP response.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	Headers     map[string]string // extra headers, optional
	CloseAfter  bool
}

// CORSHeaders is applied uniformly to every response. Configured once
// at startup.
type CORSHeaders struct {
	Enabled        bool
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
	MaxAgeSeconds  int
}

// NewCORSHeaders collapses the configured lists into header values.
func NewCORSHeaders(enabled bool, origins, methods, headers []string, maxAge int) CORSHeaders {
	return CORSHeaders{
		Enabled:        enabled,
		AllowedOrigins: strings.Join(origins, ", "),
		AllowedMethods: strings.Join(methods, ", "),
		AllowedHeaders: strings.Join(headers, ", "),
		MaxAgeSeconds:  maxAge,
	}
}

var statusText = map[int]string{
	101: "Switching Protocols",
	200: "OK",
	204: "No Content",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	409: "Conflict",
	413: "Payload Too Large",
	422: "Unprocessable Entity",
	429: "Too Many Requests",
	500: "Internal Server Error",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
}

// StatusText resolves a code to its reason phrase.
func StatusText(code int) string {
	if t, ok := statusText[code]; ok {
		return t
	}
	return "Unknown"
}

// Serialize renders the response with the uniform headers.
func (r *Response) Serialize(cors CORSHeaders) []byte {
	var b strings.Builder
	b.Grow(256 + len(r.Body))
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", r.Status, StatusText(r.Status))
	ct := r.ContentType
	if ct == "" {
		ct = "application/json"
	}
	if r.Status != 204 {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", ct)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(r.Body))
	if cors.Enabled {
		fmt.Fprintf(&b, "Access-Control-Allow-Origin: %s\r\n", cors.AllowedOrigins)
		fmt.Fprintf(&b, "Access-Control-Allow-Methods: %s\r\n", cors.AllowedMethods)
		fmt.Fprintf(&b, "Access-Control-Allow-Headers: %s\r\n", cors.AllowedHeaders)
		fmt.Fprintf(&b, "Access-Control-Max-Age: %d\r\n", cors.MaxAgeSeconds)
	}
	if r.CloseAfter {
		b.WriteString("Connection: close\r\n")
	} else {
		b.WriteString("Connection: keep-alive\r\n")
	}
	for k, v := range r.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	b.Write(r.Body)
	return []byte(b.String())
}
