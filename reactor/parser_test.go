// File: reactor/parser_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const defaultMaxBody = 10 << 20

func TestParseSimpleGET(t *testing.T) {
	raw := "GET /health HTTP/1.1\r\nHost: localhost\r\n\r\n"
	req, consumed, status := parseRequest([]byte(raw), defaultMaxBody)
	require.Equal(t, ParseComplete, status)
	assert.Equal(t, len(raw), consumed)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/health", req.Path)
	assert.Equal(t, "localhost", req.Header("host"))
	assert.Empty(t, req.Body)
}

func TestParseQueryStringKeptRaw(t *testing.T) {
	raw := "GET /stats?verbose=1&x=a%20b HTTP/1.1\r\n\r\n"
	req, _, status := parseRequest([]byte(raw), defaultMaxBody)
	require.Equal(t, ParseComplete, status)
	assert.Equal(t, "/stats", req.Path)
	assert.Equal(t, "verbose=1&x=a%20b", req.RawQuery)
}

func TestParsePOSTWithBody(t *testing.T) {
	body := `{"url":"https://example.com"}`
	raw := "POST /execute/browser_navigate HTTP/1.1\r\n" +
		"Content-Type: application/json\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
	req, consumed, status := parseRequest([]byte(raw), defaultMaxBody)
	require.Equal(t, ParseComplete, status)
	assert.Equal(t, len(raw), consumed)
	assert.Equal(t, body, string(req.Body))
}

func TestParseNeedMore(t *testing.T) {
	cases := []string{
		"",
		"GET /health HTT",
		"GET /health HTTP/1.1\r\nHost: x\r\n",
		"POST /x HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc", // body short
	}
	for _, raw := range cases {
		_, _, status := parseRequest([]byte(raw), defaultMaxBody)
		assert.Equal(t, ParseNeedMore, status, "input %q", raw)
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		"GARBAGE\r\n\r\n",
		"GET /health SPDY/3\r\n\r\n",
		"GET /x HTTP/1.1\r\nNoColonHere\r\n\r\n",
		"GET /x HTTP/1.1\r\n: novalue\r\n\r\n",
		"POST /x HTTP/1.1\r\nContent-Length: nope\r\n\r\n",
		"POST /x HTTP/1.1\r\nContent-Length: -5\r\n\r\n",
	}
	for _, raw := range cases {
		_, _, status := parseRequest([]byte(raw), defaultMaxBody)
		assert.Equal(t, ParseMalformed, status, "input %q", raw)
	}
}

func TestParseHeaderTooLarge(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", MaxHeaderBytes) + "\r\n\r\n"
	_, _, status := parseRequest([]byte(raw), defaultMaxBody)
	assert.Equal(t, ParseTooLarge, status)
}

func TestParseBodyTooLarge(t *testing.T) {
	raw := "POST /x HTTP/1.1\r\nContent-Length: 100\r\n\r\n"
	_, _, status := parseRequest([]byte(raw), 50)
	assert.Equal(t, ParseTooLarge, status)
}

func TestParsePipelinedConsumesOnlyFirst(t *testing.T) {
	first := "GET /a HTTP/1.1\r\n\r\n"
	second := "GET /b HTTP/1.1\r\n\r\n"
	req, consumed, status := parseRequest([]byte(first+second), defaultMaxBody)
	require.Equal(t, ParseComplete, status)
	assert.Equal(t, "/a", req.Path)
	assert.Equal(t, len(first), consumed)
}

func TestIsWebSocketUpgrade(t *testing.T) {
	raw := "GET /ws HTTP/1.1\r\n" +
		"Upgrade: WebSocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
	req, _, status := parseRequest([]byte(raw), defaultMaxBody)
	require.Equal(t, ParseComplete, status)
	assert.True(t, req.IsWebSocketUpgrade())

	plain, _, _ := parseRequest([]byte("GET /ws HTTP/1.1\r\n\r\n"), defaultMaxBody)
	assert.False(t, plain.IsWebSocketUpgrade())
}

func TestPathParam(t *testing.T) {
	name, ok := PathParam("/execute/browser_navigate", "/execute/")
	require.True(t, ok)
	assert.Equal(t, "browser_navigate", name)

	_, ok = PathParam("/execute/", "/execute/")
	assert.False(t, ok)
	_, ok = PathParam("/execute/a/b", "/execute/")
	assert.False(t, ok)
	_, ok = PathParam("/tools", "/execute/")
	assert.False(t, ok)
}

func TestConnRecvBufferCeiling(t *testing.T) {
	c := newConn(3, "127.0.0.1", testNow())
	require.True(t, c.appendRecv(make([]byte, MaxRecvBuffer-1)))
	assert.False(t, c.appendRecv(make([]byte, 2)))
}

func TestConnConsumeKeepsRemainder(t *testing.T) {
	c := newConn(3, "127.0.0.1", testNow())
	require.True(t, c.appendRecv([]byte("abcdef")))
	c.consumeRecv(4)
	assert.Equal(t, "ef", string(c.recv))
	c.consumeRecv(10)
	assert.Empty(t, c.recv)
}

func TestConnStateTransitions(t *testing.T) {
	c := newConn(3, "127.0.0.1", testNow())
	assert.Equal(t, StateIdle, c.State())
	assert.True(t, c.transition(StateIdle, StateReading))
	assert.False(t, c.transition(StateIdle, StateDispatched))
	c.StageResponse([]byte("x"), false)
	assert.Equal(t, StateWriting, c.State())
}

func TestResponseSerialize(t *testing.T) {
	resp := &Response{Status: 200, Body: []byte(`{"ok":true}`)}
	out := string(resp.Serialize(CORSHeaders{}))
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, out, "Content-Type: application/json\r\n")
	assert.Contains(t, out, "Content-Length: 11\r\n")
	assert.Contains(t, out, "Connection: keep-alive\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"+`{"ok":true}`))
}

func TestResponseSerializeCORSAndClose(t *testing.T) {
	cors := NewCORSHeaders(true, []string{"*"}, []string{"GET", "POST"}, []string{"Authorization"}, 600)
	resp := &Response{Status: 204, CloseAfter: true}
	out := string(resp.Serialize(cors))
	assert.Contains(t, out, "Access-Control-Allow-Origin: *\r\n")
	assert.Contains(t, out, "Access-Control-Allow-Methods: GET, POST\r\n")
	assert.Contains(t, out, "Connection: close\r\n")
	assert.NotContains(t, out, "Content-Type:")
}

func testNow() time.Time { return time.Unix(1700000000, 0) }
