// File: router/router_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package router

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/momentics/hioload-gateway/engine"
	"github.com/momentics/hioload-gateway/internal/codec"
	"github.com/momentics/hioload-gateway/reactor"
	"github.com/momentics/hioload-gateway/registry"
	"github.com/momentics/hioload-gateway/stats"
	"github.com/momentics/hioload-gateway/video"
)

type fakeEngine struct {
	state    engine.State
	lastLic  *engine.LicenseError
	callErr  error
	reply    *codec.Reply
	lastCall struct {
		method string
		params json.RawMessage
	}
	rawReply *codec.Reply
	rawErr   error
}

func (f *fakeEngine) Call(method string, params json.RawMessage, _ time.Duration) (*codec.Reply, error) {
	f.lastCall.method = method
	f.lastCall.params = params
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.reply != nil {
		return f.reply, nil
	}
	// echo mode
	return &codec.Reply{Success: true, Result: params}, nil
}

func (f *fakeEngine) RawCommand(payload []byte, _ time.Duration) (*codec.Reply, error) {
	if f.rawErr != nil {
		return nil, f.rawErr
	}
	if f.rawReply != nil {
		return f.rawReply, nil
	}
	return &codec.Reply{ID: 1, Success: true}, nil
}

func (f *fakeEngine) State() engine.State                    { return f.state }
func (f *fakeEngine) LastLicenseError() *engine.LicenseError { return f.lastLic }
func (f *fakeEngine) LastHealth() string                     { return "" }

type fakeLicenses struct {
	added   string
	removed bool
	err     error
}

func (f *fakeLicenses) Status() (json.RawMessage, error) {
	return json.RawMessage(`{"status":"valid"}`), f.err
}
func (f *fakeLicenses) Fingerprint() (json.RawMessage, error) {
	return json.RawMessage(`{"fingerprint":"hw-1"}`), f.err
}
func (f *fakeLicenses) Info() (json.RawMessage, error) {
	return json.RawMessage(`{"info":"local"}`), f.err
}
func (f *fakeLicenses) Add(path string) (json.RawMessage, error) {
	f.added = path
	return json.RawMessage(`{"installed":true}`), f.err
}
func (f *fakeLicenses) Remove() (json.RawMessage, error) {
	f.removed = true
	return nil, f.err
}

func newTestRouter(t *testing.T, eng Engine, lic Licenses) (*Router, *video.Streamer) {
	t.Helper()
	reg, err := registry.New(registry.DefaultTools())
	require.NoError(t, err)
	vs := video.NewStreamer(zap.NewNop(), nil)
	r := New(zap.NewNop(), Config{}, Deps{
		Registry: reg,
		Engine:   eng,
		Licenses: lic,
		Video:    vs,
		Panel:    NewPanelSessions("hunter2", time.Hour),
		Stats:    stats.NewCore(),
	})
	return r, vs
}

func get(path string) *reactor.Request {
	return &reactor.Request{Method: "GET", Path: path}
}

func post(path, body string) *reactor.Request {
	return &reactor.Request{Method: "POST", Path: path, Body: []byte(body)}
}

func decode(t *testing.T, resp *reactor.Response) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &m), "body: %s", resp.Body)
	return m
}

func TestHealthReportsEngineState(t *testing.T) {
	r, _ := newTestRouter(t, &fakeEngine{state: engine.StateReady}, nil)
	resp := r.Route(get("/health"))
	require.Equal(t, 200, resp.Status)
	body := decode(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ready", body["browser_state"])
}

func TestHealthCarriesLicenseFailure(t *testing.T) {
	eng := &fakeEngine{
		state:   engine.StateLicenseError,
		lastLic: &engine.LicenseError{Status: "expired", Message: "license expired"},
	}
	r, _ := newTestRouter(t, eng, nil)
	body := decode(t, r.Route(get("/health")))
	assert.Equal(t, "license_error", body["browser_state"])
	assert.Equal(t, "expired", body["license_status"])
	assert.Equal(t, "license expired", body["license_message"])
}

func TestExecuteHappyPathEchoes(t *testing.T) {
	r, _ := newTestRouter(t, &fakeEngine{state: engine.StateReady}, nil)
	resp := r.Route(post("/execute/browser_navigate",
		`{"context_id":"ctx_1","url":"https://example.com"}`))
	require.Equal(t, 200, resp.Status)
	body := decode(t, resp)
	assert.Equal(t, true, body["success"])
	result := body["result"].(map[string]any)
	assert.Equal(t, "ctx_1", result["context_id"])
	assert.Equal(t, "https://example.com", result["url"])
}

func TestExecuteResolvesEngineMethod(t *testing.T) {
	eng := &fakeEngine{state: engine.StateReady}
	r, _ := newTestRouter(t, eng, nil)
	r.Route(post("/execute/browser_navigate", `{"context_id":"c","url":"https://x.dev"}`))
	assert.Equal(t, "navigate", eng.lastCall.method)
}

func TestExecuteValidationFailure(t *testing.T) {
	r, _ := newTestRouter(t, &fakeEngine{state: engine.StateReady}, nil)
	resp := r.Route(post("/execute/browser_type", `{"context_id":"ctx_1"}`))
	require.Equal(t, 422, resp.Status)
	body := decode(t, resp)
	assert.Equal(t, false, body["success"])
	missing := body["missing_fields"].([]any)
	assert.Contains(t, missing, "selector")
	assert.Contains(t, missing, "text")
	assert.Contains(t, body["supported_fields"], "selector")
	assert.Contains(t, body["supported_fields"], "text")
}

func TestExecuteUnknownTool(t *testing.T) {
	r, _ := newTestRouter(t, &fakeEngine{state: engine.StateReady}, nil)
	resp := r.Route(post("/execute/browser_teleport", `{}`))
	assert.Equal(t, 404, resp.Status)
}

func TestExecuteEngineFailureModes(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{engine.ErrNotReady, 503},
		{engine.ErrRestarting, 503},
		{engine.ErrTimeout, 504},
		{engine.ErrDisconnected, 502},
	}
	for _, tc := range cases {
		r, _ := newTestRouter(t, &fakeEngine{state: engine.StateReady, callErr: tc.err}, nil)
		resp := r.Route(post("/execute/browser_get_content", `{"context_id":"c"}`))
		assert.Equal(t, tc.status, resp.Status, "error %v", tc.err)
		assert.Equal(t, false, decode(t, resp)["success"])
	}
}

func TestExecuteLicenseErrorCarriesPayload(t *testing.T) {
	eng := &fakeEngine{state: engine.StateReady, callErr: &engine.LicenseError{
		Status: "expired", Message: "license expired", HardwareFingerprint: "hw-1",
	}}
	r, _ := newTestRouter(t, eng, nil)
	resp := r.Route(post("/execute/browser_get_content", `{"context_id":"c"}`))
	require.Equal(t, 503, resp.Status)
	body := decode(t, resp)
	assert.Equal(t, "expired", body["license_status"])
	assert.Equal(t, "hw-1", body["hardware_fingerprint"])
}

func TestEngineReportedErrorIsHTTP200(t *testing.T) {
	eng := &fakeEngine{state: engine.StateReady,
		reply: &codec.Reply{Success: false, Error: "element not found"}}
	r, _ := newTestRouter(t, eng, nil)
	resp := r.Route(post("/execute/browser_click", `{"context_id":"c","selector":"#go"}`))
	require.Equal(t, 200, resp.Status)
	body := decode(t, resp)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "element not found", body["error"])
}

func TestAddLicenseUsesLocalManager(t *testing.T) {
	eng := &fakeEngine{state: engine.StateLicenseError}
	lic := &fakeLicenses{}
	r, _ := newTestRouter(t, eng, lic)
	resp := r.Route(post("/execute/browser_add_license", `{"license_path":"/tmp/lic.key"}`))
	require.Equal(t, 200, resp.Status)
	body := decode(t, resp)
	assert.Equal(t, true, body["success"])
	assert.Contains(t, body["message"], "Browser restarted.")
	assert.Equal(t, "/tmp/lic.key", lic.added)
	assert.Empty(t, eng.lastCall.method, "engine channel must be bypassed")
}

func TestGetLicenseInfoRoutesByEngineState(t *testing.T) {
	lic := &fakeLicenses{}

	notReady := &fakeEngine{state: engine.StateLicenseError}
	r, _ := newTestRouter(t, notReady, lic)
	body := decode(t, r.Route(post("/execute/get_license_info", `{}`)))
	assert.Equal(t, true, body["success"])
	assert.Empty(t, notReady.lastCall.method)

	ready := &fakeEngine{state: engine.StateReady}
	r, _ = newTestRouter(t, ready, lic)
	r.Route(post("/execute/get_license_info", `{}`))
	assert.Equal(t, "get_license_info", ready.lastCall.method)
}

func TestLiveStreamToolsMirrorRegistry(t *testing.T) {
	r, vs := newTestRouter(t, &fakeEngine{state: engine.StateReady}, nil)

	resp := r.Route(post("/execute/start_live_stream", `{"context_id":"ctx_7"}`))
	require.Equal(t, 200, resp.Status)
	require.Len(t, vs.List(), 1)
	assert.Equal(t, "ctx_7", vs.List()[0].ContextID)

	resp = r.Route(post("/execute/stop_live_stream", `{"context_id":"ctx_7"}`))
	require.Equal(t, 200, resp.Status)
	assert.Empty(t, vs.List())
}

func TestLiveStreamNotArmedOnEngineFailure(t *testing.T) {
	eng := &fakeEngine{state: engine.StateReady,
		reply: &codec.Reply{Success: false, Error: "no such context"}}
	r, vs := newTestRouter(t, eng, nil)
	r.Route(post("/execute/start_live_stream", `{"context_id":"ctx_7"}`))
	assert.Empty(t, vs.List())
}

func TestRawCommandPassthrough(t *testing.T) {
	eng := &fakeEngine{state: engine.StateReady,
		rawReply: &codec.Reply{ID: 42, Success: true, Result: json.RawMessage(`{"pong":true}`)}}
	r, _ := newTestRouter(t, eng, nil)
	resp := r.Route(post("/command", `{"id":42,"method":"ping"}`))
	require.Equal(t, 200, resp.Status)
	body := decode(t, resp)
	assert.Equal(t, float64(42), body["id"])
	assert.Equal(t, true, body["success"])
}

func TestRawCommandBusyIsConflict(t *testing.T) {
	eng := &fakeEngine{state: engine.StateReady, rawErr: engine.ErrChannelBusy}
	r, _ := newTestRouter(t, eng, nil)
	resp := r.Route(post("/command", `{"method":"ping"}`))
	assert.Equal(t, 409, resp.Status)
}

func TestRawCommandRejectsNonJSON(t *testing.T) {
	r, _ := newTestRouter(t, &fakeEngine{}, nil)
	resp := r.Route(post("/command", "not json"))
	assert.Equal(t, 400, resp.Status)
}

func TestPanelLoginFlow(t *testing.T) {
	r, _ := newTestRouter(t, &fakeEngine{}, nil)

	resp := r.Route(post("/auth", `{"password":"hunter2"}`))
	require.Equal(t, 200, resp.Status)
	token, _ := decode(t, resp)["token"].(string)
	require.NotEmpty(t, token)

	auth := NewAuth(nil, r.deps.Panel)
	assert.NoError(t, auth.Authorize("Bearer "+token))
	assert.Error(t, auth.Authorize("Bearer bogus"))

	resp = r.Route(post("/auth", `{"password":"wrong"}`))
	assert.Equal(t, 401, resp.Status)
}

func TestAuthVerify(t *testing.T) {
	r, _ := newTestRouter(t, &fakeEngine{}, nil)
	body := decode(t, r.Route(get("/auth/verify")))
	assert.Equal(t, true, body["valid"])
}

func TestSchemaAndToolDocs(t *testing.T) {
	r, _ := newTestRouter(t, &fakeEngine{}, nil)

	schema := decode(t, r.Route(get("/api/schema")))
	tools := schema["tools"].([]any)
	assert.NotEmpty(t, tools)

	doc := decode(t, r.Route(get("/tools/browser_navigate")))
	tool := doc["tool"].(map[string]any)
	assert.Equal(t, "navigate", tool["method"])

	resp := r.Route(get("/tools/nope"))
	assert.Equal(t, 404, resp.Status)
}

func TestStatsIncludesGatewayExtras(t *testing.T) {
	r, _ := newTestRouter(t, &fakeEngine{state: engine.StateStarting}, nil)
	body := decode(t, r.Route(get("/stats")))
	assert.Equal(t, "starting", body["browser_state"])
	assert.Contains(t, body, "requests_total")
	assert.Contains(t, body, "video_streams")
}

func TestMethodAndPathErrors(t *testing.T) {
	r, _ := newTestRouter(t, &fakeEngine{}, nil)

	assert.Equal(t, 405, r.Route(post("/health", "")).Status)
	assert.Equal(t, 405, r.Route(get("/command")).Status)
	assert.Equal(t, 404, r.Route(get("/nope")).Status)
	assert.Equal(t, 204, r.Route(&reactor.Request{Method: "OPTIONS", Path: "/anything"}).Status)
}

func TestIPCTestsDisabled(t *testing.T) {
	r, _ := newTestRouter(t, &fakeEngine{}, nil)
	resp := r.Route(get("/ipc-tests/status"))
	assert.Equal(t, 404, resp.Status)
}
