// File: router/router.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Request routing. A worker runs Serve on the connection's staged
// request; everything here builds a Response value and never touches
// the socket directly.

package router

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-gateway/engine"
	"github.com/momentics/hioload-gateway/internal/codec"
	"github.com/momentics/hioload-gateway/reactor"
	"github.com/momentics/hioload-gateway/registry"
	"github.com/momentics/hioload-gateway/stats"
	"github.com/momentics/hioload-gateway/video"
)

// Engine is the router's view of the engine channel.
type Engine interface {
	Call(method string, params json.RawMessage, timeout time.Duration) (*codec.Reply, error)
	RawCommand(payload []byte, timeout time.Duration) (*codec.Reply, error)
	State() engine.State
	LastLicenseError() *engine.LicenseError
	LastHealth() string
}

// Licenses is the one-shot license surface of the engine binary.
type Licenses interface {
	Status() (json.RawMessage, error)
	Fingerprint() (json.RawMessage, error)
	Info() (json.RawMessage, error)
	Add(licensePath string) (json.RawMessage, error)
	Remove() (json.RawMessage, error)
}

// SessionCounter reports live WebSocket sessions for /stats.
type SessionCounter interface {
	Count() int
}

// TestRuns drives the optional IPC test-client harness.
type TestRuns interface {
	Enabled() bool
	Start(params json.RawMessage) (json.RawMessage, error)
	Status() (json.RawMessage, error)
	Stop() (json.RawMessage, error)
}

// Config is the router's slice of the gateway configuration.
type Config struct {
	CORS           reactor.CORSHeaders
	BrowserTimeout time.Duration
}

// Deps wires the router collaborators. Video, Panel, WS, Tests and
// Licenses may be nil when the feature is off.
type Deps struct {
	Registry *registry.Registry
	Engine   Engine
	Licenses Licenses
	Video    *video.Streamer
	Panel    *PanelSessions
	Stats    *stats.Core
	WS       SessionCounter
	Tests    TestRuns
}

// Router maps parsed requests to handlers. Implements the reactor's
// Handler contract.
type Router struct {
	log  *zap.Logger
	cfg  Config
	deps Deps

	startedAt time.Time
}

// New builds the router.
func New(log *zap.Logger, cfg Config, deps Deps) *Router {
	if cfg.BrowserTimeout <= 0 {
		cfg.BrowserTimeout = 60 * time.Second
	}
	return &Router{
		log:       log.Named("router"),
		cfg:       cfg,
		deps:      deps,
		startedAt: time.Now(),
	}
}

// Serve handles one staged request on a worker and stages the
// response back on the connection.
func (r *Router) Serve(c *reactor.Conn) {
	req := c.PendingRequest()
	if req == nil {
		return
	}
	resp := r.Route(req)
	if r.deps.Stats != nil {
		r.deps.Stats.RecordRequest(resp.Status < 400, time.Since(c.ArrivedAt()))
	}
	c.StageResponse(resp.Serialize(r.cfg.CORS), resp.CloseAfter)
}

// Route resolves one request to a response. Exposed for handler tests.
func (r *Router) Route(req *reactor.Request) *reactor.Response {
	if req.Method == "OPTIONS" {
		return &reactor.Response{Status: 204}
	}

	switch req.Path {
	case "/":
		return r.requireGET(req, func() *reactor.Response {
			return &reactor.Response{Status: 200, ContentType: "text/html; charset=utf-8", Body: playgroundHTML}
		})
	case "/logo.svg":
		return r.requireGET(req, func() *reactor.Response {
			return &reactor.Response{Status: 200, ContentType: "image/svg+xml", Body: logoSVG}
		})
	case "/health":
		return r.requireGET(req, r.handleHealth)
	case "/stats":
		return r.requireGET(req, r.handleStats)
	case "/api/schema":
		return r.requireGET(req, r.handleSchema)
	case "/auth":
		if req.Method != "POST" {
			return r.fail(gatewayErr(KindMethodNotAllowed, "method not allowed"))
		}
		return r.handleLogin(req)
	case "/auth/verify":
		return r.requireGET(req, func() *reactor.Response {
			// The gate pipeline already validated the credential.
			return jsonResponse(200, map[string]any{"valid": true})
		})
	case "/tools":
		return r.requireGET(req, r.handleTools)
	case "/command":
		if req.Method != "POST" {
			return r.fail(gatewayErr(KindMethodNotAllowed, "method not allowed"))
		}
		return r.handleRawCommand(req)
	case "/video/list":
		return r.requireGET(req, r.handleVideoList)
	case "/video/stats":
		return r.requireGET(req, r.handleVideoStats)
	}

	if name, ok := reactor.PathParam(req.Path, "/tools/"); ok {
		return r.requireGET(req, func() *reactor.Response { return r.handleToolDoc(name) })
	}
	if name, ok := reactor.PathParam(req.Path, "/execute/"); ok {
		if req.Method != "POST" {
			return r.fail(gatewayErr(KindMethodNotAllowed, "method not allowed"))
		}
		return r.handleExecute(name, req.Body)
	}
	if resp := r.routeTests(req); resp != nil {
		return resp
	}
	return r.fail(gatewayErr(KindNotFound, "not found"))
}

func (r *Router) requireGET(req *reactor.Request, h func() *reactor.Response) *reactor.Response {
	if req.Method != "GET" {
		return r.fail(gatewayErr(KindMethodNotAllowed, "method not allowed"))
	}
	return h()
}

func (r *Router) handleHealth() *reactor.Response {
	state := engine.StateStopped
	if r.deps.Engine != nil {
		state = r.deps.Engine.State()
	}
	body := map[string]any{
		"status":         "ok",
		"browser_state":  state.String(),
		"uptime_seconds": int64(time.Since(r.startedAt).Seconds()),
	}
	if r.deps.Engine != nil {
		if h := r.deps.Engine.LastHealth(); h != "" {
			body["browser_health"] = h
		}
		if state == engine.StateLicenseError {
			if lic := r.deps.Engine.LastLicenseError(); lic != nil {
				body["license_status"] = lic.Status
				body["license_message"] = lic.Message
			}
		}
	}
	return jsonResponse(200, body)
}

func (r *Router) handleStats() *reactor.Response {
	payload := struct {
		stats.Snapshot
		BrowserState  string `json:"browser_state"`
		WSConnections int    `json:"websocket_connections"`
		VideoStreams  int    `json:"video_streams"`
	}{}
	if r.deps.Stats != nil {
		payload.Snapshot = r.deps.Stats.Read()
	}
	if r.deps.Engine != nil {
		payload.BrowserState = r.deps.Engine.State().String()
	}
	if r.deps.WS != nil {
		payload.WSConnections = r.deps.WS.Count()
	}
	if r.deps.Video != nil {
		payload.VideoStreams = r.deps.Video.Stats().ActiveStreams
	}
	return jsonResponse(200, payload)
}

func (r *Router) handleSchema() *reactor.Response {
	return jsonResponse(200, map[string]any{"tools": r.deps.Registry.All()})
}

func (r *Router) handleTools() *reactor.Response {
	return jsonResponse(200, map[string]any{
		"success": true,
		"tools":   r.deps.Registry.All(),
	})
}

func (r *Router) handleToolDoc(name string) *reactor.Response {
	tool, ok := r.deps.Registry.Lookup(name)
	if !ok {
		return r.fail(gatewayErr(KindNotFound, "unknown tool: %s", name))
	}
	return jsonResponse(200, map[string]any{"success": true, "tool": tool})
}

func (r *Router) handleLogin(req *reactor.Request) *reactor.Response {
	if r.deps.Panel == nil {
		return r.fail(gatewayErr(KindAuthRequired, "panel login disabled"))
	}
	var body struct {
		Password string `json:"password"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return r.fail(gatewayErr(KindBadRequest, "invalid JSON body"))
	}
	token, ok := r.deps.Panel.Login(body.Password)
	if !ok {
		return r.fail(gatewayErr(KindAuthRequired, "invalid password"))
	}
	return jsonResponse(200, map[string]any{"success": true, "token": token})
}

func (r *Router) handleRawCommand(req *reactor.Request) *reactor.Response {
	if len(req.Body) == 0 || !json.Valid(req.Body) {
		return r.fail(gatewayErr(KindBadRequest, "body must be a JSON payload"))
	}
	reply, err := r.deps.Engine.RawCommand(req.Body, r.cfg.BrowserTimeout)
	if err != nil {
		return r.fail(classifyEngineError(err))
	}
	data, merr := json.Marshal(reply)
	if merr != nil {
		return r.fail(gatewayErr(KindInternal, "reply marshal failed"))
	}
	return &reactor.Response{Status: 200, Body: data}
}

func (r *Router) handleVideoList() *reactor.Response {
	if r.deps.Video == nil {
		return jsonResponse(200, map[string]any{"success": true, "streams": []video.StreamInfo{}})
	}
	return jsonResponse(200, map[string]any{"success": true, "streams": r.deps.Video.List()})
}

func (r *Router) handleVideoStats() *reactor.Response {
	if r.deps.Video == nil {
		return jsonResponse(200, map[string]any{"success": true, "stats": video.AggregateStats{}})
	}
	return jsonResponse(200, map[string]any{"success": true, "stats": r.deps.Video.Stats()})
}

// handleExecute is the tool-invocation pipeline: lookup, validate,
// route to the license subsurface or the engine, mirror live-stream
// arming.
func (r *Router) handleExecute(name string, body []byte) *reactor.Response {
	tool, ok := r.deps.Registry.Lookup(name)
	if !ok {
		return r.fail(gatewayErr(KindNotFound, "unknown tool: %s", name))
	}

	params := body
	if len(params) == 0 {
		params = []byte("{}")
	}
	if vr := r.deps.Registry.Validate(name, params); !vr.OK {
		ge := gatewayErr(KindValidation, "parameter validation failed")
		ge.Extras = map[string]any{
			"missing_fields":   vr.MissingFields,
			"unknown_fields":   vr.UnknownFields,
			"supported_fields": vr.SupportedFields,
			"errors":           vr.Errors,
		}
		return r.fail(ge)
	}

	canonical := registry.CanonicalLicenseTool(name)
	if registry.IsLicenseTool(name) && r.deps.Licenses != nil {
		engineReady := r.deps.Engine != nil && r.deps.Engine.State() == engine.StateReady
		if canonical != registry.ToolGetLicenseInfo || !engineReady {
			return r.handleLicenseTool(canonical, params)
		}
	}

	resp := r.forward(tool, params)
	if resp.Status == 200 {
		r.mirrorLiveStream(tool.Name, params, resp.Body)
	}
	return resp
}

// handleLicenseTool serves the license subsurface through the local
// one-shot license manager; the engine channel is bypassed.
func (r *Router) handleLicenseTool(canonical string, params []byte) *reactor.Response {
	var (
		result  json.RawMessage
		err     error
		message string
	)
	switch canonical {
	case registry.ToolGetLicenseStatus:
		result, err = r.deps.Licenses.Status()
	case registry.ToolGetHardwareFingerprint:
		result, err = r.deps.Licenses.Fingerprint()
	case registry.ToolGetLicenseInfo:
		result, err = r.deps.Licenses.Info()
	case registry.ToolAddLicense:
		var p struct {
			LicensePath string `json:"license_path"`
		}
		if uerr := json.Unmarshal(params, &p); uerr != nil || p.LicensePath == "" {
			return r.fail(gatewayErr(KindBadRequest, "license_path is required"))
		}
		result, err = r.deps.Licenses.Add(p.LicensePath)
		message = "License added successfully. Browser restarted."
	case registry.ToolRemoveLicense:
		result, err = r.deps.Licenses.Remove()
		message = "License removed successfully. Browser restarted."
	default:
		return r.fail(gatewayErr(KindNotFound, "unknown license tool: %s", canonical))
	}
	if err != nil {
		return jsonResponse(200, map[string]any{"success": false, "error": err.Error()})
	}
	body := map[string]any{"success": true}
	if len(result) > 0 {
		body["result"] = result
	}
	if message != "" {
		body["message"] = message
	}
	return jsonResponse(200, body)
}

// forward places the engine call and translates the reply into the
// canonical envelope.
func (r *Router) forward(tool *registry.Tool, params []byte) *reactor.Response {
	reply, err := r.deps.Engine.Call(tool.Method, params, r.cfg.BrowserTimeout)
	if err != nil {
		return r.fail(classifyEngineError(err))
	}
	if !reply.Success {
		return jsonResponse(200, map[string]any{"success": false, "error": reply.Error})
	}
	body := map[string]any{"success": true}
	if len(reply.Result) > 0 {
		body["result"] = reply.Result
	}
	return jsonResponse(200, body)
}

// mirrorLiveStream arms or disarms the video registry when a
// live-stream control tool succeeds.
func (r *Router) mirrorLiveStream(name string, params, respBody []byte) {
	if r.deps.Video == nil {
		return
	}
	if name != registry.ToolStartLiveStream && name != registry.ToolStopLiveStream {
		return
	}
	var env struct {
		Success bool `json:"success"`
	}
	if json.Unmarshal(respBody, &env) != nil || !env.Success {
		return
	}
	var p struct {
		ContextID string `json:"context_id"`
	}
	if json.Unmarshal(params, &p) != nil || p.ContextID == "" {
		return
	}
	if name == registry.ToolStartLiveStream {
		r.deps.Video.Arm(p.ContextID)
	} else {
		r.deps.Video.Disarm(p.ContextID)
	}
}

// routeTests serves the optional IPC test harness; nil when the path
// is not a test endpoint.
func (r *Router) routeTests(req *reactor.Request) *reactor.Response {
	switch req.Path {
	case "/ipc-tests/start", "/ipc-tests/status", "/ipc-tests/stop":
	default:
		return nil
	}
	if r.deps.Tests == nil || !r.deps.Tests.Enabled() {
		return r.fail(gatewayErr(KindNotFound, "ipc tests are disabled"))
	}
	var (
		result json.RawMessage
		err    error
	)
	switch req.Path {
	case "/ipc-tests/start":
		if req.Method != "POST" {
			return r.fail(gatewayErr(KindMethodNotAllowed, "method not allowed"))
		}
		result, err = r.deps.Tests.Start(req.Body)
	case "/ipc-tests/status":
		if req.Method != "GET" {
			return r.fail(gatewayErr(KindMethodNotAllowed, "method not allowed"))
		}
		result, err = r.deps.Tests.Status()
	case "/ipc-tests/stop":
		if req.Method != "POST" {
			return r.fail(gatewayErr(KindMethodNotAllowed, "method not allowed"))
		}
		result, err = r.deps.Tests.Stop()
	}
	if err != nil {
		return jsonResponse(200, map[string]any{"success": false, "error": err.Error()})
	}
	return jsonResponse(200, map[string]any{"success": true, "result": result})
}

// fail renders a gateway error with the uniform body.
func (r *Router) fail(ge *GatewayError) *reactor.Response {
	body := map[string]any{"success": false, "error": ge.Message}
	for k, v := range ge.Extras {
		body[k] = v
	}
	return jsonResponse(ge.Status(), body)
}

func jsonResponse(status int, v any) *reactor.Response {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(`{"success":false,"error":"response marshal failed"}`)
		status = 500
	}
	return &reactor.Response{Status: status, Body: data}
}
