// File: registry/tools.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The built-in tool catalog. Names, parameters and engine method
// mapping are one table; documentation and validation both read it.

package registry

// License-subsurface tool names: served locally by the license manager,
// available even while the engine is not ready.
const (
	ToolGetLicenseStatus       = "get_license_status"
	ToolGetHardwareFingerprint = "get_hardware_fingerprint"
	ToolAddLicense             = "add_license"
	ToolRemoveLicense          = "remove_license"
	ToolGetLicenseInfo         = "get_license_info"
)

// Live-stream control tool names: forwarded to the engine and mirrored
// into the video streamer registry.
const (
	ToolStartLiveStream = "start_live_stream"
	ToolStopLiveStream  = "stop_live_stream"
)

// IsLicenseTool reports whether name belongs to the license subsurface.
func IsLicenseTool(name string) bool {
	switch name {
	case ToolGetLicenseStatus, ToolGetHardwareFingerprint, ToolAddLicense,
		ToolRemoveLicense, ToolGetLicenseInfo,
		// Prefixed aliases kept for clients using the browser_ namespace.
		"browser_add_license", "browser_remove_license", "browser_get_license_status":
		return true
	}
	return false
}

// CanonicalLicenseTool strips the browser_ alias prefix.
func CanonicalLicenseTool(name string) string {
	switch name {
	case "browser_add_license":
		return ToolAddLicense
	case "browser_remove_license":
		return ToolRemoveLicense
	case "browser_get_license_status":
		return ToolGetLicenseStatus
	}
	return name
}

func ctxParam() Param {
	return Param{Name: "context_id", Type: TypeString, Required: true, Description: "Browser context identifier"}
}

// DefaultTools is the static catalog exposed by the gateway.
func DefaultTools() []Tool {
	return []Tool{
		{
			Name:        "browser_create_context",
			Description: "Create a new isolated browser context",
			Method:      "create_context",
			Params: []Param{
				{Name: "width", Type: TypeInt, Description: "Viewport width in pixels"},
				{Name: "height", Type: TypeInt, Description: "Viewport height in pixels"},
				{Name: "user_agent", Type: TypeString, Description: "User-Agent override"},
			},
		},
		{
			Name:        "browser_close_context",
			Description: "Close a browser context and release its resources",
			Method:      "close_context",
			Params:      []Param{ctxParam()},
		},
		{
			Name:        "browser_navigate",
			Description: "Navigate the context to a URL",
			Method:      "navigate",
			Params: []Param{
				ctxParam(),
				{Name: "url", Type: TypeString, Required: true, Description: "Destination URL"},
				{Name: "wait_until", Type: TypeEnum, Enum: []string{"load", "domcontentloaded", "networkidle"}, Description: "Navigation completion signal"},
			},
		},
		{
			Name:        "browser_click",
			Description: "Click the first element matching a selector",
			Method:      "click",
			Params: []Param{
				ctxParam(),
				{Name: "selector", Type: TypeString, Required: true, Description: "CSS selector"},
				{Name: "button", Type: TypeEnum, Enum: []string{"left", "middle", "right"}, Description: "Mouse button"},
			},
		},
		{
			Name:        "browser_type",
			Description: "Type text into the element matching a selector",
			Method:      "type",
			Params: []Param{
				ctxParam(),
				{Name: "selector", Type: TypeString, Required: true, Description: "CSS selector"},
				{Name: "text", Type: TypeString, Required: true, Description: "Text to type"},
				{Name: "delay_ms", Type: TypeInt, Description: "Per-keystroke delay"},
			},
		},
		{
			Name:        "browser_evaluate",
			Description: "Evaluate a JavaScript expression in the page",
			Method:      "evaluate",
			Params: []Param{
				ctxParam(),
				{Name: "expression", Type: TypeString, Required: true, Description: "JavaScript expression"},
			},
		},
		{
			Name:        "browser_screenshot",
			Description: "Capture a screenshot of the page",
			Method:      "screenshot",
			Params: []Param{
				ctxParam(),
				{Name: "full_page", Type: TypeBool, Description: "Capture beyond the viewport"},
				{Name: "format", Type: TypeEnum, Enum: []string{"png", "jpeg"}, Description: "Image format"},
				{Name: "quality", Type: TypeInt, Description: "JPEG quality 1-100"},
			},
		},
		{
			Name:        "browser_wait",
			Description: "Wait for a selector or a fixed delay",
			Method:      "wait",
			Params: []Param{
				ctxParam(),
				{Name: "selector", Type: TypeString, Description: "Selector to wait for"},
				{Name: "timeout_ms", Type: TypeInt, Description: "Wait deadline"},
			},
		},
		{
			Name:        "browser_get_content",
			Description: "Return the page HTML content",
			Method:      "get_content",
			Params:      []Param{ctxParam()},
		},
		{
			Name:        "browser_set_cookies",
			Description: "Install cookies into the context",
			Method:      "set_cookies",
			Params: []Param{
				ctxParam(),
				{Name: "cookies", Type: TypeString, Required: true, Description: "JSON-encoded cookie list"},
			},
		},
		{
			Name:        ToolStartLiveStream,
			Description: "Start MJPEG live streaming for a context",
			Method:      "start_live_stream",
			Params: []Param{
				ctxParam(),
				{Name: "fps", Type: TypeInt, Description: "Target frames per second"},
				{Name: "quality", Type: TypeInt, Description: "JPEG quality 1-100"},
			},
		},
		{
			Name:        ToolStopLiveStream,
			Description: "Stop MJPEG live streaming for a context",
			Method:      "stop_live_stream",
			Params:      []Param{ctxParam()},
		},
		{
			Name:        ToolGetLicenseStatus,
			Description: "Report the current license status",
			Method:      "get_license_status",
		},
		{
			Name:        ToolGetHardwareFingerprint,
			Description: "Report the hardware fingerprint for license requests",
			Method:      "get_hardware_fingerprint",
		},
		{
			Name:        ToolGetLicenseInfo,
			Description: "Report detailed license information",
			Method:      "get_license_info",
		},
		{
			Name:        ToolAddLicense,
			Description: "Install a license file and restart the engine",
			Method:      "add_license",
			Params: []Param{
				{Name: "license_path", Type: TypeString, Required: true, Description: "Path to the license file"},
			},
		},
		{
			Name:        ToolRemoveLicense,
			Description: "Remove the installed license and restart the engine",
			Method:      "remove_license",
		},
		{
			Name:        "browser_add_license",
			Description: "Alias of add_license",
			Method:      "add_license",
			Params: []Param{
				{Name: "license_path", Type: TypeString, Required: true, Description: "Path to the license file"},
			},
		},
		{
			Name:        "browser_remove_license",
			Description: "Alias of remove_license",
			Method:      "remove_license",
		},
		{
			Name:        "browser_get_license_status",
			Description: "Alias of get_license_status",
			Method:      "get_license_status",
		},
	}
}
