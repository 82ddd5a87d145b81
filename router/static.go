// File: router/static.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Embedded playground assets served on the exempt paths.

package router

import _ "embed"

//go:embed assets/playground.html
var playgroundHTML []byte

//go:embed assets/logo.svg
var logoSVG []byte
