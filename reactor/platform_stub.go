// File: reactor/platform_stub.go
//go:build !linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-linux stubs. The reactor requires epoll; other platforms fail at
// startup with a clear error.

package reactor

import "errors"

var errUnsupported = errors.New("reactor: unsupported platform (linux required)")

type pollEvent struct {
	fd       int
	readable bool
	writable bool
	hangup   bool
}

type poller struct{}

func newPoller() (*poller, error) { return nil, errUnsupported }

func (p *poller) add(fd int, readable, writable bool) error { return errUnsupported }

func (p *poller) remove(fd int) {}

func (p *poller) wait(timeoutMs int) ([]pollEvent, error) { return nil, errUnsupported }

func (p *poller) close() {}

func listenTCP(host string, port, backlog int) (int, error) { return -1, errUnsupported }

func acceptConn(listenFD int) (int, string, error) { return -1, "", errUnsupported }

func readFD(fd int, buf []byte) (int, bool, error) { return 0, false, errUnsupported }

func writeFD(fd int, buf []byte) (int, error) { return 0, errUnsupported }

func closeFD(fd int) {}

func setBlocking(fd int) error { return errUnsupported }

func boundPort(fd int) int { return 0 }

func listenAddr(host string, port int) string { return "" }
