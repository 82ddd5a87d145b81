// File: reactor/poller_linux.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Level-triggered epoll wrapper. The poll set belongs to exactly one
// goroutine, so no synchronization around the fd bookkeeping.

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type pollEvent struct {
	fd       int
	readable bool
	writable bool
	hangup   bool
}

type poller struct {
	epfd   int
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &poller{epfd: epfd, events: make([]unix.EpollEvent, 256)}, nil
}

func (p *poller) add(fd int, readable, writable bool) error {
	var ev unix.EpollEvent
	if readable {
		ev.Events |= unix.EPOLLIN
	}
	if writable {
		ev.Events |= unix.EPOLLOUT
	}
	ev.Fd = int32(fd)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add fd %d: %w", fd, err)
	}
	return nil
}

func (p *poller) remove(fd int) {
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait polls with the tick timeout and returns ready events. EINTR is
// not an error.
func (p *poller) wait(timeoutMs int) ([]pollEvent, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll wait: %w", err)
	}
	out := make([]pollEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := p.events[i]
		out = append(out, pollEvent{
			fd:       int(ev.Fd),
			readable: ev.Events&unix.EPOLLIN != 0,
			writable: ev.Events&unix.EPOLLOUT != 0,
			hangup:   ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return out, nil
}

func (p *poller) close() { _ = unix.Close(p.epfd) }
