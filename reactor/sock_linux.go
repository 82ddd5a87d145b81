// File: reactor/sock_linux.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking socket syscall layer for the reactor.

package reactor

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// listenTCP opens a non-blocking listening socket with SO_REUSEADDR.
func listenTCP(host string, port, backlog int) (int, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return -1, fmt.Errorf("listen: invalid host %q", host)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return -1, fmt.Errorf("listen: only IPv4 hosts are supported, got %q", host)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("listen socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	var addr unix.SockaddrInet4
	addr.Port = port
	copy(addr.Addr[:], ip4)
	if err := unix.Bind(fd, &addr); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind %s:%d: %w", host, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("listen %s:%d: %w", host, port, err)
	}
	return fd, nil
}

// acceptConn accepts one connection non-blocking, marks it NODELAY.
// Returns fd==-1 with nil error when no connection is waiting.
func acceptConn(listenFD int) (int, string, error) {
	fd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, "", nil
		}
		return -1, "", fmt.Errorf("accept: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return fd, sockaddrIP(sa), nil
}

func sockaddrIP(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String()
	}
	return ""
}

// readFD does one non-blocking read. n==0 with done==false means
// EAGAIN; done==true means orderly EOF.
func readFD(fd int, buf []byte) (n int, done bool, err error) {
	n, err = unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, false, nil
		}
		return 0, false, err
	}
	if n == 0 {
		return 0, true, nil
	}
	return n, false, nil
}

// writeFD does one non-blocking write; returns bytes written (0 on
// EAGAIN).
func writeFD(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func closeFD(fd int) { _ = unix.Close(fd) }

// setBlocking flips the descriptor back to blocking mode before it is
// detached to a thread-per-connection owner (MJPEG streamer).
func setBlocking(fd int) error {
	return unix.SetNonblock(fd, false)
}

// boundPort reports the kernel-assigned port (port 0 listens).
func boundPort(fd int) int {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0
	}
	if a, ok := sa.(*unix.SockaddrInet4); ok {
		return a.Port
	}
	return 0
}

// listenAddr formats the bound address for logs.
func listenAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
