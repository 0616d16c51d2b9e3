// Package gopherclient implements the Gopher side of the gateway: dialing
// the configured upstream origin and speaking the one-line selector
// protocol against it.
package gopherclient

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Connect resolves host and attempts a synchronous connect() against each
// resulting address in turn, returning the first socket that connects. The
// returned descriptor is blocking; callers that hand it to a poller-driven
// state machine must call unix.SetNonblock themselves once the synchronous
// connect has completed, matching the point in the gateway's CONNECT state
// where the rest of the exchange becomes non-blocking.
func Connect(ctx context.Context, host string, port int) (int, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return -1, fmt.Errorf("resolve upstream %s: %w", host, err)
	}
	if len(ips) == 0 {
		return -1, fmt.Errorf("resolve upstream %s: no addresses", host)
	}

	var lastErr error
	for _, ip := range ips {
		fd, err := dialOne(ip.IP, port)
		if err != nil {
			lastErr = err
			continue
		}
		return fd, nil
	}

	return -1, fmt.Errorf("connect upstream %s: %w", net.JoinHostPort(host, strconv.Itoa(port)), lastErr)
}

func dialOne(ip net.IP, port int) (int, error) {
	if v4 := ip.To4(); v4 != nil {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			return -1, fmt.Errorf("socket: %w", err)
		}
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		if err := unix.Connect(fd, sa); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("connect %s:%d: %w", ip, port, err)
		}
		return fd, nil
	}

	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect [%s]:%d: %w", ip, port, err)
	}
	return fd, nil
}

// SendSelector returns the selector line Gopher clients send to request a
// resource: the selector bytes followed by CRLF. It performs no I/O; the
// gateway's CONNECT state loads these bytes into the buffer that
// REQUEST_WRITE then sends upstream.
func SendSelector(selector string) []byte {
	return append([]byte(selector), '\r', '\n')
}
