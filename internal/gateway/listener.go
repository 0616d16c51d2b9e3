package gateway

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Listener is one bound, listening, non-blocking socket the scheduler
// accepts new client connections from.
type Listener struct {
	FD   int
	Addr string
}

// NewListener opens one non-blocking wildcard TCP listener on port. It
// first tries an IPv6 socket with IPV6_V6ONLY cleared, so the single
// socket also accepts IPv4 clients through mapped addresses; if the IPv6
// socket cannot be created, IPV6_V6ONLY cannot be cleared, or the bind
// fails, it falls back to an IPv4-only listener. It never returns more
// than one listener: separate per-family sockets are not bound.
func NewListener(port int) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return newListenerV4(port)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	// Clear V6ONLY so the wildcard bind also accepts IPv4 clients via
	// mapped addresses.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
		unix.Close(fd)
		return newListenerV4(port)
	}

	sa := &unix.SockaddrInet6{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return newListenerV4(port)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}

	return &Listener{FD: fd, Addr: fmt.Sprintf("[::]:%d", port)}, nil
}

func newListenerV4(port int) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}

	return &Listener{FD: fd, Addr: fmt.Sprintf("0.0.0.0:%d", port)}, nil
}

// Close releases the listening socket.
func (l *Listener) Close() error {
	return unix.Close(l.FD)
}

// Port returns the TCP port the listener is actually bound to, useful
// when it was opened with port 0 for an OS-assigned ephemeral port (as
// tests do).
func (l *Listener) Port() (int, error) {
	sa, err := unix.Getsockname(l.FD)
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	default:
		return 0, fmt.Errorf("unexpected sockaddr type %T", sa)
	}
}

const listenBacklog = 128
