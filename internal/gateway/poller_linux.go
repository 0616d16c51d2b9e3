//go:build linux

// Package gateway implements the event-driven HTTP-to-Gopher bridge: the
// listener setup, the epoll-backed readiness poller, the socket and
// connection tables, the per-session state machine, and the scheduler
// that drives them all from a single thread.
package gateway

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Poller is a thin wrapper around Linux epoll in level-triggered mode
// (epoll's default), matching the level-triggered readiness interface
// spec.md's component 1 describes.
type Poller struct {
	epfd int
}

// NewPoller creates an empty epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Poller{epfd: fd}, nil
}

// Add registers fd with the given event mask (a combination of
// unix.EPOLLIN, unix.EPOLLOUT).
func (p *Poller) Add(fd int, events uint32) error {
	ev := unix.EpollEvent{Fd: int32(fd), Events: events}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add %d: %w", fd, err)
	}
	return nil
}

// Remove unregisters fd. It does not close fd; ownership of the
// descriptor stays with the caller per spec.md's Connection ownership
// invariant.
func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del %d: %w", fd, err)
	}
	return nil
}

// Wait blocks up to timeoutMs milliseconds (-1 for no timeout) until at
// least one registered descriptor is ready, filling events and
// returning the count populated. A timeout returns (0, nil), giving the
// scheduler loop a chance to notice a cancelled context even when no
// connection is otherwise active.
func (p *Poller) Wait(events []unix.EpollEvent, timeoutMs int) (int, error) {
	for {
		n, err := unix.EpollWait(p.epfd, events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, fmt.Errorf("epoll_wait: %w", err)
		}
		return n, nil
	}
}

// Close releases the epoll instance itself.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
