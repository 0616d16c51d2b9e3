package gateway

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestPollerReportsReadinessAfterWrite(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	p, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	if err := p.Add(fds[0], unix.EPOLLIN); err != nil {
		t.Fatalf("Add: %v", err)
	}

	events := make([]unix.EpollEvent, 4)
	n, err := p.Wait(events, 100)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n != 0 {
		t.Fatalf("Wait reported %d ready descriptors before any write, want 0", n)
	}

	if _, err := unix.Write(fds[1], []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	n, err = p.Wait(events, 1000)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n != 1 || int(events[0].Fd) != fds[0] {
		t.Fatalf("Wait() = (%d, fd=%d), want (1, fd=%d)", n, events[0].Fd, fds[0])
	}
}

func TestPollerRemoveStopsReporting(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	p, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	if err := p.Add(fds[0], unix.EPOLLIN); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := unix.Write(fds[1], []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Remove(fds[0]); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	events := make([]unix.EpollEvent, 4)
	n, err := p.Wait(events, 100)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n != 0 {
		t.Fatalf("Wait reported %d ready descriptors after Remove, want 0", n)
	}
}
