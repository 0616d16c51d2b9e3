package gateway

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/heddwch/idigna/internal/config"
	"github.com/heddwch/idigna/internal/ops"
)

// maxEvents bounds how many ready descriptors a single epoll_wait call
// reports at once.
const maxEvents = 256

// pollTimeoutMs bounds how long a single epoll_wait call blocks when no
// descriptor is ready, so Start's loop can notice a cancelled context
// without needing a separate wakeup mechanism.
const pollTimeoutMs = 500

// Server ties a Listener, a Poller, the connection table, and a
// connection-count limiter into the single-threaded scheduler loop that
// drives every Conn's state machine. One Server serves one upstream
// Gopher host, per spec.md §1.
type Server struct {
	upstreamHost string
	upstreamPort int

	listeners []*Listener
	poller    *Poller
	sem       *semaphore.Weighted
	log       *ops.Logger

	mu       sync.Mutex
	conns    map[int]*Conn
	nextID   int
	stopping bool
}

// New builds a Server from a resolved Config. It opens the listening
// socket and the poller but does not start accepting connections until
// Start is called.
func New(cfg config.Config, log *ops.Logger) (*Server, error) {
	listener, err := NewListener(cfg.ListenPort)
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", cfg.ListenPort, err)
	}

	poller, err := NewPoller()
	if err != nil {
		listener.Close()
		return nil, err
	}

	s := &Server{
		upstreamHost: cfg.UpstreamHost,
		upstreamPort: cfg.UpstreamPort,
		listeners:    []*Listener{listener},
		poller:       poller,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConnections)),
		log:          log,
		conns:        make(map[int]*Conn),
	}

	if err := poller.Add(listener.FD, unix.EPOLLIN); err != nil {
		listener.Close()
		poller.Close()
		return nil, err
	}

	return s, nil
}

// Start runs the scheduler loop until ctx is cancelled. It always
// returns a non-nil error: context.Canceled on a clean shutdown, or the
// poller failure that ended the loop early.
func (s *Server) Start(ctx context.Context) error {
	listenerFDs := make(map[int]*Listener, len(s.listeners))
	for _, l := range s.listeners {
		listenerFDs[l.FD] = l
	}

	events := make([]unix.EpollEvent, maxEvents)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := s.poller.Wait(events, pollTimeoutMs)
		if err != nil {
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)

			if l, ok := listenerFDs[fd]; ok {
				s.acceptAll(l)
				continue
			}

			s.mu.Lock()
			c, ok := s.conns[fd]
			s.mu.Unlock()
			if !ok {
				// Stale event for a descriptor we already tore down
				// this same wake; epoll_wait can report both sides of
				// a swap in one batch.
				continue
			}

			if events[i].Events&unix.EPOLLHUP != 0 {
				s.destroy(c, nil)
				continue
			}

			closed, stepErr := c.Step()
			if !closed {
				continue
			}
			s.destroy(c, stepErr)
		}
	}
}

// Stop releases the poller and every listening and connected socket.
// Start's loop must have already returned before calling Stop.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopping = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[int]*Conn)
	s.mu.Unlock()

	for _, c := range conns {
		c.release()
		s.sem.Release(1)
	}
	for _, l := range s.listeners {
		l.Close()
	}
	s.poller.Close()
}

// acceptAll drains every pending connection on l's backlog. Listener
// sockets are level-triggered edge-free: a single ready event can
// represent more than one queued connection.
func (s *Server) acceptAll(l *Listener) {
	for {
		fd, _, err := unix.Accept4(l.FD, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			s.log.Warn("accept failed", "error", err)
			return
		}

		if !s.sem.TryAcquire(1) {
			s.log.Warn("rejecting connection: at max_connections limit")
			unix.Close(fd)
			continue
		}

		s.mu.Lock()
		id := s.nextID
		s.nextID++
		c := newConn(id, fd, s)
		s.conns[fd] = c
		s.mu.Unlock()

		if err := s.poller.Add(fd, eventsFor(StateStart)); err != nil {
			s.log.Warn("registering new connection failed", "error", err)
			s.mu.Lock()
			delete(s.conns, fd)
			s.mu.Unlock()
			unix.Close(fd)
			s.sem.Release(1)
			continue
		}
	}
}

// rebindTo moves c's active descriptor from its current fd to newFD:
// the old fd is unregistered from the poller (but left open, becoming
// c's idle descriptor) and newFD takes its place watched for events.
func (s *Server) rebindTo(c *Conn, newFD int, events uint32) error {
	oldFD := c.activeFD

	if err := s.poller.Remove(oldFD); err != nil {
		return fmt.Errorf("unregister fd %d: %w", oldFD, err)
	}

	s.mu.Lock()
	delete(s.conns, oldFD)
	c.idleFD = oldFD
	c.activeFD = newFD
	s.conns[newFD] = c
	s.mu.Unlock()

	if err := s.poller.Add(newFD, events); err != nil {
		return fmt.Errorf("register fd %d: %w", newFD, err)
	}
	return nil
}

// destroy tears a connection down: unregisters its active descriptor,
// closes both of its sockets, returns its buffer to the pool, and frees
// its connection-limit slot. err, if non-nil, is logged as a warning;
// a nil err is an orderly close logged at debug level.
func (s *Server) destroy(c *Conn, err error) {
	s.poller.Remove(c.activeFD)

	s.mu.Lock()
	delete(s.conns, c.activeFD)
	s.mu.Unlock()

	c.release()
	s.sem.Release(1)

	if err != nil {
		s.log.Warn("connection closed with error", "conn", c.id, "state", c.state.String(), "error", err)
	} else {
		s.log.Debug("connection closed", "conn", c.id, "state", c.state.String())
	}
}
