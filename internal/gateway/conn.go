package gateway

import (
	"bytes"
	"context"
	"fmt"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/heddwch/idigna/internal/classify"
	"github.com/heddwch/idigna/internal/gopherclient"
)

// State is one of the eight stages a Conn moves through on its way from
// an accepted HTTP client socket to a proxied Gopher response.
type State int

const (
	StateStart State = iota
	StatePath
	StateRequestEnd
	StateConnect
	StateRequestWrite
	StateHeaderWrite
	StateRead
	StateWrite
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StatePath:
		return "path"
	case StateRequestEnd:
		return "request-end"
	case StateConnect:
		return "connect"
	case StateRequestWrite:
		return "request-write"
	case StateHeaderWrite:
		return "header-write"
	case StateRead:
		return "read"
	case StateWrite:
		return "write"
	default:
		return "unknown"
	}
}

// requestBufferCap bounds the scratch buffer while parsing the request
// line: the longest legal path is a URI plus the four bytes of the
// "\r\n\r\n" terminator that REQUEST_END watches for.
const requestBufferCap = 4096

// bodyBufferSize is the fixed chunk size used to relay the Gopher
// response body, matching idigna.c's BUFFER_LEN-sized body reads.
const bodyBufferSize = 1024

// Conn is one HTTP-client-to-Gopher-origin session. At any moment
// exactly one of its two descriptors (the client or the upstream) is
// "active" — registered with the poller and the one the current state
// reads or writes. The other is idle: open, unwatched, waiting for its
// turn.
type Conn struct {
	id int

	state State

	activeFD int
	idleFD   int

	path     []byte
	itemType byte

	buf *bytebufferpool.ByteBuffer

	readLen     int
	writtenLen  int
	atLineStart bool
	mode        classify.Mode

	gw *Server
}

func newConn(id, clientFD int, gw *Server) *Conn {
	return &Conn{
		id:       id,
		state:    StateStart,
		activeFD: clientFD,
		idleFD:   -1,
		buf:      bytebufferpool.Get(),
		gw:       gw,
	}
}

// release returns the Conn's buffer to the shared pool and closes both
// of its descriptors. The scheduler calls this exactly once per Conn,
// on its way out of the connection table.
func (c *Conn) release() {
	bytebufferpool.Put(c.buf)
	c.buf = nil
	if c.activeFD >= 0 {
		unix.Close(c.activeFD)
	}
	if c.idleFD >= 0 {
		unix.Close(c.idleFD)
	}
}

// eventsFor returns the epoll interest mask a Conn in state s is
// registered with.
func eventsFor(s State) uint32 {
	switch s {
	case StateStart, StatePath, StateRequestEnd, StateRead:
		return unix.EPOLLIN
	case StateRequestWrite, StateHeaderWrite, StateWrite:
		return unix.EPOLLOUT
	default:
		return 0
	}
}

// Step advances the connection by one readiness event. It returns
// closed=true when the Conn should be torn down; err is non-nil only
// when the teardown was caused by a failure rather than an orderly
// close (peer hangup, clean end-of-body).
//
// Transitions that don't change which descriptor is active (START,
// PATH, REQUEST_END) fall through within a single call when the data
// already buffered satisfies the next condition — necessary because
// level-triggered epoll will not re-signal readability for bytes
// already drained from the socket. Transitions that swap the active
// descriptor (CONNECT, and every *-WRITE/READ completion) return
// immediately instead: the newly active descriptor has not been
// observed ready yet, and acting on it before the poller says so would
// be a non-blocking I/O call with no readiness guarantee.
func (c *Conn) Step() (closed bool, err error) {
	switch c.state {
	case StateStart, StatePath:
		var tmp [bodyBufferSize]byte
		n, eof, rerr := recv(c.activeFD, tmp[:])
		if rerr != nil {
			return true, rerr
		}
		if eof {
			return true, nil
		}
		if n == 0 {
			return false, nil
		}
		if c.buf.Len()+n > requestBufferCap {
			return true, fmt.Errorf("request line exceeds %d bytes", requestBufferCap)
		}
		c.buf.Write(tmp[:n])

	case StateRequestEnd:
		var tmp [bodyBufferSize]byte
		fill := copy(tmp[:], c.buf.B)
		n, eof, rerr := recv(c.activeFD, tmp[fill:])
		if rerr != nil {
			return true, rerr
		}
		if eof {
			return true, nil
		}
		if n == 0 {
			return false, nil
		}
		fill += n
		c.buf.Reset()
		if fill <= 4 {
			c.buf.Write(tmp[:fill])
		} else {
			c.buf.Write(tmp[fill-4 : fill])
		}
	}

	if c.state == StateStart {
		if c.buf.Len() >= 4 && bytes.Equal(c.buf.B[:4], []byte("GET ")) {
			rest := append([]byte(nil), c.buf.B[4:]...)
			c.buf.Reset()
			c.buf.Write(rest)
			c.state = StatePath
		}
	}

	if c.state == StatePath {
		if idx := bytes.IndexByte(c.buf.B, ' '); idx >= 0 {
			c.path = append([]byte(nil), c.buf.B[:idx]...)
			c.itemType, c.path = classifyPath(c.path)

			tail := c.buf.B[idx+1:]
			if len(tail) > 4 {
				tail = tail[len(tail)-4:]
			}
			tailCopy := append([]byte(nil), tail...)
			c.buf.Reset()
			c.buf.Write(tailCopy)

			c.state = StateRequestEnd
		}
	}

	if c.state == StateRequestEnd {
		if c.buf.Len() >= 4 && bytes.Equal(c.buf.B[:4], []byte("\r\n\r\n")) {
			c.buf.Reset()
			c.state = StateConnect
		}
	}

	if c.state == StateConnect {
		upstreamFD, cerr := gopherclient.Connect(context.Background(), c.gw.upstreamHost, c.gw.upstreamPort)
		if cerr != nil {
			return true, fmt.Errorf("connect upstream: %w", cerr)
		}
		if err := unix.SetNonblock(upstreamFD, true); err != nil {
			unix.Close(upstreamFD)
			return true, fmt.Errorf("set upstream nonblocking: %w", err)
		}

		c.buf.Reset()
		c.buf.Write(gopherclient.SendSelector(string(c.path)))
		c.writtenLen = 0

		if err := c.gw.rebindTo(c, upstreamFD, eventsFor(StateRequestWrite)); err != nil {
			unix.Close(upstreamFD)
			return true, err
		}
		c.state = StateRequestWrite
		return false, nil
	}

	if c.state == StateRequestWrite {
		n, werr := send(c.activeFD, c.buf.B[c.writtenLen:])
		if werr != nil {
			return true, fmt.Errorf("write selector: %w", werr)
		}
		if n == 0 {
			return false, nil
		}
		c.writtenLen += n
		if c.writtenLen < c.buf.Len() {
			return false, nil
		}

		mediaType := classify.MediaType(c.itemType, string(c.path))
		head := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-type: %s\r\n\r\n", mediaType)
		c.buf.Reset()
		c.buf.WriteString(head)
		c.writtenLen = 0

		if err := c.gw.rebindTo(c, c.idleFD, eventsFor(StateHeaderWrite)); err != nil {
			return true, err
		}
		c.state = StateHeaderWrite
		return false, nil
	}

	if c.state == StateHeaderWrite {
		n, werr := send(c.activeFD, c.buf.B[c.writtenLen:])
		if werr != nil {
			return true, fmt.Errorf("write response header: %w", werr)
		}
		if n == 0 {
			return false, nil
		}
		c.writtenLen += n
		if c.writtenLen < c.buf.Len() {
			return false, nil
		}

		c.buf.Reset()
		ensureCap(c.buf, bodyBufferSize)
		c.mode = classify.StreamMode(c.itemType)
		c.atLineStart = true
		c.readLen = 0
		c.writtenLen = 0

		if err := c.gw.rebindTo(c, c.idleFD, eventsFor(StateRead)); err != nil {
			return true, err
		}
		c.state = StateRead
		return false, nil
	}

	if c.state == StateRead {
		ensureCap(c.buf, bodyBufferSize)
		n, eof, rerr := recv(c.activeFD, c.buf.B[:bodyBufferSize])
		if rerr != nil {
			return true, fmt.Errorf("read body: %w", rerr)
		}
		if eof {
			return true, nil
		}
		if n == 0 {
			return false, nil
		}
		c.readLen = n
		c.writtenLen = 0

		if err := c.gw.rebindTo(c, c.idleFD, eventsFor(StateWrite)); err != nil {
			return true, err
		}
		c.state = StateWrite
		return false, nil
	}

	if c.state == StateWrite {
		return c.stepWrite()
	}

	return false, nil
}

// stepWrite relays one already-read body chunk to the client, applying
// Gopher's dot-stuffing undo and end-of-text detection while in TEXT
// mode. MENU is not rendered; it degrades to TEXT with a logged warning
// the first time it's observed.
func (c *Conn) stepWrite() (closed bool, err error) {
	if c.mode == classify.Menu {
		c.gw.log.Warn("gophermap rendering not implemented, streaming as text", "conn", c.id)
		c.mode = classify.Text
	}

	window := c.buf.B[c.writtenLen:c.readLen]
	var chunk []byte
	var skipped int

	switch c.mode {
	case classify.Binary:
		chunk = window

	case classify.Text:
		if c.atLineStart && len(window) >= 3 && window[0] == '.' && window[1] == '\r' && window[2] == '\n' {
			return true, nil
		}
		if c.atLineStart && len(window) >= 2 && window[0] == '.' && window[1] == '.' {
			window = window[1:]
			skipped = 1
		}
		if nl := bytes.IndexByte(window, '\n'); nl >= 0 {
			chunk = window[:nl+1]
			c.atLineStart = true
		} else {
			chunk = window
			c.atLineStart = false
		}

	default:
		return true, fmt.Errorf("illegal stream mode %v for item type %q", c.mode, c.itemType)
	}

	n, werr := send(c.activeFD, chunk)
	if werr != nil {
		return true, fmt.Errorf("write body: %w", werr)
	}
	if n == 0 && len(chunk) > 0 {
		return false, nil
	}
	c.writtenLen += n + skipped

	if c.writtenLen < c.readLen {
		return false, nil
	}

	if err := c.gw.rebindTo(c, c.idleFD, eventsFor(StateRead)); err != nil {
		return true, err
	}
	c.state = StateRead
	return false, nil
}

// classifyPath strips the leading selector byte idigna's item-type
// table recognizes, returning the item type and the bare selector that
// gets sent upstream.
func classifyPath(path []byte) (byte, []byte) {
	itemType, selector := classify.Classify(string(path))
	return itemType, []byte(selector)
}

// ensureCap grows buf's backing array to at least n bytes without
// disturbing its current length semantics, then sets its length to n.
func ensureCap(buf *bytebufferpool.ByteBuffer, n int) {
	if cap(buf.B) < n {
		grown := make([]byte, n)
		copy(grown, buf.B)
		buf.B = grown
		return
	}
	buf.B = buf.B[:n]
}

// recv reads once from fd. eof reports an orderly peer close (read
// returned 0 bytes, no error); n==0 with eof=false means the socket
// would block and the caller should wait for the next readiness event.
func recv(fd int, p []byte) (n int, eof bool, err error) {
	n, err = unix.Read(fd, p)
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

// send writes once to fd. n==0 with err==nil means the socket would
// block (EAGAIN/EWOULDBLOCK). A write of a non-empty buffer that reports
// exactly 0 bytes with no error is returned as an error, so the caller
// tears the connection down instead of waiting on it.
func send(fd int, p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err = unix.Write(fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("write of %d bytes returned 0", len(p))
	}
	return n, nil
}
