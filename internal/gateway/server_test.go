package gateway

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/heddwch/idigna/internal/config"
	"github.com/heddwch/idigna/internal/ops"
)

// fakeUpstream is a minimal one-shot Gopher server: for every connection
// it reads a single CRLF-terminated selector line, hands it to respond,
// writes whatever bytes respond returns, and closes.
func fakeUpstream(t *testing.T, respond func(selector string) []byte) (host string, port int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				line, err := bufio.NewReader(conn).ReadString('\n')
				if err != nil {
					return
				}
				selector := line
				for len(selector) > 0 && (selector[len(selector)-1] == '\n' || selector[len(selector)-1] == '\r') {
					selector = selector[:len(selector)-1]
				}
				conn.Write(respond(selector))
			}()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func startGateway(t *testing.T, upstreamHost string, upstreamPort int) (gatewayPort int) {
	t.Helper()

	cfg := config.Config{
		ListenPort:     0,
		UpstreamHost:   upstreamHost,
		UpstreamPort:   upstreamPort,
		MaxConnections: 8,
		Logging:        config.Logging{Level: "error", Format: "text"},
	}
	log := ops.NewLoggerWithWriter(cfg.Logging, discardWriter{})

	srv, err := New(cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	port, err := srv.listeners[0].Port()
	if err != nil {
		t.Fatalf("Port: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Stop()
	})

	return port
}

func fetch(t *testing.T, gatewayPort int, path string) string {
	t.Helper()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(gatewayPort)), 2*time.Second)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET " + path + " HTTP/1.0\r\n\r\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	body, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return string(body)
}

func TestGatewayServesPlainText(t *testing.T) {
	host, port := fakeUpstream(t, func(selector string) []byte {
		if selector != "xhello" {
			t.Errorf("upstream received selector %q, want %q", selector, "xhello")
		}
		return []byte("hi\r\n.\r\n")
	})
	gatewayPort := startGateway(t, host, port)

	got := fetch(t, gatewayPort, "/xhello")
	want := "HTTP/1.1 200 OK\r\nContent-type: text/plain; charset=utf-8\r\n\r\nhi\r\n"
	if got != want {
		t.Fatalf("response = %q, want %q", got, want)
	}
}

func TestGatewayUndoesDotStuffing(t *testing.T) {
	host, port := fakeUpstream(t, func(selector string) []byte {
		return []byte("..looks like stuffing\r\nplain line\r\n.\r\n")
	})
	gatewayPort := startGateway(t, host, port)

	got := fetch(t, gatewayPort, "/xstuffed")
	want := "HTTP/1.1 200 OK\r\nContent-type: text/plain; charset=utf-8\r\n\r\n" +
		".looks like stuffing\r\nplain line\r\n"
	if got != want {
		t.Fatalf("response = %q, want %q", got, want)
	}
}

func TestGatewayPassesBinaryThroughUntouchedUntilEOF(t *testing.T) {
	payload := []byte{0x00, 0x01, 0xff, '.', '\r', '\n', 0x02}
	host, port := fakeUpstream(t, func(selector string) []byte {
		return payload
	})
	gatewayPort := startGateway(t, host, port)

	got := fetch(t, gatewayPort, "/9binary.bin")
	want := "HTTP/1.1 200 OK\r\nContent-type: application/octet-stream\r\n\r\n" + string(payload)
	if got != want {
		t.Fatalf("response = %q, want %q", got, want)
	}
}

func TestGatewayDefaultItemTypeIsTextPlain(t *testing.T) {
	host, port := fakeUpstream(t, func(selector string) []byte {
		return []byte("default item type\r\n.\r\n")
	})
	gatewayPort := startGateway(t, host, port)

	got := fetch(t, gatewayPort, "/xsomefile")
	want := "HTTP/1.1 200 OK\r\nContent-type: text/plain; charset=utf-8\r\n\r\ndefault item type\r\n"
	if got != want {
		t.Fatalf("response = %q, want %q", got, want)
	}
}

func TestGatewayClosesClientOnUpstreamHangupMidBody(t *testing.T) {
	host, port := fakeUpstream(t, func(selector string) []byte {
		return []byte("partial body, no terminator")
	})
	gatewayPort := startGateway(t, host, port)

	got := fetch(t, gatewayPort, "/hfile.html")
	want := "HTTP/1.1 200 OK\r\nContent-type: text/html; charset=utf-8\r\n\r\npartial body, no terminator"
	if got != want {
		t.Fatalf("response = %q, want %q", got, want)
	}
}
