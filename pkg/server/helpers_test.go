package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NicolasHaas/chatrelay/pkg/event"
)

const testTimeout = 3 * time.Second

// recordConn is a net.Conn that keeps everything written to it.
type recordConn struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	writeErr error
	closed   bool
}

func (c *recordConn) Read(_ []byte) (int, error) { return 0, io.EOF }
func (c *recordConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.buf.Write(p)
}
func (c *recordConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
func (c *recordConn) LocalAddr() net.Addr                { return &net.IPAddr{} }
func (c *recordConn) RemoteAddr() net.Addr               { return &net.IPAddr{} }
func (c *recordConn) SetDeadline(_ time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(_ time.Time) error { return nil }

func (c *recordConn) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *recordConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1"
	cfg.Port = 0
	cfg.HandshakeTimeout = time.Second
	cfg.MetricsLogEvery = 0
	return cfg
}

// startServer runs a relay on a loopback port for the duration of the test.
func startServer(t *testing.T, mutate func(*Config)) (*Server, *event.Recorder) {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	rec := &event.Recorder{}
	srv := New(cfg, Dependencies{Events: rec, Logger: quietLogger()})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return srv, rec
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

// dial connects and sends the handshake without waiting for admission.
func dial(t *testing.T, srv *Server, username string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), testTimeout)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	if username != "" {
		c.send(username)
	}
	return c
}

// join dials and waits until the relay has admitted username.
func join(t *testing.T, srv *Server, rec *event.Recorder, username string) *testClient {
	t.Helper()
	c := dial(t, srv, username)
	waitForLine(t, rec, "join: "+username)
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		c.t.Fatalf("send %q: %v", line, err)
	}
}

func (c *testClient) readLine() string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("readLine: %v (partial %q)", err, line)
	}
	return strings.TrimSuffix(line, "\n")
}

func (c *testClient) expectEOF() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	line, err := c.r.ReadString('\n')
	if !errors.Is(err, io.EOF) {
		c.t.Fatalf("expected EOF, got line %q err %v", line, err)
	}
}

// waitForLine polls until rec holds an event rendering as line.
func waitForLine(t *testing.T, rec *event.Recorder, line string) {
	t.Helper()
	waitFor(t, "event "+line, func() bool {
		return slices.Contains(rec.Lines(), line)
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countLine(rec *event.Recorder, line string) int {
	n := 0
	for _, l := range rec.Lines() {
		if l == line {
			n++
		}
	}
	return n
}
