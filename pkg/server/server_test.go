package server

import (
	"context"
	"crypto/sha256"
	"math/rand"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/NicolasHaas/chatrelay/pkg/event"
)

func TestServerRejectsWhenFull(t *testing.T) {
	srv, rec := startServer(t, func(c *Config) { c.MaxClients = 2 })

	join(t, srv, rec, "A")
	join(t, srv, rec, "B")

	c := dial(t, srv, "C")
	if got := c.readLine(); got != "err_server_full" {
		t.Fatalf("C got %q, want err_server_full", got)
	}
	c.expectEOF()

	waitForLine(t, rec, "disconnected: server full")
	if got := srv.Registry().Len(); got != 2 {
		t.Errorf("registry size = %d, want 2", got)
	}
	if _, ok := srv.Registry().Lookup("C"); ok {
		t.Errorf("rejected client C is registered")
	}
}

func TestServerRejectsDuplicateName(t *testing.T) {
	srv, rec := startServer(t, nil)

	first := join(t, srv, rec, "A")

	dup := dial(t, srv, "A")
	if got := dup.readLine(); got != "err_username_unavailable" {
		t.Fatalf("duplicate got %q, want err_username_unavailable", got)
	}
	dup.expectEOF()
	waitForLine(t, rec, "disconnected: username not available")

	first.send("list")
	if got := first.readLine(); got != "list: A" {
		t.Errorf("first A got %q, want %q", got, "list: A")
	}
}

func TestServerCapacityCheckedBeforeName(t *testing.T) {
	srv, rec := startServer(t, func(c *Config) { c.MaxClients = 1 })
	join(t, srv, rec, "A")

	dup := dial(t, srv, "A")
	if got := dup.readLine(); got != "err_server_full" {
		t.Errorf("duplicate on full server got %q, want err_server_full", got)
	}
}

func TestServerMessageToUnknownUser(t *testing.T) {
	srv, rec := startServer(t, nil)
	a := join(t, srv, rec, "A")

	a.send("msg 1 ghost hello")
	waitForLine(t, rec, "msg: A to non-existent user ghost")

	lines := rec.Lines()
	msgAt, ghostAt := -1, -1
	for i, l := range lines {
		switch l {
		case "msg: A":
			msgAt = i
		case "msg: A to non-existent user ghost":
			ghostAt = i
		}
	}
	if msgAt < 0 || msgAt > ghostAt {
		t.Errorf("events out of order: %v", lines)
	}

	// A is still connected and served.
	a.send("list")
	if got := a.readLine(); got != "list: A" {
		t.Errorf("A got %q after unknown recipient", got)
	}
}

func TestServerMessageMixedRecipients(t *testing.T) {
	srv, rec := startServer(t, nil)
	a := join(t, srv, rec, "A")
	b := join(t, srv, rec, "B")
	c := join(t, srv, rec, "C")

	a.send("msg 4 B ghost C phantom Welcome   Back!")

	if got := b.readLine(); got != "msg A Welcome Back!" {
		t.Errorf("B got %q", got)
	}
	if got := c.readLine(); got != "msg A Welcome Back!" {
		t.Errorf("C got %q", got)
	}

	// list is processed after the msg, so every msg event is recorded by
	// the time the reply arrives.
	a.send("list")
	if got := a.readLine(); got != "list: A B C" {
		t.Errorf("A got %q", got)
	}
	for _, missing := range []string{"ghost", "phantom"} {
		line := "msg: A to non-existent user " + missing
		if n := countLine(rec, line); n != 1 {
			t.Errorf("%q emitted %d times, want 1", line, n)
		}
	}
	if n := countLine(rec, "msg: A"); n != 1 {
		t.Errorf("msg: A emitted %d times, want 1", n)
	}
}

func TestServerListIsSorted(t *testing.T) {
	srv, rec := startServer(t, nil)
	zed := join(t, srv, rec, "zed")
	join(t, srv, rec, "amy")
	join(t, srv, rec, "bob")

	zed.send("list")
	if got := zed.readLine(); got != "list: amy bob zed" {
		t.Errorf("list = %q", got)
	}
	waitForLine(t, rec, "request_users_list: zed")
}

func TestServerFileRoundTrip(t *testing.T) {
	srv, rec := startServer(t, nil)
	a := join(t, srv, rec, "A")
	b := join(t, srv, rec, "B")

	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	rnd := rand.New(rand.NewSource(1))
	var sb strings.Builder
	for i := 0; i < 2000; i++ {
		sb.WriteByte(letters[rnd.Intn(len(letters))])
	}
	payload := sb.String()

	a.send("file 2 B ghost test_file1 " + payload)

	got := b.readLine()
	prefix := "file: A test_file1 "
	if !strings.HasPrefix(got, prefix) {
		t.Fatalf("B got %.40q..., want prefix %q", got, prefix)
	}
	if sha256.Sum256([]byte(strings.TrimPrefix(got, prefix))) != sha256.Sum256([]byte(payload)) {
		t.Fatalf("file payload checksum mismatch")
	}

	waitForLine(t, rec, "file: A to non-existent user ghost")
	if n := countLine(rec, "file: A"); n != 1 {
		t.Errorf("file: A emitted %d times, want 1", n)
	}
}

func TestServerAbruptDisconnectFreesName(t *testing.T) {
	srv, rec := startServer(t, nil)
	a := join(t, srv, rec, "A")
	join(t, srv, rec, "B")

	_ = a.conn.Close()
	waitForLine(t, rec, "disconnected: A")
	waitFor(t, "A unregistered", func() bool {
		_, ok := srv.Registry().Lookup("A")
		return !ok
	})

	again := join(t, srv, rec, "A")
	again.send("list")
	if got := again.readLine(); got != "list: A B" {
		t.Errorf("list = %q", got)
	}
	if n := countLine(rec, "disconnected: A"); n != 1 {
		t.Errorf("disconnected: A emitted %d times, want 1", n)
	}
}

func TestServerQuit(t *testing.T) {
	srv, rec := startServer(t, nil)
	a := join(t, srv, rec, "A")

	a.send("quit")
	a.expectEOF()
	waitForLine(t, rec, "disconnected: A")
	if got := srv.Registry().Len(); got != 0 {
		t.Errorf("registry size = %d after quit", got)
	}
	waitFor(t, "ActiveSessions 0", func() bool {
		return srv.Metrics().ActiveSessions.Load() == 0
	})
}

func TestServerReconnectLogsDisconnectFirst(t *testing.T) {
	srv, rec := startServer(t, nil)
	a := join(t, srv, rec, "A")
	a.send("quit")

	// Reconnect as soon as the name is free.
	waitFor(t, "A unregistered", func() bool {
		_, ok := srv.Registry().Lookup("A")
		return !ok
	})
	again := dial(t, srv, "A")
	again.send("list")
	if got := again.readLine(); got != "list: A" {
		t.Fatalf("reconnect got %q", got)
	}

	lines := rec.Lines()
	var joins, disconnects []int
	for i, l := range lines {
		switch l {
		case "join: A":
			joins = append(joins, i)
		case "disconnected: A":
			disconnects = append(disconnects, i)
		}
	}
	if len(joins) != 2 || len(disconnects) != 1 {
		t.Fatalf("events = %v", lines)
	}
	if disconnects[0] > joins[1] {
		t.Errorf("second join logged before first disconnect: %v", lines)
	}
}

func TestServerHugeRecipientCount(t *testing.T) {
	srv, rec := startServer(t, nil)
	a := join(t, srv, rec, "A")
	b := join(t, srv, rec, "B")

	a.send("file 9223372036854775807 B a.txt data")
	if got := a.readLine(); got != "incorrect user input format" {
		t.Errorf("A got %q", got)
	}
	a.send("msg 9223372036854775807 B hi")
	if got := a.readLine(); got != "incorrect user input format" {
		t.Errorf("A got %q", got)
	}

	b.send("list")
	if got := b.readLine(); got != "list: A B" {
		t.Errorf("B got %q, relay should still serve both", got)
	}
	if n := countLine(rec, "malformed: A"); n != 2 {
		t.Errorf("malformed: A emitted %d times, want 2", n)
	}
}

// flakyListener fails its first Accept calls with fails errors.
type flakyListener struct {
	net.Listener
	mu    sync.Mutex
	fails int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.fails > 0 {
		l.fails--
		l.mu.Unlock()
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: syscall.EMFILE}
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

func TestServerSurvivesAcceptErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	rec := &event.Recorder{}
	srv := New(testConfig(), Dependencies{Events: rec, Logger: quietLogger()})
	srv.listener = &flakyListener{Listener: ln, fails: 3}

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

	a := join(t, srv, rec, "A")
	a.send("list")
	if got := a.readLine(); got != "list: A" {
		t.Errorf("got %q", got)
	}
	if got := srv.Metrics().AcceptErrors.Load(); got != 3 {
		t.Errorf("AcceptErrors = %d, want 3", got)
	}
}

func TestServerCommandsInHandshakeRead(t *testing.T) {
	srv, rec := startServer(t, nil)

	c := dial(t, srv, "")
	c.send("A\nlist")
	if got := c.readLine(); got != "list: A" {
		t.Errorf("got %q, want list: A", got)
	}
	waitForLine(t, rec, "join: A")
}

func TestServerMalformedPolicy(t *testing.T) {
	t.Run("reply", func(t *testing.T) {
		srv, rec := startServer(t, func(c *Config) { c.MalformedPolicy = MalformedReply })
		a := join(t, srv, rec, "A")

		a.send("list_my_friends")
		if got := a.readLine(); got != "incorrect user input format" {
			t.Errorf("got %q", got)
		}
		waitForLine(t, rec, "malformed: A")
	})

	t.Run("drop", func(t *testing.T) {
		srv, rec := startServer(t, func(c *Config) { c.MalformedPolicy = MalformedDrop })
		a := join(t, srv, rec, "A")

		a.send("quitt")
		a.send("list")
		if got := a.readLine(); got != "list: A" {
			t.Errorf("got %q, want the list reply only", got)
		}
		waitForLine(t, rec, "malformed: A")
	})
}

func TestServerBlankLinesIgnored(t *testing.T) {
	srv, rec := startServer(t, nil)
	a := join(t, srv, rec, "A")

	a.send("")
	a.send("   ")
	a.send("list")
	if got := a.readLine(); got != "list: A" {
		t.Errorf("got %q", got)
	}
	if n := countLine(rec, "malformed: A"); n != 0 {
		t.Errorf("blank lines produced %d malformed events", n)
	}
}

func TestServerRateLimit(t *testing.T) {
	srv, rec := startServer(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{PerSecond: 0.001, Burst: 1}
	})
	a := join(t, srv, rec, "A")

	a.send("list")
	a.send("list")
	a.send("quit")

	if got := a.readLine(); got != "list: A" {
		t.Fatalf("got %q", got)
	}
	a.expectEOF()
	waitForLine(t, rec, "disconnected: A")

	m := srv.Metrics()
	if got := m.RateLimited.Load(); got != 1 {
		t.Errorf("RateLimited = %d, want 1", got)
	}
	if got := m.ListRequests.Load(); got != 1 {
		t.Errorf("ListRequests = %d, want 1", got)
	}
}

func TestServerLineTooLong(t *testing.T) {
	srv, rec := startServer(t, func(c *Config) { c.MaxLineBytes = 64 })
	a := join(t, srv, rec, "A")

	a.send("msg 1 A " + strings.Repeat("x", 200))
	waitForLine(t, rec, "disconnected: A")
	if got := srv.Metrics().ProtocolErrors.Load(); got != 1 {
		t.Errorf("ProtocolErrors = %d, want 1", got)
	}
}

func TestServerSilentHandshakeIsBounded(t *testing.T) {
	srv, rec := startServer(t, func(c *Config) { c.HandshakeTimeout = 100 * time.Millisecond })

	silent := dial(t, srv, "")
	join(t, srv, rec, "B")

	silent.expectEOF()
	if got := srv.Metrics().HandshakeFailures.Load(); got != 1 {
		t.Errorf("HandshakeFailures = %d, want 1", got)
	}
}

func TestServerAdmitsLongUsername(t *testing.T) {
	srv, rec := startServer(t, nil)
	name := strings.Repeat("n", 200)

	c := join(t, srv, rec, name)
	c.send("list")
	if got := c.readLine(); got != "list: "+name {
		t.Errorf("list = %.40q...", got)
	}
}

func TestServerInvalidUsernameClosed(t *testing.T) {
	srv, rec := startServer(t, nil)

	c := dial(t, srv, "two words")
	c.expectEOF()
	if got := srv.Registry().Len(); got != 0 {
		t.Errorf("registry size = %d", got)
	}
	for _, l := range rec.Lines() {
		if strings.HasPrefix(l, "join:") {
			t.Errorf("unexpected event %q", l)
		}
	}
}

func TestServerShutdownDisconnectsSessions(t *testing.T) {
	cfg := testConfig()
	rec := &event.Recorder{}
	srv := New(cfg, Dependencies{Events: rec, Logger: quietLogger()})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	a := join(t, srv, rec, "A")
	join(t, srv, rec, "B")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("Run did not return after cancel")
	}

	a.expectEOF()
	for _, name := range []string{"A", "B"} {
		if n := countLine(rec, "disconnected: "+name); n != 1 {
			t.Errorf("disconnected: %s emitted %d times, want 1", name, n)
		}
	}
	if got := srv.Registry().Len(); got != 0 {
		t.Errorf("registry size = %d after shutdown", got)
	}
	srv.Shutdown() // idempotent
}
