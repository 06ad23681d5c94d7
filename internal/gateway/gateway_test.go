package gateway

import (
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"net"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/matst80/termbridge/internal/obs"
	"github.com/matst80/termbridge/internal/portpool"
	"github.com/matst80/termbridge/internal/proto"
	"github.com/matst80/termbridge/internal/ratelimit"
	"github.com/matst80/termbridge/internal/session"
)

func TestMain(m *testing.M) {
	obs.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type testEnv struct {
	srv  *httptest.Server
	reg  *session.Registry
	pool *portpool.Pool
}

func freeRange(t *testing.T, n int) (int, int) {
	t.Helper()
	for attempt := 0; attempt < 50; attempt++ {
		base := 40000 + rand.IntN(15000)
		ok := true
		for p := base; p < base+n; p++ {
			ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(p))
			if err != nil {
				ok = false
				break
			}
			ln.Close()
		}
		if ok {
			return base, base + n - 1
		}
	}
	t.Fatal("no free port range found")
	return 0, 0
}

func setup(t *testing.T, ports int, limiter *ratelimit.Limiter) *testEnv {
	t.Helper()
	return setupWith(t, ports, Options{Limiter: limiter, WriteTimeout: 2 * time.Second})
}

func setupWith(t *testing.T, ports int, opts Options) *testEnv {
	t.Helper()
	low, high := freeRange(t, ports)
	pool, err := portpool.New(low, high)
	if err != nil {
		t.Fatal(err)
	}
	reg := session.NewRegistry(pool, session.Options{
		ConnectTimeout: time.Minute,
		Address:        func() string { return "198.51.100.1" },
	})
	g := New(reg, opts)
	srv := httptest.NewServer(g.Routes())
	t.Cleanup(func() {
		reg.Close()
		srv.Close()
	})
	return &testEnv{srv: srv, reg: reg, pool: pool}
}

func (e *testEnv) dial(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/socket?id=" + id
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) (websocket.MessageType, []byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return conn.Read(ctx)
}

func expectMessage(t *testing.T, conn *websocket.Conn, want proto.Type) proto.Message {
	t.Helper()
	typ, data, err := read(t, conn)
	if err != nil {
		t.Fatalf("waiting for %s: %v", want, err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("waiting for %s: got binary frame %q", want, data)
	}
	var m proto.Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m.Type != want {
		t.Fatalf("expected %s, got %s (%s)", want, m.Type, data)
	}
	return m
}

func expectClose(t *testing.T, conn *websocket.Conn, code websocket.StatusCode) {
	t.Helper()
	for {
		_, _, err := read(t, conn)
		if err == nil {
			continue
		}
		if got := websocket.CloseStatus(err); got != code {
			t.Fatalf("expected close %d, got %d (%v)", code, got, err)
		}
		return
	}
}

func readShellData(t *testing.T, conn *websocket.Conn, n int) []byte {
	t.Helper()
	var got []byte
	for len(got) < n {
		typ, data, err := read(t, conn)
		if err != nil {
			t.Fatal(err)
		}
		if typ != websocket.MessageBinary {
			t.Fatalf("expected shell data, got text %s", data)
		}
		got = append(got, data...)
	}
	return got
}

func dialPeer(t *testing.T, port int) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestInvalidIDRejected(t *testing.T) {
	env := setup(t, 1, nil)
	conn := env.dial(t, "not-a-uuid")
	expectClose(t, conn, StatusInvalidID)
	if env.reg.Len() != 0 || env.pool.Available() != 1 {
		t.Fatalf("rejected handshake touched registry: len=%d available=%d", env.reg.Len(), env.pool.Available())
	}
}

func TestForwardingBothWays(t *testing.T) {
	env := setup(t, 1, nil)
	id := uuid.NewString()
	conn := env.dial(t, id)
	cfg := expectMessage(t, conn, proto.TypeConfig)
	if cfg.Address != "198.51.100.1" {
		t.Fatalf("unexpected address %q", cfg.Address)
	}
	peer := dialPeer(t, cfg.Port)
	expectMessage(t, conn, proto.TypeShellConnected)

	out := []byte("$ \x1b[32mready\x1b[0m\r\n")
	peer.Write(out)
	if got := readShellData(t, conn, len(out)); string(got) != string(out) {
		t.Fatalf("got %q", got)
	}

	ctx := context.Background()
	if err := conn.Write(ctx, websocket.MessageBinary, []byte("ec")); err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"resize","cols":80}`)); err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"char","data":"ho\r"}`)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(peer, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "echo\r" {
		t.Fatalf("peer got %q", buf)
	}

	peer.Close()
	expectMessage(t, conn, proto.TypeShellDisconnected)
}

func TestResumeSupersedesOldSocket(t *testing.T) {
	env := setup(t, 1, nil)
	id := uuid.NewString()
	first := env.dial(t, id)
	cfg := expectMessage(t, first, proto.TypeConfig)
	peer := dialPeer(t, cfg.Port)
	expectMessage(t, first, proto.TypeShellConnected)

	second := env.dial(t, id)
	again := expectMessage(t, second, proto.TypeConfig)
	if again.Port != cfg.Port {
		t.Fatalf("resumed config port %d, want %d", again.Port, cfg.Port)
	}
	expectMessage(t, second, proto.TypeShellConnected)
	expectClose(t, first, StatusSuperseded)

	peer.Write([]byte("hi"))
	if got := readShellData(t, second, 2); string(got) != "hi" {
		t.Fatalf("got %q", got)
	}
	if env.reg.Len() != 1 {
		t.Fatalf("expected one session, got %d", env.reg.Len())
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	env := setup(t, 1, nil)
	id := uuid.NewString()
	first := env.dial(t, id)
	cfg := expectMessage(t, first, proto.TypeConfig)
	peer := dialPeer(t, cfg.Port)
	expectMessage(t, first, proto.TypeShellConnected)

	first.Close(websocket.StatusNormalClosure, "tab closed")
	s := env.reg.Get(id)
	deadline := time.Now().Add(2 * time.Second)
	for s.Attached() {
		if time.Now().After(deadline) {
			t.Fatal("endpoint never detached")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != session.Active {
		t.Fatalf("session state %s after browser disconnect", s.State())
	}

	second := env.dial(t, id)
	expectMessage(t, second, proto.TypeConfig)
	expectMessage(t, second, proto.TypeShellConnected)
	second.Write(context.Background(), websocket.MessageBinary, []byte("x"))
	buf := make([]byte, 1)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(peer, buf); err != nil || buf[0] != 'x' {
		t.Fatalf("peer read %q %v", buf, err)
	}
}

func TestPoolExhaustedRejected(t *testing.T) {
	env := setup(t, 1, nil)
	first := env.dial(t, uuid.NewString())
	expectMessage(t, first, proto.TypeConfig)

	second := env.dial(t, uuid.NewString())
	m := expectMessage(t, second, proto.TypeError)
	if m.Error == "" {
		t.Fatal("empty error message")
	}
	expectClose(t, second, StatusPoolExhausted)
	if env.reg.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", env.reg.Len())
	}
}

func TestHandshakeRateLimited(t *testing.T) {
	env := setup(t, 2, ratelimit.NewLimiter(0, 1, 1))
	first := env.dial(t, uuid.NewString())
	expectMessage(t, first, proto.TypeConfig)
	second := env.dial(t, uuid.NewString())
	expectClose(t, second, StatusRateLimited)
	if env.reg.Len() != 1 {
		t.Fatalf("rate limited handshake created a session")
	}
}

func TestResumeWhileOldSocketStopsReading(t *testing.T) {
	// The write timeout is far longer than the resume is allowed to take.
	env := setupWith(t, 1, Options{WriteTimeout: 30 * time.Second})
	id := uuid.NewString()
	first := env.dial(t, id)
	cfg := expectMessage(t, first, proto.TypeConfig)
	peer := dialPeer(t, cfg.Port)
	expectMessage(t, first, proto.TypeShellConnected)

	// first never reads again, so output backs up until the server's write blocks.
	go func() {
		chunk := make([]byte, 64*1024)
		for i := 0; i < 512; i++ {
			if _, err := peer.Write(chunk); err != nil {
				return
			}
		}
	}()
	time.Sleep(500 * time.Millisecond)

	start := time.Now()
	second := env.dial(t, id)
	expectMessage(t, second, proto.TypeConfig)
	expectMessage(t, second, proto.TypeShellConnected)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("resume took %s behind a stalled socket", elapsed)
	}
}
