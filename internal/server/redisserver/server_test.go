package redisserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/statebridge-io/statebridge/internal/storage"
	"github.com/statebridge-io/statebridge/internal/telemetry/metric"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.NewMemStore(storage.Config{Logger: log})
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.RateLimit = 0

	srv := New(cfg, store, metric.New(), log)
	store.SetNotifier(srv)

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = store.Close()
	})
	return srv
}

// testClient is a minimal RESP client for exercising the server over a
// real TCP connection.
type testClient struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, br: bufio.NewReader(conn)}
}

func (c *testClient) send(args ...string) {
	c.t.Helper()
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&sb, "$%d\r\n%s\r\n", len(a), a)
	}
	if _, err := c.conn.Write([]byte(sb.String())); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.br.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return strings.TrimSuffix(line, "\r\n")
}

// read decodes one reply. Simple strings come back as string, errors as
// error, integers as int64, bulks as []byte (nil for null), arrays as
// []any.
func (c *testClient) read() any {
	c.t.Helper()
	line := c.readLine()
	if line == "" {
		c.t.Fatal("empty reply line")
	}
	switch line[0] {
	case '+':
		return line[1:]
	case '-':
		return fmt.Errorf("%s", line[1:])
	case ':':
		n, err := strconv.ParseInt(line[1:], 10, 64)
		if err != nil {
			c.t.Fatalf("bad integer reply %q", line)
		}
		return n
	case '$':
		n, err := strconv.Atoi(line[1:])
		if err != nil {
			c.t.Fatalf("bad bulk header %q", line)
		}
		if n == -1 {
			return nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(c.br, buf); err != nil {
			c.t.Fatalf("read bulk: %v", err)
		}
		return buf[:n]
	case '*':
		n, err := strconv.Atoi(line[1:])
		if err != nil {
			c.t.Fatalf("bad array header %q", line)
		}
		items := make([]any, n)
		for i := range items {
			items[i] = c.read()
		}
		return items
	default:
		c.t.Fatalf("unknown reply type %q", line)
		return nil
	}
}

func (c *testClient) do(args ...string) any {
	c.t.Helper()
	c.send(args...)
	return c.read()
}

func (c *testClient) mustOK(args ...string) {
	c.t.Helper()
	if got := c.do(args...); got != "OK" {
		c.t.Fatalf("%s: reply = %v, want +OK", strings.Join(args, " "), got)
	}
}

func (c *testClient) mustErrContaining(substr string, args ...string) {
	c.t.Helper()
	got := c.do(args...)
	err, ok := got.(error)
	if !ok {
		c.t.Fatalf("%s: reply = %v, want error", strings.Join(args, " "), got)
	}
	if !strings.Contains(err.Error(), substr) {
		c.t.Fatalf("%s: error = %q, want substring %q", strings.Join(args, " "), err, substr)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.mustOK("SET", "io.sensor.temp", `{"v":21.5}`)

	got := c.do("GET", "io.sensor.temp")
	if string(got.([]byte)) != `{"v":21.5}` {
		t.Errorf("GET = %q, want the stored JSON", got)
	}
}

func TestGetMissingIsNull(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	if got := c.do("GET", "io.nope"); got != nil {
		t.Errorf("GET missing = %v, want null", got)
	}
}

func TestBinaryPayloadRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	payload := "not json at all"
	c.mustOK("SET", "io.blob", payload)

	got := c.do("GET", "io.blob")
	if string(got.([]byte)) != payload {
		t.Errorf("GET = %q, want byte-identical %q", got, payload)
	}
}

func TestGetUnknownNamespaceRejected(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.mustErrContaining("SB-NS-4090", "GET", "cache.foo")
	// The connection survives the error.
	if got := c.do("GET", "io.still.works"); got != nil {
		t.Errorf("GET after error = %v, want null", got)
	}
}

func TestSetNonStatesRejected(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.mustErrContaining("SB-NS-4090", "SET", "session.abc", "v")
	c.mustErrContaining("SB-NS-4090", "SET", "log.x", "v")
}

func TestMGet(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.mustOK("SET", "io.a", `1`)
	c.mustOK("SET", "io.c", `3`)

	got := c.do("MGET", "io.a", "io.b", "io.c").([]any)
	if len(got) != 3 {
		t.Fatalf("MGET returned %d items, want 3", len(got))
	}
	if string(got[0].([]byte)) != "1" {
		t.Errorf("item 0 = %v, want 1", got[0])
	}
	if got[1] != nil {
		t.Errorf("item 1 = %v, want null", got[1])
	}
	if string(got[2].([]byte)) != "3" {
		t.Errorf("item 2 = %v, want 3", got[2])
	}
}

func TestMGetForeignLastElementRejected(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	// Only the last element's namespace is checked.
	c.mustErrContaining("SB-NS-4090", "MGET", "io.a", "session.b")
}

func TestSetExAndSessions(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.mustOK("SETEX", "io.tmp", "60", `"x"`)
	if got := c.do("GET", "io.tmp"); string(got.([]byte)) != `"x"` {
		t.Errorf("GET io.tmp = %v", got)
	}

	c.mustOK("SETEX", "session.s1", "60", `{"user":"ada"}`)
	if got := c.do("GET", "session.s1"); string(got.([]byte)) != `{"user":"ada"}` {
		t.Errorf("GET session.s1 = %v", got)
	}
}

func TestSetExMalformedExpiry(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.mustErrContaining("SB-ARG-4000", "SETEX", "io.x", "soon", "v")
	c.mustErrContaining("SB-ARG-4000", "SETEX", "io.x", "0", "v")
	c.mustErrContaining("SB-ARG-4000", "SETEX", "io.x", "-5", "v")

	// Rejected before storage: the key must not exist.
	if got := c.do("GET", "io.x"); got != nil {
		t.Errorf("GET after rejected SETEX = %v, want null", got)
	}
}

func TestDel(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.mustOK("SET", "io.d", "1")
	if got := c.do("DEL", "io.d"); got != int64(1) {
		t.Errorf("DEL existing = %v, want :1", got)
	}
	if got := c.do("DEL", "io.d"); got != int64(0) {
		t.Errorf("DEL absent = %v, want :0", got)
	}

	// Session removal acknowledges regardless of prior existence.
	c.mustOK("DEL", "session.never.existed")
	c.mustOK("SETEX", "session.s", "60", "v")
	c.mustOK("DEL", "session.s")
	if got := c.do("GET", "session.s"); got != nil {
		t.Errorf("GET destroyed session = %v, want null", got)
	}

	c.mustErrContaining("SB-NS-4090", "DEL", "log.x")
}

func TestKeys(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.mustOK("SET", "io.sensor.temp", "1")
	c.mustOK("SET", "io.sensor.hum", "2")
	c.mustOK("SET", "io.device.a", "3")

	got := c.do("KEYS", "io.sensor.*").([]any)
	if len(got) != 2 {
		t.Fatalf("KEYS returned %d keys, want 2", len(got))
	}
	for _, item := range got {
		key := string(item.([]byte))
		if !strings.HasPrefix(key, "io.sensor.") {
			t.Errorf("key %q not requalified with the states prefix", key)
		}
	}

	c.mustErrContaining("SB-NS-4090", "KEYS", "session.*")
}

func TestPSubscribeFanOut(t *testing.T) {
	srv := newTestServer(t)
	sub := dial(t, srv)
	pub := dial(t, srv)

	ack := sub.do("PSUBSCRIBE", "io.sensor.*").([]any)
	if string(ack[0].([]byte)) != "psubscribe" || string(ack[1].([]byte)) != "io.sensor.*" || ack[2] != int64(1) {
		t.Fatalf("psubscribe ack = %v", ack)
	}

	pub.mustOK("SET", "io.sensor.temp", `{"v":1}`)

	sub.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	push := sub.read().([]any)
	if len(push) != 4 {
		t.Fatalf("push has %d elements, want 4", len(push))
	}
	if string(push[0].([]byte)) != "pmessage" {
		t.Errorf("push kind = %q, want pmessage", push[0])
	}
	if string(push[1].([]byte)) != "io.sensor.*" {
		t.Errorf("push pattern = %q, want io.sensor.*", push[1])
	}
	if string(push[2].([]byte)) != "io.sensor.temp" {
		t.Errorf("push channel = %q, want io.sensor.temp", push[2])
	}
	if string(push[3].([]byte)) != `{"v":1}` {
		t.Errorf("push payload = %q", push[3])
	}
}

func TestPSubscribeFirstMatchOnly(t *testing.T) {
	srv := newTestServer(t)
	sub := dial(t, srv)
	pub := dial(t, srv)

	sub.do("PSUBSCRIBE", "io.sensor.*")
	sub.do("PSUBSCRIBE", "io.*")

	pub.mustOK("SET", "io.sensor.temp", "1")
	pub.mustOK("SET", "io.other", "2")

	sub.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	first := sub.read().([]any)
	if string(first[1].([]byte)) != "io.sensor.*" {
		t.Errorf("first push pattern = %q, want io.sensor.*", first[1])
	}

	// Exactly one push per event: the next frame is the second event,
	// not a duplicate of the first under the broader pattern.
	second := sub.read().([]any)
	if string(second[1].([]byte)) != "io.*" || string(second[2].([]byte)) != "io.other" {
		t.Errorf("second push = pattern %q channel %q", second[1], second[2])
	}
}

func TestPUnsubscribeStopsFanOut(t *testing.T) {
	srv := newTestServer(t)
	sub := dial(t, srv)
	pub := dial(t, srv)

	sub.do("PSUBSCRIBE", "io.a.*")
	ack := sub.do("PUNSUBSCRIBE", "io.a.*").([]any)
	if string(ack[0].([]byte)) != "punsubscribe" {
		t.Fatalf("punsubscribe ack = %v", ack)
	}

	pub.mustOK("SET", "io.a.x", "1")

	// No push may arrive; a short deadline proves silence.
	sub.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := sub.br.ReadByte(); err == nil {
		t.Error("received a push after punsubscribe")
	}
}

func TestPublishLogAndMessageBox(t *testing.T) {
	srv := newTestServer(t)
	sub := dial(t, srv)
	pub := dial(t, srv)

	sub.do("PSUBSCRIBE", "log.audit.*")
	sub.do("PSUBSCRIBE", "messagebox.user.*")

	if got := pub.do("PUBLISH", "log.audit.login", `{"who":"ada"}`); got != int64(1) {
		t.Errorf("PUBLISH log = %v, want :1", got)
	}

	// Pushes carry the states prefix no matter which store the event
	// came from; the subscriber never sees log. or messagebox. back.
	sub.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	push := sub.read().([]any)
	if string(push[1].([]byte)) != "io.audit.*" {
		t.Errorf("log push pattern = %q, want io.audit.*", push[1])
	}
	if string(push[2].([]byte)) != "io.audit.login" {
		t.Errorf("log push channel = %q, want io.audit.login", push[2])
	}
	if string(push[3].([]byte)) != `{"who":"ada"}` {
		t.Errorf("log push payload = %q", push[3])
	}

	if got := pub.do("PUBLISH", "messagebox.user.1", "hi"); got != int64(1) {
		t.Errorf("PUBLISH messagebox = %v, want :1", got)
	}
	push = sub.read().([]any)
	if string(push[1].([]byte)) != "io.user.*" {
		t.Errorf("messagebox push pattern = %q, want io.user.*", push[1])
	}
	if string(push[2].([]byte)) != "io.user.1" {
		t.Errorf("messagebox push channel = %q, want io.user.1", push[2])
	}
}

func TestPublishStatesIsDropped(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	if got := c.do("PUBLISH", "io.sensor.temp", "1"); got != int64(0) {
		t.Errorf("PUBLISH states = %v, want :0", got)
	}
}

func TestPublishUnknownNamespaceRejected(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.mustErrContaining("SB-NS-4090", "PUBLISH", "cache.x", "1")
}

func TestPublishNoSubscribers(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	if got := c.do("PUBLISH", "log.nobody.listens", "1"); got != int64(0) {
		t.Errorf("PUBLISH without subscribers = %v, want :0", got)
	}
}

func TestExpiryNotification(t *testing.T) {
	srv := newTestServer(t)
	sub := dial(t, srv)
	pub := dial(t, srv)

	ack := sub.do("SUBSCRIBE", ExpiryChannel).([]any)
	if string(ack[0].([]byte)) != "subscribe" {
		t.Fatalf("subscribe ack = %v", ack)
	}

	pub.mustOK("SETEX", "io.fleeting", "1", "v")

	sub.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	push := sub.read().([]any)
	if len(push) != 3 {
		t.Fatalf("expiry push has %d elements, want 3", len(push))
	}
	if string(push[0].([]byte)) != "message" {
		t.Errorf("push kind = %q, want message", push[0])
	}
	if string(push[1].([]byte)) != ExpiryChannel {
		t.Errorf("push channel = %q, want %q", push[1], ExpiryChannel)
	}
	if string(push[2].([]byte)) != "io.fleeting" {
		t.Errorf("push payload = %q, want io.fleeting", push[2])
	}
}

func TestSubscribeOtherChannelRejected(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.mustErrContaining("SB-NS-4090", "SUBSCRIBE", "some.channel")
}

func TestClientName(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	if got := c.do("CLIENT", "GETNAME"); got != nil {
		t.Errorf("GETNAME before SETNAME = %v, want null", got)
	}
	c.mustOK("CLIENT", "SETNAME", "worker-7")
	if got := c.do("CLIENT", "GETNAME"); string(got.([]byte)) != "worker-7" {
		t.Errorf("GETNAME = %v, want worker-7", got)
	}

	c.mustErrContaining("unsupported CLIENT subcommand", "CLIENT", "LIST")
}

func TestConfigNotifyKeyspaceEvents(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.mustOK("CONFIG", "SET", "notify-keyspace-events", "Ex")
	c.mustErrContaining("unsupported CONFIG subcommand", "CONFIG", "GET", "maxmemory")
}

func TestInfo(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.mustOK("SET", "io.one", "1")
	c.mustOK("SETEX", "io.two", "60", "2")

	info := string(c.do("INFO").([]byte))
	if !strings.Contains(info, "db0:keys=2,expires=1") {
		t.Errorf("INFO keyspace line missing or wrong:\n%s", info)
	}
	if !strings.Contains(info, "connected_clients:1") {
		t.Errorf("INFO client count missing:\n%s", info)
	}
	if !strings.Contains(info, "run_id:") {
		t.Errorf("INFO run_id missing:\n%s", info)
	}
}

func TestUnknownCommand(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.mustErrContaining("unknown command 'FLUSHALL'", "FLUSHALL")
	c.mustErrContaining("namespace 'session.'", "HSET", "session.x", "f", "v")
}

func TestWrongArgCount(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.mustErrContaining("SB-ARG-4001", "GET")
	c.mustErrContaining("SB-ARG-4001", "SET", "io.x")
	c.mustErrContaining("SB-ARG-4001", "SETEX", "io.x", "10")
}

func TestQuitClosesConnection(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	if got := c.do("QUIT"); got != "OK" {
		t.Fatalf("QUIT = %v, want +OK", got)
	}

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.br.ReadByte(); err != io.EOF {
		t.Errorf("read after QUIT = %v, want EOF", err)
	}
}

func TestShutdownClosesClients(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.NewMemStore(storage.Config{Logger: log})
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}
	defer store.Close()

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	srv := New(cfg, store, metric.New(), log)
	store.SetNotifier(srv)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c := dial(t, srv)
	c.mustOK("SET", "io.x", "1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.br.ReadByte(); err == nil {
		t.Error("connection still alive after shutdown")
	}
	if srv.ConnCount() != 0 {
		t.Errorf("ConnCount after shutdown = %d, want 0", srv.ConnCount())
	}
}

func TestRateLimit(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.NewMemStore(storage.Config{Logger: log})
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}
	defer store.Close()

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.RateLimit = 1

	srv := New(cfg, store, metric.New(), log)
	store.SetNotifier(srv)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Shutdown(context.Background())

	c := dial(t, srv)
	if got := c.do("GET", "io.a"); got != nil {
		t.Fatalf("first command = %v, want null", got)
	}

	// The burst is spent; an immediate follow-up is throttled, and the
	// connection stays open.
	c.mustErrContaining("rate limit exceeded", "GET", "io.b")
}

func TestBindFailure(t *testing.T) {
	srv := newTestServer(t)

	cfg := DefaultConfig()
	cfg.Addr = srv.Addr().String() // already taken

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.NewMemStore(storage.Config{Logger: log})
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}
	defer store.Close()

	other := New(cfg, store, metric.New(), log)
	err = other.Start(context.Background())
	if err == nil {
		other.Shutdown(context.Background())
		t.Fatal("Start on an occupied address succeeded")
	}
	if !strings.Contains(err.Error(), "SB-NET-5000") {
		t.Errorf("bind error = %v, want SB-NET-5000", err)
	}
}
