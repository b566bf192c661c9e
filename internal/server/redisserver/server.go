package redisserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/statebridge-io/statebridge/internal/core/domain"
	"github.com/statebridge-io/statebridge/internal/storage"
	"github.com/statebridge-io/statebridge/internal/telemetry/metric"
	"github.com/statebridge-io/statebridge/pkg/cmap"
)

// ExpiryChannel is the only channel plain SUBSCRIBE accepts. Key-expiry
// notifications are delivered on it as bare message pushes.
const ExpiryChannel = "__keyevent@0__:expired"

// Config holds the bridge server configuration.
type Config struct {
	// Addr is the bind address for the listener.
	Addr string

	// Prefixes are the namespace key prefixes.
	Prefixes Prefixes

	// RateLimit is the maximum number of commands per second per client
	// IP. Set to 0 to disable rate limiting.
	RateLimit int

	// EnhancedLogging logs every decoded command at debug level.
	EnhancedLogging bool

	// OnListen, if set, is invoked once the listener is bound.
	OnListen func(addr net.Addr)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:      "127.0.0.1:9000",
		Prefixes:  DefaultPrefixes(),
		RateLimit: 1000,
	}
}

// Conn represents a single client connection. Replies and pushes share
// the buffered writer behind wmu; once closed is set, every send
// becomes a silent no-op.
type Conn struct {
	id      string
	netConn net.Conn
	br      *bufio.Reader

	wmu sync.Mutex
	bw  *bufio.Writer

	closed atomic.Bool

	nameMu sync.RWMutex
	name   string
	named  bool

	matchers     map[SubType]*MatcherSet
	expiryEvents atomic.Bool

	limiter *rate.Limiter
}

func newConn(c net.Conn) *Conn {
	return &Conn{
		id:      ulid.Make().String(),
		netConn: c,
		br:      bufio.NewReader(c),
		bw:      bufio.NewWriter(c),
		matchers: map[SubType]*MatcherSet{
			SubState:   NewMatcherSet(),
			SubLog:     NewMatcherSet(),
			SubMessage: NewMatcherSet(),
		},
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.netConn.Close()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// Name returns the display name and whether one was ever set.
func (c *Conn) Name() (string, bool) {
	c.nameMu.RLock()
	defer c.nameMu.RUnlock()
	return c.name, c.named
}

// SetName sets the display name.
func (c *Conn) SetName(name string) {
	c.nameMu.Lock()
	c.name = name
	c.named = true
	c.nameMu.Unlock()
}

// Matchers returns the matcher set for a subscription type.
func (c *Conn) Matchers(typ SubType) *MatcherSet {
	return c.matchers[typ]
}

// send runs fn against the buffered writer and flushes, as one framed
// unit. Errors mark the connection closed; the serve loop notices on
// its next read.
func (c *Conn) send(fn func(w *bufio.Writer) error) {
	if c.closed.Load() {
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return
	}
	if err := fn(c.bw); err != nil {
		c.closed.Store(true)
		_ = c.netConn.Close()
		return
	}
	if err := c.bw.Flush(); err != nil {
		c.closed.Store(true)
		_ = c.netConn.Close()
	}
}

func (c *Conn) sendSimple(s string) {
	c.send(func(w *bufio.Writer) error { return WriteSimpleString(w, s) })
}

func (c *Conn) sendError(msg string) {
	c.send(func(w *bufio.Writer) error { return WriteError(w, msg) })
}

func (c *Conn) sendInteger(n int64) {
	c.send(func(w *bufio.Writer) error { return WriteInteger(w, n) })
}

func (c *Conn) sendBulk(b []byte) {
	c.send(func(w *bufio.Writer) error { return WriteBulk(w, b) })
}

func (c *Conn) sendNull() {
	c.send(func(w *bufio.Writer) error { return WriteNullBulk(w) })
}

// sendValueArray writes an array of bulk strings; nil elements become
// null bulks.
func (c *Conn) sendValueArray(items [][]byte) {
	c.send(func(w *bufio.Writer) error {
		if err := WriteArrayHeader(w, len(items)); err != nil {
			return err
		}
		for _, item := range items {
			if err := WriteBulk(w, item); err != nil {
				return err
			}
		}
		return nil
	})
}

// sendSubAck acknowledges a (p)subscribe/(p)unsubscribe: the command
// name, the original pattern, and a count of 1.
func (c *Conn) sendSubAck(kind, pattern string, count int64) {
	c.send(func(w *bufio.Writer) error {
		if err := WriteArrayHeader(w, 3); err != nil {
			return err
		}
		if err := WriteBulkString(w, kind); err != nil {
			return err
		}
		if err := WriteBulkString(w, pattern); err != nil {
			return err
		}
		return WriteInteger(w, count)
	})
}

// sendPMessage pushes a pattern-subscription match.
func (c *Conn) sendPMessage(pattern, channel string, payload []byte) {
	c.send(func(w *bufio.Writer) error {
		if err := WriteArrayHeader(w, 4); err != nil {
			return err
		}
		if err := WriteBulkString(w, "pmessage"); err != nil {
			return err
		}
		if err := WriteBulkString(w, pattern); err != nil {
			return err
		}
		if err := WriteBulkString(w, channel); err != nil {
			return err
		}
		return WriteBulk(w, payload)
	})
}

// sendMessage pushes a plain channel message.
func (c *Conn) sendMessage(channel string, payload []byte) {
	c.send(func(w *bufio.Writer) error {
		if err := WriteArrayHeader(w, 3); err != nil {
			return err
		}
		if err := WriteBulkString(w, "message"); err != nil {
			return err
		}
		if err := WriteBulkString(w, channel); err != nil {
			return err
		}
		return WriteBulk(w, payload)
	})
}

// Server owns the listener and the connection registry.
type Server struct {
	cfg     *Config
	store   storage.Engine
	logger  *slog.Logger
	metrics *metric.Metrics
	router  *router
	runID   string

	ln      net.Listener
	running atomic.Bool
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*Conn

	// Per-IP command rate limiters, shared across connections from the
	// same host.
	limiters *cmap.Map[*rate.Limiter]
}

// New creates a new bridge server over the given storage engine. The
// server registers itself as the engine's change notifier so state
// writes and expirations fan out to subscribed connections.
func New(cfg *Config, store storage.Engine, metrics *metric.Metrics, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = metric.New()
	}

	s := &Server{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		metrics:  metrics,
		runID:    ulid.Make().String(),
		conns:    make(map[string]*Conn),
		limiters: cmap.New[*rate.Limiter](),
	}
	s.router = newRouter(s)
	return s
}

// Start binds the listener and spawns the accept loop. A bind failure
// is returned to the caller, which treats it as fatal; it is not
// retried here.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return domain.ErrBindFailure.WithDetails(s.cfg.Addr).WithCause(err)
	}
	s.ln = ln
	s.running.Store(true)

	s.logger.Info("bridge server listening", "addr", ln.Addr().String(), "run_id", s.runID)
	if s.cfg.OnListen != nil {
		s.cfg.OnListen(ln.Addr())
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.acceptLoop(ctx); err != nil && s.running.Load() {
			s.logger.Error("accept loop error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown closes every connection handler first, then the listener,
// and waits for the serve goroutines to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	var firstErr error
	if s.ln != nil {
		if err := s.ln.Close(); err != nil {
			firstErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("bridge server stopped", "run_id", s.runID)
	return firstErr
}

// ConnCount returns the number of registered connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		conn := newConn(c)
		conn.limiter = s.limiterFor(c.RemoteAddr())
		s.register(conn)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// limiterFor returns the shared rate limiter for a client host, or nil
// when limiting is disabled. Limiters are never evicted; the realistic
// client population is small.
func (s *Server) limiterFor(addr net.Addr) *rate.Limiter {
	if s.cfg.RateLimit <= 0 {
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	if l, ok := s.limiters.Get(host); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateLimit)
	s.limiters.Set(host, l)
	return l
}

// register adds the connection to the registry, keyed by remote
// address. The entry lives exactly as long as the socket.
func (s *Server) register(c *Conn) {
	s.mu.Lock()
	s.conns[c.RemoteAddr().String()] = c
	s.mu.Unlock()

	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()
	s.logger.Debug("connection opened", "remote", c.RemoteAddr().String(), "conn_id", c.id)
}

// unregister removes the registry entry; the connection's subscriptions
// die with it since they live on the Conn itself.
func (s *Server) unregister(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.RemoteAddr().String())
	s.mu.Unlock()

	s.metrics.ConnectionsActive.Dec()
	s.logger.Debug("connection closed", "remote", c.RemoteAddr().String(), "conn_id", c.id)
}

func (s *Server) serveConn(c *Conn) {
	defer func() {
		_ = c.Close()
		s.unregister(c)
	}()

	for {
		args, err := ReadCommand(c.br)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, ErrLimitExceeded) {
				s.logger.Warn("protocol limit exceeded", "remote", c.RemoteAddr().String(), "error", err)
				c.sendError("ERR protocol limit exceeded")
				return
			}
			if c.closed.Load() {
				return
			}
			c.sendError("ERR protocol error: " + err.Error())
			return
		}

		if len(args) == 0 {
			continue
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.sendError(fmt.Sprintf("ERR rate limit exceeded (%d commands/s)", s.cfg.RateLimit))
			continue
		}

		s.router.dispatch(c, args)

		if c.closed.Load() {
			return
		}
	}
}

// snapshotConns copies the registry for fan-out without holding the
// lock during sends.
func (s *Server) snapshotConns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// StateChanged implements storage.Notifier: every state write fans out
// to connections holding a matching state pattern subscription.
func (s *Server) StateChanged(id string, v *domain.Value) {
	for _, c := range s.snapshotConns() {
		s.router.publishToClients(c, SubState, id, v)
	}
}

// StateExpired implements storage.Notifier: expirations are delivered
// as bare message pushes on the key-expiry channel, carrying the
// qualified id of the expired state.
func (s *Server) StateExpired(id string) {
	qualified := []byte(s.router.resolver.Qualify(id))
	for _, c := range s.snapshotConns() {
		if c.expiryEvents.Load() {
			c.sendMessage(ExpiryChannel, qualified)
			s.metrics.PublishDelivered.Inc()
		}
	}
}
