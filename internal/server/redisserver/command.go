package redisserver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/statebridge-io/statebridge/internal/core/domain"
	"github.com/statebridge-io/statebridge/internal/infra/buildinfo"
)

// handlerFunc processes one decoded command. args[0] is the command
// name as received.
type handlerFunc func(c *Conn, args [][]byte)

// router dispatches decoded commands to their handlers. The table is
// fixed at construction; anything not in it is answered with an error
// reply that names the command, and the connection stays open.
type router struct {
	srv      *Server
	resolver *Resolver
	table    map[string]handlerFunc
}

func newRouter(s *Server) *router {
	r := &router{
		srv:      s,
		resolver: NewResolver(s.cfg.Prefixes),
	}
	r.table = map[string]handlerFunc{
		"INFO":         r.handleInfo,
		"QUIT":         r.handleQuit,
		"PUBLISH":      r.handlePublish,
		"MGET":         r.handleMGet,
		"GET":          r.handleGet,
		"SET":          r.handleSet,
		"SETEX":        r.handleSetEx,
		"DEL":          r.handleDel,
		"KEYS":         r.handleKeys,
		"PSUBSCRIBE":   r.handlePSubscribe,
		"PUNSUBSCRIBE": r.handlePUnsubscribe,
		"SUBSCRIBE":    r.handleSubscribe,
		"CONFIG":       r.handleConfig,
		"CLIENT":       r.handleClient,
	}
	return r
}

func (r *router) dispatch(c *Conn, args [][]byte) {
	name := normalizeCommandName(args[0])
	r.srv.metrics.CommandsTotal.WithLabelValues(name).Inc()

	if r.srv.cfg.EnhancedLogging {
		r.srv.logger.Debug("command", "conn_id", c.id, "args", formatArgs(args))
	}

	h, ok := r.table[name]
	if !ok {
		// Unknown commands report the command, the namespace the first
		// key argument would resolve to, and the raw arguments.
		ns := ""
		if len(args) > 1 {
			ns, _ = r.resolver.Resolve(string(args[1]))
		}
		r.srv.metrics.CommandErrors.Inc()
		c.sendError(fmt.Sprintf("ERR unknown command '%s' (namespace '%s', args %s)", name, ns, formatArgs(args)))
		return
	}
	h(c, args)
}

// formatArgs renders command arguments for error replies and logs.
func formatArgs(args [][]byte) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = string(a)
	}
	return strings.Join(parts, " ")
}

// replyErr answers with an error reply carrying the domain error code
// and counts it.
func (r *router) replyErr(c *Conn, err error) {
	r.srv.metrics.CommandErrors.Inc()
	if de, ok := err.(*domain.DomainError); ok {
		if de.Details != "" {
			c.sendError(fmt.Sprintf("ERR %s %s: %s", de.Code, de.Message, de.Details))
			return
		}
		c.sendError(fmt.Sprintf("ERR %s %s", de.Code, de.Message))
		return
	}
	c.sendError("ERR " + err.Error())
}

func (r *router) wrongArgs(c *Conn, name string) {
	r.replyErr(c, domain.ErrWrongArgCount.WithDetails("for '"+strings.ToLower(name)+"' command"))
}

func (r *router) handleInfo(c *Conn, args [][]byte) {
	keys, expires := r.srv.store.Counts(context.Background())
	r.srv.metrics.KeysLive.Set(float64(keys))
	r.srv.metrics.KeysExpiring.Set(float64(expires))

	var b strings.Builder
	b.WriteString("# Server\r\n")
	b.WriteString("statebridge_version:" + buildinfo.Get().Version + "\r\n")
	b.WriteString("run_id:" + r.srv.runID + "\r\n")
	b.WriteString("tcp_port:" + portOf(r.srv.cfg.Addr) + "\r\n")
	b.WriteString("\r\n# Clients\r\n")
	b.WriteString("connected_clients:" + strconv.Itoa(r.srv.ConnCount()) + "\r\n")
	b.WriteString("\r\n# Keyspace\r\n")
	fmt.Fprintf(&b, "db0:keys=%d,expires=%d,avg_ttl=0\r\n", keys, expires)

	c.sendBulk([]byte(b.String()))
}

func portOf(addr string) string {
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[idx+1:]
	}
	return ""
}

func (r *router) handleQuit(c *Conn, args [][]byte) {
	c.sendSimple("OK")
	_ = c.Close()
}

func (r *router) handleGet(c *Conn, args [][]byte) {
	if len(args) != 2 {
		r.wrongArgs(c, "GET")
		return
	}
	key := string(args[1])
	p := r.resolver.Prefixes()

	ns, id := r.resolver.Resolve(key)
	var (
		v   *domain.Value
		err error
	)
	switch ns {
	case p.States:
		v, err = r.srv.store.GetState(context.Background(), id)
	case p.Sessions:
		v, err = r.srv.store.GetSession(context.Background(), strings.TrimPrefix(key, p.Sessions))
	default:
		r.replyErr(c, domain.ErrUnsupportedNamespace.WithDetails("GET "+ns))
		return
	}
	if err != nil {
		if domain.IsDomainError(err, domain.ErrKeyNotFound.Code) || domain.IsDomainError(err, domain.ErrSessionNotFound.Code) {
			c.sendNull()
			return
		}
		r.replyErr(c, err)
		return
	}

	payload, err := v.Encode()
	if err != nil {
		r.replyErr(c, err)
		return
	}
	c.sendBulk(payload)
}

func (r *router) handleMGet(c *Conn, args [][]byte) {
	if len(args) < 2 {
		r.wrongArgs(c, "MGET")
		return
	}
	keys := make([]string, 0, len(args)-1)
	for _, a := range args[1:] {
		keys = append(keys, string(a))
	}

	ns, ids := r.resolver.ResolveList(keys)
	if ns != r.resolver.Prefixes().States {
		r.replyErr(c, domain.ErrUnsupportedNamespace.WithDetails("MGET "+ns))
		return
	}

	values, err := r.srv.store.GetStates(context.Background(), ids)
	if err != nil {
		r.replyErr(c, err)
		return
	}

	items := make([][]byte, len(values))
	for i, v := range values {
		if v == nil {
			items[i] = nil
			continue
		}
		payload, err := v.Encode()
		if err != nil {
			r.replyErr(c, err)
			return
		}
		items[i] = payload
	}
	c.sendValueArray(items)
}

func (r *router) handleSet(c *Conn, args [][]byte) {
	if len(args) != 3 {
		r.wrongArgs(c, "SET")
		return
	}
	ns, id := r.resolver.Resolve(string(args[1]))
	if ns != r.resolver.Prefixes().States {
		r.replyErr(c, domain.ErrUnsupportedNamespace.WithDetails("SET "+ns))
		return
	}

	v := domain.DecodeValue(args[2])
	if err := r.srv.store.SetState(context.Background(), id, v); err != nil {
		r.replyErr(c, err)
		return
	}
	c.sendSimple("OK")
}

func (r *router) handleSetEx(c *Conn, args [][]byte) {
	if len(args) != 4 {
		r.wrongArgs(c, "SETEX")
		return
	}
	key := string(args[1])
	p := r.resolver.Prefixes()

	// The expiry is validated before any storage call so a malformed
	// argument never mutates state.
	secs, err := strconv.ParseInt(string(args[2]), 10, 64)
	if err != nil || secs <= 0 {
		r.replyErr(c, domain.ErrMalformedArgument.WithDetails("invalid expire time in 'setex' command"))
		return
	}
	ttl := time.Duration(secs) * time.Second
	v := domain.DecodeValue(args[3])

	ns, id := r.resolver.Resolve(key)
	switch ns {
	case p.States:
		err = r.srv.store.SetStateTTL(context.Background(), id, v, ttl)
	case p.Sessions:
		err = r.srv.store.SetSession(context.Background(), strings.TrimPrefix(key, p.Sessions), v, ttl)
	default:
		r.replyErr(c, domain.ErrUnsupportedNamespace.WithDetails("SETEX "+ns))
		return
	}
	if err != nil {
		r.replyErr(c, err)
		return
	}
	c.sendSimple("OK")
}

func (r *router) handleDel(c *Conn, args [][]byte) {
	if len(args) != 2 {
		r.wrongArgs(c, "DEL")
		return
	}
	key := string(args[1])
	p := r.resolver.Prefixes()

	ns, id := r.resolver.Resolve(key)
	switch ns {
	case p.States:
		n, err := r.srv.store.DelState(context.Background(), id)
		if err != nil {
			r.replyErr(c, err)
			return
		}
		c.sendInteger(int64(n))
	case p.Sessions:
		// Destroying an absent session still acknowledges; session
		// removal is idempotent.
		if err := r.srv.store.DestroySession(context.Background(), strings.TrimPrefix(key, p.Sessions)); err != nil {
			r.replyErr(c, err)
			return
		}
		c.sendSimple("OK")
	default:
		r.replyErr(c, domain.ErrUnsupportedNamespace.WithDetails("DEL "+ns))
	}
}

func (r *router) handleKeys(c *Conn, args [][]byte) {
	if len(args) != 2 {
		r.wrongArgs(c, "KEYS")
		return
	}
	ns, pattern := r.resolver.Resolve(string(args[1]))
	if ns != r.resolver.Prefixes().States {
		r.replyErr(c, domain.ErrUnsupportedNamespace.WithDetails("KEYS "+ns))
		return
	}

	ids, err := r.srv.store.Keys(context.Background(), pattern)
	if err != nil {
		r.replyErr(c, err)
		return
	}

	items := make([][]byte, len(ids))
	for i, id := range ids {
		items[i] = []byte(r.resolver.Qualify(id))
	}
	c.sendValueArray(items)
}

func (r *router) handlePublish(c *Conn, args [][]byte) {
	if len(args) != 3 {
		r.wrongArgs(c, "PUBLISH")
		return
	}
	channel := string(args[1])
	p := r.resolver.Prefixes()

	ns, _ := r.resolver.Resolve(channel)
	var (
		typ SubType
		id  string
	)
	switch ns {
	case p.States:
		// State values change through SET, not PUBLISH; a state-channel
		// publish is accepted and dropped with zero receivers.
		c.sendInteger(0)
		return
	case p.Log:
		typ, id = SubLog, strings.TrimPrefix(channel, p.Log)
	case p.MessageBox:
		typ, id = SubMessage, strings.TrimPrefix(channel, p.MessageBox)
	default:
		r.replyErr(c, domain.ErrUnsupportedNamespace.WithDetails("PUBLISH "+ns))
		return
	}

	v := domain.DecodeValue(args[2])
	delivered := int64(0)
	for _, conn := range r.srv.snapshotConns() {
		delivered += int64(r.publishToClients(conn, typ, id, v))
	}
	c.sendInteger(delivered)
}

// subTypeFor classifies a pattern or channel key for subscription
// commands. The returned id has the namespace prefix stripped.
func (r *router) subTypeFor(key string) (SubType, string, bool) {
	p := r.resolver.Prefixes()
	ns, id := r.resolver.Resolve(key)
	switch ns {
	case p.States:
		return SubState, id, true
	case p.Log:
		return SubLog, strings.TrimPrefix(key, p.Log), true
	case p.MessageBox:
		return SubMessage, strings.TrimPrefix(key, p.MessageBox), true
	default:
		return "", "", false
	}
}

func (r *router) handlePSubscribe(c *Conn, args [][]byte) {
	if len(args) != 2 {
		r.wrongArgs(c, "PSUBSCRIBE")
		return
	}
	pattern := string(args[1])

	typ, stripped, ok := r.subTypeFor(pattern)
	if !ok {
		ns, _ := r.resolver.Resolve(pattern)
		r.replyErr(c, domain.ErrUnsupportedNamespace.WithDetails("PSUBSCRIBE "+ns))
		return
	}
	c.Matchers(typ).Subscribe(stripped)
	c.sendSubAck("psubscribe", pattern, 1)
}

func (r *router) handlePUnsubscribe(c *Conn, args [][]byte) {
	if len(args) != 2 {
		r.wrongArgs(c, "PUNSUBSCRIBE")
		return
	}
	pattern := string(args[1])

	typ, stripped, ok := r.subTypeFor(pattern)
	if !ok {
		ns, _ := r.resolver.Resolve(pattern)
		r.replyErr(c, domain.ErrUnsupportedNamespace.WithDetails("PUNSUBSCRIBE "+ns))
		return
	}
	// Unsubscribing an unknown pattern still acknowledges; the matcher
	// set simply stays as it was.
	c.Matchers(typ).Unsubscribe(stripped)
	c.sendSubAck("punsubscribe", pattern, 1)
}

func (r *router) handleSubscribe(c *Conn, args [][]byte) {
	if len(args) != 2 {
		r.wrongArgs(c, "SUBSCRIBE")
		return
	}
	channel := string(args[1])
	if channel != ExpiryChannel {
		r.replyErr(c, domain.ErrUnsupportedNamespace.WithDetails("SUBSCRIBE supports only "+ExpiryChannel))
		return
	}
	c.expiryEvents.Store(true)
	c.sendSubAck("subscribe", channel, 1)
}

func (r *router) handleConfig(c *Conn, args [][]byte) {
	if len(args) < 2 {
		r.wrongArgs(c, "CONFIG")
		return
	}
	sub := normalizeCommandName(args[1])
	if sub == "SET" && len(args) == 4 && strings.EqualFold(string(args[2]), "notify-keyspace-events") {
		// Accepted for client compatibility. Expiry events are always
		// emitted to subscribers of the key-event channel, so the
		// requested flag set is not stored.
		c.sendSimple("OK")
		return
	}
	r.srv.metrics.CommandErrors.Inc()
	c.sendError(fmt.Sprintf("ERR unsupported CONFIG subcommand '%s'", formatArgs(args[1:])))
}

func (r *router) handleClient(c *Conn, args [][]byte) {
	if len(args) < 2 {
		r.wrongArgs(c, "CLIENT")
		return
	}
	switch normalizeCommandName(args[1]) {
	case "SETNAME":
		if len(args) != 3 {
			r.wrongArgs(c, "CLIENT SETNAME")
			return
		}
		c.SetName(string(args[2]))
		c.sendSimple("OK")
	case "GETNAME":
		name, ok := c.Name()
		if !ok {
			c.sendNull()
			return
		}
		c.sendBulk([]byte(name))
	default:
		r.srv.metrics.CommandErrors.Inc()
		c.sendError(fmt.Sprintf("ERR unsupported CLIENT subcommand '%s'", normalizeCommandName(args[1])))
	}
}

// publishToClients delivers one value to a single connection if any of
// its patterns for the given type match. At most one pmessage goes out
// per connection per event: the first matching pattern wins. Pattern
// and channel are re-qualified with the states prefix regardless of
// which store the event originated in; only the bare expiry event
// bypasses this. A payload that cannot be serialized is logged and
// counts as zero deliveries.
func (r *router) publishToClients(c *Conn, typ SubType, id string, v *domain.Value) int {
	sub, ok := c.Matchers(typ).Test(id)
	if !ok {
		return 0
	}

	payload, err := v.Encode()
	if err != nil {
		r.srv.logger.Error("publish serialization failed", "conn_id", c.id, "id", id, "error", err)
		return 0
	}

	c.sendPMessage(r.resolver.Qualify(sub.Pattern), r.resolver.Qualify(id), payload)
	r.srv.metrics.PublishDelivered.Inc()
	return 1
}
