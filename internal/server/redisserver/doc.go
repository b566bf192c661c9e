// Package redisserver re-exposes the statebridge store through the
// Redis RESP protocol so unmodified Redis client libraries can read,
// write, and subscribe to values without knowing the real backend.
//
// Four logical stores (states, sessions, log, message box) are
// multiplexed onto the flat Redis key space via configurable
// dot-terminated prefixes. A curated command subset is supported;
// anything else yields a protocol error without closing the connection.
//
// Each connection is served by its own goroutine. Replies follow the
// completion order of the underlying storage calls, which need not
// equal arrival order under variable storage latency; this relaxation
// is accepted, not a bug. Pushes (pattern subscriptions, key-expiry
// events) originate on other goroutines and interleave with replies
// behind a per-connection write lock. Sending to a connection that has
// been torn down is a silent no-op.
package redisserver
