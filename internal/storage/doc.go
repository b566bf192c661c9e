// Package storage provides the backing store for statebridge.
//
// The Engine interface is what the protocol layer consumes: state and
// session values by logical id, key enumeration by glob pattern, and
// TTL-driven expiry. The in-memory implementation owns the expiry timers
// and reports changes and expirations through a Notifier so the protocol
// layer can fan them out to subscribed connections. An optional Badger
// write-through keeps states across restarts.
package storage
