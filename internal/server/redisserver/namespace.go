package redisserver

import "strings"

// Prefixes holds the dot-terminated key prefixes that multiplex the
// four logical stores onto one flat key space. A namespace is identified
// by its prefix string.
type Prefixes struct {
	States     string
	Sessions   string
	Log        string
	MessageBox string
}

// DefaultPrefixes returns the standard prefix set.
func DefaultPrefixes() Prefixes {
	return Prefixes{
		States:     "io.",
		Sessions:   "session.",
		Log:        "log.",
		MessageBox: "messagebox.",
	}
}

// Resolver maps protocol keys to (namespace, logical id) pairs. It is a
// pure value type; resolution never touches storage.
type Resolver struct {
	p Prefixes
}

// NewResolver creates a resolver over the given prefixes.
func NewResolver(p Prefixes) *Resolver {
	return &Resolver{p: p}
}

// Prefixes returns the configured prefix set.
func (r *Resolver) Prefixes() Prefixes {
	return r.p
}

// Resolve maps one protocol key to its namespace and logical id. The
// candidate prefix is the substring up to and including the first dot.
// The States prefix is stripped here; every other candidate is returned
// verbatim as the namespace with the key left unstripped, and the
// namespace-specific handlers strip their own prefixes. A key with no
// separator belongs to States unchanged.
func (r *Resolver) Resolve(key string) (ns string, id string) {
	idx := strings.Index(key, ".")
	if idx == -1 {
		return r.p.States, key
	}

	candidate := key[:idx+1]
	if candidate == r.p.States {
		return r.p.States, key[idx+1:]
	}
	return candidate, key
}

// ResolveList resolves every element independently. The namespace
// reported for the list is that of the last element only, a
// compatibility quirk kept on purpose, not a merge guarantee.
func (r *Resolver) ResolveList(keys []string) (ns string, ids []string) {
	ns = r.p.States
	ids = make([]string, len(keys))
	for i, k := range keys {
		ns, ids[i] = r.Resolve(k)
	}
	return ns, ids
}

// Qualify re-attaches the States prefix to a logical id for replies and
// push messages.
func (r *Resolver) Qualify(id string) string {
	return r.p.States + id
}
