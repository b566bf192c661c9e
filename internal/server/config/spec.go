package config

// ServerConfig is the root configuration for statebridge-server.
type ServerConfig struct {
	Server     ServerSection    `koanf:"server"`
	Namespaces NamespaceSection `koanf:"namespaces"`
	Storage    StorageSection   `koanf:"storage"`
	Log        LogSection       `koanf:"log"`
	Metrics    MetricsSection   `koanf:"metrics"`
}

// ServerSection configures the Redis protocol endpoint.
type ServerSection struct {
	// Addr is the bind address for the Redis protocol listener.
	Addr string `koanf:"addr"`

	// Secure requests TLS on the listener. Must be false: the bridge
	// refuses secure transport by design and treats a request for it as
	// a fatal configuration error.
	Secure bool `koanf:"secure"`

	// RateLimit is the maximum number of commands per second per client
	// IP. Set to 0 to disable rate limiting.
	RateLimit int `koanf:"rate_limit"`
}

// NamespaceSection configures the dot-terminated key prefixes that
// multiplex the four logical stores onto the flat Redis key space.
type NamespaceSection struct {
	States     string `koanf:"states"`
	Sessions   string `koanf:"sessions"`
	Log        string `koanf:"log"`
	MessageBox string `koanf:"messagebox"`
}

// StorageSection configures the backing store.
type StorageSection struct {
	// DataDir is the directory for on-disk state persistence.
	DataDir string `koanf:"data_dir"`

	// Persist enables write-through persistence of states.
	Persist bool `koanf:"persist"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`

	// Enhanced makes the server log every decoded command.
	Enhanced bool `koanf:"enhanced"`
}

// MetricsSection configures the Prometheus endpoint.
type MetricsSection struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}
