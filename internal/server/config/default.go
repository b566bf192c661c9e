package config

// Default configuration values.
const (
	DefaultAddr        = "127.0.0.1:9000"
	DefaultMetricsAddr = "127.0.0.1:9180"

	DefaultStatesPrefix     = "io."
	DefaultSessionsPrefix   = "session."
	DefaultLogPrefix        = "log."
	DefaultMessageBoxPrefix = "messagebox."

	DefaultRateLimit = 1000

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			Addr:      DefaultAddr,
			Secure:    false,
			RateLimit: DefaultRateLimit,
		},
		Namespaces: NamespaceSection{
			States:     DefaultStatesPrefix,
			Sessions:   DefaultSessionsPrefix,
			Log:        DefaultLogPrefix,
			MessageBox: DefaultMessageBoxPrefix,
		},
		Storage: StorageSection{
			Persist: false,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Metrics: MetricsSection{
			Enabled: false,
			Addr:    DefaultMetricsAddr,
		},
	}
}
