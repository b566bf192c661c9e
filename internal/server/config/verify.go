package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/statebridge-io/statebridge/internal/core/domain"
)

// Verify validates the configuration. A secure-transport request yields
// domain.ErrSecureTransport, which the entry point maps to a dedicated
// exit status.
func Verify(cfg *ServerConfig) error {
	if cfg.Server.Secure {
		return domain.ErrSecureTransport
	}
	if cfg.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if cfg.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must not be negative")
	}

	if err := verifyNamespaces(&cfg.Namespaces); err != nil {
		return err
	}
	return verifyStorage(&cfg.Storage)
}

func verifyNamespaces(cfg *NamespaceSection) error {
	prefixes := map[string]string{
		"namespaces.states":     cfg.States,
		"namespaces.sessions":   cfg.Sessions,
		"namespaces.log":        cfg.Log,
		"namespaces.messagebox": cfg.MessageBox,
	}

	seen := make(map[string]string, len(prefixes))
	for key, p := range prefixes {
		if p == "" {
			return fmt.Errorf("%s is required", key)
		}
		if !strings.HasSuffix(p, ".") {
			return fmt.Errorf("%s must end with '.'", key)
		}
		if prev, dup := seen[p]; dup {
			return fmt.Errorf("%s and %s share prefix %q", prev, key, p)
		}
		seen[p] = key
	}
	return nil
}

func verifyStorage(cfg *StorageSection) error {
	if !cfg.Persist {
		return nil
	}
	if cfg.DataDir == "" {
		return errors.New("storage.data_dir is required when storage.persist is enabled")
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return errors.New("cannot create data directory: " + err.Error())
	}
	return nil
}
