// Package config defines the server configuration structure.
package config
