// Package buildinfo provides build-time version information.
package buildinfo
