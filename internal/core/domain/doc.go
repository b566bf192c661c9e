// Package domain defines the core value model and error taxonomy for
// statebridge.
package domain
