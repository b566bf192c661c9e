// Command statebridge-server runs the Redis protocol bridge.
//
// Configuration comes from defaults, an optional YAML file (--config),
// and STATEBRIDGE_* environment variables, in that override order. The
// --listen flag overrides the bind address from any source.
//
// Fatal startup errors use dedicated exit statuses: 2 for configuration
// errors (including a secure-transport request) and 3 for a bind
// failure.
package main
