// Package tunnel supervises the external process that makes the gateway
// reachable from the internet.
//
// Three providers share one interface: a self-hosted reverse tunnel client,
// tailscale funnel/serve, and the localtunnel CLI. The Supervisor spawns the
// provider's command, scans its output for the public URL, and declares the
// tunnel running once the URL appears or a grace period passes with the
// process still alive. Failed starts are retried with a constant backoff; a
// running tunnel that dies on its own is restarted under the same policy.
//
// Instance states:
//
//	idle -> starting -> running -> crashed -> starting ...
package tunnel
