// Package dedupe drops client frames re-sent with an id the gateway has
// already processed within a time window.
package dedupe
