// Package bot holds the registry of user-owned bots.
//
// The registry is a plain keyed store: it records each bot's owner but does
// not decide who may talk to a bot. Ownership checks happen in the router.
package bot
