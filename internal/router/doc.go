// Package router moves chat messages, tasks and subscriptions between users
// and their bots.
//
// The bot registry stores bots without authorizing access to them. Every
// Router operation that names a bot first checks that the caller owns it,
// and a missing bot is reported exactly like a foreign one so clients cannot
// probe for bot ids.
package router
