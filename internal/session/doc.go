// Package session tracks one logical session per user across all of the
// user's connected devices.
//
// A session is created by the first authenticated connection of a user and
// destroyed when its last connection detaches or when it has been idle for
// longer than the configured timeout. Sessions hold connection ids only; the
// connection records themselves belong to the connection registry.
package session
