// Package store persists tasks using SQLite.
//
// # Data Model
//
// A Task belongs to the user who created it and is addressed to one of that
// user's bots. Priorities are low, medium, high and urgent; statuses are
// pending, in_progress, completed, cancelled and failed.
//
// # SQLite Configuration
//
// By default the store opens ":memory:", so tasks live for the lifetime of
// the process. The pool is capped at one connection because every new
// connection to ":memory:" would open an empty database. File-backed stores
// enable WAL mode:
//
//	PRAGMA journal_mode=WAL;
//
// # Testing
//
// Use NewMockStore() for unit tests of packages that depend on TaskStore,
// and NewSQLiteStore(":memory:") when real SQL behaviour matters.
package store
