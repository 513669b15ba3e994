// Package storage persists calendars, shares, users, events and the
// notification and activity records written about them.
//
// Drivers:
//   - "memory": process-local maps, used by tests and dry runs
//   - "sqlite": a SQLite file via modernc.org/sqlite with embedded migrations
//
// Lifecycle latches (reminder sent, start/end notified) are only ever set
// through FireTransition. UpdateEvent never touches them.
package storage
