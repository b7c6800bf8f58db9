package storage

// Package storage opens the SQLite database shared by the domain stores
// (jobs, leitner, phrases, profiles, board) and applies migrations.
//
// SQLite is treated as a simple document store: each domain package owns
// its tables and queries; this package only owns the handle and schema.
