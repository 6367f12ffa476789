// Package stores provides the persistence layer for run history. It
// includes SQLite-based storage with WAL mode, connection pooling, and
// embedded schema migrations for runs and their results.
package stores
