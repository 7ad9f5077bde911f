// Package storage persists classification results and learned behavior state
// in a single SQLite database. The schema lives in migrations.sql and is
// applied on every open.
package storage
