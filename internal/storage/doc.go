// Package storage persists sessions and the destination list in SQLite.
//
// It holds:
//   - Session rows (credential bundle, alias, lock flag)
//   - The destination address list consumed by broadcasts
package storage
