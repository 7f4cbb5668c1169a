// Package storage persists bot credentials, per-tenant settings, the
// sanction ledger and control-plane settings.
//
// Drivers:
//   - "memory": process-local maps (tests, throwaway runs)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL through a pgx connection pool
//
// Sets and maps are stored as JSON documents. Partial settings updates are
// applied in Go (SettingsPatch.Apply) and written back as a whole row, so
// concurrent updates of the same row are last-write-wins.
package storage
