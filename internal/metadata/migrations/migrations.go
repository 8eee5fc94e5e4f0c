// Package migrations holds the daemon's schema migrations, one
// *migrate.Migration per file registered via init(), in the exact
// pattern used by internal/praefect/datastore/migrations in the
// teacher repository.
package migrations

import migrate "github.com/rubenv/sql-migrate"

var allMigrations []*migrate.Migration

// All returns every registered migration in registration order. A real
// migration source in production use would sort these by Id; this
// daemon has few enough that registration order (oldest file first)
// is kept in sync with Id order by convention.
func All() *migrate.MemoryMigrationSource {
	return &migrate.MemoryMigrationSource{Migrations: allMigrations}
}
