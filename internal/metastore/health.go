package metastore

import (
	"context"
	"fmt"
)

// DatabaseHealth captures diagnostic information about the metadata store.
type DatabaseHealth struct {
	Dialect        Dialect
	Location       string
	Reachable      bool
	SchemaVersions []string
	TableCounts    map[string]int
	Error          string
}

var healthTables = []string{"datasets", "queue_entries", "derived_artifacts", "log_entries"}

// CheckHealth pings the store and gathers row counts per table.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{
		Dialect:     s.dialect,
		Location:    s.location,
		TableCounts: make(map[string]int, len(healthTables)),
	}
	if err := s.Ping(ctx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping store: %w", err)
	}
	health.Reachable = true

	versions, err := s.SchemaVersions(ctx)
	if err != nil {
		health.Error = err.Error()
		return health, err
	}
	health.SchemaVersions = versions

	for _, table := range healthTables {
		var count int
		if err := s.QueryRow(ctx, "SELECT COUNT(1) FROM "+table).Scan(&count); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("count %s: %w", table, err)
		}
		health.TableCounts[table] = count
	}
	return health, nil
}
