package store

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

var keyValueDSN = regexp.MustCompile(`^\s*\w+=\S*(\s+\w+=\S*)+\s*$`)

// DetectDSNType returns "postgres" for Postgres URLs and key=value connection strings,
// and "sqlite3" for everything else (file paths).
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres"
	case strings.Contains(lower, "host=") || keyValueDSN.MatchString(lower):
		return "postgres"
	default:
		return "sqlite3"
	}
}

// Open creates the store backend matching dsn. An empty dsn yields an in-memory store.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		slog.Warn("No database DSN configured, using in-memory store; state will not survive restarts")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(dsn) {
	case "postgres":
		s, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	}
}
