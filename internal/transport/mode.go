package transport

import (
	"strings"

	"go.uber.org/zap"
)

// Mode is the transport selected for this process. The concrete variants are
// SharedBackend, DatabaseNotify and LocalOnly.
type Mode interface {
	Name() string
	isMode()
}

// SharedBackend fans events out through cache pub/sub.
type SharedBackend struct {
	URL string
}

// DatabaseNotify fans events out through relational LISTEN/NOTIFY.
type DatabaseNotify struct {
	DSN string
}

// LocalOnly delivers to same-process connections only.
type LocalOnly struct{}

// Name implements Mode.
func (SharedBackend) Name() string { return "shared-backend" }

// Name implements Mode.
func (DatabaseNotify) Name() string { return "database-notify" }

// Name implements Mode.
func (LocalOnly) Name() string { return "local-only" }

func (SharedBackend) isMode()  {}
func (DatabaseNotify) isMode() {}
func (LocalOnly) isMode()      {}

// Settings are the deployment inputs the resolver inspects.
type Settings struct {
	QueueBackend   string
	DatabaseDriver string
	DatabaseDSN    string
	CacheURL       string
}

// Resolve picks the transport mode. A shared-cache queue backend wins; without
// a cache URL it degrades to LocalOnly with a warning. Otherwise a networked
// relational driver selects DatabaseNotify.
func Resolve(s Settings, logger *zap.Logger) Mode {
	if logger == nil {
		logger = zap.NewNop()
	}
	if isSharedCache(s.QueueBackend) {
		url := strings.TrimSpace(s.CacheURL)
		if url == "" {
			logger.Warn("shared cache queue backend configured without cache url; cross-process delivery disabled",
				zap.String("queue_backend", s.QueueBackend),
			)
			return LocalOnly{}
		}
		return SharedBackend{URL: url}
	}
	if isNetworkedDatabase(s.DatabaseDriver) {
		dsn := strings.TrimSpace(s.DatabaseDSN)
		if dsn == "" {
			logger.Warn("networked database driver configured without dsn; cross-process delivery disabled",
				zap.String("database_driver", s.DatabaseDriver),
			)
			return LocalOnly{}
		}
		return DatabaseNotify{DSN: dsn}
	}
	return LocalOnly{}
}

func isSharedCache(backend string) bool {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "redis", "shared-cache", "shared_cache":
		return true
	default:
		return false
	}
}

func isNetworkedDatabase(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pgx":
		return true
	default:
		return false
	}
}
