package databasechecker

import (
	"context"
	"log/slog"
	"time"

	"github.com/memohai/groupwatch/internal/healthcheck"
)

const (
	checkTypeDatabase = "database.ping"
	pingTimeout       = 2 * time.Second
)

// Pinger checks connectivity to the backing database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker reports whether the session-state database is reachable.
type Checker struct {
	logger *slog.Logger
	pinger Pinger
}

func NewChecker(log *slog.Logger, pinger Pinger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger: log.With(slog.String("checker", "healthcheck_database")),
		pinger: pinger,
	}
}

func (c *Checker) ListChecks(ctx context.Context, _ string) []healthcheck.CheckResult {
	item := healthcheck.CheckResult{
		ID:   checkTypeDatabase,
		Type: checkTypeDatabase,
	}
	if c.pinger == nil {
		item.Status = healthcheck.StatusOK
		item.Summary = "Using in-memory session state."
		return []healthcheck.CheckResult{item}
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.pinger.Ping(pingCtx); err != nil {
		c.logger.Warn("database ping failed", slog.Any("error", err))
		item.Status = healthcheck.StatusError
		item.Summary = "Database is unreachable."
		item.Detail = err.Error()
		return []healthcheck.CheckResult{item}
	}
	item.Status = healthcheck.StatusOK
	item.Summary = "Database is reachable."
	return []healthcheck.CheckResult{item}
}
