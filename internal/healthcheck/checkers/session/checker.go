package sessionchecker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/groupwatch/internal/healthcheck"
	"github.com/memohai/groupwatch/internal/session"
)

const checkTypeSession = "session.state"

// StatusReader reads a tenant's session status.
type StatusReader interface {
	Status(tenantID string) (session.Status, error)
}

// Checker reports the health of a tenant's session.
type Checker struct {
	logger *slog.Logger
	reader StatusReader
}

// NewChecker creates a session health checker.
func NewChecker(log *slog.Logger, reader StatusReader) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger: log.With(slog.String("checker", "healthcheck_session")),
		reader: reader,
	}
}

// ListChecks maps the session state to a single check item.
func (c *Checker) ListChecks(ctx context.Context, tenantID string) []healthcheck.CheckResult {
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return []healthcheck.CheckResult{}
	}
	item := healthcheck.CheckResult{
		ID:       checkTypeSession + "." + tenantID,
		Type:     checkTypeSession,
		Subtitle: tenantID,
	}
	if c.reader == nil {
		c.logger.Warn("session healthcheck dependency is unavailable", slog.String("tenant_id", tenantID))
		item.Status = healthcheck.StatusWarn
		item.Summary = "Session checker service is not available."
		return []healthcheck.CheckResult{item}
	}

	status, err := c.reader.Status(tenantID)
	if err != nil {
		item.Status = healthcheck.StatusUnknown
		item.Summary = "No session exists."
		if !errors.Is(err, session.ErrSessionNotFound) {
			item.Status = healthcheck.StatusError
			item.Summary = "Session status unavailable."
			item.Detail = err.Error()
		}
		return []healthcheck.CheckResult{item}
	}

	item.Metadata = map[string]any{
		"state":          string(status.State),
		"attempts":       status.Attempts,
		"subscribers":    status.Subscribers,
		"history_length": status.HistoryLength,
	}
	switch status.State {
	case session.StateReady:
		item.Status = healthcheck.StatusOK
		item.Summary = "Session is ready."
	case session.StateFailed:
		item.Status = healthcheck.StatusError
		item.Summary = "Session failed."
		item.Detail = status.LastError
	case session.StateDisconnected:
		item.Status = healthcheck.StatusError
		item.Summary = "Session is disconnected."
		item.Detail = status.LastError
	case session.StateAwaitingAuthentication:
		item.Status = healthcheck.StatusWarn
		item.Summary = "Session is waiting for authentication."
	default:
		item.Status = healthcheck.StatusWarn
		item.Summary = fmt.Sprintf("Session is %s.", status.State)
		if status.Progress != nil {
			item.Metadata["loaded"] = status.Progress.Loaded
			item.Metadata["total"] = status.Progress.Total
		}
	}
	return []healthcheck.CheckResult{item}
}
