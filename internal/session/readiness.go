package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/memohai/groupwatch/internal/automation"
	"github.com/memohai/groupwatch/internal/event"
	"github.com/memohai/groupwatch/internal/metrics"
)

const (
	DefaultReadinessInterval = 2 * time.Second
	DefaultReadinessBudget   = 5 * time.Minute
	DefaultStablePolls       = 3
	DefaultMaxProbeErrors    = 5
)

// Readiness outcome reasons.
const (
	ReasonStable        = "stable"
	ReasonBudget        = "budget"
	ReasonErrorOverride = "error_override"
)

// Probe reports the platform's chat list state.
type Probe interface {
	EvaluateChatSnapshot(ctx context.Context) (automation.ChatSnapshot, error)
}

// StabilityPolicy is the stabilization rule: RequiredStablePolls
// consecutive probes with an unchanged, nonzero count and no busy flag.
type StabilityPolicy struct {
	RequiredStablePolls int
}

// Stabilizer applies a StabilityPolicy to a stream of observations.
type Stabilizer struct {
	policy StabilityPolicy
	prev   int
	seen   bool
	stable int
}

// NewStabilizer creates a Stabilizer for policy.
func NewStabilizer(policy StabilityPolicy) *Stabilizer {
	if policy.RequiredStablePolls <= 0 {
		policy.RequiredStablePolls = DefaultStablePolls
	}
	return &Stabilizer{policy: policy}
}

// Observe records one successful probe and reports whether the policy
// is satisfied.
func (s *Stabilizer) Observe(count int, busy bool) bool {
	if s.seen && count == s.prev && count > 0 && !busy {
		s.stable++
	} else {
		s.stable = 0
	}
	s.prev = count
	s.seen = true
	return s.stable >= s.policy.RequiredStablePolls
}

// Stable returns the current run of stable observations.
func (s *Stabilizer) Stable() int {
	return s.stable
}

// ErrorOverridePolicy forces readiness after MaxConsecutiveErrors probe
// failures in a row, provided a nonzero group count is already known.
// The known count may be stale.
type ErrorOverridePolicy struct {
	Enabled              bool
	MaxConsecutiveErrors int
}

// Triggered reports whether the override applies.
func (p ErrorOverridePolicy) Triggered(consecutiveErrors, knownGroups int) bool {
	if !p.Enabled || knownGroups <= 0 {
		return false
	}
	max := p.MaxConsecutiveErrors
	if max <= 0 {
		max = DefaultMaxProbeErrors
	}
	return consecutiveErrors >= max
}

// ReadinessConfig tunes the readiness monitor.
type ReadinessConfig struct {
	Interval      time.Duration
	Budget        time.Duration
	Stability     StabilityPolicy
	ErrorOverride ErrorOverridePolicy
}

// DefaultReadinessConfig returns the default polling policy.
func DefaultReadinessConfig() ReadinessConfig {
	return ReadinessConfig{
		Interval:      DefaultReadinessInterval,
		Budget:        DefaultReadinessBudget,
		Stability:     StabilityPolicy{RequiredStablePolls: DefaultStablePolls},
		ErrorOverride: ErrorOverridePolicy{Enabled: true, MaxConsecutiveErrors: DefaultMaxProbeErrors},
	}
}

// Outcome is how a readiness run ended.
type Outcome struct {
	Reason string
	Groups int
	Polls  int
}

// Monitor polls a Probe until the chat list stabilizes.
type Monitor struct {
	cfg    ReadinessConfig
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewMonitor creates a monitor; zero durations fall back to defaults.
func NewMonitor(log *slog.Logger, cfg ReadinessConfig) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReadinessInterval
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultReadinessBudget
	}
	return &Monitor{
		cfg:    cfg,
		logger: log.With(slog.String("component", "readiness")),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Run polls probe until the stability policy, the error override or the
// time budget ends the run. knownGroups is an externally known group
// count used by the error override before any probe succeeds. report is
// called after every successful probe. Run returns ctx.Err() when
// cancelled.
func (m *Monitor) Run(ctx context.Context, tenantID string, probe Probe, knownGroups int, report func(event.ProgressPayload)) (Outcome, error) {
	log := m.logger.With(slog.String("tenant_id", tenantID))
	start := m.now()
	stab := NewStabilizer(m.cfg.Stability)
	consecutiveErrors := 0
	best := knownGroups
	last := event.ProgressPayload{Loaded: knownGroups, Total: knownGroups, State: "loading"}

	for poll := 1; ; poll++ {
		if poll > 1 {
			if err := m.sleep(ctx, m.cfg.Interval); err != nil {
				return Outcome{Polls: poll - 1}, err
			}
		}
		elapsed := m.now().Sub(start)
		if elapsed >= m.cfg.Budget {
			log.Warn("readiness budget exhausted", slog.Int("groups", best), slog.Duration("elapsed", elapsed))
			return m.finish(Outcome{Reason: ReasonBudget, Groups: best, Polls: poll - 1}, elapsed), nil
		}

		snap, err := probe.EvaluateChatSnapshot(ctx)
		if ctx.Err() != nil {
			return Outcome{Polls: poll}, ctx.Err()
		}
		if err != nil {
			consecutiveErrors++
			metrics.ReadinessProbeErrors.Inc()
			log.Warn("readiness probe failed",
				slog.Int("consecutive_errors", consecutiveErrors),
				slog.Any("error", fmt.Errorf("%w: %w", ErrEvaluation, err)),
			)
			if report != nil {
				report(event.ProgressPayload{Loaded: last.Loaded, Total: last.Total, State: "retrying"})
			}
			if m.cfg.ErrorOverride.Triggered(consecutiveErrors, best) {
				log.Warn("forcing ready on known group count", slog.Int("groups", best))
				return m.finish(Outcome{Reason: ReasonErrorOverride, Groups: best, Polls: poll}, m.now().Sub(start)), nil
			}
			continue
		}
		consecutiveErrors = 0
		if snap.LoadedGroups > 0 {
			best = snap.LoadedGroups
		}
		last = progressFor(snap, m.now().Sub(start))
		if report != nil {
			report(last)
		}
		if stab.Observe(snap.LoadedGroups, snap.StillLoading) {
			return m.finish(Outcome{Reason: ReasonStable, Groups: snap.LoadedGroups, Polls: poll}, m.now().Sub(start)), nil
		}
	}
}

func (m *Monitor) finish(out Outcome, elapsed time.Duration) Outcome {
	metrics.ReadinessDuration.WithLabelValues(out.Reason).Observe(elapsed.Seconds())
	return out
}

func progressFor(snap automation.ChatSnapshot, elapsed time.Duration) event.ProgressPayload {
	state := "stabilizing"
	if snap.StillLoading {
		state = "loading"
	}
	p := event.ProgressPayload{
		Loaded: snap.LoadedGroups,
		Total:  snap.TotalGroups,
		State:  state,
	}
	seconds := elapsed.Seconds()
	if seconds > 0 && snap.LoadedGroups > 0 && snap.TotalGroups >= snap.LoadedGroups {
		rate := float64(snap.LoadedGroups) / seconds
		eta := float64(snap.TotalGroups-snap.LoadedGroups) / rate
		p.ETASeconds = &eta
	}
	return p
}
