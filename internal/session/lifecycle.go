package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/memohai/groupwatch/internal/automation"
	"github.com/memohai/groupwatch/internal/event"
)

// runJob starts one tenant's automation session. It returns once
// Initialize returns; authentication completes later through events.
func (p *Pool) runJob(ctx context.Context, job InitJob) (err error) {
	p.mu.Lock()
	t, ok := p.sessions[job.TenantID]
	p.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	if t.isRemoving() {
		return ErrRemovalRace
	}
	if err := p.transition(t, StateInitializing); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrInitializationFailed, r)
			p.fail(t, err)
		}
	}()

	log := p.logger.With(slog.String("tenant_id", t.id), slog.String("job_id", job.ID))
	opts := automation.Options{TenantID: t.id, CallTimeout: p.cfg.CallTimeout}
	if p.auth != nil {
		dir, err := p.auth.Path(t.id)
		if err != nil {
			return p.startupFailed(t, fmt.Errorf("auth dir: %w", err))
		}
		opts.AuthDir = dir
	}
	if p.states != nil {
		blob, found, err := p.states.Load(ctx, t.id)
		switch {
		case err != nil:
			log.Warn("load session state failed", slog.Any("error", err))
		case found:
			opts.RestoreState = blob
		}
	}

	auto, err := p.factory.New(ctx, opts)
	if err != nil {
		return p.startupFailed(t, err)
	}
	if !t.attach(auto) {
		p.release(auto, t.id)
		return ErrRemovalRace
	}
	auto.OnEvent(func(ev automation.Event) {
		p.handleEvent(t, auto, ev)
	})
	if err := auto.Initialize(ctx); err != nil {
		if !t.owns(auto) {
			return ErrRemovalRace
		}
		if errors.Is(err, context.Canceled) && t.isRemoving() {
			return err
		}
		return p.startupFailed(t, err)
	}
	log.Info("automation session initialized", slog.Int("attempt", job.Attempt))
	return nil
}

func (p *Pool) startupFailed(t *tenant, cause error) error {
	err := fmt.Errorf("%w: %w", ErrInitializationFailed, cause)
	p.fail(t, err)
	return err
}

// fail moves t to Failed, releases its automation session and reports err
// on the tenant channel.
func (p *Pool) fail(t *tenant, err error) {
	t.setError(err)
	if terr := p.transition(t, StateFailed); terr != nil {
		return
	}
	if auto := t.detach(); auto != nil {
		p.release(auto, t.id)
	}
	p.emit(t, event.TypeError, event.ErrorPayload{Message: err.Error()})
}

func (p *Pool) handleEvent(t *tenant, auto automation.Session, ev automation.Event) {
	if !t.owns(auto) {
		return
	}
	log := p.logger.With(slog.String("tenant_id", t.id))
	switch ev.Type {
	case automation.EventQR:
		if err := p.transition(t, StateAwaitingAuthentication); err != nil {
			log.Warn("qr challenge ignored", slog.Any("error", err))
			return
		}
		p.emit(t, event.TypeQRChallenge, event.QRPayload{QR: ev.QR})

	case automation.EventAuthenticated:
		if err := p.transition(t, StateAuthenticated); err != nil {
			log.Warn("authentication ignored", slog.Any("error", err))
			return
		}
		t.setError(nil)
		p.emit(t, event.TypeAuthenticated, nil)
		p.saveState(t, auto)
		p.startReadiness(t, auto)

	case automation.EventAuthFailure:
		err := fmt.Errorf("%w: %s", ErrAuthenticationFailed, ev.Reason)
		t.setError(err)
		if terr := p.transition(t, StateFailed); terr != nil {
			log.Warn("auth failure ignored", slog.Any("error", terr))
			return
		}
		p.emit(t, event.TypeAuthFailure, event.ReasonPayload{Reason: ev.Reason})
		if dropped := t.detach(); dropped != nil {
			p.release(dropped, t.id)
		}

	case automation.EventDisconnected:
		if err := p.transition(t, StateDisconnected); err != nil {
			log.Warn("disconnect ignored", slog.Any("error", err))
			return
		}
		log.Info("session disconnected", slog.String("reason", ev.Reason))
		p.emit(t, event.TypeDisconnected, event.ReasonPayload{Reason: ev.Reason})
		if dropped := t.detach(); dropped != nil {
			p.release(dropped, t.id)
		}

	case automation.EventMessage:
		p.pipeline.Ingest(t.Context(), t, ev.Message)

	default:
		log.Debug("unknown automation event", slog.String("type", string(ev.Type)))
	}
}

// startReadiness polls the automation session in the background until
// the chat list is stable, then marks the tenant Ready.
func (p *Pool) startReadiness(t *tenant, auto automation.Session) {
	if err := p.transition(t, StateReadinessPolling); err != nil {
		return
	}
	ctx := t.startPolling()
	hint := t.groupHint()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		out, err := p.monitor.Run(ctx, t.id, auto, hint, func(progress event.ProgressPayload) {
			if ctx.Err() != nil || !t.owns(auto) {
				return
			}
			t.setProgress(progress)
			p.emit(t, event.TypeLoadingProgress, progress)
		})
		if err != nil || ctx.Err() != nil || !t.owns(auto) {
			return
		}
		t.setKnownGroups(out.Groups)
		if err := p.transition(t, StateReady); err != nil {
			return
		}
		p.logger.Info("session ready",
			slog.String("tenant_id", t.id),
			slog.String("reason", out.Reason),
			slog.Int("groups", out.Groups),
			slog.Int("polls", out.Polls),
		)
		p.emit(t, event.TypeFullyLoaded, event.FullyLoadedPayload{GroupsAvailable: out.Groups})
	}()
}

func (p *Pool) saveState(t *tenant, auto automation.Session) {
	exporter, ok := auto.(automation.StateExporter)
	if !ok || p.states == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx := t.Context()
		blob, err := exporter.ExportState(ctx)
		if err == nil && t.owns(auto) {
			err = p.states.Save(ctx, t.id, blob)
		}
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("save session state failed", slog.String("tenant_id", t.id), slog.Any("error", err))
		}
	}()
}

// release destroys a detached automation session in the background.
// Event handlers run on the session's own delivery path and must not
// block on it.
func (p *Pool) release(auto automation.Session, tenantID string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DestroyTimeout)
		defer cancel()
		if err := auto.Destroy(ctx); err != nil {
			p.logger.Warn("destroy automation session failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		}
	}()
}
