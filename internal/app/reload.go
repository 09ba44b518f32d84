package app

import (
	"context"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/orchestrator"
)

// Reload applies cfg. Log level changes take effect at once. Changes that
// need a new orchestrator are applied immediately when the conversation is
// idle and otherwise deferred until it becomes idle. Server changes are
// only logged since they need a restart.
func (a *App) Reload(cfg *config.Config) {
	config.ApplyDefaults(cfg)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	base := a.cfg
	if a.pending != nil {
		base = a.pending
	}
	d := config.Diff(base, cfg)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.SlogLevel())
		}
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ServerChanged {
		a.log.Warn("server settings changed; restart to apply them")
	}

	if !d.NeedsRebuild() && a.pending == nil {
		a.cfg = cfg
		return
	}
	a.pending = cfg
	if a.orch.Snapshot().Active {
		a.log.Info("config change deferred until the conversation is idle")
		return
	}
	a.applyPendingLocked()
}

// applyPendingLocked rebuilds the orchestrator from the pending config. A
// failed rebuild keeps the current orchestrator and is reported by the
// readiness check. Caller holds a.mu.
func (a *App) applyPendingLocked() {
	cfg := a.pending
	if cfg == nil {
		return
	}
	a.pending = nil

	d := config.Diff(a.cfg, cfg)
	prov := a.prov
	if d.ProvidersChanged || d.ResilienceChanged {
		if a.reg == nil {
			a.log.Warn("provider settings changed but no registry is available; keeping current providers")
		} else {
			p, err := BuildProviders(cfg, a.reg)
			if err != nil {
				a.reloadErr = err
				a.log.Error("config reload failed; keeping current configuration", "err", err)
				return
			}
			prov = p
		}
	}

	orch, err := a.newOrchestrator(cfg, prov)
	if err != nil {
		if prov != a.prov {
			_ = closeProviders(prov)
		}
		a.reloadErr = err
		a.log.Error("config reload failed; keeping current configuration", "err", err)
		return
	}

	old, oldProv := a.orch, a.prov
	a.cfg, a.prov, a.orch = cfg, prov, orch
	a.reloadErr = nil
	close(a.swapped)
	a.swapped = make(chan struct{})

	_ = old.Close()
	if oldProv != prov {
		if err := closeProviders(oldProv); err != nil {
			a.log.Warn("closing replaced providers", "err", err)
		}
	}
	a.log.Info("conversation rebuilt from new config",
		"providers_changed", prov != oldProv,
	)
}

// applyWhenIdle follows the current orchestrator's snapshots and applies a
// deferred reload as soon as the conversation is idle.
func (a *App) applyWhenIdle(ctx context.Context) error {
	for {
		orch, swapped := a.current()
		snaps, cancel := orch.Subscribe()
		done := a.followUntilSwap(ctx, snaps, swapped)
		cancel()
		if done {
			return nil
		}
	}
}

// followUntilSwap returns true when ctx ends and false when the orchestrator
// was replaced.
func (a *App) followUntilSwap(ctx context.Context, snaps <-chan orchestrator.Snapshot, swapped <-chan struct{}) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case <-swapped:
			return false
		case snap, ok := <-snaps:
			if !ok {
				snaps = nil
				continue
			}
			if !snap.Active {
				a.applyIfIdle()
			}
		}
	}
}

// applyIfIdle applies a pending reload unless a conversation started since
// the snapshot that triggered it.
func (a *App) applyIfIdle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil || a.closed || a.orch.Snapshot().Active {
		return
	}
	a.applyPendingLocked()
}
