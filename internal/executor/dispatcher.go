package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/persistence"
)

// Dispatcher is the single entry point for executor lifecycle operations.
// It claims the per-session spawn lock before touching any backend, so at
// most one spawn per session is in flight across every relay process.
type Dispatcher struct {
	store   *persistence.Store
	drivers map[persistence.EnvironmentKind]Driver
	metrics *otel.Metrics
	logger  *slog.Logger
}

func NewDispatcher(store *persistence.Store, metrics *otel.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   store,
		drivers: make(map[persistence.EnvironmentKind]Driver),
		metrics: metrics,
		logger:  logger,
	}
}

func (d *Dispatcher) Register(kind persistence.EnvironmentKind, drv Driver) {
	d.drivers[kind] = drv
}

func (d *Dispatcher) driver(kind persistence.EnvironmentKind) (Driver, error) {
	drv, ok := d.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvironment, kind)
	}
	return drv, nil
}

// SpawnSession claims the spawn lock and routes to the session's driver.
// Losing the claim race is not an error: another spawn is already doing the
// work, so the loser returns immediately with no side effects.
func (d *Dispatcher) SpawnSession(ctx context.Context, sessionID string) error {
	ctx, span := otel.StartSpan(ctx, otel.Tracer(), "executor.spawn",
		otel.AttrSessionID.String(sessionID))
	defer span.End()

	claimed, err := d.store.ClaimExecutor(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("claim spawn lock: %w", err)
	}
	if !claimed {
		d.logger.Debug("spawn lock held elsewhere", "session_id", sessionID)
		if d.metrics != nil {
			d.metrics.SpawnLockLost.Add(ctx, 1)
		}
		return nil
	}
	defer func() {
		// Release must not be skipped by a cancelled spawn context.
		if err := d.store.ReleaseExecutor(context.WithoutCancel(ctx), sessionID); err != nil {
			d.logger.Error("release spawn lock", "session_id", sessionID, "error", err)
		}
	}()

	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	drv, err := d.driver(sess.Environment)
	if err != nil {
		return err
	}

	if d.metrics != nil {
		d.metrics.SpawnAttempts.Add(ctx, 1)
	}
	span.SetAttributes(otel.AttrEnvironment.String(string(sess.Environment)))
	d.logger.Info("spawning executor", "session_id", sessionID, "environment", string(sess.Environment))

	if err := drv.Spawn(ctx, sess); err != nil {
		span.RecordError(err)
		// Handle-gone already marked the session failed; every other
		// spawn failure surfaces through the status field too.
		if !errors.Is(err, ErrHandleGone) {
			if serr := d.store.UpdateSessionStatus(context.WithoutCancel(ctx), sessionID, persistence.SessionFailed); serr != nil {
				d.logger.Error("mark session failed", "session_id", sessionID, "error", serr)
			}
		}
		return fmt.Errorf("spawn %s: %w", sess.Environment, err)
	}
	return nil
}

// StopSession halts the session's sandbox and marks it idle, the normal
// resumable state.
func (d *Dispatcher) StopSession(ctx context.Context, sessionID string) error {
	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	drv, err := d.driver(sess.Environment)
	if err != nil {
		return err
	}
	if err := drv.Stop(ctx, sess); err != nil {
		if errors.Is(err, ErrHandleGone) {
			if serr := d.store.UpdateSessionStatus(ctx, sessionID, persistence.SessionFailed); serr != nil {
				d.logger.Error("mark session failed", "session_id", sessionID, "error", serr)
			}
		}
		return fmt.Errorf("stop %s: %w", sess.Environment, err)
	}
	if err := d.store.UpdateSessionStatus(ctx, sessionID, persistence.SessionIdle); err != nil {
		return fmt.Errorf("mark session idle: %w", err)
	}
	return nil
}

// RemoveSession tears the backend down. The session row itself is
// soft-deleted by the management surface, not here.
func (d *Dispatcher) RemoveSession(ctx context.Context, sessionID string) error {
	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	drv, err := d.driver(sess.Environment)
	if err != nil {
		return err
	}
	if err := drv.Remove(ctx, sess); err != nil {
		return fmt.Errorf("remove %s: %w", sess.Environment, err)
	}
	return nil
}
