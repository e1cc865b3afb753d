package scheduler

import (
	"context"
	"time"

	"threads-scheduler/internal/config"
	"threads-scheduler/internal/logger"
	"threads-scheduler/internal/telemetry"
)

// Locker guards a pass against concurrent execution. TryAcquire waits up to
// the given window and reports false, without error, when another holder wins.
type Locker interface {
	TryAcquire(ctx context.Context, wait time.Duration) (bool, error)
	Release(ctx context.Context) error
}

// TokenMaintainer refreshes access tokens nearing expiry. Failures are logged,
// never fatal to a pass.
type TokenMaintainer interface {
	RefreshExpiring(ctx context.Context, now time.Time) error
}

// Runner is the lock-guarded entry point fired by the timer. It guarantees at
// most one pass runs at a time and that no error escapes to the ticker loop.
type Runner struct {
	cfg     config.Config
	locker  Locker
	scanner *Scanner
	tokens  TokenMaintainer
}

// NewRunner wires the runner. tokens may be nil to skip token maintenance.
func NewRunner(cfg config.Config, locker Locker, scanner *Scanner, tokens TokenMaintainer) *Runner {
	return &Runner{cfg: cfg, locker: locker, scanner: scanner, tokens: tokens}
}

// Run fires one pass per tick until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.RunOnce(ctx, time.Now())
		}
	}
}

// RunOnce executes a single lock-guarded pass. A pass that cannot acquire the
// lock returns immediately with no side effects; the concurrent pass is
// assumed to handle the same due work.
func (r *Runner) RunOnce(ctx context.Context, now time.Time) {
	acquired, err := r.locker.TryAcquire(ctx, r.cfg.LockWait)
	if err != nil {
		logger.L().Errorf("acquire scheduler lock: %v", err)
		return
	}
	if !acquired {
		logger.L().Info("another pass is running, skipping")
		telemetry.PassesSkipped.Inc()
		return
	}
	defer func() {
		if err := r.locker.Release(ctx); err != nil {
			logger.L().Errorf("release scheduler lock: %v", err)
		}
	}()

	start := time.Now()
	logger.L().Debug("scheduler pass started")

	if r.tokens != nil {
		if err := r.tokens.RefreshExpiring(ctx, now); err != nil {
			logger.L().Warnf("token maintenance: %v", err)
		}
	}

	if err := r.scanner.Pass(ctx, now); err != nil {
		logger.L().Errorf("scheduler pass: %v", err)
	}

	telemetry.PassDuration.Observe(time.Since(start).Seconds())
	logger.L().Debugf("scheduler pass finished in %s", time.Since(start))
}
