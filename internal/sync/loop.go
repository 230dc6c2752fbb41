package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Pxys-io/ephemeral-sync/internal/publish"
)

// State is the lifecycle phase of a Loop
type State int32

const (
	Idle State = iota
	Cycling
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Cycling:
		return "cycling"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Cycler is the work a Loop schedules
type Cycler interface {
	NeedsBootstrap() bool
	Bootstrap(ctx context.Context) error
	RunCycle(ctx context.Context) (CycleReport, error)
}

// Loop runs cycles back to back with a cooldown in between until its
// context is cancelled
type Loop struct {
	cycler   Cycler
	cooldown time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	state    atomic.Int32
}

// NewLoop creates a Loop in the Idle state
func NewLoop(cycler Cycler, cooldown time.Duration, clock clockwork.Clock, logger *slog.Logger) *Loop {
	return &Loop{
		cycler:   cycler,
		cooldown: cooldown,
		clock:    clock,
		logger:   logger,
	}
}

// State returns the current lifecycle phase
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
	l.logger.Debug("loop state changed", "state", s.String())
}

// Run bootstraps if needed and then cycles until ctx is cancelled. A failed
// bootstrap is retried every cooldown and no cycle runs until it succeeds.
// Cycle failures are logged and never stop the loop. Run returns nil on
// cancellation.
func (l *Loop) Run(ctx context.Context) error {
	defer l.setState(Stopped)

	if l.cycler.NeedsBootstrap() && !l.bootstrap(ctx) {
		l.logger.Info("reconciliation loop stopped before bootstrap completed")
		return nil
	}

	l.setState(Cycling)
	l.logger.Info("reconciliation loop started", "cooldown", l.cooldown)

	for {
		if ctx.Err() != nil {
			l.logger.Info("reconciliation loop stopped")
			return nil
		}

		_, err := l.cycler.RunCycle(ctx)
		var pushErr *publish.PushError
		switch {
		case err == nil:
		case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
			l.logger.Info("cycle interrupted by shutdown", "error", err)
		case errors.As(err, &pushErr):
			l.logger.Warn("push failed, will retry next cycle", "error", err)
		default:
			l.logger.Error("cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			l.logger.Info("reconciliation loop stopped")
			return nil
		case <-l.clock.After(l.cooldown):
		}
	}
}

// bootstrap retries the restore until it succeeds. It reports false when ctx
// is cancelled first.
func (l *Loop) bootstrap(ctx context.Context) bool {
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return false
		}

		err := l.cycler.Bootstrap(ctx)
		if err == nil {
			return true
		}
		// Cycling now would start an unrelated history in the mirror.
		l.logger.Error("bootstrap failed, retrying after cooldown",
			"attempt", attempt,
			"retry_in", l.cooldown,
			"error", err)

		select {
		case <-ctx.Done():
			return false
		case <-l.clock.After(l.cooldown):
		}
	}
}
