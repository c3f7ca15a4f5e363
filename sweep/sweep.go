// Package sweep forces expired awaiting steps to timeout on a cron
// schedule. Event-driven steps carry an explicit TimeoutAt deadline; no
// cooperative cancellation is sent to the external workflow, so the
// sweep is the only mechanism that unblocks an execution whose external
// collaborator went silent.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/conduct"
	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/persist"
)

// cronParser supports standard 5-field cron and descriptors like "@every 1m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("sweep: parse schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the sweeper's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// Sweeper periodically lists awaiting steps whose deadline has passed
// and transitions each to timeout. Multiple instances may run against
// one shared store: every transition is version-guarded, so a conflict
// means another actor already handled the step and the sweeper moves on.
type Sweeper struct {
	svc    *persist.Service
	sched  cronlib.Schedule
	logger *slog.Logger

	// now is swapped in tests to pin the sweep instant.
	now func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Sweeper firing on the given cron schedule.
func New(svc *persist.Service, schedule string, opts ...Option) (*Sweeper, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	s := &Sweeper{
		svc:    svc,
		sched:  sched,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the sweep loop goroutine.
func (s *Sweeper) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("timeout sweeper started",
		slog.Time("next_sweep", s.sched.Next(s.now())),
	)
	return nil
}

// Stop signals the sweep loop to stop and waits for it to finish.
func (s *Sweeper) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("timeout sweeper stopped")
	return nil
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	for {
		next := s.sched.Next(s.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.SweepOnce(context.Background(), s.now()); err != nil {
				s.logger.Error("timeout sweep error", slog.String("error", err.Error()))
			}
		}
	}
}

// SweepOnce runs a single sweep pass at the given instant and returns
// how many steps it transitioned. Per-step conflicts are skipped, not
// counted, and never abort the pass.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.svc.ListTimedOutSteps(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep: list timed out steps: %w", err)
	}

	swept := 0
	for _, step := range expired {
		if err := s.timeoutStep(ctx, step, now); err != nil {
			switch {
			case errors.Is(err, conduct.ErrVersionConflict),
				errors.Is(err, conduct.ErrInvalidTransition),
				errors.Is(err, conduct.ErrStepNotFound):
				// Another actor completed or timed the step out first.
				s.logger.Debug("timeout sweep lost race",
					slog.String("step_id", step.ID.String()),
					slog.String("error", err.Error()),
				)
			default:
				s.logger.Error("timeout sweep transition error",
					slog.String("step_id", step.ID.String()),
					slog.String("execution_id", step.ExecutionID.String()),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		swept++
		s.logger.Warn("step timed out awaiting external event",
			slog.String("step_id", step.StepID),
			slog.String("execution_id", step.ExecutionID.String()),
			slog.String("external_workflow_id", step.ExternalWorkflowID),
		)
	}

	if len(expired) > 0 {
		s.logger.Info("timeout sweep finished",
			slog.Int("expired", len(expired)),
			slog.Int("swept", swept),
		)
	}
	return swept, nil
}

func (s *Sweeper) timeoutStep(ctx context.Context, step *execution.Step, now time.Time) error {
	cp := *step
	cp.Status = execution.StatusTimeout
	cp.AwaitingEvent = false
	cp.CompletedAt = &now

	_, err := s.svc.ApplyStepTransition(ctx, &cp, step.Version)
	return err
}
