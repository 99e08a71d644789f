// Package maintenance runs periodic sweeps (expired pool leases, stale cache
// entries) on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/matheus3301/carechat/internal/clock"
)

// Task is one sweep. Run returns how many items it removed.
type Task struct {
	Name string
	Run  func(ctx context.Context) int
}

// Scheduler runs its tasks at every tick of a cron expression.
type Scheduler struct {
	expr   string
	tasks  []Task
	clock  clock.Clock
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates expr. An empty expr yields a scheduler that never ticks but
// still runs tasks through RunOnce.
func New(expr string, clk clock.Clock, logger *zap.Logger, tasks ...Task) (*Scheduler, error) {
	if expr != "" && !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid maintenance cron expression: %q", expr)
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{expr: expr, tasks: tasks, clock: clk, logger: logger}, nil
}

// Next returns the first tick strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	if s.expr == "" {
		return time.Time{}, fmt.Errorf("maintenance disabled")
	}
	return gronx.NextTickAfter(s.expr, t, false)
}

// RunOnce runs every task and returns what each removed, keyed by name.
func (s *Scheduler) RunOnce(ctx context.Context) map[string]int {
	out := make(map[string]int, len(s.tasks))
	for _, t := range s.tasks {
		if ctx.Err() != nil {
			break
		}
		n := t.Run(ctx)
		out[t.Name] = n
		if n > 0 {
			s.logger.Info("maintenance sweep", zap.String("task", t.Name), zap.Int("removed", n))
		}
	}
	return out
}

// Start runs the tasks at every tick until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	if s.expr == "" {
		s.logger.Info("maintenance disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	s.logger.Info("maintenance scheduled", zap.String("cron", s.expr))
}

// Stop ends the loop and waits for a running sweep.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		next, err := s.Next(s.clock.Now())
		wait := time.Until(next)
		if err != nil {
			s.logger.Error("maintenance next tick failed", zap.String("cron", s.expr), zap.Error(err))
			wait = 30 * time.Second
		}
		if wait < time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err == nil {
			s.RunOnce(ctx)
		}
	}
}
