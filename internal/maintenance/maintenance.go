// Package maintenance runs the periodic housekeeping sweeps: expired
// claim cleanup (with timeout notices) and age-based dedup eviction.
// One goroutine and one ticker serve every job — no timer per claim —
// with due-ness decided by cron expressions.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Job is one scheduled sweep.
type Job struct {
	Name     string
	Schedule string // cron expression
	Run      func(ctx context.Context)
}

// Sweeper drives all registered jobs off a single minute ticker.
type Sweeper struct {
	jobs []Job
	gron *gronx.Gronx
}

// NewSweeper validates every job's schedule up front.
func NewSweeper(jobs []Job) (*Sweeper, error) {
	g := gronx.New()
	for _, j := range jobs {
		if !g.IsValid(j.Schedule) {
			return nil, fmt.Errorf("job %q: invalid cron expression %q", j.Name, j.Schedule)
		}
	}
	return &Sweeper{jobs: jobs, gron: g}, nil
}

// Start launches the sweep loop. Non-blocking.
func (s *Sweeper) Start(ctx context.Context) {
	if len(s.jobs) == 0 {
		return
	}
	go s.loop(ctx)
	slog.Info("maintenance sweeper started", "jobs", len(s.jobs))
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.runDue(ctx, now)
		}
	}
}

// runDue runs every job whose schedule matches the given minute.
func (s *Sweeper) runDue(ctx context.Context, now time.Time) {
	for _, j := range s.jobs {
		due, err := s.gron.IsDue(j.Schedule, now)
		if err != nil || !due {
			continue
		}
		j.Run(ctx)
	}
}
