// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
)

// Forever is the sentinel repeat count meaning a scheduled query is
// never removed by its own invocation count.
const Forever = 0

// QueryRunner is the one operation a scheduled entry invokes: the
// retrieval pipeline's saved-query ingestion.
type QueryRunner interface {
	FetchQuery(ctx context.Context, query string, limit int)
}

type entry struct {
	id       uuid.UUID
	query    string
	limit    int
	repeat   int
	invoked  int
	cronExpr string
}

// Scheduler is a cron-driven companion to the retrieval queue (C10): it
// periodically re-runs a saved UBS search and feeds matches back into
// binary retrieval, same as a manual /job POST would.
type Scheduler struct {
	sched   gocron.Scheduler
	runner  QueryRunner
	log     *zap.Logger
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

func New(runner QueryRunner, log *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	return &Scheduler{sched: s, runner: runner, log: log, entries: map[uuid.UUID]*entry{}}, nil
}

// Add schedules query for cron-driven ingestion. repeat == Forever means
// the job is never removed on its own; any positive repeat count removes
// the job once it has fired that many times.
func (s *Scheduler) Add(cronExpr, query string, limit, repeat int) (string, error) {
	// e is built before the job exists so the task closure can close over
	// its own entry directly, rather than re-identifying it later by
	// (query, limit) — two schedules sharing a query and limit would
	// otherwise be indistinguishable at run time.
	e := &entry{query: query, limit: limit, repeat: repeat, cronExpr: cronExpr}
	job, err := s.sched.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() { s.run(e) }),
	)
	if err != nil {
		return "", fmt.Errorf("scheduler: invalid cron expression %q: %w", cronExpr, err)
	}
	e.id = job.ID()

	s.mu.Lock()
	s.entries[job.ID()] = e
	s.mu.Unlock()
	return job.ID().String(), nil
}

func (s *Scheduler) run(e *entry) {
	obs.ScheduledRuns.Inc()
	s.runner.FetchQuery(context.Background(), e.query, e.limit)

	s.mu.Lock()
	e.invoked++
	done := e.repeat != Forever && e.invoked >= e.repeat
	s.mu.Unlock()

	if done {
		_ = s.Cancel(e.id.String())
	}
}

// Cancel removes a scheduled entry. A malformed id, or one the
// underlying scheduler no longer holds, returns an error.
func (s *Scheduler) Cancel(jobID string) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return fmt.Errorf("scheduler: invalid job id %q: %w", jobID, err)
	}
	if err := s.sched.RemoveJob(id); err != nil {
		return fmt.Errorf("scheduler: remove job %s: %w", jobID, err)
	}
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// Contains reports whether jobID is still scheduled.
func (s *Scheduler) Contains(jobID string) bool {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// ScheduledJob describes one entry for the /job listing endpoint.
type ScheduledJob struct {
	ID       string
	Query    string
	Limit    int
	Repeat   int
	Invoked  int
	CronExpr string
	RunAt    time.Time
}

// Jobs lists scheduled entries whose next run is before until (the zero
// time means no upper bound).
func (s *Scheduler) Jobs(until time.Time) []ScheduledJob {
	s.mu.Lock()
	snapshot := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	s.mu.Unlock()

	var out []ScheduledJob
	for _, gj := range s.sched.Jobs() {
		var e *entry
		for _, candidate := range snapshot {
			if candidate.id == gj.ID() {
				e = candidate
				break
			}
		}
		if e == nil {
			continue
		}
		runAt, err := gj.NextRun()
		if err != nil {
			continue
		}
		if !until.IsZero() && runAt.After(until) {
			continue
		}
		out = append(out, ScheduledJob{
			ID: e.id.String(), Query: e.query, Limit: e.limit,
			Repeat: e.repeat, Invoked: e.invoked, CronExpr: e.cronExpr, RunAt: runAt,
		})
	}
	return out
}

func (s *Scheduler) Start() { s.sched.Start() }

func (s *Scheduler) Shutdown() error { return s.sched.Shutdown() }
