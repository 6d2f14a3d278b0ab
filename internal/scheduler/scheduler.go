// Package scheduler drives the periodic evolution cycle. One cron entry,
// one job: run the governor. Overlapping runs are skipped, never queued.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/genepool/internal/governor"
	"github.com/sawpanic/genepool/internal/persistence"
)

// CycleRunner is what the scheduler drives; the hub satisfies it.
type CycleRunner interface {
	RunCycle(ctx context.Context) (governor.CycleReport, error)
}

// Scheduler owns the cron loop and the audit trail of interval changes.
type Scheduler struct {
	runner CycleRunner
	audit  persistence.ScheduleLog

	mu      sync.Mutex
	cron    *cron.Cron
	spec    string
	entryID cron.EntryID
	running bool
	lastRun time.Time
}

// New builds a stopped scheduler for the given cron spec, e.g.
// "0 */6 * * *" for every six hours.
func New(runner CycleRunner, audit persistence.ScheduleLog, spec string) *Scheduler {
	return &Scheduler{runner: runner, audit: audit, spec: spec}
}

// Start arms the cron entry. Returns the parse error for a bad spec.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cron.New()
	id, err := c.AddFunc(s.spec, s.fire)
	if err != nil {
		return err
	}
	s.cron = c
	s.entryID = id
	c.Start()
	log.Info().Str("spec", s.spec).Msg("evolution cycle scheduled")
	return nil
}

// Stop halts the cron loop and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Adjust swaps the schedule and records who changed it and why.
func (s *Scheduler) Adjust(ctx context.Context, newSpec, adjustedBy, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		prev := s.spec
		s.spec = newSpec
		return s.record(ctx, prev, newSpec, adjustedBy, reason)
	}

	id, err := s.cron.AddFunc(newSpec, s.fire)
	if err != nil {
		return err
	}
	s.cron.Remove(s.entryID)
	s.entryID = id

	prev := s.spec
	s.spec = newSpec
	log.Info().Str("from", prev).Str("to", newSpec).Str("by", adjustedBy).Msg("cycle schedule adjusted")
	return s.record(ctx, prev, newSpec, adjustedBy, reason)
}

func (s *Scheduler) record(ctx context.Context, prev, next, by, reason string) error {
	return s.audit.Record(ctx, persistence.ScheduleAdjustment{
		PreviousSpec: prev,
		NewSpec:      next,
		AdjustedBy:   by,
		Reason:       reason,
		At:           time.Now().UTC(),
	})
}

// Spec returns the active cron spec.
func (s *Scheduler) Spec() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// RunNow fires one cycle immediately, subject to the same overlap guard
// as scheduled runs.
func (s *Scheduler) RunNow(ctx context.Context) (governor.CycleReport, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Warn().Msg("cycle already running, skipping")
		return governor.CycleReport{}, nil
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.lastRun = time.Now().UTC()
		s.mu.Unlock()
	}()

	return s.runner.RunCycle(ctx)
}

func (s *Scheduler) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if _, err := s.RunNow(ctx); err != nil {
		log.Error().Err(err).Msg("scheduled cycle failed")
	}
}
