package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"reportflow/internal/dispatch"
	"reportflow/internal/domain"
	"reportflow/internal/schedule"
	"reportflow/internal/store"
)

// ErrAlreadyRunning is returned by TriggerNow when the schedule is claimed
// by an in-flight execution.
var ErrAlreadyRunning = errors.New("schedule already has an active execution")

// Service polls the store for due schedules, claims each one exclusively,
// and hands the resulting run to the dispatcher. The claim is the only
// concurrency primitive: replicas of this service never double-execute the
// same schedule.
type Service struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	instanceID string
	interval   time.Duration
	claimTTL   time.Duration
	stop       chan struct{}
	wg         sync.WaitGroup
}

func NewService(st store.Store, dispatcher *dispatch.Dispatcher, pollInterval, claimTTL time.Duration) *Service {
	return &Service{
		store:      st,
		dispatcher: dispatcher,
		instanceID: "inst_" + uuid.NewString(),
		interval:   pollInterval,
		claimTTL:   claimTTL,
		stop:       make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) {
	if n, err := s.store.RecoverStaleClaims(ctx, time.Now().UTC()); err != nil {
		log.Error().Err(err).Msg("failed to recover stale claims")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale schedule claims")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Str("instance", s.instanceID).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-s.stop:
			s.wg.Wait()
			return
		case now := <-ticker.C:
			s.processDue(ctx, now.UTC())
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) processDue(ctx context.Context, now time.Time) {
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to query due schedules")
		return
	}

	for _, sched := range due {
		claimed, err := s.store.Claim(ctx, sched.ID, s.instanceID, now, s.claimTTL)
		if err != nil {
			log.Error().Err(err).Str("schedule_id", sched.ID).Msg("claim failed")
			continue
		}
		if !claimed {
			// Another instance got there first.
			continue
		}

		run := domain.ScheduledReportRun{
			ScheduleID:  sched.ID,
			TriggeredAt: now,
			Status:      domain.RunPending,
			Attempt:     1,
		}
		runID, err := s.store.CreateRun(ctx, run)
		if err != nil {
			log.Error().Err(err).Str("schedule_id", sched.ID).Msg("failed to create run")
			s.release(sched.ID)
			continue
		}
		run.ID = runID

		log.Info().
			Str("schedule_id", sched.ID).
			Str("run_id", runID).
			Str("report_id", sched.ReportID).
			Msg("claimed due schedule")

		// Dispatch asynchronously; the polling cadence never blocks on
		// delivery.
		s.wg.Add(1)
		go func(sched domain.ScheduleDefinition, run domain.ScheduledReportRun) {
			defer s.wg.Done()
			s.dispatcher.Execute(ctx, run, sched)
			s.advance(sched, run.TriggeredAt)
			s.release(sched.ID)
		}(sched, run)
	}
}

// advance recomputes next_run from the run's trigger instant. It always
// runs, whatever the run's outcome: a failing schedule must not stall its
// future occurrences. A nil next means natural exhaustion and disables the
// schedule.
func (s *Service) advance(sched domain.ScheduleDefinition, triggeredAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	next, ok, err := schedule.NextRun(sched, triggeredAt)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", sched.ID).Msg("next run computation failed, disabling schedule")
		ok = false
	}

	var nextPtr *time.Time
	if ok {
		nextPtr = &next
	}
	if err := s.store.AdvanceAfterRun(ctx, sched.ID, triggeredAt, nextPtr); err != nil {
		log.Error().Err(err).Str("schedule_id", sched.ID).Msg("failed to advance schedule")
		return
	}
	if ok {
		log.Info().Str("schedule_id", sched.ID).Time("next_run", next).Msg("schedule advanced")
	} else {
		log.Info().Str("schedule_id", sched.ID).Msg("schedule exhausted, disabled")
	}
}

func (s *Service) release(scheduleID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.Release(ctx, scheduleID, s.instanceID); err != nil {
		log.Error().Err(err).Str("schedule_id", scheduleID).Msg("failed to release claim")
	}
}

// TriggerNow creates an immediate run outside the polling cadence. It still
// takes the claim, so the at-most-one-execution invariant holds for manual
// runs too, and it leaves next_run untouched: an ad-hoc run does not shift
// the regular cadence.
func (s *Service) TriggerNow(ctx context.Context, scheduleID string) (string, error) {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return "", err
	}
	if !sched.Enabled {
		return "", errors.New("schedule is disabled")
	}

	now := time.Now().UTC()
	claimed, err := s.store.Claim(ctx, scheduleID, s.instanceID, now, s.claimTTL)
	if err != nil {
		return "", fmt.Errorf("claim schedule: %w", err)
	}
	if !claimed {
		return "", ErrAlreadyRunning
	}

	run := domain.ScheduledReportRun{
		ScheduleID:  scheduleID,
		TriggeredAt: now,
		Status:      domain.RunPending,
		Attempt:     1,
	}
	runID, err := s.store.CreateRun(ctx, run)
	if err != nil {
		s.release(scheduleID)
		return "", fmt.Errorf("create run: %w", err)
	}
	run.ID = runID

	log.Info().Str("schedule_id", scheduleID).Str("run_id", runID).Msg("manual trigger")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		dctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s.dispatcher.Execute(dctx, run, sched)
		// Only last_run is written; next_run stays whatever the schedule
		// currently holds, including updates made while this run was in
		// flight.
		if err := s.store.RecordLastRun(dctx, scheduleID, now); err != nil {
			log.Error().Err(err).Str("schedule_id", scheduleID).Msg("failed to record manual run")
		}
		s.release(scheduleID)
	}()
	return runID, nil
}
