package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stoik/mailsift/services/pipeline-service/internal/config"
	"github.com/stoik/mailsift/services/pipeline-service/internal/guard"
	"github.com/stoik/mailsift/services/pipeline-service/internal/pipeline"
)

// UserLister enumerates users with a stored credential.
type UserLister interface {
	ListUsers(ctx context.Context) ([]string, error)
}

// Runner processes one user.
type Runner interface {
	Run(ctx context.Context, userID string) (pipeline.Report, error)
}

// Purger deletes records older than a cutoff.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweepResult summarizes one processing sweep.
type SweepResult struct {
	ID        string `json:"sweep_id"`
	Users     int    `json:"users"`
	Ran       int    `json:"ran"`
	InFlight  int    `json:"skipped_in_flight"`
	Failed    int    `json:"failed"`
	Processed int    `json:"processed"`
}

// Stats are cumulative counters since process start.
type Stats struct {
	Sweeps          int64 `json:"sweeps"`
	UserRuns        int64 `json:"user_runs"`
	Processed       int64 `json:"messages_processed"`
	MessagesPurged  int64 `json:"messages_purged"`
	EventsPurged    int64 `json:"events_purged"`
	SkippedInFlight int64 `json:"skipped_in_flight"`
}

// Service runs the processing sweep and the retention sweep on their
// intervals, and the processing sweep on demand.
type Service struct {
	users    UserLister
	runner   Runner
	guard    guard.Guard
	messages Purger
	events   Purger
	cfg      config.SchedulerConfig
	log      logrus.FieldLogger
	now      func() time.Time

	// tracks sweeps started from the timer
	processingWg sync.WaitGroup

	sweeps          int64
	userRuns        int64
	processed       int64
	messagesPurged  int64
	eventsPurged    int64
	skippedInFlight int64
}

func NewService(
	users UserLister,
	runner Runner,
	g guard.Guard,
	messages Purger,
	events Purger,
	cfg config.SchedulerConfig,
	log logrus.FieldLogger,
) *Service {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Service{
		users:    users,
		runner:   runner,
		guard:    g,
		messages: messages,
		events:   events,
		cfg:      cfg,
		log:      log.WithField("component", "scheduler"),
		now:      time.Now,
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
// Ticks never wait for the work they start.
func (s *Service) Run(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"process_interval":   s.cfg.ProcessInterval,
		"retention_interval": s.cfg.RetentionInterval,
		"workers":            s.cfg.Workers,
	}).Info("Starting scheduler")

	processTicker := time.NewTicker(s.cfg.ProcessInterval)
	defer processTicker.Stop()
	retentionTicker := time.NewTicker(s.cfg.RetentionInterval)
	defer retentionTicker.Stop()

	s.dispatch(ctx, s.timedSweep)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-processTicker.C:
			s.dispatch(ctx, s.timedSweep)
		case <-retentionTicker.C:
			s.dispatch(ctx, s.timedCleanup)
		}
	}
}

func (s *Service) dispatch(ctx context.Context, job func(context.Context)) {
	s.processingWg.Add(1)
	go func() {
		defer s.processingWg.Done()
		job(ctx)
	}()
}

func (s *Service) timedSweep(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.log.WithError(err).Error("Scheduled sweep failed")
	}
}

func (s *Service) timedCleanup(ctx context.Context) {
	if _, _, err := s.Cleanup(ctx); err != nil {
		s.log.WithError(err).Error("Retention sweep failed")
	}
}

// Shutdown waits for sweeps started by Run to finish. It reports whether they
// all completed within timeout.
func (s *Service) Shutdown(timeout time.Duration) bool {
	s.log.Infof("Shutting down scheduler, waiting up to %v for sweeps to complete", timeout)

	done := make(chan struct{})
	go func() {
		s.processingWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("All sweeps completed")
		return true
	case <-time.After(timeout):
		s.log.Warnf("Shutdown timeout (%v) reached, some sweeps may still be in progress", timeout)
		return false
	}
}

// Sweep runs the orchestrator for every known user with at most cfg.Workers
// users in progress, and returns when all of them finish. Users already
// being processed elsewhere are skipped. An error is returned only when users
// cannot be enumerated.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{ID: uuid.NewString()}
	log := s.log.WithField("sweep_id", res.ID)

	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return res, fmt.Errorf("listing users: %w", err)
	}
	res.Users = len(users)
	atomic.AddInt64(&s.sweeps, 1)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.cfg.Workers)
	)

loop:
	for _, userID := range users {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break loop
		}

		release, ok, err := s.guard.TryAcquire(ctx, userID)
		if err != nil || !ok {
			<-sem
			mu.Lock()
			if err != nil {
				log.WithError(err).WithField("user_id", userID).Error("In-flight check failed")
				res.Failed++
			} else {
				log.WithField("user_id", userID).Debug("User already in flight, skipping")
				res.InFlight++
				atomic.AddInt64(&s.skippedInFlight, 1)
			}
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			defer func() { <-sem }()
			defer release()

			report, err := s.runUser(ctx, userID)
			atomic.AddInt64(&s.userRuns, 1)
			atomic.AddInt64(&s.processed, int64(report.Processed))

			mu.Lock()
			defer mu.Unlock()
			res.Processed += report.Processed
			if err != nil {
				log.WithError(err).WithField("user_id", userID).Error("User run failed")
				res.Failed++
				return
			}
			res.Ran++
		}(userID)
	}
	wg.Wait()

	log.WithFields(logrus.Fields{
		"users":     res.Users,
		"ran":       res.Ran,
		"in_flight": res.InFlight,
		"failed":    res.Failed,
		"processed": res.Processed,
	}).Info("Sweep complete")
	return res, nil
}

// runUser isolates a panicking run so the rest of the sweep continues.
func (s *Service) runUser(ctx context.Context, userID string) (report pipeline.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing %s: %v", userID, r)
		}
	}()
	return s.runner.Run(ctx, userID)
}

// Cleanup purges messages and events older than cfg.Retention. Both purges
// are attempted even if one fails.
func (s *Service) Cleanup(ctx context.Context) (messages, events int64, err error) {
	cutoff := s.now().Add(-s.cfg.Retention)

	messages, errMsgs := s.messages.PurgeBefore(ctx, cutoff)
	if errMsgs != nil {
		errMsgs = fmt.Errorf("purging messages: %w", errMsgs)
	}
	events, errEvents := s.events.PurgeBefore(ctx, cutoff)
	if errEvents != nil {
		errEvents = fmt.Errorf("purging events: %w", errEvents)
	}

	atomic.AddInt64(&s.messagesPurged, messages)
	atomic.AddInt64(&s.eventsPurged, events)

	s.log.WithFields(logrus.Fields{
		"cutoff":   cutoff.UTC().Format(time.RFC3339),
		"messages": messages,
		"events":   events,
	}).Info("Retention sweep complete")
	return messages, events, errors.Join(errMsgs, errEvents)
}

func (s *Service) Stats() Stats {
	return Stats{
		Sweeps:          atomic.LoadInt64(&s.sweeps),
		UserRuns:        atomic.LoadInt64(&s.userRuns),
		Processed:       atomic.LoadInt64(&s.processed),
		MessagesPurged:  atomic.LoadInt64(&s.messagesPurged),
		EventsPurged:    atomic.LoadInt64(&s.eventsPurged),
		SkippedInFlight: atomic.LoadInt64(&s.skippedInFlight),
	}
}
