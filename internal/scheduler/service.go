// Package scheduler owns every retry decision: a periodic sweep re-enqueues
// failed and overdue-pending records, and a daily purge trims the log. No
// other component increments or inspects retry counters.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"teebridge/internal/actionlog"
	"teebridge/internal/domain"
	"teebridge/internal/queue"
)

const (
	SweepInterval = 10 * time.Minute

	// overdueGrace separates "scheduled but not yet picked up" from "the
	// in-memory queue was wiped by a crash or restart".
	overdueGrace = 5 * time.Second

	PurgeMaxAge = 7 * 24 * time.Hour

	// purgeSpec runs the purge at a fixed wall-clock time; cron recomputes
	// the next fire each day, so daylight-saving shifts don't drift it.
	purgeSpec = "0 4 * * *"
)

// Executor runs the DOM action for one record; it is the same code path the
// ingress schedules.
type Executor interface {
	Execute(ctx context.Context, rec domain.ActionRecord) error
}

type Service struct {
	store *actionlog.Store
	jobs  *queue.Serial
	exec  Executor
	cron  *cron.Cron
	stop  chan struct{}
	now   func() time.Time
}

func NewService(store *actionlog.Store, jobs *queue.Serial, exec Executor) *Service {
	return &Service{
		store: store,
		jobs:  jobs,
		exec:  exec,
		cron:  cron.New(),
		stop:  make(chan struct{}),
		now:   time.Now,
	}
}

// Start runs the sweep loop and the purge schedule until ctx is done.
func (s *Service) Start(ctx context.Context) {
	if _, err := s.cron.AddFunc(purgeSpec, func() { s.enqueuePurge() }); err != nil {
		log.Error().Err(err).Msg("register purge schedule")
	}
	s.cron.Start()

	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	log.Info().Dur("interval", SweepInterval).Msg("retry scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.cron.Stop()
			return
		case <-s.stop:
			s.cron.Stop()
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// Sweep re-enqueues every record that needs another attempt: failed ones,
// and pending ones whose schedule has passed by more than the grace period.
// Records past the retry ceiling are marked stopped and never touched again.
func (s *Service) Sweep(now time.Time) {
	for _, rec := range s.store.List() {
		if !s.needsRetry(rec, now) {
			continue
		}
		if rec.RetryCount >= domain.RetryCeiling {
			rec.Status = domain.StatusStopped
			rec.CompletedAt = now.Format("2006.01.02 15.04.05")
			rec.LastError = "retry ceiling exceeded"
			if err := s.store.Update(rec); err != nil {
				log.Error().Err(err).Str("id", rec.ID).Msg("mark record stopped")
			}
			log.Warn().Str("id", rec.ID).Int("retryCount", rec.RetryCount).
				Msg("retry ceiling exceeded, stopping record")
			continue
		}

		rec.RetryCount++
		// A pending record stuck past its schedule means a restart wiped the
		// queue; flip it to fail so the missed window is visible in the log.
		rec.Status = domain.StatusFail
		if err := s.store.Update(rec); err != nil {
			log.Error().Err(err).Str("id", rec.ID).Msg("update record before retry")
			continue
		}

		rec := rec
		enqueued := s.jobs.Enqueue(rec.ID, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			return s.exec.Execute(ctx, rec)
		})
		if enqueued {
			log.Info().Str("id", rec.ID).Int("retryCount", rec.RetryCount).Msg("record re-enqueued")
		}
	}
}

func (s *Service) needsRetry(rec domain.ActionRecord, now time.Time) bool {
	switch rec.Status {
	case domain.StatusFail:
		return true
	case domain.StatusPending:
		return now.Sub(time.UnixMilli(rec.ScheduledTs)) > overdueGrace
	default:
		return false
	}
}

// enqueuePurge funnels the purge through the serial queue like every other
// log writer.
func (s *Service) enqueuePurge() {
	s.jobs.Enqueue(queue.KeyPurge, func() error {
		dropped, err := s.store.Purge(PurgeMaxAge, s.now())
		if err != nil {
			return err
		}
		if dropped > 0 {
			log.Info().Int("dropped", dropped).Msg("old action records purged")
		}
		return nil
	})
}
