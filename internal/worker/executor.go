// Package worker runs one queued calendar action end to end: acquire the
// live booking tab, perform the day click, and write the outcome back to the
// action log.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"teebridge/internal/actionlog"
	"teebridge/internal/domain"
	"teebridge/internal/restart"
	"teebridge/internal/session"
)

// Driver is the slice of the session supervisor an action needs.
type Driver interface {
	PerformDayClick(ctx context.Context, targetDate string) error
}

type Executor struct {
	store  *actionlog.Store
	driver Driver
	policy *restart.Policy
	now    func() time.Time
}

func NewExecutor(store *actionlog.Store, driver Driver, policy *restart.Policy) *Executor {
	return &Executor{store: store, driver: driver, policy: policy, now: time.Now}
}

// Execute performs the record's calendar action against the live session and
// records the outcome. A dead session escalates to the restart policy; every
// other failure is left for the retry sweep.
func (e *Executor) Execute(ctx context.Context, rec domain.ActionRecord) error {
	log.Info().Str("id", rec.ID).Str("targetDate", rec.TargetDate).
		Int("retryCount", rec.RetryCount).Msg("executing calendar action")

	err := e.driver.PerformDayClick(ctx, rec.TargetDate)
	if err == nil {
		rec.Status = domain.StatusSuccess
		rec.LastError = ""
		rec.CompletedAt = e.now().Format("2006.01.02 15.04.05")
		if uerr := e.store.Update(rec); uerr != nil {
			log.Error().Err(uerr).Str("id", rec.ID).Msg("record success update")
		}
		return nil
	}

	rec.Status = domain.StatusFail
	rec.LastError = err.Error()
	if uerr := e.store.Update(rec); uerr != nil {
		log.Error().Err(uerr).Str("id", rec.ID).Msg("record failure update")
	}

	if errors.Is(err, session.ErrSessionNotReady) {
		// No amount of retrying fixes a dead browser.
		e.policy.Request("session not ready during action")
	}
	return err
}
