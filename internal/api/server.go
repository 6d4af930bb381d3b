// Package api is the local ingress for externally scheduled calendar
// actions. Acceptance is fire-and-forget: the response never waits for the
// DOM action, whose outcome is observable only through the action log.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"teebridge/internal/actionlog"
	"teebridge/internal/domain"
	"teebridge/internal/queue"
	"teebridge/internal/restart"
	"teebridge/internal/session"
)

const healthDoubleCheckDelay = 2 * time.Second

// Session is the health view of the supervisor the ingress needs.
type Session interface {
	Alive(ctx context.Context) bool
	HasReservationTab() bool
	StartedAt() time.Time
}

// Executor runs one persisted action against the live session.
type Executor interface {
	Execute(ctx context.Context, rec domain.ActionRecord) error
}

type Server struct {
	r      *chi.Mux
	store  *actionlog.Store
	jobs   *queue.Serial
	sess   Session
	exec   Executor
	policy *restart.Policy
	now    func() time.Time
	sleep  func(time.Duration)
}

func NewServer(store *actionlog.Store, jobs *queue.Serial, sess Session, exec Executor, policy *restart.Policy) http.Handler {
	s := &Server{
		store:  store,
		jobs:   jobs,
		sess:   sess,
		exec:   exec,
		policy: policy,
		now:    time.Now,
		sleep:  time.Sleep,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Get("/health", s.health)
	r.Get("/reservation", s.reservation)
	s.r = r
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) reservation(w http.ResponseWriter, r *http.Request) {
	targetDate := r.URL.Query().Get("targetDate")
	kind := r.URL.Query().Get("kind")

	if !validTargetDate(targetDate) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "targetDate required"})
		return
	}

	rec := domain.NewActionRecord(targetDate, kind, s.now())
	if err := s.store.Append(rec); err != nil {
		log.Error().Err(err).Str("id", rec.ID).Msg("persist action record")
	}
	log.Info().Str("id", rec.ID).Str("targetDate", targetDate).Str("kind", kind).
		Time("scheduledAt", time.UnixMilli(rec.ScheduledTs)).Msg("action accepted")

	// The caller never waits for execution.
	w.WriteHeader(http.StatusOK)

	s.jobs.Enqueue(queue.KeyHealth, s.healthCheck)
	s.jobs.Schedule(rec.ID, time.UnixMilli(rec.ScheduledTs), func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		return s.exec.Execute(ctx, rec)
	})
}

// healthCheck is the best-effort session probe run once per ingress request.
// A dead session is double-checked after a short delay before recovery is
// requested, so a reconnect in progress doesn't trip a false positive.
func (s *Server) healthCheck() error {
	if s.alive() {
		if !s.sess.HasReservationTab() {
			// The tab may simply not be open yet; never restart for this.
			log.Warn().Msg("session alive but reservation tab missing")
		}
		return nil
	}

	s.sleep(healthDoubleCheckDelay)
	if s.alive() {
		return nil
	}

	started := s.sess.StartedAt()
	if started.IsZero() || s.now().Sub(started) < session.StartupGrace {
		log.Info().Msg("session not alive but within startup grace, skipping recovery")
		return nil
	}
	s.policy.Request("session health check failed twice")
	return nil
}

func (s *Server) alive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.sess.Alive(ctx)
}

// validTargetDate accepts the fixed-width numeric date form YYYYMMDD with an
// optional numeric time suffix.
func validTargetDate(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
