package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teebridge/internal/actionlog"
	"teebridge/internal/domain"
	"teebridge/internal/queue"
	"teebridge/internal/restart"
)

type fakeSession struct {
	mu      sync.Mutex
	alive   bool
	hasTab  bool
	started time.Time
	probes  int
}

func (f *fakeSession) Alive(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.alive
}

func (f *fakeSession) HasReservationTab() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasTab
}

func (f *fakeSession) StartedAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

type fakeExec struct {
	mu   sync.Mutex
	recs []domain.ActionRecord
}

func (f *fakeExec) Execute(ctx context.Context, rec domain.ActionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeExec) executed() []domain.ActionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ActionRecord(nil), f.recs...)
}

type fixture struct {
	server   *Server
	handler  http.Handler
	store    *actionlog.Store
	jobs     *queue.Serial
	sess     *fakeSession
	exec     *fakeExec
	restarts *int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := actionlog.NewStore(filepath.Join(t.TempDir(), "actions.json"))
	jobs := queue.NewSerial()
	sess := &fakeSession{alive: true, hasTab: true, started: time.Now().Add(-2 * time.Minute)}
	exec := &fakeExec{}
	restarts := 0
	policy := restart.NewPolicyWithRelaunch(func() error { restarts++; return nil }, nil)

	s := &Server{
		store:  store,
		jobs:   jobs,
		sess:   sess,
		exec:   exec,
		policy: policy,
		now:    time.Now,
		sleep:  func(time.Duration) {},
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.health)
	r.Get("/reservation", s.reservation)
	s.r = r

	return &fixture{server: s, handler: r, store: store, jobs: jobs,
		sess: sess, exec: exec, restarts: &restarts}
}

func (f *fixture) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.get("/health")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReservationMissingTargetDate(t *testing.T) {
	f := newFixture(t)
	w := f.get("/reservation?kind=m")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "targetDate")
	assert.Empty(t, f.store.List())
}

func TestReservationRejectsNonNumericDate(t *testing.T) {
	f := newFixture(t)
	w := f.get("/reservation?targetDate=2026-03-15")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReservationAcceptedAndPersisted(t *testing.T) {
	f := newFixture(t)
	before := time.Now()

	w := f.get("/reservation?targetDate=20260315&kind=m")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	records := f.store.List()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "20260315", rec.TargetDate)
	assert.Equal(t, "m", rec.Kind)
	assert.Equal(t, "mobile", rec.ChannelLabel)
	assert.Equal(t, domain.StatusPending, rec.Status)

	// Mobile requests are deferred five minutes from receipt.
	scheduled := time.UnixMilli(rec.ScheduledTs)
	assert.WithinDuration(t, before.Add(5*time.Minute), scheduled, 5*time.Second)

	// Execution is scheduled, not immediate.
	assert.True(t, f.jobs.InFlight(rec.ID))
	assert.Empty(t, f.exec.executed())
}

func TestReservationPhoneKindShortDelay(t *testing.T) {
	f := newFixture(t)
	before := time.Now()

	w := f.get("/reservation?targetDate=20260315")
	require.Equal(t, http.StatusOK, w.Code)

	records := f.store.List()
	require.Len(t, records, 1)
	scheduled := time.UnixMilli(records[0].ScheduledTs)
	assert.WithinDuration(t, before.Add(time.Minute), scheduled, 5*time.Second)
}

func TestHealthyProbeNeverRestarts(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.server.healthCheck())
	assert.Zero(t, *f.restarts)
}

func TestDeadSessionDoubleCheckedBeforeRestart(t *testing.T) {
	f := newFixture(t)
	f.sess.alive = false

	require.NoError(t, f.server.healthCheck())
	assert.Equal(t, 2, f.sess.probes, "a dead probe is rechecked once")
	assert.Equal(t, 1, *f.restarts)
}

func TestDeadSessionWithinStartupGraceSkipsRestart(t *testing.T) {
	f := newFixture(t)
	f.sess.alive = false
	f.sess.started = time.Now()

	require.NoError(t, f.server.healthCheck())
	assert.Zero(t, *f.restarts)
}

func TestRecoveringSessionPassesSecondProbe(t *testing.T) {
	f := newFixture(t)
	f.sess.alive = false
	f.server.sleep = func(time.Duration) { f.sess.mu.Lock(); f.sess.alive = true; f.sess.mu.Unlock() }

	require.NoError(t, f.server.healthCheck())
	assert.Zero(t, *f.restarts)
}

func TestAliveWithoutTabOnlyWarns(t *testing.T) {
	f := newFixture(t)
	f.sess.hasTab = false

	require.NoError(t, f.server.healthCheck())
	assert.Zero(t, *f.restarts)
}

func TestValidTargetDate(t *testing.T) {
	assert.True(t, validTargetDate("20260315"))
	assert.True(t, validTargetDate("202603151300"))
	assert.False(t, validTargetDate(""))
	assert.False(t, validTargetDate("2026"))
	assert.False(t, validTargetDate("2026-03-15"))
}
