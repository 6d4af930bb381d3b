package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teebridge/internal/actionlog"
	"teebridge/internal/domain"
	"teebridge/internal/restart"
	"teebridge/internal/session"
)

type fakeDriver struct {
	err   error
	dates []string
}

func (f *fakeDriver) PerformDayClick(ctx context.Context, targetDate string) error {
	f.dates = append(f.dates, targetDate)
	return f.err
}

func newTestExecutor(t *testing.T, driver *fakeDriver) (*Executor, *actionlog.Store, *int) {
	t.Helper()
	store := actionlog.NewStore(filepath.Join(t.TempDir(), "actions.json"))
	restarts := 0
	policy := restart.NewPolicyWithRelaunch(func() error { restarts++; return nil }, nil)
	return NewExecutor(store, driver, policy), store, &restarts
}

func TestExecuteSuccess(t *testing.T) {
	driver := &fakeDriver{}
	exec, store, restarts := newTestExecutor(t, driver)

	rec := domain.NewActionRecord("20260315", "m", time.Now())
	require.NoError(t, store.Append(rec))

	require.NoError(t, exec.Execute(context.Background(), rec))
	assert.Equal(t, []string{"20260315"}, driver.dates)

	got, ok := store.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusSuccess, got.Status)
	assert.NotEmpty(t, got.CompletedAt)
	assert.Empty(t, got.LastError)
	assert.Zero(t, *restarts)
}

func TestExecuteFailureRecordsError(t *testing.T) {
	driver := &fakeDriver{err: errors.New("day cell not found")}
	exec, store, restarts := newTestExecutor(t, driver)

	rec := domain.NewActionRecord("20260315", "", time.Now())
	require.NoError(t, store.Append(rec))

	require.Error(t, exec.Execute(context.Background(), rec))

	got, ok := store.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusFail, got.Status)
	assert.Equal(t, "day cell not found", got.LastError)
	assert.Empty(t, got.CompletedAt)
	assert.Zero(t, *restarts, "ordinary failures never restart the process")
}

func TestExecuteDeadSessionEscalates(t *testing.T) {
	driver := &fakeDriver{err: session.ErrSessionNotReady}
	exec, store, restarts := newTestExecutor(t, driver)

	rec := domain.NewActionRecord("20260315", "m", time.Now())
	require.NoError(t, store.Append(rec))

	require.Error(t, exec.Execute(context.Background(), rec))
	assert.Equal(t, 1, *restarts)

	got, _ := store.Get(rec.ID)
	assert.Equal(t, domain.StatusFail, got.Status)
}

func TestExecuteSuccessClearsPreviousError(t *testing.T) {
	driver := &fakeDriver{}
	exec, store, _ := newTestExecutor(t, driver)

	rec := domain.NewActionRecord("20260315", "m", time.Now())
	rec.Status = domain.StatusFail
	rec.LastError = "transient"
	rec.RetryCount = 2
	require.NoError(t, store.Append(rec))

	require.NoError(t, exec.Execute(context.Background(), rec))

	got, _ := store.Get(rec.ID)
	assert.Equal(t, domain.StatusSuccess, got.Status)
	assert.Empty(t, got.LastError)
	assert.Equal(t, 2, got.RetryCount)
}
