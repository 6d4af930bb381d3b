package restart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestPolicy(clock *fakeClock) (*Policy, *int) {
	restarts := 0
	p := NewPolicyWithRelaunch(func() error {
		restarts++
		return nil
	}, clock.now)
	return p, &restarts
}

func (p *Policy) finishForTest() {
	p.mu.Lock()
	p.inFlight = false
	p.mu.Unlock()
}

func TestCooldownCollapsesBurst(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	p, restarts := newTestPolicy(clock)

	// Three requests within five seconds trigger exactly one restart.
	p.Request("disconnect")
	p.finishForTest()
	clock.advance(2 * time.Second)
	p.Request("disconnect")
	clock.advance(3 * time.Second)
	p.Request("health check")
	assert.Equal(t, 1, *restarts)

	clock.advance(DefaultCooldown)
	p.Request("disconnect")
	assert.Equal(t, 2, *restarts)
}

func TestSuppressWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	p, restarts := newTestPolicy(clock)

	p.Suppress(2 * time.Minute)
	p.Request("auth expired teardown")
	assert.Zero(t, *restarts)

	clock.advance(2*time.Minute + time.Second)
	p.Request("disconnect")
	assert.Equal(t, 1, *restarts)
}

func TestBlockIsPermanent(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	p, restarts := newTestPolicy(clock)

	p.Block()
	p.Request("disconnect")
	clock.advance(time.Hour)
	p.Request("disconnect")
	assert.Zero(t, *restarts)
}

func TestCleanupRunsBeforeRelaunch(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	var order []string
	p := NewPolicyWithRelaunch(func() error {
		order = append(order, "relaunch")
		return nil
	}, clock.now)
	p.RegisterCleanup(func() error { order = append(order, "first"); return nil })
	p.RegisterCleanup(func() error { order = append(order, "second"); return nil })

	p.Request("disconnect")
	assert.Equal(t, []string{"first", "second", "relaunch"}, order)
}

func TestInFlightGuard(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	restarts := 0
	p := NewPolicyWithRelaunch(func() error { restarts++; return nil }, clock.now)
	p.SetCooldown(0)

	// A request arriving while the first is mid-cleanup must be dropped.
	p.RegisterCleanup(func() error {
		p.Request("reentrant")
		return nil
	})
	p.Request("disconnect")
	assert.Equal(t, 1, restarts)
}
