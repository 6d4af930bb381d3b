// Package restart centralizes the "should the whole process restart now"
// decision. A torn-down browser cannot be trusted to resume mid-interaction,
// so recovery is a full relaunch, guarded here by a cooldown, a temporary
// suppression window, a hard block flag and a single-flight guard.
package restart

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultCooldown = time.Minute

// CleanupFunc runs before the process is replaced. Handlers are executed in
// registration order; a failing handler is logged and skipped.
type CleanupFunc func() error

// RelaunchFunc replaces the current process. Injected so tests can observe
// restart decisions without actually exiting.
type RelaunchFunc func() error

type Policy struct {
	mu            sync.Mutex
	last          time.Time
	suppressUntil time.Time
	blocked       bool
	inFlight      bool
	cooldown      time.Duration
	cleanup       []CleanupFunc
	relaunch      RelaunchFunc
	now           func() time.Time
}

func NewPolicy() *Policy {
	return &Policy{
		cooldown: DefaultCooldown,
		relaunch: execRelaunch,
		now:      time.Now,
	}
}

// NewPolicyWithRelaunch is the test seam: a policy with an injected relaunch
// function and clock.
func NewPolicyWithRelaunch(relaunch RelaunchFunc, now func() time.Time) *Policy {
	p := NewPolicy()
	p.relaunch = relaunch
	if now != nil {
		p.now = now
	}
	return p
}

// RegisterCleanup appends a handler to run before relaunch.
func (p *Policy) RegisterCleanup(fn CleanupFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanup = append(p.cleanup, fn)
}

// Block permanently forbids restarts. Set when the user explicitly quits so
// no component may resurrect the process.
func (p *Policy) Block() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked = true
}

// Suppress ignores restart requests for d. Used right after an intentional
// shutdown so the disconnect watcher does not race it with a relaunch.
func (p *Policy) Suppress(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suppressUntil = p.now().Add(d)
}

func (p *Policy) SetCooldown(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d >= 0 {
		p.cooldown = d
	}
}

// Request asks for a process restart. All skip conditions are checked under
// one lock; at most one request proceeds to cleanup and relaunch.
func (p *Policy) Request(reason string) {
	p.mu.Lock()
	now := p.now()
	switch {
	case p.blocked:
		p.mu.Unlock()
		log.Info().Str("reason", reason).Msg("restart blocked, skipping")
		return
	case now.Before(p.suppressUntil):
		p.mu.Unlock()
		log.Info().Str("reason", reason).Msg("restart suppressed, skipping")
		return
	case p.inFlight:
		p.mu.Unlock()
		log.Info().Str("reason", reason).Msg("restart already in flight, skipping")
		return
	case !p.last.IsZero() && now.Sub(p.last) < p.cooldown:
		p.mu.Unlock()
		log.Info().Str("reason", reason).Msg("restart within cooldown, skipping")
		return
	}
	p.inFlight = true
	p.last = now
	cleanup := append([]CleanupFunc(nil), p.cleanup...)
	p.mu.Unlock()

	log.Warn().Str("reason", reason).Msg("restarting process")
	for _, fn := range cleanup {
		if err := fn(); err != nil {
			log.Error().Err(err).Msg("cleanup before restart failed")
		}
	}
	if err := p.relaunch(); err != nil {
		log.Error().Err(err).Msg("relaunch failed")
		p.mu.Lock()
		p.inFlight = false // allow a later retry
		p.mu.Unlock()
	}
}

// execRelaunch starts a detached copy of the current binary with the same
// arguments plus a marker flag, then exits.
func execRelaunch() error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	args := append(append([]string(nil), os.Args[1:]...), "--relaunched")
	cmd := exec.Command(self, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	_ = cmd.Process.Release()
	os.Exit(0)
	return nil
}
