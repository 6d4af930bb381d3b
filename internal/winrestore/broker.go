// Package winrestore brokers calls to the OS-level helper program that
// restores a minimized Chrome window. The automated page cannot be
// interacted with while its window is minimized, so the session supervisor
// invokes the broker before every tab access. The broker guarantees at most
// one helper invocation at a time and never leaves an orphan helper running.
package winrestore

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrQueueOverflow = errors.New("restore queue overflow")
	ErrHelperTimeout = errors.New("restore helper timed out")
)

const (
	queueCap      = 20
	helperTimeout = 8 * time.Second
	sweepInterval = 5 * time.Second

	// exitNotFound is the helper's sentinel for "target process not
	// matched"; it triggers exactly one any-window fallback invocation.
	exitNotFound = 2
)

// Runner executes the helper binary and reports its exit code. The default
// uses os/exec; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, bin string, args ...string) (exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, bin string, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

type request struct {
	pid  int
	done chan error
}

type Broker struct {
	bin    string
	runner Runner

	queue chan request
	once  sync.Once

	capMu    sync.Mutex
	capKnown bool
	extended bool

	sweepMu   sync.Mutex
	lastSweep time.Time
}

func NewBroker(helperPath string) *Broker {
	return &Broker{bin: helperPath, runner: execRunner{}, queue: make(chan request, queueCap)}
}

// NewBrokerWithRunner is the test seam.
func NewBrokerWithRunner(helperPath string, r Runner) *Broker {
	b := NewBroker(helperPath)
	b.runner = r
	return b
}

// Restore queues one helper invocation targeting the Chrome process with the
// given pid (0 means any Chrome window) and waits for it to settle. A full
// queue is a fast reject, not a wait.
func (b *Broker) Restore(ctx context.Context, pid int) error {
	if b.bin == "" {
		return nil // helper not configured, nothing to restore
	}
	b.once.Do(func() { go b.serve() })

	req := request{pid: pid, done: make(chan error, 1)}
	select {
	case b.queue <- req:
	default:
		return fmt.Errorf("%w: %d pending", ErrQueueOverflow, len(b.queue))
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) serve() {
	for req := range b.queue {
		req.done <- b.invoke(req.pid)
	}
}

func (b *Broker) invoke(pid int) error {
	b.sweepStray()

	code, err := b.runOnce(pid)
	if err != nil {
		return err
	}
	if code == exitNotFound && pid != 0 {
		// Target pid not matched: one broader pass over any Chrome window,
		// then give up.
		log.Warn().Int("pid", pid).Msg("restore target not found, retrying against any window")
		code, err = b.runOnce(0)
		if err != nil {
			return err
		}
	}
	if code != 0 {
		return fmt.Errorf("restore helper exited with code %d", code)
	}
	return nil
}

func (b *Broker) runOnce(pid int) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), helperTimeout)
	defer cancel()

	code, err := b.runner.Run(ctx, b.bin, b.args(pid)...)
	if ctx.Err() == context.DeadlineExceeded {
		// CommandContext already killed the process; surface the timeout.
		return code, ErrHelperTimeout
	}
	return code, err
}

// args builds the helper argument list for the detected flag generation.
func (b *Broker) args(pid int) []string {
	var args []string
	if pid > 0 {
		args = append(args, "--pid", strconv.Itoa(pid))
	}
	if b.supportsExtended() {
		args = append(args, "--single-check", "--exit-if-not-found",
			"--timeout", strconv.Itoa(int(helperTimeout.Seconds())))
	} else {
		args = append(args, "--restore-once")
	}
	return args
}

// supportsExtended probes the helper's flag generation once and caches the
// answer. Old helper builds only understand --restore-once.
func (b *Broker) supportsExtended() bool {
	b.capMu.Lock()
	defer b.capMu.Unlock()
	if b.capKnown {
		return b.extended
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	out, _ := exec.CommandContext(ctx, b.bin, "--help").CombinedOutput()
	b.extended = strings.Contains(string(out), "--single-check")
	b.capKnown = true
	log.Info().Bool("extended", b.extended).Msg("restore helper capabilities detected")
	return b.extended
}

// sweepStray force-kills leftover helper instances by process name so
// repeated invocations never pile up. Rate-limited to once per 5 seconds.
func (b *Broker) sweepStray() {
	b.sweepMu.Lock()
	defer b.sweepMu.Unlock()
	now := time.Now()
	if now.Sub(b.lastSweep) < sweepInterval {
		return
	}
	b.lastSweep = now

	name := helperName(b.bin)
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("taskkill", "/F", "/IM", name)
	} else {
		cmd = exec.Command("pkill", "-f", name)
	}
	if err := cmd.Run(); err != nil {
		// Non-zero exit just means nothing matched.
		log.Debug().Err(err).Str("helper", name).Msg("stray helper sweep")
	}
}

func helperName(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
