// Package queue serializes all browser-touching work: one logical drain
// worker executes jobs in strict submission order, so at most one DOM
// interaction is ever in progress. Submissions never block the caller, and a
// key already queued-or-executing is silently dropped (in-flight guard).
package queue

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Job is a deferred unit of work. Errors are caught at the job boundary and
// never escape the drain loop.
type Job func() error

// Reserved keys for singleton maintenance jobs.
const (
	KeyHealth = "__health__"
	KeyPurge  = "__purge__"
)

type item struct {
	key  string
	work Job
}

type Serial struct {
	mu       sync.Mutex
	inflight map[string]struct{}
	fifo     []item
	draining bool
}

func NewSerial() *Serial {
	return &Serial{inflight: make(map[string]struct{})}
}

// Enqueue submits work under key. If the key is already in flight the
// submission is dropped and Enqueue reports false.
func (s *Serial) Enqueue(key string, work Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.inflight[key]; dup {
		log.Debug().Str("key", key).Msg("duplicate job dropped")
		return false
	}
	s.inflight[key] = struct{}{}
	s.fifo = append(s.fifo, item{key: key, work: work})
	s.kickLocked()
	return true
}

// Schedule reserves key immediately and moves the job into the FIFO once at
// is reached. Reserving at submission time means the dedup guard covers the
// whole delay, while the drain worker is never tied up sleeping.
func (s *Serial) Schedule(key string, at time.Time, work Job) bool {
	s.mu.Lock()
	if _, dup := s.inflight[key]; dup {
		s.mu.Unlock()
		log.Debug().Str("key", key).Msg("duplicate scheduled job dropped")
		return false
	}
	s.inflight[key] = struct{}{}
	s.mu.Unlock()

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.fifo = append(s.fifo, item{key: key, work: work})
		s.kickLocked()
		s.mu.Unlock()
	})
	return true
}

// InFlight reports whether key is currently queued or executing.
func (s *Serial) InFlight(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[key]
	return ok
}

// kickLocked starts the drain goroutine if it is not already running.
// Caller must hold mu.
func (s *Serial) kickLocked() {
	if s.draining {
		return
	}
	s.draining = true
	go s.drain()
}

func (s *Serial) drain() {
	for {
		s.mu.Lock()
		if len(s.fifo) == 0 {
			// Length is re-checked under the same lock that clears the
			// draining flag, so a job arriving mid-shutdown restarts the
			// loop instead of stranding.
			s.draining = false
			s.mu.Unlock()
			return
		}
		next := s.fifo[0]
		s.fifo = s.fifo[1:]
		s.mu.Unlock()

		s.run(next)

		s.mu.Lock()
		delete(s.inflight, next.key)
		s.mu.Unlock()
	}
}

func (s *Serial) run(it item) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("key", it.key).Interface("panic", r).Msg("job panicked")
		}
	}()
	if err := it.work(); err != nil {
		log.Error().Err(err).Str("key", it.key).Msg("job failed")
	}
}
