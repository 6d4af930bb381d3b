package domain

import (
	"fmt"
	"sync"
	"time"
)

// Action status values. Success and Stopped are terminal.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFail    = "fail"
	StatusStopped = "stopped"
)

// KindMobile marks requests arriving through the customer mobile channel;
// they get a longer initial delay than phone-channel requests.
const KindMobile = "m"

const (
	DelayMobile = 5 * time.Minute
	DelayPhone  = 1 * time.Minute

	// RetryCeiling is the number of re-attempts after which an action is
	// abandoned and marked stopped.
	RetryCeiling = 5
)

// Delay returns the initial execution delay for an action kind.
func Delay(kind string) time.Duration {
	if kind == KindMobile {
		return DelayMobile
	}
	return DelayPhone
}

// ChannelLabel returns the human label stored alongside the kind.
func ChannelLabel(kind string) string {
	if kind == KindMobile {
		return "mobile"
	}
	return "phone"
}

// ActionRecord is one row of the action log: a single externally requested
// calendar action and the outcome of its attempts.
type ActionRecord struct {
	ID               string `json:"id"`
	TargetDate       string `json:"targetDate"`
	Kind             string `json:"kind"`
	ChannelLabel     string `json:"channelLabel"`
	RequestedAt      string `json:"requestedAt"`
	RequestTimestamp int64  `json:"requestTimestamp"`
	ScheduledTs      int64  `json:"scheduledTs"`
	CompletedAt      string `json:"completedAt,omitempty"`
	Status           string `json:"status"`
	LastError        string `json:"lastError,omitempty"`
	RetryCount       int    `json:"retryCount"`
}

// Terminal reports whether the record can never be re-attempted.
func (r ActionRecord) Terminal() bool {
	return r.Status == StatusSuccess || r.Status == StatusStopped
}

var (
	idMu      sync.Mutex
	idLastSec int64
	idCounter int
)

// NewActionID returns a monotonic-enough id: unix seconds plus a per-second
// counter. Ids are never reused within a process lifetime.
func NewActionID(now time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	sec := now.Unix()
	if sec != idLastSec {
		idLastSec = sec
		idCounter = 0
	}
	idCounter++
	return fmt.Sprintf("%d-%03d", sec, idCounter)
}

// NewActionRecord builds a pending record for an ingress request received at
// now. ScheduledTs is fixed at creation and never mutated afterwards.
func NewActionRecord(targetDate, kind string, now time.Time) ActionRecord {
	return ActionRecord{
		ID:               NewActionID(now),
		TargetDate:       targetDate,
		Kind:             kind,
		ChannelLabel:     ChannelLabel(kind),
		RequestedAt:      now.Format("2006.01.02 15.04.05"),
		RequestTimestamp: now.UnixMilli(),
		ScheduledTs:      now.Add(Delay(kind)).UnixMilli(),
		Status:           StatusPending,
	}
}
