package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayByKind(t *testing.T) {
	assert.Equal(t, 5*time.Minute, Delay(KindMobile))
	assert.Equal(t, time.Minute, Delay(""))
	assert.Equal(t, time.Minute, Delay("p"))
}

func TestNewActionIDUniqueWithinSecond(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewActionID(now)
		assert.False(t, seen[id], "id %s repeated", id)
		seen[id] = true
	}
}

func TestNewActionRecord(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	rec := NewActionRecord("20260315", KindMobile, now)

	assert.Equal(t, "20260315", rec.TargetDate)
	assert.Equal(t, "mobile", rec.ChannelLabel)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "2026.03.01 10.00.00", rec.RequestedAt)
	assert.Equal(t, now.UnixMilli(), rec.RequestTimestamp)
	assert.Equal(t, now.Add(5*time.Minute).UnixMilli(), rec.ScheduledTs)
	assert.Zero(t, rec.RetryCount)
	assert.Empty(t, rec.CompletedAt)

	phone := NewActionRecord("20260315", "", now)
	assert.Equal(t, "phone", phone.ChannelLabel)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), phone.ScheduledTs)
}

func TestTerminal(t *testing.T) {
	assert.True(t, ActionRecord{Status: StatusSuccess}.Terminal())
	assert.True(t, ActionRecord{Status: StatusStopped}.Terminal())
	assert.False(t, ActionRecord{Status: StatusPending}.Terminal())
	assert.False(t, ActionRecord{Status: StatusFail}.Terminal())
}
