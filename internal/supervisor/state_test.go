package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineTransitions(t *testing.T) {
	tests := []struct {
		name   string
		events []Event
		want   State
	}{
		{"open", []Event{EventOpen}, StateConnecting},
		{"connect", []Event{EventOpen, EventConnected}, StateActive},
		{"initial failure", []Event{EventOpen, EventFail}, StateFailed},
		{"drop and retry", []Event{EventOpen, EventConnected, EventDrop, EventRetry}, StateConnecting},
		{"retry fails again", []Event{EventOpen, EventConnected, EventDrop, EventRetry, EventDrop}, StateDisconnected},
		{"exhausted", []Event{EventOpen, EventConnected, EventDrop, EventExhaust}, StateFailed},
		{"permanent close", []Event{EventOpen, EventConnected, EventFail}, StateFailed},
		{"stop pending", []Event{EventStop}, StateStopped},
		{"stop twice", []Event{EventOpen, EventStop, EventStop}, StateStopped},
		{"stop failed", []Event{EventOpen, EventFail, EventStop}, StateStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			for _, e := range tt.events {
				_, err := m.Apply(e)
				require.NoError(t, err, "event %s", e)
			}
			assert.Equal(t, tt.want, m.State())
		})
	}
}

func TestMachineRejectsIllegalTransitions(t *testing.T) {
	tests := []struct {
		name   string
		events []Event
		bad    Event
	}{
		{"connected before open", nil, EventConnected},
		{"open twice", []Event{EventOpen}, EventOpen},
		{"retry while active", []Event{EventOpen, EventConnected}, EventRetry},
		{"leave failed", []Event{EventOpen, EventFail}, EventRetry},
		{"leave stopped", []Event{EventStop}, EventOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			for _, e := range tt.events {
				_, err := m.Apply(e)
				require.NoError(t, err)
			}
			before := m.State()
			_, err := m.Apply(tt.bad)
			assert.ErrorIs(t, err, ErrIllegalTransition)
			assert.Equal(t, before, m.State())
		})
	}
}

func TestReasonRetryable(t *testing.T) {
	assert.True(t, ReasonUnknown.Retryable())
	assert.True(t, ReasonRateLimited.Retryable())
	for _, r := range []Reason{ReasonAuthRevoked, ReasonBanned, ReasonBadRequest, ReasonRequiresInteractiveAuth, ReasonTimeout} {
		assert.False(t, r.Retryable(), r)
	}
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, ReasonNone, ReasonOf(nil))
	assert.Equal(t, ReasonBanned, ReasonOf(&DisconnectError{Reason: ReasonBanned}))
	assert.Equal(t, ReasonTimeout, ReasonOf(ErrTimeout))
	assert.Equal(t, ReasonRequiresInteractiveAuth, ReasonOf(ErrRequiresInteractiveAuth))
	assert.Equal(t, ReasonUnknown, ReasonOf(assert.AnError))
}

func TestBackoff(t *testing.T) {
	cfg := Config{BaseDelay: time.Second}.withDefaults()
	assert.Equal(t, time.Second, cfg.backoff(1, ReasonUnknown))
	assert.Equal(t, 3*time.Second, cfg.backoff(3, ReasonUnknown))
	assert.Equal(t, 8*time.Second, cfg.backoff(2, ReasonRateLimited))
}

func TestScheduler(t *testing.T) {
	s := NewScheduler()
	ran := make(chan string, 4)

	s.Schedule("a", time.Hour, func() { ran <- "a-old" })
	s.Schedule("a", time.Millisecond, func() { ran <- "a" })
	s.Schedule("b", time.Hour, func() { ran <- "b" })
	assert.Equal(t, 2, s.Pending())

	select {
	case got := <-ran:
		assert.Equal(t, "a", got)
	case <-time.After(time.Second):
		t.Fatal("scheduled task did not run")
	}
	require.Eventually(t, func() bool { return s.Pending() == 1 }, time.Second, time.Millisecond)

	assert.True(t, s.Cancel("b"))
	assert.False(t, s.Cancel("b"))

	s.Schedule("c", time.Hour, func() {})
	s.Schedule("d", time.Hour, func() {})
	s.CancelAll()
	assert.Equal(t, 0, s.Pending())
}
