package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendStateAdmitRespectsWindow(t *testing.T) {
	w := newSendState(10)
	got := w.admit(3)
	require.Equal(t, []uint32{0, 1, 2}, got)
	require.Equal(t, uint32(3), w.next)

	got = w.admit(3)
	require.Empty(t, got, "window already full of in-flight-less admits")
}

func TestSendStateAckClearsInFlightAndIsIdempotent(t *testing.T) {
	w := newSendState(2)
	for _, i := range w.admit(2) {
		w.markSent(i, time.Unix(0, 0))
	}
	w.ack(0)
	require.True(t, w.acked[0])
	require.Equal(t, uint32(1), w.ackCount)
	_, stillThere := w.inFlight[0]
	require.False(t, stillThere)

	w.ack(0) // duplicate
	require.Equal(t, uint32(1), w.ackCount)

	require.False(t, w.done())
	w.ack(1)
	require.True(t, w.done())
}

func TestSendStateResendIncrementsRetries(t *testing.T) {
	w := newSendState(1)
	w.admit(1)
	w.markSent(0, time.Unix(0, 0))

	r, ok := w.resend(0, time.Unix(1, 0))
	require.True(t, ok)
	require.Equal(t, 1, r)
	require.Equal(t, 1, w.retriesOf(0))

	_, ok = w.resend(5, time.Unix(1, 0))
	require.False(t, ok)
}

func TestSendStateDueForRetryHonorsExponentialBackoff(t *testing.T) {
	w := newSendState(1)
	w.admit(1)
	start := time.Unix(100, 0)
	w.markSent(0, start)

	base := 500 * time.Millisecond
	require.Empty(t, w.dueForRetry(start.Add(100*time.Millisecond), base))
	require.Equal(t, []uint32{0}, w.dueForRetry(start.Add(600*time.Millisecond), base))
}
