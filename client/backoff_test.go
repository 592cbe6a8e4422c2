package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := newBackoff(500*time.Millisecond, 8*time.Second)

	require.Equal(t, 500*time.Millisecond, b.next())
	require.Equal(t, time.Second, b.next())
	require.Equal(t, 2*time.Second, b.next())
	require.Equal(t, 4*time.Second, b.next())
	require.Equal(t, 8*time.Second, b.next())
	require.Equal(t, 8*time.Second, b.next()) // capped
}

func TestBackoffExhaustedAndReset(t *testing.T) {
	b := newBackoff(time.Millisecond, time.Second)
	for i := 0; i < 5; i++ {
		b.next()
	}
	require.True(t, b.exhausted(5))

	b.reset()
	require.False(t, b.exhausted(5))
	require.Equal(t, time.Millisecond, b.next())
}
