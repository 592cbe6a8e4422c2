package session

import (
	"testing"
	"time"

	"github.com/lexachron/ntpspy/sink"
	"github.com/stretchr/testify/require"
)

func TestTableStartCreatesThenRetransmitsThenConflicts(t *testing.T) {
	s, err := sink.NewFSSink(t.TempDir())
	require.NoError(t, err)
	tbl := NewTable(s)
	key := Key{Peer: "1.2.3.4:1230", TransferID: 1}
	now := time.Unix(0, 0)

	sess, created, err := tbl.Start(key, "h.txt", 5, now)
	require.NoError(t, err)
	require.True(t, created)
	require.NotNil(t, sess)
	require.Equal(t, 1, tbl.Len())

	again, created, err := tbl.Start(key, "h.txt", 5, now.Add(time.Second))
	require.NoError(t, err)
	require.False(t, created)
	require.Same(t, sess, again)

	_, _, err = tbl.Start(key, "other.txt", 5, now)
	require.ErrorIs(t, err, ErrConflict)
}

func TestTableSweepEvictsIdleSessions(t *testing.T) {
	s, err := sink.NewFSSink(t.TempDir())
	require.NoError(t, err)
	tbl := NewTable(s)
	key := Key{Peer: "p", TransferID: 1}
	start := time.Unix(1000, 0)

	_, _, err = tbl.Start(key, "h.txt", 0, start)
	require.NoError(t, err)

	retired := tbl.Sweep(start.Add(30*time.Second), 60*time.Second)
	require.Empty(t, retired)
	require.Equal(t, 1, tbl.Len())

	retired = tbl.Sweep(start.Add(61*time.Second), 60*time.Second)
	require.Len(t, retired, 1)
	require.Equal(t, key, retired[0].Key)
	require.Equal(t, 0, tbl.Len())
}

func TestTableDeleteRemovesSession(t *testing.T) {
	s, err := sink.NewFSSink(t.TempDir())
	require.NoError(t, err)
	tbl := NewTable(s)
	key := Key{Peer: "p", TransferID: 9}

	_, _, err = tbl.Start(key, "h.txt", 0, time.Unix(0, 0))
	require.NoError(t, err)
	tbl.Delete(key)

	_, ok := tbl.Get(key)
	require.False(t, ok)
	require.Equal(t, 0, tbl.Len())
}
