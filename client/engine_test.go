package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/lexachron/ntpspy/server"
	"github.com/lexachron/ntpspy/sink"
)

const testMagicHex = 0xDEADBEEF

func startTestServer(t *testing.T, storageRoot string) *net.UDPAddr {
	t.Helper()
	sk, err := sink.NewFSSink(storageRoot)
	require.NoError(t, err)
	stats, _ := server.NewPromStats()
	logger := log.New()
	logger.SetOutput(os.Stderr)

	cfg := server.Config{StorageRoot: storageRoot, Port: 0, Magic: testMagicHex, IdleTimeout: 60 * time.Second}
	eng, err := server.New(cfg, sk, stats, logger)
	require.NoError(t, err)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		conn.Close()
	})
	go func() { _ = eng.Serve(ctx, conn) }()
	return conn.LocalAddr().(*net.UDPAddr)
}

func dialTestClient(t *testing.T, addr *net.UDPAddr) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEngineSendBatchCommitsFile(t *testing.T) {
	storageRoot := t.TempDir()
	addr := startTestServer(t, storageRoot)
	conn := dialTestClient(t, addr)

	srcDir := t.TempDir()
	path := filepath.Join(srcDir, "h.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	cfg := Config{Magic: testMagicHex}
	require.NoError(t, cfg.Validate())
	logger := log.New()
	logger.SetOutput(os.Stderr)

	e := New(conn, addr, cfg, logger)
	results := e.SendBatch(context.Background(), []string{path})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Equal(t, "h.txt", results[0].Name)

	got, err := os.ReadFile(filepath.Join(storageRoot, "h.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestEngineSendBatchMultiChunkFile(t *testing.T) {
	storageRoot := t.TempDir()
	addr := startTestServer(t, storageRoot)
	conn := dialTestClient(t, addr)

	srcDir := t.TempDir()
	path := filepath.Join(srcDir, "big.bin")
	payload := make([]byte, 33) // exceeds one 16-byte chunk, exercises the window
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	cfg := Config{Magic: testMagicHex, RTTBase: 20 * time.Millisecond}
	require.NoError(t, cfg.Validate())
	logger := log.New()
	logger.SetOutput(os.Stderr)

	e := New(conn, addr, cfg, logger)
	results := e.SendBatch(context.Background(), []string{path})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	got, err := os.ReadFile(filepath.Join(storageRoot, "big.bin"))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestEngineQueryFailsWithMismatchedMagic(t *testing.T) {
	storageRoot := t.TempDir()
	addr := startTestServer(t, storageRoot)
	conn := dialTestClient(t, addr)

	cfg := Config{Magic: 0xCAFEBABE, HandshakeRetries: 1, RTTBase: 10 * time.Millisecond, RTTCap: 20 * time.Millisecond}
	require.NoError(t, cfg.Validate())
	logger := log.New()
	logger.SetOutput(os.Stderr)

	e := New(conn, addr, cfg, logger)
	_, err := e.Query(context.Background())
	require.ErrorIs(t, err, ErrConnectivity)
}

func TestEngineSecondUploadOfSameNameGetsCollisionSuffix(t *testing.T) {
	storageRoot := t.TempDir()
	addr := startTestServer(t, storageRoot)
	conn := dialTestClient(t, addr)

	srcDir := t.TempDir()
	path := filepath.Join(srcDir, "h.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	cfg := Config{Magic: testMagicHex}
	require.NoError(t, cfg.Validate())
	logger := log.New()
	logger.SetOutput(os.Stderr)

	e := New(conn, addr, cfg, logger)
	results := e.SendBatch(context.Background(), []string{path, path})
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)

	_, err := os.Stat(filepath.Join(storageRoot, "h.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(storageRoot, "h-1.txt"))
	require.NoError(t, err)
}
