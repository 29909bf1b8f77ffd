package app

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gjallarhorn/internal/backends/ticker"
	"github.com/DoyleJ11/gjallarhorn/internal/config"
	"github.com/DoyleJ11/gjallarhorn/internal/httpapi"
	"github.com/DoyleJ11/gjallarhorn/internal/snapshot"
	"github.com/DoyleJ11/gjallarhorn/internal/system"
	"github.com/DoyleJ11/gjallarhorn/internal/transport"
	"github.com/DoyleJ11/gjallarhorn/internal/types"
	pkgtypes "github.com/DoyleJ11/gjallarhorn/pkg/types"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.OutputPath = filepath.Join(t.TempDir(), "output")
	cfg.TempPath = filepath.Join(t.TempDir(), "temp")
	return cfg
}

type served struct {
	url  string
	stop func() error
}

func serve(t *testing.T, cfg config.Config) served {
	t.Helper()
	a, err := New(context.Background(), cfg, zap.NewNop(), WithExit(func(int) {}))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	s := served{url: "ws://" + ln.Addr().String() + httpapi.BackendPath}
	s.stop = func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("server did not stop")
			return nil
		}
	}
	return s
}

func dial(t *testing.T, url string) *transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, url, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// request retries until the entity has registered its handlers.
func request(t *testing.T, conn *transport.Conn, path string, args ...any) json.RawMessage {
	t.Helper()
	var raw json.RawMessage
	require.Eventually(t, func() bool {
		var err error
		raw, err = conn.Request(context.Background(), path, args...)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	return raw
}

func TestApp_ServesEveryEntity(t *testing.T) {
	s := serve(t, testConfig(t))
	conn := dial(t, s.url)

	fields := map[string]string{
		system.Identifier: "status",
		"status":          "startGGRate",
		"casters":         "casters",
		ticker.Identifier: "entries",
		"tournament":      "tournament",
		"queue":           "queues",
		"lower-thirds":    "type",
	}
	for id, key := range fields {
		var v pkgtypes.Value
		require.NoError(t, json.Unmarshal(request(t, conn, types.StatePath(id), key), &v))
		assert.True(t, v.Present, id)
	}
	require.NoError(t, s.stop())
}

func TestApp_ShutdownDumpsAndNextBootRestores(t *testing.T) {
	cfg := testConfig(t)
	s := serve(t, cfg)
	conn := dial(t, s.url)

	raw := request(t, conn, types.OperationPath(ticker.Identifier, "addEntry"))
	var added ticker.Entry
	require.NoError(t, json.Unmarshal(raw, &added))
	conn.Close()
	require.NoError(t, s.stop())

	assert.FileExists(t, snapshot.NewDirStore(cfg.TempPath, zap.NewNop()).Path(snapshot.DefaultTarget, ticker.Identifier))

	s = serve(t, cfg)
	conn = dial(t, s.url)
	raw = request(t, conn, types.StatePath(ticker.Identifier), "entries")

	var entries pkgtypes.Value
	require.NoError(t, json.Unmarshal(raw, &entries))
	var got []ticker.Entry
	require.NoError(t, json.Unmarshal(entries.Value, &got))
	require.Len(t, got, 1)
	assert.Equal(t, added.ID, got[0].ID)
	require.NoError(t, s.stop())
}

func TestApp_MalformedSnapshotAbortsBoot(t *testing.T) {
	cfg := testConfig(t)
	store := snapshot.NewDirStore(cfg.TempPath, zap.NewNop())
	path := store.Path(snapshot.DefaultTarget, ticker.Identifier)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.ErrorIs(t, err, snapshot.ErrMalformed)
}
