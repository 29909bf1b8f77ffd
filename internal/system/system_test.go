package system

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/gjallarhorn/internal/clock"
	"github.com/DoyleJ11/gjallarhorn/internal/entity"
	"github.com/DoyleJ11/gjallarhorn/internal/errs"
	"github.com/DoyleJ11/gjallarhorn/internal/eventloop"
	"github.com/DoyleJ11/gjallarhorn/internal/snapshot"
	"github.com/DoyleJ11/gjallarhorn/internal/transport"
	"github.com/DoyleJ11/gjallarhorn/internal/types"
)

type notes struct {
	Text string `json:"text"`
}

type fixture struct {
	sys      *System
	notes    *entity.Entity[notes]
	store    *snapshot.DirStore
	conn     *transport.Conn
	shell    chan []json.RawMessage
	exitCode atomic.Int32
	loop     *eventloop.Loop
}

var start = time.Date(2026, 3, 14, 15, 9, 26, 535000000, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{shell: make(chan []json.RawMessage, 16)}
	f.exitCode.Store(-1)

	f.loop = eventloop.New(eventloop.WithClock(clock.NewFake(start)))
	ctx, cancel := context.WithCancel(context.Background())
	go f.loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-f.loop.Done()
	})

	srv := transport.NewServer(zaptest.NewLogger(t))
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	sink := errs.NewSink()
	rt := entity.Runtime{Loop: f.loop, Server: srv, Errors: sink, Log: zaptest.NewLogger(t)}
	f.store = snapshot.NewDirStore(t.TempDir(), zaptest.NewLogger(t))

	f.notes = entity.New(rt, "notes", notes{Text: "draft"})
	f.sys = New(rt, sink, Config{
		Store:       f.store,
		Nodes:       func() []entity.Node { return []entity.Node{f.sys, f.notes} },
		DumpTimeout: time.Second,
		Exit:        func(code int) { f.exitCode.Store(int32(code)) },
	})
	f.notes.Start()
	f.sys.Start()
	require.NoError(t, f.loop.Do(context.Background(), func() error { return nil }))

	dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dcancel()
	conn, err := transport.Dial(dctx, "ws"+strings.TrimPrefix(hs.URL, "http"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.Subscribe(types.PathShellError, func(args []json.RawMessage) { f.shell <- args })
	f.conn = conn
	return f
}

type shellError struct {
	Message string
	Source  string
	Fatal   bool
}

func recvShellError(t *testing.T, ch <-chan []json.RawMessage, within time.Duration) shellError {
	t.Helper()
	select {
	case args := <-ch:
		require.Len(t, args, 3)
		var e shellError
		require.NoError(t, json.Unmarshal(args[0], &e.Message))
		require.NoError(t, json.Unmarshal(args[1], &e.Source))
		require.NoError(t, json.Unmarshal(args[2], &e.Fatal))
		return e
	case <-time.After(within):
		t.Fatalf("timed out waiting for /shell/error")
		return shellError{}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (f *fixture) fatal(t *testing.T) bool {
	t.Helper()
	s, err := f.sys.Read(context.Background())
	require.NoError(t, err)
	return s.Status.Fatal
}

func TestSystem_NonFatalErrorIsOnlyAnnounced(t *testing.T) {
	f := newFixture(t)
	f.notes.Report(errs.New("invalid tournament slug", "Tournament"))

	got := recvShellError(t, f.shell, time.Second)
	assert.Equal(t, shellError{Message: "invalid tournament slug", Source: "Tournament"}, got)
	assert.False(t, f.fatal(t))
}

func TestSystem_UnhandledErrorIsFatalAndDumps(t *testing.T) {
	f := newFixture(t)
	f.loop.Post(func() error { return errors.New("effect blew up") })

	got := recvShellError(t, f.shell, time.Second)
	assert.Equal(t, shellError{Message: "effect blew up", Source: Source, Fatal: true}, got)
	assert.True(t, f.fatal(t))

	target := start.Format(dumpTargetLayout)
	require.Eventually(t, func() bool {
		return fileExists(f.store.Path(target, "notes")) && fileExists(f.store.Path(target, Identifier))
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, entity.PhaseReady, f.notes.Phase(), "emergency dumps keep entities running")
}

func TestSystem_MarkNonFatal(t *testing.T) {
	f := newFixture(t)
	f.notes.Report(errs.Fatal("database unreachable", "Database", nil))
	recvShellError(t, f.shell, time.Second)
	require.True(t, f.fatal(t))

	_, err := f.conn.Request(context.Background(), types.OperationPath(Identifier, "markNonFatal"))
	require.NoError(t, err)
	assert.False(t, f.fatal(t))
}

func TestSystem_ColdRestartDumpsThenExits(t *testing.T) {
	f := newFixture(t)
	_, err := f.conn.Request(context.Background(), types.OperationPath(Identifier, "coldRestart"))
	require.NoError(t, err)

	assert.EqualValues(t, 1, f.exitCode.Load())
	assert.True(t, fileExists(f.store.Path(snapshot.DefaultTarget, "notes")))
	assert.True(t, fileExists(f.store.Path(snapshot.DefaultTarget, Identifier)))
	assert.Equal(t, entity.PhaseTerminated, f.notes.Phase())

	loaded, err := f.store.Consume(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"draft"}`, string(loaded["notes"].State))
}

type failingStore struct{}

func (failingStore) Save(context.Context, string, string, snapshot.Snapshot) error {
	return errors.New("disk full")
}

func (failingStore) Consume(context.Context) (map[string]snapshot.Snapshot, error) {
	return nil, nil
}

func TestSystem_DumpAllJoinsEveryFailure(t *testing.T) {
	f := newFixture(t)
	s := &System{Entity: f.sys.Entity, cfg: Config{
		Store:       failingStore{},
		Nodes:       f.sys.cfg.Nodes,
		DumpTimeout: time.Second,
	}}

	err := s.DumpAll(context.Background(), "fatal", false)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.ErrorContains(t, err, "notes: ")
	assert.ErrorContains(t, err, Identifier+": ")
	assert.Equal(t, entity.PhaseReady, f.notes.Phase(), "a failed dump leaves the entity running")
}

func TestClassify(t *testing.T) {
	e := Classify(errors.New("plain"))
	assert.True(t, e.Fatal)
	assert.Equal(t, Source, e.Source)

	wrapped := Classify(errors.Join(errors.New("ctx"), errs.New("slow", "start.gg")))
	assert.False(t, wrapped.Fatal)
	assert.Equal(t, "start.gg", wrapped.Source)
}
