// Package backendtest runs backends against a real loop, transport server
// and output folder, with the loop on a fake clock.
package backendtest

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/gjallarhorn/internal/clock"
	"github.com/DoyleJ11/gjallarhorn/internal/entity"
	"github.com/DoyleJ11/gjallarhorn/internal/eventloop"
	"github.com/DoyleJ11/gjallarhorn/internal/output"
	"github.com/DoyleJ11/gjallarhorn/internal/snapshot"
	"github.com/DoyleJ11/gjallarhorn/internal/transport"
)

var Start = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

type Reporter chan error

func (r Reporter) Report(err error) { r <- err }

type Harness struct {
	Runtime   entity.Runtime
	Clock     *clock.Fake
	Output    *output.Writer
	URL       string
	Reported  Reporter
	Unhandled chan error
}

func New(t *testing.T, loaded *snapshot.Loaded) *Harness {
	t.Helper()
	h := &Harness{
		Clock:     clock.NewFake(Start),
		Reported:  make(Reporter, 32),
		Unhandled: make(chan error, 32),
	}
	loop := eventloop.New(
		eventloop.WithClock(h.Clock),
		eventloop.WithErrorHandler(func(err error) { h.Unhandled <- err }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	srv := transport.NewServer(zaptest.NewLogger(t))
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	h.URL = "ws" + strings.TrimPrefix(hs.URL, "http")

	out, err := output.NewWriter(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	h.Output = out

	h.Runtime = entity.Runtime{
		Loop:      loop,
		Server:    srv,
		Snapshots: loaded,
		Errors:    h.Reported,
		Log:       zaptest.NewLogger(t),
	}
	return h
}

// Flush waits for every task queued so far.
func (h *Harness) Flush(t *testing.T) {
	t.Helper()
	require.NoError(t, h.Runtime.Loop.Do(context.Background(), func() error { return nil }))
}

func (h *Harness) Dial(t *testing.T) *transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := transport.Dial(ctx, h.URL, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// ReadOutput returns the contents of an exported file, or nil when it does
// not exist yet.
func (h *Harness) ReadOutput(t *testing.T, file string) []byte {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(h.Output.Dir(), file))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	return raw
}

func (h *Harness) NextReported(t *testing.T, within time.Duration) error {
	t.Helper()
	select {
	case err := <-h.Reported:
		return err
	case <-time.After(within):
		t.Fatalf("timed out waiting for a reported error")
		return nil
	}
}

func (h *Harness) NoUnhandled(t *testing.T) {
	t.Helper()
	select {
	case err := <-h.Unhandled:
		t.Fatalf("unexpected unhandled error: %v", err)
	default:
	}
}
