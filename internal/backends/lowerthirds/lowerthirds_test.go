package lowerthirds

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/gjallarhorn/internal/backends/backendtest"
	"github.com/DoyleJ11/gjallarhorn/internal/backends/push"
	"github.com/DoyleJ11/gjallarhorn/internal/errs"
	"github.com/DoyleJ11/gjallarhorn/internal/types"
)

func start(t *testing.T) (*backendtest.Harness, *LowerThirds) {
	t.Helper()
	h := backendtest.New(t, nil)
	l := New(h.Runtime, h.Output)
	l.Start()
	h.Flush(t)
	return h, l
}

func TestLowerThirds_PushWritesSelectedKind(t *testing.T) {
	h, l := start(t)
	ctx := context.Background()
	require.NoError(t, l.Update(ctx, func(s *State) {
		s.Type = Champion
		s.Champion = Data{Title: "Ana", Body: "Back to back"}
		s.Twitter = Data{Title: "@ana"}
	}))

	conn := h.Dial(t)
	_, err := conn.Request(ctx, types.OperationPath(Identifier, "push"))
	require.NoError(t, err)

	assert.JSONEq(t, `[{"title":"Ana","body":"Back to back"}]`, string(h.ReadOutput(t, "lower-thirds/champion.json")))
	assert.Nil(t, h.ReadOutput(t, File(Twitter)), "only the selected kind is written")

	s, err := l.Read(ctx)
	require.NoError(t, err)
	ps, ok := s.ChampionPushState.Get()
	require.True(t, ok)
	assert.Equal(t, push.State{Status: push.Pushed, LastPush: backendtest.Start.UnixMilli()}, ps)
	assert.True(t, s.TwitterPushState.IsAbsent())
	h.NoUnhandled(t)
}

func TestLowerThirds_EmptyKindExportsBlanks(t *testing.T) {
	h, l := start(t)
	require.NoError(t, l.Push(context.Background()))
	assert.JSONEq(t, `[{"title":"","body":""}]`, string(h.ReadOutput(t, File(Twitter))))
}

func TestLowerThirds_UnknownKind(t *testing.T) {
	_, l := start(t)
	ctx := context.Background()
	require.NoError(t, l.Update(ctx, func(s *State) { s.Type = "billboard" }))

	err := l.Push(ctx)
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.False(t, e.Fatal)
	assert.Equal(t, Source, e.Source)
}
