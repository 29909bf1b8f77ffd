package casters

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/gjallarhorn/internal/backends/backendtest"
	"github.com/DoyleJ11/gjallarhorn/internal/backends/push"
	"github.com/DoyleJ11/gjallarhorn/internal/types"
)

func TestCasters_WriteExportsEverySeat(t *testing.T) {
	h := backendtest.New(t, nil)
	c := New(h.Runtime, h.Output)
	c.Start()
	h.Flush(t)

	ctx := context.Background()
	require.NoError(t, c.Update(ctx, func(s *State) {
		s.Casters[0] = Caster{Caster: "Ana", Twitter: "@ana", Pronouns: "she/her"}
		s.Casters[2] = Caster{Caster: "Bo"}
	}))

	conn := h.Dial(t)
	_, err := conn.Request(ctx, types.OperationPath(Identifier, "write"))
	require.NoError(t, err)

	assert.JSONEq(t, `[
		{"caster":"Ana","twitter":"@ana","pronouns":"she/her"},
		{"caster":"","twitter":"","pronouns":""},
		{"caster":"Bo","twitter":"","pronouns":""},
		{"caster":"","twitter":"","pronouns":""}
	]`, string(h.ReadOutput(t, File)))

	s, err := c.Read(ctx)
	require.NoError(t, err)
	ps, ok := s.PushState.Get()
	require.True(t, ok)
	assert.Equal(t, push.State{Status: push.Pushed, LastPush: backendtest.Start.UnixMilli()}, ps)
	h.NoUnhandled(t)
}

func TestCasters_Scopes(t *testing.T) {
	h := backendtest.New(t, nil)
	c := New(h.Runtime, h.Output)
	c.Start()
	h.Flush(t)

	scopes, ok := h.Runtime.Server.Scopes(types.OperationPath(Identifier, "write"))
	require.True(t, ok)
	assert.Equal(t, []string{"pages:tournament"}, scopes)
}
