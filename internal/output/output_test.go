package output

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWriteJSON(t *testing.T) {
	w, err := NewWriter(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	cases := []struct {
		name     string
		data     any
		arrayify bool
		want     string
	}{
		{"object wrapped", map[string]int{"a": 1}, true, `[{"a":1}]`},
		{"object as is", map[string]int{"a": 1}, false, `{"a":1}`},
		{"slice untouched", []string{"x", "y"}, true, `["x","y"]`},
		{"raw array untouched", json.RawMessage(`[1,2]`), true, `[1,2]`},
		{"raw object wrapped", json.RawMessage(`{"b":2}`), true, `[{"b":2}]`},
		{"null wrapped", nil, true, `[null]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, w.WriteJSON(ctx, "case.json", tc.data, tc.arrayify))
			raw, err := os.ReadFile(filepath.Join(w.Dir(), "case.json"))
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(raw))
		})
	}
}

func TestWriteFile_CreatesParentsAndStaysInside(t *testing.T) {
	w, err := NewWriter(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, w.WriteFile(ctx, filepath.Join("brackets", "top8.json"), []byte("[]")))
	assert.FileExists(t, filepath.Join(w.Dir(), "brackets", "top8.json"))

	assert.Error(t, w.WriteFile(ctx, filepath.Join("..", "escape.json"), []byte("[]")))
}
