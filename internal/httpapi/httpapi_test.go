package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/gjallarhorn/internal/config"
	"github.com/DoyleJ11/gjallarhorn/internal/transport"
	"github.com/DoyleJ11/gjallarhorn/internal/types"
)

func newTestAPI(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "casters.json"), []byte(`[{"caster":"Ana"}]`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("private"), 0o644))

	srv := transport.NewServer(zaptest.NewLogger(t))
	pub := config.Default().Public()
	hs := httptest.NewServer(SetupRoutes(srv, pub, dir, zaptest.NewLogger(t)))
	t.Cleanup(hs.Close)
	return hs, dir
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, string(body)
}

func TestHealthz(t *testing.T) {
	hs, _ := newTestAPI(t)
	code, _ := get(t, hs.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
}

func TestConfig(t *testing.T) {
	hs, _ := newTestAPI(t)
	code, body := get(t, hs.URL+"/api/config")
	require.Equal(t, http.StatusOK, code)

	var pub config.Public
	require.NoError(t, json.Unmarshal([]byte(body), &pub))
	assert.Equal(t, config.Default().Public(), pub)
	assert.NotContains(t, body, "startgg")
}

func TestOutputJSON(t *testing.T) {
	hs, _ := newTestAPI(t)

	cases := []struct {
		path string
		code int
	}{
		{"/api/json/casters.json", http.StatusOK},
		{"/api/json/missing.json", http.StatusNotFound},
		{"/api/json/notes.txt", http.StatusNotFound},
		{"/api/json/../casters.json", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			code, body := get(t, hs.URL+tc.path)
			assert.Equal(t, tc.code, code)
			if tc.code == http.StatusOK {
				assert.JSONEq(t, `[{"caster":"Ana"}]`, body)
			}
		})
	}
}

func TestBackendSocket(t *testing.T) {
	hs, _ := newTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := transport.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http")+BackendPath, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Request(ctx, types.PathPing)
	assert.NoError(t, err)
}
