package app

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-gateway/internal/config"
)

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := NewRootCmd("1.2.3")
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "mcp-gateway 1.2.3\n", out.String())
}

func TestServeOptions_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":7000\"\nlog:\n  format: text\n"), 0o600))

	t.Run("defaults without a file", func(t *testing.T) {
		t.Setenv(ConfigEnv, "")
		cfg, err := (&serveOptions{}).load()
		require.NoError(t, err)
		assert.Equal(t, config.DefaultAddr, cfg.Server.Addr)
		assert.Equal(t, config.BackendMemory, cfg.Storage.Backend)
	})

	t.Run("file from environment", func(t *testing.T) {
		t.Setenv(ConfigEnv, path)
		cfg, err := (&serveOptions{}).load()
		require.NoError(t, err)
		assert.Equal(t, ":7000", cfg.Server.Addr)
		assert.Equal(t, config.LogFormatText, cfg.Log.Format)
	})

	t.Run("flags override the file", func(t *testing.T) {
		cfg, err := (&serveOptions{configPath: path, addr: ":7001", logLevel: "debug"}).load()
		require.NoError(t, err)
		assert.Equal(t, ":7001", cfg.Server.Addr)
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("invalid log level flag", func(t *testing.T) {
		_, err := (&serveOptions{configPath: path, logLevel: "loud"}).load()
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := (&serveOptions{configPath: filepath.Join(t.TempDir(), "nope.yaml")}).load()
		assert.Error(t, err)
	})
}

func TestNewLogger(t *testing.T) {
	var out bytes.Buffer

	logger := newLogger(config.LogConfig{Level: "warn", Format: config.LogFormatJSON}, &out)
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), `"msg":"shown"`)

	out.Reset()
	logger = newLogger(config.LogConfig{Level: "debug", Format: config.LogFormatText}, &out)
	logger.Debug("details")
	assert.Contains(t, out.String(), "msg=details")
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
}

func TestOpenStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	t.Run("memory", func(t *testing.T) {
		st, closeStore, err := openStore(config.StorageConfig{Backend: config.BackendMemory}, logger)
		require.NoError(t, err)
		defer closeStore()
		assert.NotNil(t, st)
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "gateway.db")
		st, closeStore, err := openStore(config.StorageConfig{
			Backend: config.BackendSQLite,
			SQLite:  config.SQLiteConfig{Path: path},
		}, logger)
		require.NoError(t, err)
		defer closeStore()
		assert.NotNil(t, st)
		assert.FileExists(t, path)
	})
}

func TestNewGateway(t *testing.T) {
	cfg, err := config.Parse([]byte(`
server:
  base_url: "https://mcp.example.com"
metrics:
  enabled: true
directory:
  users:
    - id: "u1"
      organization_id: "org-1"
      name: "Ada Lovelace"
`))
	require.NoError(t, err)

	gw, err := newGateway(cfg, "test", slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	require.NoError(t, err)
	gw.start()
	defer gw.stop()

	w := httptest.NewRecorder()
	gw.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"issuer":"https://mcp.example.com"`)

	w = httptest.NewRecorder()
	gw.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, config.DefaultMetricsPath, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "mcp_http_requests") || strings.Contains(w.Body.String(), "target_info"),
		"metrics output: %s", w.Body.String())

	w = httptest.NewRecorder()
	gw.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNewGateway_MetricsDisabled(t *testing.T) {
	gw, err := newGateway(config.Default(), "test", slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	require.NoError(t, err)
	defer gw.stop()

	w := httptest.NewRecorder()
	gw.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, config.DefaultMetricsPath, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNewGateway_BadStorage(t *testing.T) {
	cfg := config.Default()
	cfg.Storage = config.StorageConfig{Backend: config.BackendSQLite}

	_, err := newGateway(cfg, "test", slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	assert.Error(t, err)
}
