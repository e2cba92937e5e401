package bootstrap

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestApp_Lifecycle(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	port := freePort(t)

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf(`
data_paths:
  data_dir: %s
api:
  host: 127.0.0.1
  port: %d
storage:
  archive:
    enabled: true
analytics:
  enabled: false
threat_intel:
  bad_ips:
    - 203.0.113.0/24
`, dataDir, port)), 0o600))

	app, err := NewApp(context.Background(), configPath)
	require.NoError(t, err)
	t.Cleanup(app.Shutdown)

	assert.Equal(t, filepath.Join(dataDir, "argus.db"), app.Config.DataPaths.SQLitePath)
	assert.Nil(t, app.Exporter, "export disabled by default")
	require.NotNil(t, app.Engine)

	require.NoError(t, app.Start(context.Background()))

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	app.Shutdown()
	app.Shutdown()

	_, err = os.Stat(app.Config.DataPaths.SQLitePath)
	assert.NoError(t, err, "archive file created")
}

func TestNewApp_InvalidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("startup_mode: sometimes\n"), 0o600))

	_, err := NewApp(context.Background(), configPath)
	assert.Error(t, err)
}
