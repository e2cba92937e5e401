package bootstrap

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"argus/config"
	"argus/notify"
	"argus/soar"
	"argus/threat"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestContainsIgnoreCase(t *testing.T) {
	tests := []struct {
		s        string
		substr   string
		expected bool
	}{
		{"Hello World", "hello", true},
		{"Hello World", "WORLD", true},
		{"Hello World", "xyz", false},
		{"", "", true},
		{"", "abc", false},
		{"connection refused", "Connection Refused", true},
	}

	for _, tt := range tests {
		t.Run(tt.s+"_"+tt.substr, func(t *testing.T) {
			assert.Equal(t, tt.expected, containsIgnoreCase(tt.s, tt.substr))
		})
	}
}

func TestClassifyRedisError(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"nil error returns empty string", nil, ""},
		{"connection refused", refused, "Connection refused by Redis"},
		{"unknown host", errors.New("dial tcp: lookup redis.internal: no such host"), "Cannot resolve hostname"},
		{"auth failure", errors.New("WRONGPASS invalid username-password pair"), "Authentication failed"},
		{"anything else", errors.New("protocol error"), "Failed to connect to Redis"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ClassifyRedisError(tt.err, "localhost:6379")
			if tt.contains == "" {
				assert.Empty(t, result)
				return
			}
			assert.Contains(t, result, tt.contains)
		})
	}
}

func TestClassifySQLiteError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"nil error returns empty string", nil, ""},
		{"locked", errors.New("database is locked (5) (SQLITE_BUSY)"), "locked by another process"},
		{"permissions", errors.New("open /data/argus.db: permission denied"), "Permission denied"},
		{"disk full", errors.New("SQLITE_FULL: database or disk is full"), "Disk full"},
		{"corrupt", errors.New("database disk image is malformed"), "corrupted"},
		{"read only", errors.New("attempt to write a read-only database"), "read-only"},
		{"other", errors.New("boom"), "Failed to open event archive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ClassifySQLiteError(tt.err, "/data/argus.db")
			if tt.contains == "" {
				assert.Empty(t, result)
				return
			}
			assert.Contains(t, result, tt.contains)
		})
	}
}

func TestEnsureDataDirectories(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested", "data")
	require.NoError(t, EnsureDataDirectories([]string{base}, zaptest.NewLogger(t).Sugar()))

	info, err := os.Stat(base)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = os.Stat(filepath.Join(base, ".argus_write_test"))
	assert.True(t, os.IsNotExist(err), "probe file is removed")
}

func TestDataDirectories(t *testing.T) {
	cfg := config.Defaults()
	cfg.DataPaths.DataDir = "/var/lib/argus"
	cfg.DataPaths.SQLitePath = "/mnt/archive/argus.db"
	assert.Equal(t, []string{"/var/lib/argus"}, DataDirectories(cfg), "archive disabled")

	cfg.Storage.Archive.Enabled = true
	assert.Equal(t, []string{"/var/lib/argus", "/mnt/archive"}, DataDirectories(cfg))
}

func TestHandleInitError(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	failure := errors.New("unreachable")

	cfg := config.Defaults()
	assert.NoError(t, handleInitError(cfg, "redis", nil, logger))

	err := handleInitError(cfg, "redis", failure, logger)
	require.Error(t, err, "strict mode aborts")
	assert.ErrorIs(t, err, failure)

	cfg.StartupMode = config.StartupModeGraceful
	assert.NoError(t, handleInitError(cfg, "redis", failure, logger), "graceful mode continues")
}

func TestInitThreatIntel(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	t.Run("none configured", func(t *testing.T) {
		lookup, closers, err := InitThreatIntel(config.Defaults(), logger)
		require.NoError(t, err)
		assert.Nil(t, lookup)
		assert.Empty(t, closers)
	})

	t.Run("static list", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.ThreatIntel.BadIPs = []string{"198.51.100.0/24"}
		lookup, _, err := InitThreatIntel(cfg, logger)
		require.NoError(t, err)
		require.NotNil(t, lookup)

		hit, err := lookup.CheckIP(context.Background(), "198.51.100.77")
		require.NoError(t, err)
		assert.True(t, hit)
	})

	t.Run("invalid static entry", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.ThreatIntel.BadIPs = []string{"not-an-ip"}
		_, _, err := InitThreatIntel(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("static and redis combined", func(t *testing.T) {
		mr := miniredis.RunT(t)
		_, err := mr.SAdd(threat.DefaultBadIPKey, "203.0.113.9")
		require.NoError(t, err)

		cfg := config.Defaults()
		cfg.ThreatIntel.BadIPs = []string{"198.51.100.0/24"}
		cfg.ThreatIntel.Redis.Enabled = true
		cfg.ThreatIntel.Redis.Addr = mr.Addr()

		lookup, closers, err := InitThreatIntel(cfg, logger)
		require.NoError(t, err)
		require.Len(t, closers, 1)
		t.Cleanup(func() { closers[0].Close() })

		for _, ip := range []string{"198.51.100.1", "203.0.113.9"} {
			hit, err := lookup.CheckIP(context.Background(), ip)
			require.NoError(t, err)
			assert.True(t, hit, ip)
		}
	})

	t.Run("unreachable redis", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.ThreatIntel.Redis.Enabled = true
		cfg.ThreatIntel.Redis.Addr = "127.0.0.1:1"

		_, _, err := InitThreatIntel(cfg, logger)
		assert.Error(t, err, "strict mode")

		cfg.StartupMode = config.StartupModeGraceful
		lookup, closers, err := InitThreatIntel(cfg, logger)
		require.NoError(t, err, "graceful mode")
		assert.Nil(t, lookup)
		assert.Empty(t, closers)
	})
}

func TestInitCatalog(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	builtin, err := InitCatalog(config.Defaults(), logger)
	require.NoError(t, err)
	base := len(builtin.Rules())
	assert.NotZero(t, base)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: vpn-off-hours
    name: VPN login outside office hours
    severity: medium
    action: monitor
    false_positive_rate: 0.2
    expression: 'eventType == "vpn_login" && (hour < 6 || hour > 22)'
`), 0o600))

	cfg := config.Defaults()
	cfg.Detection.RulesFile = path
	catalog, err := InitCatalog(cfg, logger)
	require.NoError(t, err)
	assert.Len(t, catalog.Rules(), base+1)

	cfg.Detection.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = InitCatalog(cfg, logger)
	assert.Error(t, err, "strict mode rejects a missing rules file")

	cfg.StartupMode = config.StartupModeGraceful
	catalog, err = InitCatalog(cfg, logger)
	require.NoError(t, err)
	assert.Len(t, catalog.Rules(), base)
}

func TestInitCollaborators(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	collab := InitCollaborators(config.Defaults(), logger)
	_, isLog := collab.Alerter.(*soar.LogResponder)
	assert.True(t, isLog, "alerts are logged without notification channels")

	cfg := config.Defaults()
	cfg.Notifications = []notify.NotificationConfig{{
		Enabled: true,
		Type:    notify.NotificationWebhook,
		URL:     "https://hooks.example.com/argus",
	}}
	collab = InitCollaborators(cfg, logger)
	_, isNotifier := collab.Alerter.(*notify.Notifier)
	assert.True(t, isNotifier)
	assert.NotNil(t, collab.Blocker)
}
