package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"argus/config"

	"go.uber.org/zap"
)

// DataDirectories lists the directories that must exist and be writable before startup
func DataDirectories(cfg *config.Config) []string {
	dirs := []string{cfg.DataPaths.DataDir}
	if cfg.Storage.Archive.Enabled && cfg.DataPaths.SQLitePath != "" {
		if parent := filepath.Dir(cfg.DataPaths.SQLitePath); parent != cfg.DataPaths.DataDir {
			dirs = append(dirs, parent)
		}
	}
	return dirs
}

// EnsureDataDirectories creates required data directories with proper permissions.
// This is a pre-flight check that runs before any storage is opened.
func EnsureDataDirectories(dirs []string, sugar *zap.SugaredLogger) error {
	for _, dir := range dirs {
		absPath, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("failed to resolve absolute path for %s: %w", dir, err)
		}

		if err := os.MkdirAll(absPath, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w\n"+
				"  Remediation: Ensure the parent directory exists and is writable\n"+
				"  For Docker: Check volume mount permissions\n"+
				"  For bare metal: Run 'mkdir -p %s && chmod 755 %s'", dir, err, absPath, absPath)
		}

		testFile := filepath.Join(absPath, ".argus_write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
			return fmt.Errorf("directory %s is not writable: %w\n"+
				"  Remediation: Check file system permissions\n"+
				"  For Docker: Ensure volume is mounted with write access\n"+
				"  For bare metal: Run 'chmod -R u+w %s'", dir, err, absPath)
		}
		os.Remove(testFile)

		sugar.Infow("Data directory ready", "path", absPath)
	}
	return nil
}

// ClassifyRedisError explains a failed connection to the threat intel Redis
func ClassifyRedisError(err error, addr string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("Connection to Redis at %s timed out.\n"+
			"  Possible causes:\n"+
			"  - Redis is starting up (wait and retry)\n"+
			"  - Network latency or firewall blocking the connection\n"+
			"  Remediation:\n"+
			"  - Verify network connectivity: nc -zv %s", addr, addr)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) ||
			(opErr.Err != nil && containsIgnoreCase(opErr.Err.Error(), "connection refused")) {
			return fmt.Sprintf("Connection refused by Redis at %s.\n"+
				"  This usually means Redis is not running.\n"+
				"  Remediation:\n"+
				"  - Start Redis: docker compose up -d redis\n"+
				"  - Verify threat_intel.redis.addr in config.yaml", addr)
		}
	}

	if containsIgnoreCase(errStr, "no such host") || containsIgnoreCase(errStr, "lookup") {
		return fmt.Sprintf("Cannot resolve hostname in Redis address %s.\n"+
			"  Remediation:\n"+
			"  - Verify the hostname is correct\n"+
			"  - Try using an IP address instead of a hostname", addr)
	}

	if containsIgnoreCase(errStr, "NOAUTH") || containsIgnoreCase(errStr, "WRONGPASS") {
		return fmt.Sprintf("Authentication failed for Redis at %s.\n"+
			"  Remediation:\n"+
			"  - Verify threat_intel.redis.password in config.yaml", addr)
	}

	return fmt.Sprintf("Failed to connect to Redis at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure Redis is running and accessible\n"+
		"  - Check config.yaml threat_intel.redis settings", addr, err)
}

// ClassifySQLiteError explains a failure to open the event archive
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()
	absPath, _ := filepath.Abs(dbPath)
	parentDir := filepath.Dir(absPath)

	switch {
	case containsIgnoreCase(errStr, "permission denied") || containsIgnoreCase(errStr, "access denied"):
		return fmt.Sprintf("Permission denied accessing event archive at %s.\n"+
			"  Remediation:\n"+
			"  - Check file permissions: ls -la %s\n"+
			"  - Check directory permissions: ls -la %s\n"+
			"  - For Docker: Ensure volume is mounted with proper user permissions",
			absPath, absPath, parentDir)

	case containsIgnoreCase(errStr, "database is locked") || containsIgnoreCase(errStr, "SQLITE_BUSY"):
		return fmt.Sprintf("Event archive at %s is locked by another process.\n"+
			"  Possible causes:\n"+
			"  - Another Argus instance is running\n"+
			"  - A crashed process left a stale lock\n"+
			"  Remediation:\n"+
			"  - Check for running Argus processes: ps aux | grep argus\n"+
			"  - Check for lock files: ls -la %s*", absPath, absPath)

	case containsIgnoreCase(errStr, "disk full") || containsIgnoreCase(errStr, "no space") || containsIgnoreCase(errStr, "SQLITE_FULL"):
		return fmt.Sprintf("Disk full - cannot write to event archive at %s.\n"+
			"  Remediation:\n"+
			"  - Check available disk space: df -h %s\n"+
			"  - Free up disk space or move data_paths.data_dir", absPath, parentDir)

	case containsIgnoreCase(errStr, "corrupt") || containsIgnoreCase(errStr, "malformed") || containsIgnoreCase(errStr, "SQLITE_CORRUPT"):
		return fmt.Sprintf("Event archive at %s appears to be corrupted.\n"+
			"  Remediation options:\n"+
			"  1. Check integrity: sqlite3 %s \"PRAGMA integrity_check;\"\n"+
			"  2. Delete %s and restart (archived events are lost)",
			absPath, absPath, absPath)

	case containsIgnoreCase(errStr, "no such file or directory") || containsIgnoreCase(errStr, "cannot find the path"):
		return fmt.Sprintf("Cannot create event archive - path does not exist: %s.\n"+
			"  Remediation:\n"+
			"  - Create the parent directory: mkdir -p %s\n"+
			"  - Verify ARGUS_SQLITE_PATH", absPath, parentDir)

	case containsIgnoreCase(errStr, "read-only"):
		return fmt.Sprintf("Event archive location is on a read-only file system: %s.\n"+
			"  Remediation:\n"+
			"  - Move the archive to a writable location via ARGUS_SQLITE_PATH", absPath)
	}

	return fmt.Sprintf("Failed to open event archive at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure the directory %s exists and is writable\n"+
		"  - Check disk space and permissions", absPath, err, parentDir)
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
