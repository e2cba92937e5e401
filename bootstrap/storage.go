package bootstrap

import (
	"fmt"
	"os"

	"argus/config"
	"argus/storage"

	"go.uber.org/zap"
)

// InitArchive opens the SQLite event archive when enabled. A nil archive
// with a nil error means archiving is disabled.
func InitArchive(cfg *config.Config, sugar *zap.SugaredLogger) (*storage.SQLiteArchive, error) {
	if !cfg.Storage.Archive.Enabled {
		sugar.Info("Event archive disabled, events are kept in memory only")
		return nil, nil
	}

	path := cfg.DataPaths.SQLitePath
	archive, err := storage.NewSQLiteArchive(path, sugar.Named("archive"))
	if err != nil {
		printFatalBanner("Event Archive Initialization Failed", ClassifySQLiteError(err, path))
		return nil, fmt.Errorf("failed to open event archive: %w", err)
	}

	sugar.Infow("Event archive opened", "path", path)
	return archive, nil
}

// handleInitError applies the startup mode to an optional component failure:
// graceful mode logs and continues, strict mode aborts.
func handleInitError(cfg *config.Config, component string, err error, sugar *zap.SugaredLogger) error {
	if err == nil {
		return nil
	}
	if cfg.StartupMode == config.StartupModeGraceful {
		sugar.Warnw("Continuing without component",
			"component", component,
			"error", err)
		return nil
	}
	return fmt.Errorf("%s: %w", component, err)
}

func printFatalBanner(title, detail string) {
	fmt.Fprintf(os.Stderr, "\n========================================\n")
	fmt.Fprintf(os.Stderr, "FATAL: %s\n", title)
	fmt.Fprintf(os.Stderr, "========================================\n")
	fmt.Fprintf(os.Stderr, "%s\n", detail)
	fmt.Fprintf(os.Stderr, "========================================\n\n")
}
