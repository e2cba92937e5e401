package bootstrap

import (
	"fmt"
	"os"

	"argus/config"
	"argus/export"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger initializes the zap logger with colored console output.
func InitLogger() (*zap.Logger, *zap.SugaredLogger, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		zapcore.DebugLevel,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// TeeExport returns a logger that also ships entries at or above level to the exporter.
// The exporter itself must keep logging through the original logger.
func TeeExport(logger *zap.Logger, exporter *export.Exporter, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid export level %q: %w", level, err)
	}
	exportCore := export.NewZapCore(exporter, lvl)
	return logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, exportCore)
	})), nil
}

// InitConfig loads the application configuration. An empty path searches the
// default locations.
func InitConfig(path string, sugar *zap.SugaredLogger) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.LoadConfig()
	} else {
		cfg, err = config.LoadConfigFile(path)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if viper.ConfigFileUsed() == "" {
		sugar.Info("No config file found, using defaults and env vars")
	}

	startupMode := cfg.StartupMode
	if startupMode == "" {
		startupMode = config.StartupModeStrict
	}
	sugar.Infow("Startup mode",
		"mode", string(startupMode),
		"description", func() string {
			if startupMode == config.StartupModeGraceful {
				return "will continue with degraded functionality on non-critical errors"
			}
			return "will fail fast on any initialization error"
		}())

	sugar.Infow("Config loaded",
		"data_dir", cfg.DataPaths.DataDir,
		"sqlite_path", cfg.DataPaths.SQLitePath,
		"archive", cfg.Storage.Archive.Enabled,
		"api_port", cfg.API.Port,
		"alert_threshold", cfg.Response.AlertThreshold,
		"sensitivity", cfg.Detection.Sensitivity)

	return cfg, nil
}
