package bootstrap

import (
	"context"
	"fmt"
	"io"
	"time"

	"argus/config"
	"argus/detect"
	"argus/notify"
	"argus/soar"
	"argus/threat"

	"go.uber.org/zap"
)

// redisPingTimeout bounds the startup connectivity check against the intel Redis
const redisPingTimeout = 3 * time.Second

// InitCatalog builds the rule catalog: built-in rules plus the optional rules file
func InitCatalog(cfg *config.Config, sugar *zap.SugaredLogger) (*detect.Catalog, error) {
	catalog := detect.NewDefaultCatalog(sugar.Named("catalog"))
	if cfg.Detection.RulesFile == "" {
		sugar.Infow("Loaded built-in detection catalog",
			"rules", len(catalog.Rules()),
			"signatures", len(catalog.Signatures()))
		return catalog, nil
	}

	added, err := catalog.LoadFile(cfg.Detection.RulesFile)
	if err != nil {
		detect.LogCatalogErrors(sugar, err)
		if herr := handleInitError(cfg, "rules file", err, sugar); herr != nil {
			return nil, herr
		}
	}
	sugar.Infow("Loaded detection catalog",
		"file", cfg.Detection.RulesFile,
		"added", added,
		"rules", len(catalog.Rules()),
		"signatures", len(catalog.Signatures()))
	return catalog, nil
}

// InitThreatIntel combines the configured intel sources. It returns a nil
// Lookup when none is configured, plus closers for the sources holding connections.
func InitThreatIntel(cfg *config.Config, sugar *zap.SugaredLogger) (threat.Lookup, []io.Closer, error) {
	ti := cfg.ThreatIntel
	var (
		sources []threat.Lookup
		closers []io.Closer
	)

	if len(ti.BadIPs) > 0 || len(ti.UserAgents) > 0 {
		static, err := threat.NewStaticLookup(ti.BadIPs, ti.UserAgents)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid static threat intel: %w", err)
		}
		sources = append(sources, static)
		sugar.Infow("Static threat intel loaded", "bad_ips", len(ti.BadIPs), "user_agents", len(ti.UserAgents))
	}

	if ti.Redis.Enabled {
		redisLookup := threat.NewRedisLookup(ti.Redis.Addr, ti.Redis.Password, ti.Redis.DB, sugar.Named("intel.redis"))
		ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		err := redisLookup.Ping(ctx)
		cancel()
		if err != nil {
			redisLookup.Close()
			sugar.Error(ClassifyRedisError(err, ti.Redis.Addr))
			if herr := handleInitError(cfg, "redis threat intel", err, sugar); herr != nil {
				return nil, closers, herr
			}
		} else {
			sources = append(sources, redisLookup)
			closers = append(closers, redisLookup)
			sugar.Infow("Redis threat intel connected", "addr", ti.Redis.Addr)
		}
	}

	if ti.HTTP.Enabled {
		httpLookup, err := threat.NewHTTPLookup(threat.HTTPConfig{
			BaseURL:  ti.HTTP.BaseURL,
			APIKey:   ti.HTTP.APIKey,
			Timeout:  ti.HTTP.Timeout,
			CacheTTL: ti.HTTP.CacheTTL,
		}, sugar.Named("intel.http"))
		if err != nil {
			if herr := handleInitError(cfg, "http threat intel", err, sugar); herr != nil {
				return nil, closers, herr
			}
		} else {
			sources = append(sources, httpLookup)
			sugar.Infow("HTTP threat intel configured", "base_url", ti.HTTP.BaseURL)
		}
	}

	switch len(sources) {
	case 0:
		sugar.Info("No threat intel sources configured")
		return nil, closers, nil
	case 1:
		return sources[0], closers, nil
	default:
		return threat.NewMultiLookup(sugar.Named("intel"), sources...), closers, nil
	}
}

// InitCollaborators picks the response collaborators. Alerts go to the
// configured notification channels; containment actions are logged.
func InitCollaborators(cfg *config.Config, sugar *zap.SugaredLogger) soar.Collaborators {
	collab := soar.NewLogResponder(sugar.Named("responder")).Collaborators()

	notifier := notify.NewNotifier(cfg.Notifications, sugar.Named("notify"))
	if notifier.Channels() > 0 {
		collab.Alerter = notifier
		sugar.Infow("Alert notifications enabled", "channels", notifier.Channels())
	}
	return collab
}
