package threat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// HTTPConfig configures a reputation service client
type HTTPConfig struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
	// consecutive failures before the breaker opens
	MaxFailures uint32
	OpenTimeout time.Duration
}

// reputation is the service response body
type reputation struct {
	Malicious bool `json:"malicious"`
}

// HTTPLookup queries a remote reputation API:
//
//	GET {base}/ip/{ip}            -> {"malicious": bool}
//	GET {base}/user-agent?ua=...  -> {"malicious": bool}
//
// Answers are cached and calls go through a circuit breaker.
type HTTPLookup struct {
	baseURL string
	apiKey  string
	client  *http.Client
	cache   *expirable.LRU[string, bool]
	breaker *gobreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

// NewHTTPLookup creates a reputation client
func NewHTTPLookup(cfg HTTPConfig, logger *zap.SugaredLogger) (*HTTPLookup, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("threat intel base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid threat intel base URL: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 15 * time.Minute
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	maxFailures := cfg.MaxFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "threat-intel-http",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("Circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &HTTPLookup{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		cache:   expirable.NewLRU[string, bool](cfg.CacheSize, nil, cfg.CacheTTL),
		breaker: breaker,
		logger:  logger,
	}, nil
}

// CheckIP asks the reputation service about an address
func (h *HTTPLookup) CheckIP(ctx context.Context, ip string) (bool, error) {
	if ip == "" {
		return false, nil
	}
	return h.lookup(ctx, "ip:"+ip, h.baseURL+"/ip/"+url.PathEscape(ip))
}

// MatchUserAgent asks the reputation service about a user agent
func (h *HTTPLookup) MatchUserAgent(ctx context.Context, userAgent string) (bool, error) {
	if userAgent == "" {
		return false, nil
	}
	return h.lookup(ctx, "ua:"+userAgent, h.baseURL+"/user-agent?ua="+url.QueryEscape(userAgent))
}

func (h *HTTPLookup) lookup(ctx context.Context, key, endpoint string) (bool, error) {
	if v, ok := h.cache.Get(key); ok {
		recordLookup("http_cache", v, nil)
		return v, nil
	}

	out, err := h.breaker.Execute(func() (interface{}, error) {
		return h.fetch(ctx, endpoint)
	})
	if err != nil {
		recordLookup("http", false, err)
		return false, fmt.Errorf("threat intel request: %w", err)
	}

	malicious := out.(bool)
	h.cache.Add(key, malicious)
	recordLookup("http", malicious, nil)
	return malicious, nil
}

func (h *HTTPLookup) fetch(ctx context.Context, endpoint string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	// unknown indicators are not malicious
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var rep reputation
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rep); err != nil {
		return false, fmt.Errorf("failed to decode reputation response: %w", err)
	}
	return rep.Malicious, nil
}
