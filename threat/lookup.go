package threat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"argus/metrics"

	"go.uber.org/zap"
)

// Lookup answers threat-intelligence questions about an event's origin
type Lookup interface {
	// CheckIP reports whether the address is on a known-bad list
	CheckIP(ctx context.Context, ip string) (bool, error)
	// MatchUserAgent reports whether the user agent matches a known indicator
	MatchUserAgent(ctx context.Context, userAgent string) (bool, error)
}

func recordLookup(source string, hit bool, err error) {
	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case hit:
		result = "hit"
	}
	metrics.ThreatIntelLookups.WithLabelValues(source, result).Inc()
}

// StaticLookup matches against fixed lists of addresses, CIDR ranges and
// user agent substrings, usually taken from configuration.
type StaticLookup struct {
	ips        map[string]struct{}
	networks   []*net.IPNet
	userAgents []string
}

// NewStaticLookup parses the bad IP entries (single addresses or CIDR) and UA indicators
func NewStaticLookup(badIPs, userAgents []string) (*StaticLookup, error) {
	s := &StaticLookup{ips: make(map[string]struct{})}
	for _, entry := range badIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			s.networks = append(s.networks, network)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		s.ips[ip.String()] = struct{}{}
	}
	for _, ua := range userAgents {
		if ua = strings.ToLower(strings.TrimSpace(ua)); ua != "" {
			s.userAgents = append(s.userAgents, ua)
		}
	}
	return s, nil
}

// CheckIP matches exact addresses and CIDR ranges. Unparseable input is not bad.
func (s *StaticLookup) CheckIP(_ context.Context, ip string) (bool, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false, nil
	}
	hit := false
	if _, ok := s.ips[parsed.String()]; ok {
		hit = true
	}
	for _, n := range s.networks {
		if hit {
			break
		}
		hit = n.Contains(parsed)
	}
	recordLookup("static", hit, nil)
	return hit, nil
}

// MatchUserAgent is a case-insensitive substring match
func (s *StaticLookup) MatchUserAgent(_ context.Context, userAgent string) (bool, error) {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return false, nil
	}
	for _, indicator := range s.userAgents {
		if strings.Contains(ua, indicator) {
			recordLookup("static", true, nil)
			return true, nil
		}
	}
	recordLookup("static", false, nil)
	return false, nil
}

// MultiLookup queries several sources; any positive answer wins.
// Source errors are logged and only returned when no source answered positively.
type MultiLookup struct {
	sources []Lookup
	logger  *zap.SugaredLogger
}

// NewMultiLookup combines lookups, skipping nil entries
func NewMultiLookup(logger *zap.SugaredLogger, sources ...Lookup) *MultiLookup {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	m := &MultiLookup{logger: logger}
	for _, s := range sources {
		if s != nil {
			m.sources = append(m.sources, s)
		}
	}
	return m
}

// Len returns the number of configured sources
func (m *MultiLookup) Len() int {
	return len(m.sources)
}

func (m *MultiLookup) firstPositive(op string, check func(Lookup) (bool, error)) (bool, error) {
	var errs []error
	for _, s := range m.sources {
		hit, err := check(s)
		if err != nil {
			m.logger.Warnw("Threat intel lookup failed", "op", op, "source", fmt.Sprintf("%T", s), "error", err)
			errs = append(errs, err)
			continue
		}
		if hit {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}

// CheckIP asks every source
func (m *MultiLookup) CheckIP(ctx context.Context, ip string) (bool, error) {
	return m.firstPositive("check_ip", func(l Lookup) (bool, error) { return l.CheckIP(ctx, ip) })
}

// MatchUserAgent asks every source
func (m *MultiLookup) MatchUserAgent(ctx context.Context, userAgent string) (bool, error) {
	return m.firstPositive("match_user_agent", func(l Lookup) (bool, error) { return l.MatchUserAgent(ctx, userAgent) })
}
