package detect

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"argus/metrics"

	"github.com/dlclark/regexp2"
)

// DefaultRegexTimeout bounds a single text-pattern match (ReDoS guard)
const DefaultRegexTimeout = 500 * time.Millisecond

// ErrRegexTimeout is returned when a text pattern exceeds its match timeout
var ErrRegexTimeout = fmt.Errorf("regex evaluation timeout")

// regexCache stores compiled patterns keyed by options, pattern and timeout
type regexCache struct {
	mu       sync.RWMutex
	compiled map[string]*regexp2.Regexp
	timeout  time.Duration
}

func newRegexCache(timeout time.Duration) *regexCache {
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	return &regexCache{
		compiled: make(map[string]*regexp2.Regexp),
		timeout:  timeout,
	}
}

// compilePattern compiles a text pattern with the configured match timeout
func compilePattern(text string, caseInsensitive bool, timeout time.Duration) (*regexp2.Regexp, error) {
	opts := regexp2.None
	if caseInsensitive {
		opts |= regexp2.IgnoreCase
	}
	re, err := regexp2.Compile(text, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to compile regex pattern: %w", err)
	}
	re.MatchTimeout = timeout
	return re, nil
}

func (c *regexCache) get(text string, caseInsensitive bool) (*regexp2.Regexp, error) {
	key := fmt.Sprintf("%t:%s", caseInsensitive, text)

	c.mu.RLock()
	re, ok := c.compiled[key]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Double-check after acquiring write lock
	if re, ok = c.compiled[key]; ok {
		return re, nil
	}
	re, err := compilePattern(text, caseInsensitive, c.timeout)
	if err != nil {
		return nil, err
	}
	c.compiled[key] = re
	return re, nil
}

// match runs a text pattern against input, mapping regexp2 timeouts to ErrRegexTimeout
func (c *regexCache) match(ruleID, text string, caseInsensitive bool, input string) (bool, error) {
	re, err := c.get(text, caseInsensitive)
	if err != nil {
		return false, err
	}
	ok, err := re.MatchString(input)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "timeout") {
			metrics.RegexTimeouts.WithLabelValues(ruleID).Inc()
			return false, ErrRegexTimeout
		}
		return false, fmt.Errorf("regex matching error: %w", err)
	}
	return ok, nil
}

// reset drops cached compilations, used when a rule is updated or removed
func (c *regexCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compiled = make(map[string]*regexp2.Regexp)
}
