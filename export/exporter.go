package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"argus/metrics"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrBufferEmpty is returned by Flush when there is nothing to send
var ErrBufferEmpty = errors.New("export buffer is empty")

// LogEntry is one buffered log line
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Logger    string                 `json:"logger,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Batch is the body posted to the remote endpoint
type Batch struct {
	Logs      []LogEntry `json:"logs"`
	SessionID string     `json:"sessionId"`
	Platform  string     `json:"platform"`
	Version   string     `json:"version"`
}

// Config configures remote export
type Config struct {
	Endpoint         string
	SessionID        string
	Platform         string
	Version          string
	Interval         time.Duration
	BatchSize        int
	BufferSize       int
	FailureThreshold int
	Timeout          time.Duration
	MaxBackoff       time.Duration
}

// DefaultConfig returns the export defaults
func DefaultConfig() Config {
	return Config{
		Platform:         "argus",
		Interval:         30 * time.Second,
		BatchSize:        100,
		BufferSize:       5000,
		FailureThreshold: 5,
		Timeout:          10 * time.Second,
		MaxBackoff:       5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Platform == "" {
		c.Platform = d.Platform
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxBackoff < c.Interval {
		c.MaxBackoff = 10 * c.Interval
	}
	return c
}

// HealthFunc is called once per failure streak when consecutive flush
// failures reach the configured threshold.
type HealthFunc func(consecutiveFailures int, lastErr error)

// Exporter buffers log entries and ships them in batches. A failed batch is
// put back at the head of the buffer for the next attempt.
type Exporter struct {
	cfg    Config
	client *http.Client
	health HealthFunc
	logger *zap.SugaredLogger

	mu       sync.Mutex
	buffer   []LogEntry
	failures int
	warned   bool

	flushMu sync.Mutex

	loopMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewExporter creates an exporter. logger must not write back into this exporter.
func NewExporter(cfg Config, health HealthFunc, logger *zap.SugaredLogger) *Exporter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg = cfg.withDefaults()
	return &Exporter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		health: health,
		logger: logger,
	}
}

// Enqueue buffers an entry, dropping the oldest when full
func (e *Exporter) Enqueue(entry LogEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer = append(e.buffer, entry)
	e.trimLocked()
}

func (e *Exporter) trimLocked() {
	if over := len(e.buffer) - e.cfg.BufferSize; over > 0 {
		e.buffer = append([]LogEntry(nil), e.buffer[over:]...)
		metrics.ExportDropped.Add(float64(over))
	}
	metrics.ExportBufferSize.Set(float64(len(e.buffer)))
}

// Len returns the number of buffered entries
func (e *Exporter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffer)
}

// ConsecutiveFailures returns the current failure streak length
func (e *Exporter) ConsecutiveFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// Flush sends one batch from the head of the buffer
func (e *Exporter) Flush(ctx context.Context) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	n := len(e.buffer)
	if n == 0 {
		e.mu.Unlock()
		return ErrBufferEmpty
	}
	if n > e.cfg.BatchSize {
		n = e.cfg.BatchSize
	}
	batch := append([]LogEntry(nil), e.buffer[:n]...)
	e.buffer = e.buffer[n:]
	e.mu.Unlock()

	err := e.post(ctx, batch)

	e.mu.Lock()
	if err == nil {
		e.failures = 0
		e.warned = false
		metrics.ExportBatches.WithLabelValues("sent").Inc()
		metrics.ExportBufferSize.Set(float64(len(e.buffer)))
		e.mu.Unlock()
		return nil
	}

	e.buffer = append(batch, e.buffer...)
	e.trimLocked()
	e.failures++
	failures := e.failures
	notify := failures >= e.cfg.FailureThreshold && !e.warned
	if notify {
		e.warned = true
	}
	e.mu.Unlock()

	metrics.ExportBatches.WithLabelValues("failed").Inc()
	e.logger.Warnw("Remote export failed, batch requeued",
		"entries", len(batch),
		"consecutive_failures", failures,
		"error", err)
	if notify && e.health != nil {
		e.health(failures, err)
	}
	return err
}

func (e *Exporter) post(ctx context.Context, logs []LogEntry) error {
	if e.cfg.Endpoint == "" {
		return errors.New("export endpoint not configured")
	}
	body, err := json.Marshal(Batch{
		Logs:      logs,
		SessionID: e.cfg.SessionID,
		Platform:  e.cfg.Platform,
		Version:   e.cfg.Version,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal export batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send export batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("export endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Start runs the flush loop. Failed flushes are retried with exponential
// backoff capped at MaxBackoff; otherwise the loop waits Interval.
func (e *Exporter) Start() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.Interval
	bo.MaxInterval = e.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	go e.loop(ctx, bo, e.done)
	e.logger.Infow("Remote export started", "endpoint", e.cfg.Endpoint, "interval", e.cfg.Interval)
}

func (e *Exporter) loop(ctx context.Context, bo *backoff.ExponentialBackOff, done chan struct{}) {
	defer close(done)

	wait := e.cfg.Interval
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// the request is not bound to ctx so Stop lets an in-flight flush finish
		flushCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
		err := e.Flush(flushCtx)
		cancel()

		switch {
		case err == nil, errors.Is(err, ErrBufferEmpty):
			bo.Reset()
			wait = e.cfg.Interval
		default:
			wait = bo.NextBackOff()
		}
		timer.Reset(wait)
	}
}

// Stop cancels future flushes and waits for the loop to exit
func (e *Exporter) Stop() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if !e.running {
		return
	}
	e.cancel()
	<-e.done
	e.running = false
	e.logger.Info("Remote export stopped")
}
