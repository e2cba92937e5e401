package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// sink is a test endpoint that records batches and can be switched to fail
type sink struct {
	mu      sync.Mutex
	batches []Batch
	failing atomic.Bool
}

func (s *sink) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var b Batch
		require.NoError(t, json.NewDecoder(r.Body).Decode(&b))
		s.mu.Lock()
		s.batches = append(s.batches, b)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *sink) received() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Batch(nil), s.batches...)
}

func entry(i int) LogEntry {
	return LogEntry{Timestamp: time.Unix(int64(i), 0).UTC(), Level: "warn", Message: fmt.Sprintf("msg-%d", i)}
}

func messages(logs []LogEntry) []string {
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = l.Message
	}
	return out
}

func newTestExporter(t *testing.T, s *sink, cfg Config, health HealthFunc) *Exporter {
	srv := httptest.NewServer(s.handler(t))
	t.Cleanup(srv.Close)
	cfg.Endpoint = srv.URL
	cfg.SessionID = "session-1"
	cfg.Version = "1.2.3"
	return NewExporter(cfg, health, zaptest.NewLogger(t).Sugar())
}

func TestFlush_BatchesAndPayload(t *testing.T) {
	s := &sink{}
	exp := newTestExporter(t, s, Config{BatchSize: 2}, nil)
	for i := 1; i <= 3; i++ {
		exp.Enqueue(entry(i))
	}

	require.NoError(t, exp.Flush(context.Background()))
	assert.Equal(t, 1, exp.Len())
	require.NoError(t, exp.Flush(context.Background()))
	assert.True(t, errors.Is(exp.Flush(context.Background()), ErrBufferEmpty))

	got := s.received()
	require.Len(t, got, 2)
	assert.Equal(t, []string{"msg-1", "msg-2"}, messages(got[0].Logs))
	assert.Equal(t, []string{"msg-3"}, messages(got[1].Logs))
	assert.Equal(t, "session-1", got[0].SessionID)
	assert.Equal(t, "argus", got[0].Platform)
	assert.Equal(t, "1.2.3", got[0].Version)
}

func TestFlush_FailureRequeuesAtHead(t *testing.T) {
	s := &sink{}
	exp := newTestExporter(t, s, Config{BatchSize: 2}, nil)
	exp.Enqueue(entry(1))
	exp.Enqueue(entry(2))
	exp.Enqueue(entry(3))

	s.failing.Store(true)
	require.Error(t, exp.Flush(context.Background()))
	assert.Equal(t, 3, exp.Len())
	assert.Equal(t, 1, exp.ConsecutiveFailures())

	exp.Enqueue(entry(4))
	s.failing.Store(false)
	require.NoError(t, exp.Flush(context.Background()))
	require.NoError(t, exp.Flush(context.Background()))
	assert.Zero(t, exp.ConsecutiveFailures())

	got := s.received()
	require.Len(t, got, 2)
	assert.Equal(t, []string{"msg-1", "msg-2"}, messages(got[0].Logs))
	assert.Equal(t, []string{"msg-3", "msg-4"}, messages(got[1].Logs))
}

func TestFlush_HealthWarningOncePerStreak(t *testing.T) {
	s := &sink{}
	var warnings []int
	exp := newTestExporter(t, s, Config{FailureThreshold: 3}, func(n int, err error) {
		assert.Error(t, err)
		warnings = append(warnings, n)
	})
	exp.Enqueue(entry(1))

	s.failing.Store(true)
	for i := 0; i < 5; i++ {
		_ = exp.Flush(context.Background())
	}
	assert.Equal(t, []int{3}, warnings)

	s.failing.Store(false)
	require.NoError(t, exp.Flush(context.Background()))

	exp.Enqueue(entry(2))
	s.failing.Store(true)
	for i := 0; i < 3; i++ {
		_ = exp.Flush(context.Background())
	}
	assert.Equal(t, []int{3, 3}, warnings)
}

func TestEnqueue_DropsOldestWhenFull(t *testing.T) {
	exp := NewExporter(Config{BufferSize: 3, Endpoint: "http://127.0.0.1:1"}, nil, nil)
	for i := 1; i <= 5; i++ {
		exp.Enqueue(entry(i))
	}
	assert.Equal(t, 3, exp.Len())
	assert.Equal(t, []string{"msg-3", "msg-4", "msg-5"}, messages(exp.buffer))
}

func TestFlush_NoEndpoint(t *testing.T) {
	exp := NewExporter(Config{}, nil, nil)
	exp.Enqueue(entry(1))
	assert.Error(t, exp.Flush(context.Background()))
	assert.Equal(t, 1, exp.Len())
}

func TestStartStop(t *testing.T) {
	s := &sink{}
	exp := newTestExporter(t, s, Config{Interval: 10 * time.Millisecond}, nil)
	exp.Enqueue(entry(1))

	exp.Start()
	exp.Start()
	require.Eventually(t, func() bool { return len(s.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	exp.Stop()
	exp.Stop()

	exp.Enqueue(entry(2))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s.received(), 1, "no flushes after stop")
}

func TestZapCore(t *testing.T) {
	exp := NewExporter(Config{}, nil, nil)
	logger := zap.New(NewZapCore(exp, zapcore.WarnLevel)).Named("engine")

	logger.Info("ignored")
	logger.With(zap.String("component", "export")).Warn("disk almost full", zap.Int("percent", 93))

	require.Equal(t, 1, exp.Len())
	e := exp.buffer[0]
	assert.Equal(t, "warn", e.Level)
	assert.Equal(t, "disk almost full", e.Message)
	assert.Equal(t, "engine", e.Logger)
	assert.Equal(t, "export", e.Fields["component"])
	assert.Equal(t, int64(93), e.Fields["percent"])
}
