package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"argus/config"
	"argus/service"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(zaptest.NewLogger(t).Sugar(), context.Background())
	go hub.Start()
	t.Cleanup(hub.Stop)
	return hub
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStream_DeliversDetections(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	hub := startHub(t)
	cfg := config.Defaults()

	engine := service.NewEngine(cfg, service.Dependencies{Broadcaster: hub}, logger)
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })
	a := NewAPI(engine, hub, cfg, logger)
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	body, err := json.Marshal(portScan("203.0.113.50"))
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/api/v1/events", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string `json:"type"`
		Data struct {
			Trigger struct {
				ID string `json:"id"`
			} `json:"trigger"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, service.MessageDetectionCreated, msg.Type)
	assert.Equal(t, "port-scan", msg.Data.Trigger.ID)
}

func TestHub_BroadcastWithoutClients(t *testing.T) {
	hub := startHub(t)
	assert.NoError(t, hub.BroadcastMessage("noop", map[string]string{"k": "v"}))
	assert.Zero(t, hub.ClientCount())
}

func TestHub_StopClosesClients(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	hub := NewHub(logger, context.Background())
	go hub.Start()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, logger, w, r)
	}))
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Stop()
	assert.Zero(t, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection is closed once the hub stops")

	assert.NoError(t, hub.BroadcastMessage("late", nil), "broadcasting after stop does not block")
}
