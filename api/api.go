// Package api exposes the Argus engine over HTTP.
//
// Routes live under /api/v1; /health and /metrics sit at the root and
// /ws streams detections and insights as they are produced.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"argus/config"
	"argus/core"
	"argus/detect"
	"argus/service"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Engine is the slice of the detection engine the API serves
type Engine interface {
	Ingest(ctx context.Context, event core.Event) service.IngestResult
	Events(filter core.EventFilter) []core.Event

	ActiveDetections() []*core.ThreatDetection
	Detections() []*core.ThreatDetection
	Detection(id string) (*core.ThreatDetection, error)
	Acknowledge(id, analyst string) (*core.ThreatDetection, error)
	Contain(id, actor, note string) (*core.ThreatDetection, error)
	Resolve(id, analyst, note string) (*core.ThreatDetection, error)
	MarkFalsePositive(id, analyst, note string) (*core.ThreatDetection, error)

	Metrics() core.SecurityMetrics
	RiskAssessment() core.RiskAssessment
	Insights() []core.SecurityInsight

	Configuration() config.Settings
	UpdateConfiguration(patch config.SettingsPatch) (config.Settings, error)

	Catalog() *detect.Catalog
}

// API holds the API server
type API struct {
	router         *mux.Router
	server         *http.Server
	engine         Engine
	hub            *Hub
	config         *config.Config
	logger         *zap.SugaredLogger
	validate       *validator.Validate
	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewAPI creates a new API server. hub may be nil to disable the websocket stream.
func NewAPI(engine Engine, hub *Hub, cfg *config.Config, logger *zap.SugaredLogger) *API {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	a := &API{
		router:       mux.NewRouter(),
		engine:       engine,
		hub:          hub,
		config:       cfg,
		logger:       logger,
		validate:     validator.New(),
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	a.setupRoutes()
	go a.cleanupRateLimiters()
	return a
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.Use(a.metricsMiddleware)
	a.router.Use(a.corsMiddleware)
	a.router.Use(a.rateLimitMiddleware)

	v1 := a.router.PathPrefix("/api/" + a.version()).Subrouter()

	v1.HandleFunc("/events", a.ingestEvent).Methods("POST")
	v1.HandleFunc("/events", a.getEvents).Methods("GET")

	v1.HandleFunc("/detections", a.getDetections).Methods("GET")
	v1.HandleFunc("/detections/{id}", a.getDetection).Methods("GET")
	v1.HandleFunc("/detections/{id}/acknowledge", a.acknowledgeDetection).Methods("POST")
	v1.HandleFunc("/detections/{id}/contain", a.containDetection).Methods("POST")
	v1.HandleFunc("/detections/{id}/resolve", a.resolveDetection).Methods("POST")
	v1.HandleFunc("/detections/{id}/false-positive", a.markFalsePositive).Methods("POST")

	v1.HandleFunc("/metrics", a.getMetrics).Methods("GET")
	v1.HandleFunc("/risk", a.getRiskAssessment).Methods("GET")
	v1.HandleFunc("/insights", a.getInsights).Methods("GET")

	v1.HandleFunc("/configuration", a.getConfiguration).Methods("GET")
	v1.HandleFunc("/configuration", a.updateConfiguration).Methods("PUT")

	v1.HandleFunc("/rules", a.getRules).Methods("GET")
	v1.HandleFunc("/rules", a.createRule).Methods("POST")
	v1.HandleFunc("/rules/{id}", a.getRule).Methods("GET")
	v1.HandleFunc("/rules/{id}", a.deleteRule).Methods("DELETE")
	v1.HandleFunc("/rules/{id}/enable", a.enableRule).Methods("POST")
	v1.HandleFunc("/rules/{id}/disable", a.disableRule).Methods("POST")
	v1.HandleFunc("/signatures", a.getSignatures).Methods("GET")
	v1.HandleFunc("/signatures", a.createSignature).Methods("POST")
	v1.HandleFunc("/signatures/{id}", a.deleteSignature).Methods("DELETE")

	if a.hub != nil {
		a.router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			serveWs(a.hub, a.logger, w, r)
		})
	}
	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())

	// preflight requests need a matching route for the middleware chain to run
	a.router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func (a *API) version() string {
	if a.config == nil || a.config.API.Version == "" {
		return "v1"
	}
	return a.config.API.Version
}

// Handler returns the root handler, for embedding and tests
func (a *API) Handler() http.Handler {
	return a.router
}

// Start starts the API server
func (a *API) Start(addr string) error {
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  a.config.API.ReadTimeout,
		WriteTimeout: a.config.API.WriteTimeout,
	}
	return a.server.ListenAndServe()
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}
