package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"argus/config"
	"argus/core"
	"argus/detect"

	"github.com/gorilla/mux"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// ============================================================================
// Events
// ============================================================================

// ingestEvent godoc
//
//	@Summary		Ingest event
//	@Description	Stores, scores and evaluates one security event. Missing fields are defaulted.
//	@Tags			events
//	@Accept			json
//	@Produce		json
//	@Param			event	body		core.Event	true	"Event"
//	@Success		201		{object}	service.IngestResult
//	@Failure		400		{object}	errorResponse
//	@Router			/api/v1/events [post]
func (a *API) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var event core.Event
	if err := a.decodeJSONBody(w, r, &event); err != nil {
		return
	}
	result := a.engine.Ingest(r.Context(), event)
	a.respondJSON(w, result, http.StatusCreated)
}

// getEvents godoc
//
//	@Summary		Get events
//	@Description	Returns stored events filtered by ip, user, type and time range, newest last
//	@Tags			events
//	@Produce		json
//	@Param			ip		query	string	false	"Source IP address"
//	@Param			user	query	string	false	"User id"
//	@Param			type	query	string	false	"Event type"
//	@Param			since	query	string	false	"RFC3339 lower bound"
//	@Param			until	query	string	false	"RFC3339 upper bound"
//	@Param			limit	query	int		false	"Maximum number of results (1-1000)"	default(100)
//	@Success		200		{array}	core.Event
//	@Router			/api/v1/events [get]
func (a *API) getEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.EventFilter{
		IPAddress: q.Get("ip"),
		UserID:    q.Get("user"),
		EventType: q.Get("type"),
		Limit:     defaultEventLimit,
	}

	if l := q.Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > maxEventLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxEventLimit), nil, a.logger)
			return
		}
		filter.Limit = parsed
	}

	var err error
	if filter.Since, err = parseTimeParam(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid since parameter", err, a.logger)
		return
	}
	if filter.Until, err = parseTimeParam(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid until parameter", err, a.logger)
		return
	}

	events := a.engine.Events(filter)
	if events == nil {
		events = []core.Event{}
	}
	a.respondJSON(w, events, http.StatusOK)
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// ============================================================================
// Detections
// ============================================================================

// transitionRequest carries the analyst performing a lifecycle transition
type transitionRequest struct {
	Analyst string `json:"analyst" validate:"required,max=128"`
	Note    string `json:"note,omitempty" validate:"max=4096"`
}

// getDetections godoc
//
//	@Summary		Get detections
//	@Description	Returns active detections by descending risk, or every retained detection with status=all
//	@Tags			detections
//	@Produce		json
//	@Param			status	query	string	false	"active (default) or all"
//	@Success		200		{array}	core.ThreatDetection
//	@Router			/api/v1/detections [get]
func (a *API) getDetections(w http.ResponseWriter, r *http.Request) {
	var detections []*core.ThreatDetection
	switch r.URL.Query().Get("status") {
	case "", "active":
		detections = a.engine.ActiveDetections()
	case "all":
		detections = a.engine.Detections()
	default:
		writeError(w, http.StatusBadRequest, "status must be active or all", nil, a.logger)
		return
	}
	if detections == nil {
		detections = []*core.ThreatDetection{}
	}
	a.respondJSON(w, detections, http.StatusOK)
}

func (a *API) getDetection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, err := a.engine.Detection(id)
	if err != nil {
		a.writeDomainError(w, "Failed to get detection", err)
		return
	}
	a.respondJSON(w, d, http.StatusOK)
}

// decodeTransition reads and validates a lifecycle transition body
func (a *API) decodeTransition(w http.ResponseWriter, r *http.Request) (transitionRequest, bool) {
	var req transitionRequest
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return req, false
	}
	if !a.validateRequest(w, req) {
		return req, false
	}
	return req, true
}

// acknowledgeDetection godoc
//
//	@Summary		Acknowledge detection
//	@Description	Moves a detected threat into investigation. Repeating it is a no-op.
//	@Tags			detections
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Detection ID"
//	@Param			body	body		transitionRequest	true	"Analyst"
//	@Success		200		{object}	core.ThreatDetection
//	@Failure		404		{object}	errorResponse
//	@Failure		409		{object}	errorResponse
//	@Router			/api/v1/detections/{id}/acknowledge [post]
func (a *API) acknowledgeDetection(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeTransition(w, r)
	if !ok {
		return
	}
	d, err := a.engine.Acknowledge(mux.Vars(r)["id"], req.Analyst)
	if err != nil {
		a.writeDomainError(w, "Failed to acknowledge detection", err)
		return
	}
	a.respondJSON(w, d, http.StatusOK)
}

func (a *API) containDetection(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeTransition(w, r)
	if !ok {
		return
	}
	d, err := a.engine.Contain(mux.Vars(r)["id"], req.Analyst, req.Note)
	if err != nil {
		a.writeDomainError(w, "Failed to contain detection", err)
		return
	}
	a.respondJSON(w, d, http.StatusOK)
}

func (a *API) resolveDetection(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeTransition(w, r)
	if !ok {
		return
	}
	d, err := a.engine.Resolve(mux.Vars(r)["id"], req.Analyst, req.Note)
	if err != nil {
		a.writeDomainError(w, "Failed to resolve detection", err)
		return
	}
	a.respondJSON(w, d, http.StatusOK)
}

func (a *API) markFalsePositive(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeTransition(w, r)
	if !ok {
		return
	}
	d, err := a.engine.MarkFalsePositive(mux.Vars(r)["id"], req.Analyst, req.Note)
	if err != nil {
		a.writeDomainError(w, "Failed to mark detection as false positive", err)
		return
	}
	a.respondJSON(w, d, http.StatusOK)
}

// ============================================================================
// Reports
// ============================================================================

func (a *API) getMetrics(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, a.engine.Metrics(), http.StatusOK)
}

func (a *API) getRiskAssessment(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, a.engine.RiskAssessment(), http.StatusOK)
}

func (a *API) getInsights(w http.ResponseWriter, r *http.Request) {
	insights := a.engine.Insights()
	if insights == nil {
		insights = []core.SecurityInsight{}
	}
	a.respondJSON(w, insights, http.StatusOK)
}

// ============================================================================
// Configuration
// ============================================================================

func (a *API) getConfiguration(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, a.engine.Configuration(), http.StatusOK)
}

// updateConfiguration godoc
//
//	@Summary		Update configuration
//	@Description	Applies a partial update to the runtime settings. Invalid values reject the whole update.
//	@Tags			configuration
//	@Accept			json
//	@Produce		json
//	@Param			patch	body		config.SettingsPatch	true	"Fields to change"
//	@Success		200		{object}	config.Settings
//	@Failure		400		{object}	errorResponse
//	@Router			/api/v1/configuration [put]
func (a *API) updateConfiguration(w http.ResponseWriter, r *http.Request) {
	var patch config.SettingsPatch
	if err := a.decodeJSONBody(w, r, &patch); err != nil {
		return
	}
	settings, err := a.engine.UpdateConfiguration(patch)
	if err != nil {
		a.writeDomainError(w, "Failed to update configuration", err)
		return
	}
	a.respondJSON(w, settings, http.StatusOK)
}

// ============================================================================
// Rules and signatures
// ============================================================================

// ruleRequest is the wire form of a custom rule. Exactly one of pattern or
// expression must be set.
type ruleRequest struct {
	ID                string          `json:"id" validate:"required,max=128"`
	Name              string          `json:"name" validate:"required,max=256"`
	Description       string          `json:"description,omitempty" validate:"max=2048"`
	Severity          core.Severity   `json:"severity" validate:"required,oneof=low medium high critical"`
	Action            core.RuleAction `json:"action,omitempty" validate:"omitempty,oneof=alert block monitor quarantine"`
	Pattern           string          `json:"pattern,omitempty" validate:"required_without=Expression,excluded_with=Expression,max=1024"`
	CaseInsensitive   bool            `json:"case_insensitive,omitempty"`
	Expression        string          `json:"expression,omitempty" validate:"max=4096"`
	FalsePositiveRate float64         `json:"false_positive_rate" validate:"min=0,max=1"`
	Disabled          bool            `json:"disabled,omitempty"`
}

// toRule builds the catalog rule, compiling an expression into a predicate
func (req ruleRequest) toRule() (core.DetectionRule, error) {
	rule := core.DetectionRule{
		ID:                req.ID,
		Name:              req.Name,
		Description:       req.Description,
		Severity:          req.Severity,
		Action:            req.Action,
		Enabled:           !req.Disabled,
		FalsePositiveRate: req.FalsePositiveRate,
	}
	if req.Expression != "" {
		p, err := detect.ExpressionPattern(req.Expression)
		if err != nil {
			return rule, err
		}
		rule.Pattern = p
		return rule, nil
	}
	rule.Pattern = core.TextPattern(req.Pattern, req.CaseInsensitive)
	return rule, nil
}

func (a *API) getRules(w http.ResponseWriter, r *http.Request) {
	rules := a.engine.Catalog().Rules()
	if rules == nil {
		rules = []core.DetectionRule{}
	}
	a.respondJSON(w, rules, http.StatusOK)
}

// createRule godoc
//
//	@Summary		Create rule
//	@Description	Adds a custom detection rule with a text pattern or an expression
//	@Tags			rules
//	@Accept			json
//	@Produce		json
//	@Param			rule	body		ruleRequest	true	"Rule"
//	@Success		201		{object}	core.DetectionRule
//	@Failure		400		{object}	errorResponse
//	@Failure		409		{object}	errorResponse
//	@Router			/api/v1/rules [post]
func (a *API) createRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if !a.validateRequest(w, req) {
		return
	}

	rule, err := req.toRule()
	if err != nil {
		a.writeDomainError(w, "Invalid rule", err)
		return
	}
	catalog := a.engine.Catalog()
	if err := catalog.AddRule(rule); err != nil {
		a.writeDomainError(w, "Failed to create rule", err)
		return
	}

	created, err := catalog.Rule(rule.ID)
	if err != nil {
		a.writeDomainError(w, "Failed to read created rule", err)
		return
	}
	a.logger.Infow("Rule created", "rule_id", created.ID, "severity", created.Severity)
	a.respondJSON(w, created, http.StatusCreated)
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.engine.Catalog().Rule(mux.Vars(r)["id"])
	if err != nil {
		a.writeDomainError(w, "Failed to get rule", err)
		return
	}
	a.respondJSON(w, rule, http.StatusOK)
}

func (a *API) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.engine.Catalog().RemoveRule(id); err != nil {
		a.writeDomainError(w, "Failed to delete rule", err)
		return
	}
	a.logger.Infow("Rule deleted", "rule_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) enableRule(w http.ResponseWriter, r *http.Request) {
	a.setRuleEnabled(w, mux.Vars(r)["id"], true)
}

func (a *API) disableRule(w http.ResponseWriter, r *http.Request) {
	a.setRuleEnabled(w, mux.Vars(r)["id"], false)
}

func (a *API) setRuleEnabled(w http.ResponseWriter, id string, enabled bool) {
	catalog := a.engine.Catalog()
	var err error
	if enabled {
		err = catalog.EnableRule(id)
	} else {
		err = catalog.DisableRule(id)
	}
	if err != nil {
		a.writeDomainError(w, "Failed to update rule", err)
		return
	}
	rule, err := catalog.Rule(id)
	if err != nil {
		a.writeDomainError(w, "Failed to get rule", err)
		return
	}
	a.logger.Infow("Rule toggled", "rule_id", id, "enabled", enabled)
	a.respondJSON(w, rule, http.StatusOK)
}

func (a *API) getSignatures(w http.ResponseWriter, r *http.Request) {
	sigs := a.engine.Catalog().Signatures()
	if sigs == nil {
		sigs = []core.ThreatSignature{}
	}
	a.respondJSON(w, sigs, http.StatusOK)
}

func (a *API) createSignature(w http.ResponseWriter, r *http.Request) {
	var sig core.ThreatSignature
	if err := a.decodeJSONBody(w, r, &sig); err != nil {
		return
	}
	if err := a.engine.Catalog().AddSignature(sig); err != nil {
		a.writeDomainError(w, "Failed to create signature", err)
		return
	}
	a.logger.Infow("Signature created", "signature_id", sig.ID, "indicators", len(sig.Indicators))
	a.respondJSON(w, sig, http.StatusCreated)
}

func (a *API) deleteSignature(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.engine.Catalog().RemoveSignature(id); err != nil {
		a.writeDomainError(w, "Failed to delete signature", err)
		return
	}
	a.logger.Infow("Signature deleted", "signature_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Health
// ============================================================================

// healthResponse reports liveness and stream subscribers
type healthResponse struct {
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	StreamClients int    `json:"stream_clients"`
	ActiveThreats int    `json:"active_threats"`
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		ActiveThreats: len(a.engine.ActiveDetections()),
	}
	if a.hub != nil {
		resp.StreamClients = a.hub.ClientCount()
	}
	a.respondJSON(w, resp, http.StatusOK)
}
