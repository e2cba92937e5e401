package soar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// DefaultActionTimeout bounds a single collaborator call
const DefaultActionTimeout = 10 * time.Second

// executedMemory is how many successful action ids the executor remembers
const executedMemory = 10000

// Executor selects and runs response actions for detections.
// Failed actions are recorded and never retried here.
type Executor struct {
	collab  Collaborators
	timeout time.Duration
	audit   AuditLogger
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]chan struct{}
	executed *lru.Cache[string, core.ResponseAction]
}

// NewExecutor creates an executor
func NewExecutor(collab Collaborators, timeout time.Duration, auditLogger AuditLogger, logger *zap.SugaredLogger) *Executor {
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	if auditLogger == nil {
		auditLogger = &NoOpAuditLogger{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	executed, _ := lru.New[string, core.ResponseAction](executedMemory)
	return &Executor{
		collab:   collab,
		timeout:  timeout,
		audit:    auditLogger,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]chan struct{}),
		executed: executed,
	}
}

// SetClock replaces the executor's time source
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// SelectActions picks pending actions for a detection by descending threshold.
// Alert is emitted whenever the alert threshold is met; rule-requested
// quarantine and monitor actions are appended.
func (e *Executor) SelectActions(d core.ThreatDetection, p Policy) []core.ResponseAction {
	if !p.Enabled {
		return nil
	}

	var actions []core.ResponseAction
	risk := d.RiskScore

	if p.EnableIsolation && risk >= p.IsolationThreshold {
		if len(d.AffectedAssets) > 0 {
			actions = append(actions, core.NewResponseAction(core.ActionIsolate,
				fmt.Sprintf("Isolate %d affected asset(s)", len(d.AffectedAssets)),
				map[string]interface{}{
					ParamDetectionID: d.ID,
					ParamAssets:      append([]string(nil), d.AffectedAssets...),
				}))
		} else {
			e.logger.Debugw("Isolation threshold met but no assets to isolate", "detection_id", d.ID)
		}
	}

	if p.EnableBlocking && risk >= p.BlockingThreshold {
		if d.SourceIP != "" {
			duration := p.BlockDuration
			if duration <= 0 {
				duration = DefaultPolicy().BlockDuration
			}
			actions = append(actions, core.NewResponseAction(core.ActionBlock,
				fmt.Sprintf("Block %s for %ds", d.SourceIP, duration),
				map[string]interface{}{
					ParamDetectionID:     d.ID,
					ParamIP:              d.SourceIP,
					ParamDurationSeconds: duration,
				}))
		} else {
			e.logger.Debugw("Blocking threshold met but detection has no source IP", "detection_id", d.ID)
		}
	}

	if p.EnableAlerting && risk >= p.AlertThreshold {
		actions = append(actions, core.NewResponseAction(core.ActionAlert,
			fmt.Sprintf("Alert on %s", d.Trigger.Name),
			map[string]interface{}{
				ParamDetectionID: d.ID,
				ParamLevel:       string(d.Severity),
				ParamMessage: fmt.Sprintf("%s detection %q (risk %.0f, confidence %.0f)",
					d.Severity, d.Trigger.Name, d.RiskScore, d.Confidence),
			}))
	}

	switch d.Action {
	case core.RuleActionQuarantine:
		if len(d.AffectedAssets) > 0 {
			asset := d.AffectedAssets[len(d.AffectedAssets)-1]
			actions = append(actions, core.NewResponseAction(core.ActionQuarantine,
				"Quarantine "+asset,
				map[string]interface{}{ParamDetectionID: d.ID, ParamAssetID: asset}))
		}
	case core.RuleActionMonitor:
		identity := d.SourceIP
		if identity == "" && len(d.AffectedAssets) > 0 {
			identity = d.AffectedAssets[0]
		}
		actions = append(actions, core.NewResponseAction(core.ActionMonitor,
			"Monitor "+identity,
			map[string]interface{}{ParamDetectionID: d.ID, ParamIdentity: identity}))
	}

	return actions
}

// Respond selects actions for a detection, attaches them, executes each one
// and records every outcome on the detection.
func (e *Executor) Respond(ctx context.Context, d core.ThreatDetection, p Policy, recorder ActionRecorder) []core.ResponseAction {
	actions := e.SelectActions(d, p)
	if len(actions) == 0 {
		return nil
	}
	if _, err := recorder.AttachActions(d.ID, actions); err != nil {
		e.logger.Errorw("Failed to attach response actions", "detection_id", d.ID, "error", err)
		return nil
	}

	out := make([]core.ResponseAction, 0, len(actions))
	for _, a := range actions {
		done, _ := e.Execute(ctx, a)
		if _, err := recorder.UpdateAction(d.ID, done); err != nil {
			e.logger.Errorw("Failed to record response action outcome",
				"detection_id", d.ID,
				"action_id", done.ID,
				"error", err)
		}
		out = append(out, done)
	}
	return out
}

// Execute runs one action against its collaborator with the per-action timeout.
// Executing an already executed action is a no-op and returns it unchanged.
// A pending copy whose id already succeeded returns the recorded outcome,
// and concurrent calls for one id wait for the first to finish.
func (e *Executor) Execute(ctx context.Context, action core.ResponseAction) (core.ResponseAction, error) {
	if action.Status == core.ActionStatusExecuted {
		return action, nil
	}

	release, done, ok := e.claim(ctx, action.ID)
	if !ok {
		return action, ctx.Err()
	}
	if done != nil {
		return done.Clone(), nil
	}
	defer release()

	result := action.Clone()
	start := e.now()

	actx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	err := e.dispatch(actx, result)

	audit := &AuditEvent{
		DetectionID: cast.ToString(result.Parameters[ParamDetectionID]),
		ActionID:    result.ID,
		ActionType:  string(result.Type),
		Executor:    string(result.Executor),
		Parameters:  result.Parameters,
		DurationMs:  e.now().Sub(start).Milliseconds(),
	}

	if err != nil {
		result.Status = core.ActionStatusFailed
		result.Error = err.Error()
		audit.EventType = "action_failed"
		audit.Result = "failure"
		if errors.Is(err, context.DeadlineExceeded) {
			audit.Result = "timeout"
		}
		audit.Error = err.Error()
		e.logger.Warnw("Response action failed",
			"action_id", result.ID,
			"type", result.Type,
			"detection_id", audit.DetectionID,
			"error", err)
	} else {
		ts := e.now()
		result.Status = core.ActionStatusExecuted
		result.ExecutedAt = &ts
		result.Error = ""
		if result.ID != "" {
			e.executed.Add(result.ID, result.Clone())
		}
		audit.EventType = "action_executed"
		audit.Result = "success"
		e.logger.Infow("Response action executed",
			"action_id", result.ID,
			"type", result.Type,
			"detection_id", audit.DetectionID)
	}

	metrics.ResponseActions.WithLabelValues(string(result.Type), string(result.Status)).Inc()
	if auditErr := e.audit.Log(ctx, audit); auditErr != nil {
		e.logger.Warnw("Failed to write audit event", "action_id", result.ID, "error", auditErr)
	}

	if err != nil {
		return result, fmt.Errorf("action %s (%s): %w", result.ID, result.Type, err)
	}
	return result, nil
}

// claim reserves an action id for execution. It returns the recorded result
// when the id already succeeded, and ok=false when ctx ends while waiting.
func (e *Executor) claim(ctx context.Context, id string) (release func(), done *core.ResponseAction, ok bool) {
	if id == "" {
		return func() {}, nil, true
	}
	for {
		e.mu.Lock()
		if prev, hit := e.executed.Get(id); hit {
			e.mu.Unlock()
			return nil, &prev, true
		}
		wait, busy := e.inflight[id]
		if !busy {
			ch := make(chan struct{})
			e.inflight[id] = ch
			e.mu.Unlock()
			return func() {
				e.mu.Lock()
				delete(e.inflight, id)
				e.mu.Unlock()
				close(ch)
			}, nil, true
		}
		e.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, nil, false
		}
	}
}

func (e *Executor) dispatch(ctx context.Context, a core.ResponseAction) error {
	switch a.Type {
	case core.ActionIsolate:
		if e.collab.Isolator == nil {
			return fmt.Errorf("%w: isolator", ErrCollaboratorMissing)
		}
		return e.collab.Isolator.Isolate(ctx, cast.ToStringSlice(a.Parameters[ParamAssets]))
	case core.ActionBlock:
		if e.collab.Blocker == nil {
			return fmt.Errorf("%w: blocker", ErrCollaboratorMissing)
		}
		ip := cast.ToString(a.Parameters[ParamIP])
		if ip == "" {
			return errors.New("block action has no ip parameter")
		}
		return e.collab.Blocker.Block(ctx, ip, cast.ToInt(a.Parameters[ParamDurationSeconds]))
	case core.ActionAlert:
		if e.collab.Alerter == nil {
			return fmt.Errorf("%w: alerter", ErrCollaboratorMissing)
		}
		level := core.ParseSeverity(cast.ToString(a.Parameters[ParamLevel]))
		return e.collab.Alerter.Alert(ctx, level, cast.ToString(a.Parameters[ParamMessage]))
	case core.ActionQuarantine:
		if e.collab.Quarantiner == nil {
			return fmt.Errorf("%w: quarantiner", ErrCollaboratorMissing)
		}
		return e.collab.Quarantiner.Quarantine(ctx, cast.ToString(a.Parameters[ParamAssetID]))
	case core.ActionMonitor:
		e.logger.Infow("Identity placed under monitoring",
			"identity", a.Parameters[ParamIdentity],
			"detection_id", a.Parameters[ParamDetectionID])
		return nil
	default:
		return fmt.Errorf("unsupported action type %q", a.Type)
	}
}
