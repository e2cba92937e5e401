package detect

import (
	"fmt"
	"strings"
	"time"

	"argus/core"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// exprEnv builds the variables and helpers visible to predicate expressions.
// Counting helpers look back from the event's own timestamp.
func exprEnv(event core.Event, events core.EventQuerier) map[string]interface{} {
	window := func(minutes int) (time.Time, time.Time) {
		return event.Timestamp.Add(-time.Duration(minutes) * time.Minute), event.Timestamp
	}
	count := func(filter core.EventFilter, failuresOnly bool) int {
		if events == nil {
			return 0
		}
		if !failuresOnly {
			return events.Count(filter)
		}
		return countAuthFailures(events, filter)
	}

	return map[string]interface{}{
		"id":          event.ID,
		"source":      event.Source,
		"eventType":   event.EventType,
		"severity":    string(event.Severity),
		"description": event.Description,
		"ipAddress":   event.IPAddress,
		"userId":      event.UserID,
		"userAgent":   event.UserAgent,
		"country":     event.Country(),
		"metadata":    event.Metadata,
		"bytes":       event.BytesTransferred(),
		"hour":        event.Timestamp.Hour(),

		"isAuthFailure": event.IsAuthFailure(),
		"isLogin":       event.IsLogin(),

		"icontains": func(s, substr string) bool {
			return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
		},
		"countByIP": func(ip string, minutes int) int {
			since, until := window(minutes)
			return count(core.EventFilter{IPAddress: ip, Since: since, Until: until}, false)
		},
		"countByUser": func(user string, minutes int) int {
			since, until := window(minutes)
			return count(core.EventFilter{UserID: user, Since: since, Until: until}, false)
		},
		"failuresByIP": func(ip string, minutes int) int {
			since, until := window(minutes)
			return count(core.EventFilter{IPAddress: ip, Since: since, Until: until}, true)
		},
		"failuresByUser": func(user string, minutes int) int {
			since, until := window(minutes)
			return count(core.EventFilter{UserID: user, Since: since, Until: until}, true)
		},
	}
}

// CompileExpression compiles a boolean expression into a predicate pattern function
func CompileExpression(expression string) (core.PredicateFunc, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("%w: expression cannot be empty", ErrInvalidRule)
	}

	program, err := expr.Compile(expression, expr.Env(exprEnv(core.Event{}, nil)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to compile expression: %v", ErrInvalidRule, err)
	}

	return func(event core.Event, events core.EventQuerier) (bool, error) {
		return runProgram(program, event, events)
	}, nil
}

func runProgram(program *vm.Program, event core.Event, events core.EventQuerier) (bool, error) {
	output, err := expr.Run(program, exprEnv(event, events))
	if err != nil {
		return false, fmt.Errorf("expression evaluation failed: %w", err)
	}
	matched, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, expected bool", output)
	}
	return matched, nil
}

// ExpressionPattern compiles an expression into a predicate pattern that keeps its source text
func ExpressionPattern(expression string) (core.Pattern, error) {
	fn, err := CompileExpression(expression)
	if err != nil {
		return core.Pattern{}, err
	}
	p := core.PredicatePattern(fn)
	p.Expression = expression
	return p, nil
}

// countAuthFailures counts failed authentications among the filtered events
func countAuthFailures(events core.EventQuerier, filter core.EventFilter) int {
	n := 0
	for _, e := range events.Query(filter) {
		if e.IsAuthFailure() {
			n++
		}
	}
	return n
}
