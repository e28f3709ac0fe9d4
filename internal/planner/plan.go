// Package planner turns model-written action plans into typed steps.
package planner

import (
	"fmt"
	"strings"
)

// Action is the kind of work a plan step asks for.
type Action string

const (
	ActionSQL            Action = "SQL"
	ActionPlot           Action = "PLOT"
	ActionAnalyseReviews Action = "ANALYSE_REVIEWS"
	// ActionUnknown marks a step whose action is outside the closed set. It
	// is kept so dispatch can fail on it.
	ActionUnknown Action = "UNKNOWN"
)

// Actions returns the supported actions.
func Actions() []Action {
	return []Action{ActionSQL, ActionPlot, ActionAnalyseReviews}
}

// PlanStep is one validated unit of a plan.
type PlanStep struct {
	Action Action `json:"action"`
	// RawAction is the action text as written by the model.
	RawAction string   `json:"raw_action,omitempty"`
	Payload   []string `json:"payload"`
}

// Known reports whether the step's action is supported.
func (s PlanStep) Known() bool { return s.Action != ActionUnknown && s.Action != "" }

// String renders the step the way the planner writes it.
func (s PlanStep) String() string {
	name := string(s.Action)
	switch s.Action {
	case ActionUnknown:
		name = s.RawAction
	case ActionAnalyseReviews:
		name = "ANALYSE REVIEWS"
	}
	quoted := make([]string, len(s.Payload))
	for i, p := range s.Payload {
		quoted[i] = "'" + strings.ReplaceAll(p, "'", `\'`) + "'"
	}
	return fmt.Sprintf("%s: [%s]", name, strings.Join(quoted, ", "))
}

// ParseError reports model output that could not be read as a plan.
type ParseError struct {
	Reason string
	Input  string
}

func (e *ParseError) Error() string {
	in := e.Input
	if r := []rune(in); len(r) > 120 {
		in = string(r[:120]) + "..."
	}
	return fmt.Sprintf("plan parse error: %s (input: %q)", e.Reason, in)
}

// NormalizeAction maps the spellings models use to an Action.
func NormalizeAction(raw string) Action {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.Trim(s, "*`\"' ")
	s = strings.NewReplacer("-", " ", "_", " ").Replace(s)
	s = strings.Join(strings.Fields(s), "_")
	switch s {
	case "SQL":
		return ActionSQL
	case "PLOT", "PLOTS":
		return ActionPlot
	case "ANALYSE_REVIEWS", "ANALYZE_REVIEWS", "ANALYSE_REVIEW", "ANALYZE_REVIEW":
		return ActionAnalyseReviews
	default:
		return ActionUnknown
	}
}
