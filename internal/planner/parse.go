package planner

import (
	"regexp"
	"strings"
)

var numberedLine = regexp.MustCompile(`(?m)^\s*\d+[.)]\s*(.+?)\s*$`)

// ParsePlan reads a plan from model output. The output is expected to hold a
// list literal of "ACTION: [payload]" strings, optionally surrounded by prose
// or code fences. Numbered "N. ACTION: payload" lines are accepted too.
//
// Steps with an action outside the closed set are returned as ActionUnknown
// so dispatch can reject them. A known action with a missing or malformed
// payload is a ParseError.
func ParsePlan(output string) ([]PlanStep, error) {
	rest, numbered := numberedSteps(output)
	items, ok := findArray(rest)
	if !ok {
		if len(numbered) == 0 {
			return nil, &ParseError{Reason: "no plan found", Input: output}
		}
		items = numbered
	}
	steps := make([]PlanStep, 0, len(items))
	for _, item := range items {
		step, err := parseStep(item)
		if err != nil {
			err.Input = output
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func parseStep(item string) (PlanStep, *ParseError) {
	item = strings.TrimSpace(item)
	colon := strings.IndexByte(item, ':')
	if colon < 0 {
		if item == "" {
			return PlanStep{}, &ParseError{Reason: "empty step"}
		}
		return PlanStep{}, &ParseError{Reason: "step without action: " + item}
	}
	raw := strings.TrimSpace(item[:colon])
	action := NormalizeAction(raw)
	payload, err := parsePayload(item[colon+1:])
	if action == ActionUnknown {
		// Unknown steps are kept even when the payload does not parse.
		if err != nil {
			payload = []string{strings.TrimSpace(item[colon+1:])}
		}
		return PlanStep{Action: ActionUnknown, RawAction: raw, Payload: payload}, nil
	}
	if err != nil {
		return PlanStep{}, &ParseError{Reason: string(action) + " payload: " + err.Error()}
	}
	if len(payload) == 0 {
		return PlanStep{}, &ParseError{Reason: string(action) + " payload is empty"}
	}
	for _, p := range payload {
		if strings.TrimSpace(p) == "" {
			return PlanStep{}, &ParseError{Reason: string(action) + " payload has a blank item"}
		}
	}
	return PlanStep{Action: action, RawAction: raw, Payload: payload}, nil
}

// numberedSteps splits "N. ACTION: payload" lines out of output. It returns
// the remaining text, which is searched for a list literal first, and the
// step lines in order. Unknown actions are kept so dispatch can reject them.
func numberedSteps(output string) (string, []string) {
	var items []string
	rest := numberedLine.ReplaceAllStringFunc(output, func(line string) string {
		m := numberedLine.FindStringSubmatch(line)
		colon := strings.IndexByte(m[1], ':')
		if colon <= 0 || strings.ContainsAny(m[1][:colon], "[]\"'") {
			return line
		}
		items = append(items, m[1])
		return ""
	})
	return rest, items
}

// Truncate caps a plan at max steps. A non-positive max leaves it unchanged.
func Truncate(steps []PlanStep, max int) []PlanStep {
	if max <= 0 || len(steps) <= max {
		return steps
	}
	return steps[:max]
}
