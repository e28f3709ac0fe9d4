package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/reviewqa/internal/orchestrator"
	"github.com/mohammad-safakhou/reviewqa/internal/planner"
	"github.com/mohammad-safakhou/reviewqa/internal/router"
)

func TestParsePlanCommand(t *testing.T) {
	cmd := planCMD()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(`Plan: ["SQL: ['How many reviews?']", "ANALYZE REVIEWS: ['slow app']"]`))
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := "1. SQL: ['How many reviews?']\n2. ANALYSE REVIEWS: ['slow app']\n"
	if out.String() != want {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestParsePlanCommandFails(t *testing.T) {
	cmd := planCMD()
	cmd.SetIn(strings.NewReader("nothing to see"))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestPrintTurn(t *testing.T) {
	turn := orchestrator.TurnResult{Steps: []orchestrator.StepOutcome{
		{Index: 0, Answer: "42 reviews.", Result: router.QueryResult{Step: planner.PlanStep{Action: planner.ActionSQL, Payload: []string{"count"}}}},
		{Index: 1, Result: router.QueryResult{Step: planner.PlanStep{Action: planner.ActionPlot, Payload: []string{"x"}}, Error: router.NoDataAvailable}},
	}}
	var out bytes.Buffer
	printTurn(&out, turn)
	s := out.String()
	if !strings.Contains(s, "1. SQL: ['count']\n42 reviews.") {
		t.Fatalf("missing answered step in %q", s)
	}
	if !strings.Contains(s, "2. PLOT: ['x']\n"+router.NoDataAvailable) {
		t.Fatalf("missing annotated step in %q", s)
	}
}
