// Package analyst turns routed step results into answers for the user.
package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/reviewqa/internal/llm"
	"github.com/mohammad-safakhou/reviewqa/internal/router"
)

const sqlSystem = `As a skilled analyst specializing in customer reviews, your task is to answer questions about customer reviews using the provided SQL queries and their results. A user message is formatted as follows:

SQLQuery: "SQL query string"
SQLResult: "SQL query result"
(more SQLQuery and SQLResult pairs may follow)
Question: "User question that should be answered by the SQL queries and results"

If a result is marked as failed, say that the data could not be retrieved instead of guessing.
Always answer in the same language as the question.`

const reviewSystem = `As a skilled analyst specializing in customer review data, your task is to answer questions by analysing the provided reviews. A user message is formatted as follows:

Reviews:
[
    {
        company: "The name of the company the reviews are about",
        category: "The category of the reviews",
        similarity_query: "The search the reviews were retrieved for",
        reviews: ["review string", "review string", ...]
    },
    ...
]
Question: User question

Address the specific question asked and focus on the patterns, trends and insights found in the reviews. Emphasise accuracy and relevance.
Always answer in the same language as the question.`

// Analyst answers one step at a time.
type Analyst struct {
	llm    llm.Completer
	logger *log.Logger
}

// New returns an Analyst backed by c.
func New(c llm.Completer) *Analyst {
	return &Analyst{llm: c, logger: log.New(log.Writer(), "[ANALYST] ", log.LstdFlags)}
}

// Step answers question from res. Steps that produced nothing are reported
// without a model call.
func (a *Analyst) Step(ctx context.Context, question string, res router.QueryResult) (string, error) {
	switch res.Kind {
	case router.KindSQL:
		if res.Error == router.NoDataAvailable {
			return router.NoDataAvailable, nil
		}
		return a.complete(ctx, sqlSystem, SQLMessage(question, res.Queries))
	case router.KindReviews:
		if len(res.Groups) == 0 {
			return nonEmpty(res.Error), nil
		}
		msg, err := ReviewMessage(question, res.Groups)
		if err != nil {
			return "", err
		}
		return a.complete(ctx, reviewSystem, msg)
	case router.KindPlot:
		return PlotSummary(res), nil
	default:
		return "", fmt.Errorf("analyst: unsupported result kind %q", res.Kind)
	}
}

func (a *Analyst) complete(ctx context.Context, system, user string) (string, error) {
	out, err := a.llm.Complete(ctx, []llm.Message{llm.System(system), llm.User(user)}, llm.CompleteOptions{})
	if err != nil {
		a.logger.Printf("completion failed: %v", err)
		return "", fmt.Errorf("analysis: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// SQLMessage lists every query with its result ahead of the question.
func SQLMessage(question string, answers []router.SQLAnswer) string {
	var b strings.Builder
	for _, ans := range answers {
		fmt.Fprintf(&b, "SQLQuery: %s\n", ans.Query)
		if ans.Error != "" {
			fmt.Fprintf(&b, "SQLResult: failed (%s)\n", ans.Error)
			continue
		}
		rows, _ := json.Marshal(ans.Rows)
		fmt.Fprintf(&b, "SQLResult: %s\n", rows)
		if ans.TotalRows > len(ans.Rows) {
			fmt.Fprintf(&b, "(showing %d of %d rows)\n", len(ans.Rows), ans.TotalRows)
		}
	}
	fmt.Fprintf(&b, "Question: %s", question)
	return b.String()
}

// ReviewMessage renders grouped reviews as JSON ahead of the question.
func ReviewMessage(question string, groups []router.ReviewGroup) (string, error) {
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(groups); err != nil {
		return "", err
	}
	return fmt.Sprintf("Reviews:\n%s\n\nQuestion: %s", strings.TrimSpace(buf.String()), question), nil
}

// PlotSummary describes which charts were produced.
func PlotSummary(res router.QueryResult) string {
	if len(res.Charts) == 0 {
		return nonEmpty(res.Error)
	}
	var made, failed []string
	for _, c := range res.Charts {
		if c.Error != "" {
			failed = append(failed, fmt.Sprintf("'%s' (%s)", c.Name, c.Error))
			continue
		}
		made = append(made, "'"+c.Name+"'")
	}
	var parts []string
	if len(made) > 0 {
		parts = append(parts, "The following plots have been created: ["+strings.Join(made, ", ")+"]")
	}
	if len(failed) > 0 {
		parts = append(parts, "Could not create: "+strings.Join(failed, ", "))
	}
	return strings.Join(parts, ". ")
}

func nonEmpty(s string) string {
	if s == "" {
		return router.NoDataAvailable
	}
	return s
}
