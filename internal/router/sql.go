package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/mohammad-safakhou/reviewqa/internal/llm"
	"github.com/mohammad-safakhou/reviewqa/internal/planner"
	"github.com/mohammad-safakhou/reviewqa/internal/review"
	"github.com/mohammad-safakhou/reviewqa/internal/store"
	"golang.org/x/sync/errgroup"
)

// SQLStop ends generation before the model invents a result.
const SQLStop = "SQLResult:"

var sqlPrompt = template.Must(template.New("sql").Parse(`Given an input question, first create a syntactically correct PostgreSQL query to run, then look at the results of the query and return the answer.

Never query for all the columns from a specific table, only ask for the few relevant columns given the question.

Pay attention to use only the column names that you can see in the schema description. Be careful to not query for columns that do not exist.

Use the following format:

Question: "Question here"
SQLQuery: "SQL Query to run"
SQLResult: "Result of the SQLQuery"
Answer: "Final answer here"

Use the table review, where each row is a review along with the review rating and category. Each company has multiple reviews. The table review has the following columns:

rating: integer. The rating of the review on a scale from 1 to 5.
timestamp: timestamp. The time the review was written.
category: integer. The review category: {{.Categories}}.
company: text. The company that the review is about.
company_id: integer. References company(id).

The table company has the columns id, name and country ({{.Countries}}).

{{if .Filters -}}
Add the following filters to the query:
{{.Filters}}

{{end -}}
{{if .DateFilter -}}
Add the following date filter to the query:
{{.DateFilter}}

{{end -}}
Question: {{.Question}}
SQLQuery:`))

type sqlPromptData struct {
	Categories string
	Countries  string
	Filters    string
	DateFilter string
	Question   string
}

// RenderSQLPrompt builds the query-writing prompt for one question.
func RenderSQLPrompt(question string, md review.Metadata) (string, error) {
	cats := make([]string, 0, len(review.Categories()))
	for i, c := range review.Categories() {
		cats = append(cats, fmt.Sprintf("%d = '%s'", i, c))
	}
	data := sqlPromptData{
		Categories: strings.Join(cats, ", "),
		Countries:  strings.Join(review.Countries, ", "),
		Filters:    filterClause(md),
		DateFilter: dateFilter(md),
		Question:   question,
	}
	var buf bytes.Buffer
	if err := sqlPrompt.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func filterClause(md review.Metadata) string {
	var parts []string
	if len(md.Companies) > 0 {
		quoted := make([]string, len(md.Companies))
		for i, c := range md.Companies {
			quoted[i] = quoteLiteral(c)
		}
		parts = append(parts, "company IN ("+strings.Join(quoted, ", ")+")")
	}
	var codes []string
	for _, c := range md.Categories {
		if code, ok := review.CategoryCode(c); ok {
			codes = append(codes, strconv.Itoa(code))
		}
	}
	if len(codes) > 0 {
		parts = append(parts, "category IN ("+strings.Join(codes, ", ")+")")
	}
	return strings.Join(parts, " AND ")
}

func dateFilter(md review.Metadata) string {
	const layout = "2006-01-02"
	switch {
	case md.StartDate != nil && md.EndDate != nil:
		return fmt.Sprintf("timestamp BETWEEN '%s' AND '%s'", md.StartDate.Format(layout), md.EndDate.Format(layout))
	case md.StartDate != nil:
		return fmt.Sprintf("timestamp >= '%s'", md.StartDate.Format(layout))
	case md.EndDate != nil:
		return fmt.Sprintf("timestamp <= '%s'", md.EndDate.Format(layout))
	}
	return ""
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// CleanSQL strips fences, echoed labels and wrapping quotes from a
// generated query.
func CleanSQL(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.Contains(s[:nl], " ") {
			s = s[nl+1:]
		}
		if i := strings.Index(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "SQLQuery:")
	if i := strings.Index(s, SQLStop); i >= 0 {
		s = s[:i]
	}
	return strings.Trim(s, " \"\n\r\t")
}

func (r *Router) routeSQL(ctx context.Context, step planner.PlanStep, md review.Metadata) (QueryResult, error) {
	answers := make([]SQLAnswer, len(step.Payload))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxParallel)
	for i, q := range step.Payload {
		i, q := i, q
		g.Go(func() error {
			ans, err := r.answerSQL(gctx, q, md)
			if err != nil {
				return err
			}
			answers[i] = ans
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return QueryResult{}, err
	}

	res := QueryResult{Kind: KindSQL, Queries: answers}
	failed := 0
	for _, a := range answers {
		if a.Error != "" {
			failed++
		}
	}
	if failed == len(answers) && failed > 0 {
		res.Error = NoDataAvailable
	}
	return res, nil
}

// answerSQL only returns an error when ctx is done. Other failures are
// recorded on the answer.
func (r *Router) answerSQL(ctx context.Context, question string, md review.Metadata) (SQLAnswer, error) {
	ans := SQLAnswer{Question: question, Rows: []map[string]string{}}
	prompt, err := RenderSQLPrompt(question, md)
	if err != nil {
		ans.Error = err.Error()
		return ans, nil
	}
	out, err := r.sqlLLM.Complete(ctx, []llm.Message{llm.User(prompt)}, llm.CompleteOptions{Stop: []string{SQLStop}})
	if err != nil {
		if ctx.Err() != nil {
			return ans, ctx.Err()
		}
		r.logger.Printf("sql generation failed for %q: %v", question, err)
		ans.Error = "query generation failed: " + err.Error()
		return ans, nil
	}
	ans.Query = CleanSQL(out)

	table, err := r.store.ExecuteStructuredQuery(ctx, ans.Query)
	if err != nil {
		if ctx.Err() != nil {
			return ans, ctx.Err()
		}
		var invalid *store.InvalidQueryError
		if errors.As(err, &invalid) {
			r.logger.Printf("invalid generated query %q: %v", ans.Query, invalid.Err)
			ans.Error = "Invalid SQL query"
		} else {
			r.logger.Printf("query failed: %v", err)
			ans.Error = "query failed: " + err.Error()
		}
		return ans, nil
	}
	ans.Columns = table.Columns
	ans.TotalRows = len(table.Rows)
	rows := table.Rows
	if len(rows) > r.cfg.SQLRowCap {
		rows = rows[:r.cfg.SQLRowCap]
	}
	ans.Rows = rows
	return ans, nil
}
