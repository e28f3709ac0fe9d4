// Package router dispatches plan steps to the store and aggregates what
// comes back.
package router

import (
	"context"
	"fmt"
	"log"

	"github.com/mohammad-safakhou/reviewqa/internal/llm"
	"github.com/mohammad-safakhou/reviewqa/internal/planner"
	"github.com/mohammad-safakhou/reviewqa/internal/review"
	"github.com/mohammad-safakhou/reviewqa/internal/sampler"
	"github.com/mohammad-safakhou/reviewqa/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// NoDataAvailable annotates steps whose filters matched nothing.
const NoDataAvailable = "No data available"

// Kind tags which branch of QueryResult is populated.
type Kind string

const (
	KindSQL     Kind = "sql"
	KindReviews Kind = "reviews"
	KindPlot    Kind = "plot"
)

// SQLAnswer is one generated query and its (capped) result.
type SQLAnswer struct {
	Question  string              `json:"question"`
	Query     string              `json:"query"`
	Columns   []string            `json:"columns,omitempty"`
	Rows      []map[string]string `json:"rows"`
	TotalRows int                 `json:"total_rows"`
	Error     string              `json:"error,omitempty"`
}

// ReviewGroup holds sampled review texts sharing a stratum.
type ReviewGroup struct {
	Company         string   `json:"company"`
	Category        string   `json:"category"`
	SimilarityQuery string   `json:"similarity_query,omitempty"`
	Reviews         []string `json:"reviews"`
}

// QueryResult is the outcome of one routed step.
type QueryResult struct {
	Kind Kind             `json:"kind"`
	Step planner.PlanStep `json:"step"`

	Queries []SQLAnswer `json:"queries,omitempty"`

	Groups      []ReviewGroup `json:"groups,omitempty"`
	Population  int           `json:"population,omitempty"`
	TargetCount int           `json:"target_count,omitempty"`
	Sampled     bool          `json:"sampled,omitempty"`

	Charts []ChartData `json:"charts,omitempty"`

	// Error annotates a recovered failure. The step still counts as done.
	Error string `json:"error,omitempty"`
}

// UnknownActionError is returned for steps outside the supported actions.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unexpected action: %q", e.Action)
}

// Store is the read side the router needs.
type Store interface {
	ExecuteStructuredQuery(ctx context.Context, query string) (store.Table, error)
	FetchReviews(ctx context.Context, f store.ReviewFilter) ([]review.Review, error)
	FetchRatings(ctx context.Context, f store.ReviewFilter) ([]review.Review, error)
}

// Sampler trims retrieved reviews to a token budget.
type Sampler interface {
	Sample(records []review.Review, tokenBudget int) sampler.Result
}

// Config bounds the work done per step.
type Config struct {
	TokenBudget int
	FetchBudget int
	SQLRowCap   int
	MaxParallel int
}

func (c *Config) normalize() {
	if c.TokenBudget <= 0 {
		c.TokenBudget = 5000
	}
	if c.FetchBudget <= 0 {
		c.FetchBudget = 150
	}
	if c.SQLRowCap <= 0 {
		c.SQLRowCap = 20
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
}

// Router executes plan steps.
type Router struct {
	store    Store
	sqlLLM   llm.Completer
	embedder llm.Embedder
	sampler  Sampler
	cfg      Config
	logger   *log.Logger
}

// Option configures a Router.
type Option func(*Router)

func WithLogger(l *log.Logger) Option { return func(r *Router) { r.logger = l } }

// WithSampler replaces the default sampler.
func WithSampler(s Sampler) Option { return func(r *Router) { r.sampler = s } }

// New builds a Router. sqlLLM writes queries for SQL steps and embedder
// vectorises ANALYSE_REVIEWS sub-queries.
func New(st Store, sqlLLM llm.Completer, embedder llm.Embedder, cfg Config, opts ...Option) *Router {
	cfg.normalize()
	r := &Router{
		store:    st,
		sqlLLM:   sqlLLM,
		embedder: embedder,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
	}
	for _, o := range opts {
		o(r)
	}
	if r.sampler == nil {
		r.sampler = sampler.New()
	}
	return r
}

// Route executes one step against the metadata filters. Only unknown
// actions and context cancellation are returned as errors. Data and
// generation failures are carried in the result annotations.
func (r *Router) Route(ctx context.Context, step planner.PlanStep, md review.Metadata) (QueryResult, error) {
	ctx, span := otel.Tracer("reviewqa/internal/router").Start(ctx, "router.Route")
	defer span.End()
	span.SetAttributes(
		attribute.String("action", string(step.Action)),
		attribute.Int("payload.size", len(step.Payload)),
	)

	var (
		res QueryResult
		err error
	)
	switch step.Action {
	case planner.ActionSQL:
		res, err = r.routeSQL(ctx, step, md)
	case planner.ActionAnalyseReviews:
		res, err = r.routeReviews(ctx, step, md)
	case planner.ActionPlot:
		res, err = r.routePlot(ctx, step, md)
	default:
		action := step.RawAction
		if action == "" {
			action = string(step.Action)
		}
		err = &UnknownActionError{Action: action}
	}
	if err != nil {
		span.RecordError(err)
		return QueryResult{}, err
	}
	res.Step = step
	if res.Error != "" {
		span.SetAttributes(attribute.String("annotation", res.Error))
	}
	return res, nil
}

func filterFor(md review.Metadata) store.ReviewFilter {
	return store.ReviewFilter{
		Companies:  md.Companies,
		Categories: md.Categories,
		Start:      md.StartDate,
		End:        md.EndDate,
	}
}
