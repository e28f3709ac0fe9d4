// Package orchestrator runs one question-answering turn: metadata
// extraction, planning, step dispatch and per-step analysis.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/reviewqa/internal/llm"
	"github.com/mohammad-safakhou/reviewqa/internal/planner"
	"github.com/mohammad-safakhou/reviewqa/internal/review"
	"github.com/mohammad-safakhou/reviewqa/internal/router"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var orchestratorTracer trace.Tracer = otel.Tracer("reviewqa/internal/orchestrator")

// ErrNoQuestion is returned when the conversation has no user message.
var ErrNoQuestion = errors.New("conversation has no user question")

// State is the position of a turn in its lifecycle.
type State string

const (
	StateStart             State = "start"
	StateMetadataExtracted State = "metadata_extracted"
	StatePlanCreated       State = "plan_created"
	StateExecuting         State = "executing"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// StepRouter executes a single plan step.
type StepRouter interface {
	Route(ctx context.Context, step planner.PlanStep, md review.Metadata) (router.QueryResult, error)
}

// EntityResolver binds free-text references to canonical entities.
type EntityResolver interface {
	Resolve(ctx context.Context, queryText string, scope review.EntityKind) (review.Entity, error)
	ResolveAll(ctx context.Context, refs []string, scope review.EntityKind) ([]string, error)
}

// StepAnalyst writes the answer for one routed step.
type StepAnalyst interface {
	Step(ctx context.Context, question string, res router.QueryResult) (string, error)
}

// Catalog is the read side of the company table.
type Catalog interface {
	ListCompanies(ctx context.Context) ([]review.Company, error)
	Ping(ctx context.Context) error
}

// ErrNoCatalog is returned by Companies and Ready without a catalog.
var ErrNoCatalog = errors.New("orchestrator: no catalog configured")

// Deps are the collaborators of a turn. Analyst may be nil, which skips
// answer synthesis. Catalog is optional.
type Deps struct {
	MetadataLLM llm.Completer
	PlannerLLM  llm.Completer
	Router      StepRouter
	Resolver    EntityResolver
	Analyst     StepAnalyst
	Catalog     Catalog
	Logger      *log.Logger
	Now         func() time.Time
	// Closers are released by Close in reverse order.
	Closers []io.Closer
}

// Options bound a turn.
type Options struct {
	MaxPlanSteps int
}

// StepOutcome is one executed step and its answer.
type StepOutcome struct {
	Index  int                `json:"index"`
	Result router.QueryResult `json:"result"`
	Answer string             `json:"answer,omitempty"`
	// Error is set when the analyst failed. The routed result is kept.
	Error string `json:"error,omitempty"`
}

// TurnResult is everything a turn produced.
type TurnResult struct {
	ID       string             `json:"id"`
	State    State              `json:"state"`
	Question string             `json:"question"`
	Metadata review.Metadata    `json:"metadata"`
	Plan     []planner.PlanStep `json:"plan"`
	Steps    []StepOutcome      `json:"steps"`
	// Messages are the assistant messages to append to the conversation.
	Messages []llm.Message `json:"messages"`
	Duration time.Duration `json:"duration"`
}

// Orchestrator runs turns against a fixed set of collaborators.
type Orchestrator struct {
	opts        Options
	metadataLLM llm.Completer
	plannerLLM  llm.Completer
	router      StepRouter
	resolver    EntityResolver
	analyst     StepAnalyst
	catalog     Catalog
	logger      *log.Logger
	now         func() time.Time

	closeOnce sync.Once
	closers   []io.Closer
	closeErr  error
}

var (
	metricsOnce    sync.Once
	turnCounter    otelmetric.Int64Counter
	stepCounter    otelmetric.Int64Counter
	failureCounter otelmetric.Int64Counter
	sampledCounter otelmetric.Int64Counter
	metricsInitErr error
)

func initMetrics() {
	meter := otel.Meter("orchestrator")
	for _, c := range []struct {
		dst  *otelmetric.Int64Counter
		name string
	}{
		{&turnCounter, "turns_total"},
		{&stepCounter, "steps_total"},
		{&failureCounter, "step_failures_total"},
		{&sampledCounter, "sampled_reviews_total"},
	} {
		var err error
		if *c.dst, err = meter.Int64Counter(c.name); err != nil {
			metricsInitErr = err
			return
		}
	}
}

// New validates deps and returns an Orchestrator.
func New(opts Options, deps Deps) (*Orchestrator, error) {
	if deps.MetadataLLM == nil || deps.PlannerLLM == nil {
		return nil, errors.New("orchestrator: metadata and planner completers are required")
	}
	if deps.Router == nil {
		return nil, errors.New("orchestrator: router is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("orchestrator: resolver is required")
	}
	if opts.MaxPlanSteps <= 0 {
		opts.MaxPlanSteps = planner.DefaultMaxSteps
	}
	o := &Orchestrator{
		opts:        opts,
		metadataLLM: deps.MetadataLLM,
		plannerLLM:  deps.PlannerLLM,
		router:      deps.Router,
		resolver:    deps.Resolver,
		analyst:     deps.Analyst,
		catalog:     deps.Catalog,
		logger:      deps.Logger,
		now:         deps.Now,
		closers:     deps.Closers,
	}
	if o.logger == nil {
		o.logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	if o.now == nil {
		o.now = time.Now
	}
	metricsOnce.Do(initMetrics)
	if metricsInitErr != nil {
		o.logger.Printf("metrics disabled: %v", metricsInitErr)
	}
	return o, nil
}

// Close releases every client the orchestrator was built with.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		var errs []error
		for i := len(o.closers) - 1; i >= 0; i-- {
			if err := o.closers[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
		o.closeErr = errors.Join(errs...)
	})
	return o.closeErr
}

// Companies lists the canonical companies questions can name.
func (o *Orchestrator) Companies(ctx context.Context) ([]review.Company, error) {
	if o.catalog == nil {
		return nil, ErrNoCatalog
	}
	return o.catalog.ListCompanies(ctx)
}

// Ready reports whether the review store answers.
func (o *Orchestrator) Ready(ctx context.Context) error {
	if o.catalog == nil {
		return ErrNoCatalog
	}
	return o.catalog.Ping(ctx)
}

// Plan asks the planner model for a plan without running it.
func (o *Orchestrator) Plan(ctx context.Context, conversation []llm.Message) ([]planner.PlanStep, error) {
	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.plan")
	defer span.End()

	reply, err := o.plannerLLM.Complete(ctx, planner.Messages(conversation, o.opts.MaxPlanSteps), llm.CompleteOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("plan completion: %w", err)
	}
	steps, err := planner.ParsePlan(reply)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(steps) > o.opts.MaxPlanSteps {
		o.logger.Printf("plan has %d steps, keeping the first %d", len(steps), o.opts.MaxPlanSteps)
		steps = planner.Truncate(steps, o.opts.MaxPlanSteps)
	}
	span.SetAttributes(attribute.Int("plan.steps", len(steps)))
	return steps, nil
}

// Answer runs one turn over the conversation. Metadata and planning
// failures, unknown actions and cancellation end the turn with an error and
// no step output. Failures inside a step are annotated on its result.
func (o *Orchestrator) Answer(ctx context.Context, conversation []llm.Message) (TurnResult, error) {
	turn := TurnResult{ID: uuid.New().String(), State: StateStart, Question: llm.LastUser(conversation)}
	started := o.now()
	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.Answer", trace.WithAttributes(
		attribute.String("turn.id", turn.ID),
		attribute.Int("conversation.length", len(conversation)),
	))
	defer span.End()

	fail := func(err error) (TurnResult, error) {
		turn.State = StateFailed
		turn.Steps = nil
		turn.Messages = nil
		turn.Duration = o.now().Sub(started)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.count(ctx, turnCounter, attribute.String("state", string(StateFailed)))
		o.logger.Printf("turn %s failed: %v", turn.ID, err)
		return turn, err
	}

	if strings.TrimSpace(turn.Question) == "" {
		return fail(ErrNoQuestion)
	}

	mdCtx, mdSpan := orchestratorTracer.Start(ctx, "orchestrator.metadata")
	md, err := o.extractMetadata(mdCtx, conversation)
	mdSpan.End()
	if err != nil {
		return fail(fmt.Errorf("extract metadata: %w", err))
	}
	turn.Metadata = md
	turn.State = StateMetadataExtracted
	span.SetAttributes(
		attribute.StringSlice("metadata.companies", md.Companies),
		attribute.StringSlice("metadata.categories", md.Categories),
	)

	plan, err := o.Plan(ctx, conversation)
	if err != nil {
		return fail(fmt.Errorf("create plan: %w", err))
	}
	turn.Plan = plan
	turn.State = StatePlanCreated
	for _, step := range plan {
		if !step.Known() {
			return fail(&router.UnknownActionError{Action: step.RawAction})
		}
	}

	turn.State = StateExecuting
	turn.Steps = make([]StepOutcome, 0, len(plan))
	for i, step := range plan {
		out, err := o.runStep(ctx, i, step, turn.Question, md)
		if err != nil {
			return fail(fmt.Errorf("step %d (%s): %w", i+1, step.Action, err))
		}
		turn.Steps = append(turn.Steps, out)
		if out.Answer != "" {
			turn.Messages = append(turn.Messages, llm.Assistant(out.Answer))
		}
	}

	turn.State = StateDone
	turn.Duration = o.now().Sub(started)
	span.SetStatus(codes.Ok, "")
	o.count(ctx, turnCounter, attribute.String("state", string(StateDone)))
	o.logger.Printf("turn %s done: %d steps in %s", turn.ID, len(turn.Steps), turn.Duration)
	return turn, nil
}

func (o *Orchestrator) runStep(ctx context.Context, i int, step planner.PlanStep, question string, md review.Metadata) (StepOutcome, error) {
	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.step", trace.WithAttributes(
		attribute.Int("step.index", i),
		attribute.String("step.action", string(step.Action)),
	))
	defer span.End()
	action := attribute.String("action", string(step.Action))
	o.count(ctx, stepCounter, action)

	res, err := o.router.Route(ctx, step, md)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.count(ctx, failureCounter, action)
		return StepOutcome{}, err
	}
	out := StepOutcome{Index: i, Result: res}
	if res.Error != "" {
		o.count(ctx, failureCounter, action)
		o.logger.Printf("step %d %s: %s", i+1, step.Action, res.Error)
	}
	if res.Sampled && metricsInitErr == nil {
		n := 0
		for _, g := range res.Groups {
			n += len(g.Reviews)
		}
		sampledCounter.Add(ctx, int64(n), otelmetric.WithAttributes(action))
	}

	if o.analyst == nil {
		return out, nil
	}
	answer, err := o.analyst.Step(ctx, question, res)
	if err != nil {
		if ctx.Err() != nil {
			return StepOutcome{}, ctx.Err()
		}
		o.logger.Printf("analysis of step %d failed: %v", i+1, err)
		out.Error = err.Error()
		return out, nil
	}
	out.Answer = answer
	return out, nil
}

func (o *Orchestrator) count(ctx context.Context, c otelmetric.Int64Counter, attrs ...attribute.KeyValue) {
	if metricsInitErr != nil || c == nil {
		return
	}
	c.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
}
