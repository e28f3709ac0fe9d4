package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/reviewqa/internal/llm"
	"github.com/mohammad-safakhou/reviewqa/internal/planner"
	"github.com/mohammad-safakhou/reviewqa/internal/review"
	"github.com/mohammad-safakhou/reviewqa/internal/router"
)

type replyLLM struct {
	reply string
	err   error
	calls int
	last  []llm.Message
}

func (s *replyLLM) Complete(_ context.Context, msgs []llm.Message, _ llm.CompleteOptions) (string, error) {
	s.calls++
	s.last = msgs
	return s.reply, s.err
}

type stubResolver struct {
	names    map[string]string
	resolved []string
}

func (s *stubResolver) Resolve(_ context.Context, q string, scope review.EntityKind) (review.Entity, error) {
	s.resolved = append(s.resolved, string(scope)+":"+q)
	name, ok := s.names[strings.ToLower(q)]
	if !ok {
		name = q
	}
	return review.Entity{Name: name, Kind: scope}, nil
}

func (s *stubResolver) ResolveAll(ctx context.Context, refs []string, scope review.EntityKind) ([]string, error) {
	var out []string
	for _, r := range refs {
		e, err := s.Resolve(ctx, r, scope)
		if err != nil {
			return nil, err
		}
		out = append(out, e.Name)
	}
	return out, nil
}

type stubRouter struct {
	steps   []planner.PlanStep
	md      review.Metadata
	results map[planner.Action]router.QueryResult
	err     error
}

func (s *stubRouter) Route(_ context.Context, step planner.PlanStep, md review.Metadata) (router.QueryResult, error) {
	s.steps = append(s.steps, step)
	s.md = md
	if s.err != nil {
		return router.QueryResult{}, s.err
	}
	res := s.results[step.Action]
	res.Step = step
	return res, nil
}

type stubAnalyst struct {
	failOn router.Kind
}

func (s *stubAnalyst) Step(_ context.Context, question string, res router.QueryResult) (string, error) {
	if res.Kind == s.failOn {
		return "", errors.New("model unavailable")
	}
	return string(res.Kind) + " answer to " + question, nil
}

type recordCloser struct {
	name  string
	order *[]string
}

func (c recordCloser) Close() error {
	*c.order = append(*c.order, c.name)
	return nil
}

const danskeMetadata = `Sure: {"companies": ["danske"], "start_date": "2023-01-01", "end_date": "", "categories": ["customer service"]}`

func fixedNow() time.Time { return time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC) }

func newTestOrchestrator(t *testing.T, meta, plan *replyLLM, rt *stubRouter, an StepAnalyst, maxSteps int) (*Orchestrator, *stubResolver) {
	t.Helper()
	res := &stubResolver{names: map[string]string{"danske": "Danske Bank", "fees": "fees and interest rates"}}
	deps := Deps{
		MetadataLLM: meta,
		PlannerLLM:  plan,
		Router:      rt,
		Resolver:    res,
		Analyst:     an,
		Logger:      log.New(io.Discard, "", 0),
		Now:         fixedNow,
	}
	o, err := New(Options{MaxPlanSteps: maxSteps}, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, res
}

func question(q string) []llm.Message { return []llm.Message{llm.User(q)} }

func TestAnswerRunsStepsInPlanOrder(t *testing.T) {
	meta := &replyLLM{reply: danskeMetadata}
	plan := &replyLLM{reply: `["SQL: ['Average rating?']", "PLOT: ['ratings piechart for single company']"]`}
	rt := &stubRouter{results: map[planner.Action]router.QueryResult{
		planner.ActionSQL: {
			Kind:    router.KindSQL,
			Queries: []router.SQLAnswer{{Question: "Average rating?", Query: "SELEC", Error: "Invalid SQL query"}},
			Error:   router.NoDataAvailable,
		},
		planner.ActionPlot: {
			Kind:   router.KindPlot,
			Charts: []router.ChartData{{Name: string(planner.ChartRatingsPie)}},
		},
	}}
	o, _ := newTestOrchestrator(t, meta, plan, rt, &stubAnalyst{}, 0)

	turn, err := o.Answer(context.Background(), question("Hvordan er Danske Banks rating?"))
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if turn.State != StateDone {
		t.Fatalf("expected done, got %s", turn.State)
	}
	if turn.ID == "" {
		t.Fatalf("expected turn id")
	}
	if len(rt.steps) != 2 || rt.steps[0].Action != planner.ActionSQL || rt.steps[1].Action != planner.ActionPlot {
		t.Fatalf("unexpected dispatch order %#v", rt.steps)
	}
	if len(turn.Steps) != 2 || turn.Steps[0].Result.Error != router.NoDataAvailable {
		t.Fatalf("expected annotated SQL step, got %#v", turn.Steps)
	}
	if len(turn.Steps[1].Result.Charts) != 1 {
		t.Fatalf("expected plot output after failed SQL step")
	}
	if len(turn.Messages) != 2 || turn.Messages[0].Role != llm.RoleAssistant {
		t.Fatalf("expected two assistant messages, got %#v", turn.Messages)
	}
	if got := rt.md.Companies; len(got) != 1 || got[0] != "Danske Bank" {
		t.Fatalf("unexpected companies %v", got)
	}
	if rt.md.StartDate == nil || !rt.md.StartDate.Equal(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start date %v", rt.md.StartDate)
	}
	if rt.md.EndDate != nil {
		t.Fatalf("expected no end date, got %v", rt.md.EndDate)
	}
	if got := rt.md.Categories; len(got) != 1 || got[0] != review.CategoryCustomerService {
		t.Fatalf("unexpected categories %v", got)
	}
	if !strings.Contains(meta.last[0].Content, "2024-05-17") {
		t.Fatalf("metadata prompt missing current date")
	}
}

func TestAnswerUnknownActionIsFatal(t *testing.T) {
	meta := &replyLLM{reply: `{"companies": []}`}
	plan := &replyLLM{reply: `["SQL: ['How many reviews?']", "DANCE: ['tango']"]`}
	rt := &stubRouter{}
	o, _ := newTestOrchestrator(t, meta, plan, rt, &stubAnalyst{}, 0)

	turn, err := o.Answer(context.Background(), question("How many reviews?"))
	var unknown *router.UnknownActionError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownActionError, got %v", err)
	}
	if unknown.Action != "DANCE" {
		t.Fatalf("unexpected action %q", unknown.Action)
	}
	if len(rt.steps) != 0 {
		t.Fatalf("no step should run, router saw %d", len(rt.steps))
	}
	if turn.State != StateFailed || turn.Steps != nil || turn.Messages != nil {
		t.Fatalf("expected failed turn without output, got %#v", turn)
	}
}

func TestAnswerNumberedUnknownActionIsFatal(t *testing.T) {
	meta := &replyLLM{reply: `{"companies": []}`}
	plan := &replyLLM{reply: "1. SUMMARIZE: ['all reviews']"}
	rt := &stubRouter{}
	o, _ := newTestOrchestrator(t, meta, plan, rt, &stubAnalyst{}, 0)

	_, err := o.Answer(context.Background(), question("Summarize everything"))
	var unknown *router.UnknownActionError
	if !errors.As(err, &unknown) || unknown.Action != "SUMMARIZE" {
		t.Fatalf("expected UnknownActionError for SUMMARIZE, got %v", err)
	}
	if len(rt.steps) != 0 {
		t.Fatalf("no step should run, router saw %d", len(rt.steps))
	}
}

func TestAnswerRejectsInvalidMetadata(t *testing.T) {
	meta := &replyLLM{reply: `{"companies": "Lunar"}`}
	plan := &replyLLM{reply: `[]`}
	o, _ := newTestOrchestrator(t, meta, plan, &stubRouter{}, nil, 0)

	turn, err := o.Answer(context.Background(), question("Hvad synes folk om Lunar?"))
	if err == nil || !strings.Contains(err.Error(), "invalid metadata") {
		t.Fatalf("expected schema error, got %v", err)
	}
	if plan.calls != 0 {
		t.Fatalf("planner should not be called")
	}
	if turn.State != StateFailed {
		t.Fatalf("expected failed state, got %s", turn.State)
	}
}

func TestAnswerMetadataWithoutJSON(t *testing.T) {
	meta := &replyLLM{reply: "I cannot help with that."}
	o, _ := newTestOrchestrator(t, meta, &replyLLM{}, &stubRouter{}, nil, 0)
	_, err := o.Answer(context.Background(), question("?"))
	if !errors.Is(err, ErrNoMetadata) {
		t.Fatalf("expected ErrNoMetadata, got %v", err)
	}
}

func TestAnswerPlanParseErrorIsFatal(t *testing.T) {
	meta := &replyLLM{reply: `{"companies": []}`}
	plan := &replyLLM{reply: "I would look at the ratings first."}
	rt := &stubRouter{}
	o, _ := newTestOrchestrator(t, meta, plan, rt, nil, 0)

	_, err := o.Answer(context.Background(), question("Which bank is best?"))
	var pe *planner.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if len(rt.steps) != 0 {
		t.Fatalf("router should not run")
	}
}

func TestAnswerEmptyPlan(t *testing.T) {
	meta := &replyLLM{reply: `{"companies": []}`}
	plan := &replyLLM{reply: "[]"}
	o, _ := newTestOrchestrator(t, meta, plan, &stubRouter{}, nil, 0)

	turn, err := o.Answer(context.Background(), question("Hej"))
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if turn.State != StateDone || len(turn.Steps) != 0 {
		t.Fatalf("expected empty done turn, got %#v", turn)
	}
}

func TestAnswerTruncatesLongPlans(t *testing.T) {
	meta := &replyLLM{reply: `{"companies": []}`}
	plan := &replyLLM{reply: `["SQL: ['a']", "SQL: ['b']", "SQL: ['c']"]`}
	rt := &stubRouter{results: map[planner.Action]router.QueryResult{planner.ActionSQL: {Kind: router.KindSQL}}}
	o, _ := newTestOrchestrator(t, meta, plan, rt, nil, 2)

	turn, err := o.Answer(context.Background(), question("abc"))
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(turn.Plan) != 2 || len(rt.steps) != 2 {
		t.Fatalf("expected plan truncated to 2, got plan=%d routed=%d", len(turn.Plan), len(rt.steps))
	}
	if !strings.Contains(plan.last[0].Content, "at most 2 steps") {
		t.Fatalf("planner prompt should carry the step limit: %q", plan.last[0].Content)
	}
}

func TestAnswerResolvesLooseCategories(t *testing.T) {
	meta := &replyLLM{reply: `{"companies": [], "start_date": null, "categories": ["Fees", "fees", "counseling"]}`}
	plan := &replyLLM{reply: `["SQL: ['a']"]`}
	rt := &stubRouter{results: map[planner.Action]router.QueryResult{planner.ActionSQL: {Kind: router.KindSQL}}}
	o, res := newTestOrchestrator(t, meta, plan, rt, nil, 0)

	if _, err := o.Answer(context.Background(), question("gebyrer?")); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	want := []string{review.CategoryFeesInterest, review.CategoryCounseling}
	if got := rt.md.Categories; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unexpected categories %v", got)
	}
	for _, r := range res.resolved {
		if r == "category:counseling" {
			t.Fatalf("exact label should not be resolved")
		}
	}
	if rt.md.StartDate != nil {
		t.Fatalf("null start date should stay unset")
	}
}

func TestAnswerKeepsGoingWhenAnalysisFails(t *testing.T) {
	meta := &replyLLM{reply: `{"companies": []}`}
	plan := &replyLLM{reply: `["ANALYSE_REVIEWS: ['slow app']", "SQL: ['count']"]`}
	rt := &stubRouter{results: map[planner.Action]router.QueryResult{
		planner.ActionAnalyseReviews: {Kind: router.KindReviews, Groups: []router.ReviewGroup{{Company: "Lunar", Reviews: []string{"slow"}}}},
		planner.ActionSQL:            {Kind: router.KindSQL},
	}}
	o, _ := newTestOrchestrator(t, meta, plan, rt, &stubAnalyst{failOn: router.KindReviews}, 0)

	turn, err := o.Answer(context.Background(), question("Why is the app slow?"))
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if turn.Steps[0].Error == "" || turn.Steps[0].Answer != "" {
		t.Fatalf("expected annotated analysis failure, got %#v", turn.Steps[0])
	}
	if len(turn.Steps[0].Result.Groups) != 1 {
		t.Fatalf("routed result should be kept")
	}
	if len(turn.Messages) != 1 || !strings.HasPrefix(turn.Messages[0].Content, "sql answer") {
		t.Fatalf("unexpected messages %#v", turn.Messages)
	}
}

func TestAnswerRouterErrorIsFatal(t *testing.T) {
	meta := &replyLLM{reply: `{"companies": []}`}
	plan := &replyLLM{reply: `["SQL: ['a']"]`}
	rt := &stubRouter{err: context.DeadlineExceeded}
	o, _ := newTestOrchestrator(t, meta, plan, rt, nil, 0)

	turn, err := o.Answer(context.Background(), question("a"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if turn.Steps != nil {
		t.Fatalf("expected no partial output")
	}
}

func TestAnswerWithoutQuestion(t *testing.T) {
	meta := &replyLLM{reply: `{}`}
	o, _ := newTestOrchestrator(t, meta, &replyLLM{}, &stubRouter{}, nil, 0)
	_, err := o.Answer(context.Background(), []llm.Message{llm.Assistant("Hello")})
	if !errors.Is(err, ErrNoQuestion) {
		t.Fatalf("expected ErrNoQuestion, got %v", err)
	}
	if meta.calls != 0 {
		t.Fatalf("metadata model should not be called")
	}
}

func TestParseMetadataSkipsLeadingBraces(t *testing.T) {
	raw, err := ParseMetadata("use {braces} like this: {\"companies\": [\"Lunar\"], \"end_date\": \"2024-02-01\"}")
	if err != nil {
		t.Fatalf("ParseMetadata: %v", err)
	}
	if len(raw.Companies) != 1 || raw.Companies[0] != "Lunar" {
		t.Fatalf("unexpected companies %v", raw.Companies)
	}
	if raw.EndDate == nil || *raw.EndDate != "2024-02-01" {
		t.Fatalf("unexpected end date %v", raw.EndDate)
	}
}

func TestMetadataPromptListsCategories(t *testing.T) {
	p := MetadataPrompt(fixedNow())
	for _, c := range []string{review.CategoryCustomerService, review.CategoryFeesInterest} {
		if !strings.Contains(p, "'"+c+"'") {
			t.Fatalf("prompt missing category %q", c)
		}
	}
	if strings.Contains(p, "'"+review.CategoryOther+"'") {
		t.Fatalf("prompt should not offer the fallback category")
	}
}

func TestCloseReleasesInReverseOrderOnce(t *testing.T) {
	var order []string
	o, err := New(Options{}, Deps{
		MetadataLLM: &replyLLM{},
		PlannerLLM:  &replyLLM{},
		Router:      &stubRouter{},
		Resolver:    &stubResolver{},
		Logger:      log.New(io.Discard, "", 0),
		Closers:     []io.Closer{recordCloser{"embedder", &order}, recordCloser{"store", &order}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = o.Close()
	if strings.Join(order, ",") != "store,embedder" {
		t.Fatalf("unexpected close order %v", order)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}, Deps{}); err == nil {
		t.Fatalf("expected error for missing collaborators")
	}
}

type stubCatalog struct{ pinged bool }

func (s *stubCatalog) ListCompanies(context.Context) ([]review.Company, error) {
	return []review.Company{{ID: 1, Name: "Danske Bank"}}, nil
}

func (s *stubCatalog) Ping(context.Context) error {
	s.pinged = true
	return nil
}

func TestCatalogDelegation(t *testing.T) {
	base := Deps{
		MetadataLLM: &replyLLM{},
		PlannerLLM:  &replyLLM{},
		Router:      &stubRouter{},
		Resolver:    &stubResolver{},
		Logger:      log.New(io.Discard, "", 0),
	}
	o, err := New(Options{}, base)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := o.Companies(context.Background()); !errors.Is(err, ErrNoCatalog) {
		t.Fatalf("expected ErrNoCatalog, got %v", err)
	}

	cat := &stubCatalog{}
	base.Catalog = cat
	o, err = New(Options{}, base)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	list, err := o.Companies(context.Background())
	if err != nil || len(list) != 1 || list[0].Name != "Danske Bank" {
		t.Fatalf("unexpected companies %v %v", list, err)
	}
	if err := o.Ready(context.Background()); err != nil || !cat.pinged {
		t.Fatalf("expected ping through catalog, err=%v", err)
	}
}
