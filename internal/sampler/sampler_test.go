package sampler

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/reviewqa/internal/review"
)

// fixedEstimator counts whitespace separated words.
type fixedEstimator struct{}

func (fixedEstimator) Estimate(text, _ string) int { return len(strings.Fields(text)) }

func population(n int, share float64, content string) []review.Review {
	out := make([]review.Review, n)
	cut := int(float64(n) * share)
	for i := range out {
		cat := review.CategoryCustomerService
		if i >= cut {
			cat = review.CategoryFeesInterest
		}
		out[i] = review.Review{ID: fmt.Sprintf("r%d", i), Company: "Danske Bank", Category: cat, Rating: 1 + i%5, Content: content}
	}
	return out
}

func newTestSampler(seed int64, opts ...Option) *Sampler {
	base := []Option{WithEstimator(fixedEstimator{}), WithRand(rand.New(rand.NewSource(seed)))}
	return New(append(base, opts...)...)
}

func TestSampleSizeMatchesTarget(t *testing.T) {
	records := population(1000, 0.5, "one two three four five")
	s := newTestSampler(7)
	res := s.Sample(records, 500)
	if res.TargetCount != 100 {
		t.Fatalf("expected target 100, got %d", res.TargetCount)
	}
	if len(res.Records) != 100 || len(res.Weights) != 100 {
		t.Fatalf("expected 100 records, got %d (weights %d)", len(res.Records), len(res.Weights))
	}
	if !res.Sampled {
		t.Fatalf("expected sampled result")
	}
	seen := make(map[string]bool)
	for _, r := range res.Records {
		if seen[r.ID] {
			t.Fatalf("record %s drawn twice", r.ID)
		}
		seen[r.ID] = true
	}
}

func TestSampleIdentityWhenBudgetCoversAll(t *testing.T) {
	records := population(50, 0.5, "short review")
	s := newTestSampler(1)
	res := s.Sample(records, 10000)
	if res.Sampled {
		t.Fatalf("no sampling expected")
	}
	if len(res.Records) != len(records) || &res.Records[0] != &records[0] {
		t.Fatalf("expected the input slice back unchanged")
	}
	for i := range records {
		if res.Records[i].ID != fmt.Sprintf("r%d", i) {
			t.Fatalf("order changed at %d", i)
		}
	}
}

func TestSamplePreservesStratumProportions(t *testing.T) {
	records := population(1000, 0.7, "ten words of review text that is fairly typical here")
	for seed := int64(1); seed <= 3; seed++ {
		s := newTestSampler(seed)
		res := s.Sample(records, 2000)
		if len(res.Records) != 200 {
			t.Fatalf("seed %d: expected 200 records, got %d", seed, len(res.Records))
		}
		major := 0
		for _, r := range res.Records {
			if r.Category == review.CategoryCustomerService {
				major++
			}
		}
		share := float64(major) / float64(len(res.Records))
		if share < 0.6 || share > 0.8 {
			t.Fatalf("seed %d: majority stratum share %.2f outside 0.70±0.10", seed, share)
		}
	}
}

func TestSampleNeverEmptyForPositiveBudget(t *testing.T) {
	records := population(20, 0.5, strings.Repeat("word ", 100))
	s := newTestSampler(3)
	res := s.Sample(records, 1)
	if len(res.Records) != 1 {
		t.Fatalf("expected a single record when budget is below one review, got %d", len(res.Records))
	}
}

func TestSampleZeroTokenContentUsesFloor(t *testing.T) {
	records := population(50, 0.5, "")
	s := newTestSampler(4)
	res := s.Sample(records, 10)
	if res.AvgTokens != 1 {
		t.Fatalf("expected avg floor of 1, got %.2f", res.AvgTokens)
	}
	if len(res.Records) != 10 {
		t.Fatalf("expected 10 records, got %d", len(res.Records))
	}
}

func TestSampleEmptyInputs(t *testing.T) {
	s := newTestSampler(5)
	if res := s.Sample(nil, 100); len(res.Records) != 0 {
		t.Fatalf("empty input should give empty output")
	}
	if res := s.Sample(population(5, 0.5, "x"), 0); len(res.Records) != 0 {
		t.Fatalf("zero budget should give empty output")
	}
}

func TestSamplePilotBounded(t *testing.T) {
	calls := 0
	est := countingEstimator{calls: &calls}
	s := New(WithEstimator(est), WithRand(rand.New(rand.NewSource(1))), WithPilotSize(30))
	s.Sample(population(100, 0.5, "a b"), 10)
	if calls != 30 {
		t.Fatalf("expected 30 pilot estimates, got %d", calls)
	}
}

func TestPilotIndicesDistinct(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, tc := range []struct{ total, n int }{{1_000_000, 300}, {10, 10}, {5, 0}} {
		got := pilotIndices(rng, tc.total, tc.n)
		if len(got) != tc.n {
			t.Fatalf("total %d: expected %d indices, got %d", tc.total, tc.n, len(got))
		}
		seen := make(map[int]bool, len(got))
		for _, i := range got {
			if i < 0 || i >= tc.total || seen[i] {
				t.Fatalf("total %d: bad or repeated index %d", tc.total, i)
			}
			seen[i] = true
		}
	}
}

type countingEstimator struct{ calls *int }

func (c countingEstimator) Estimate(text, _ string) int {
	*c.calls++
	return len(strings.Fields(text))
}

func TestRecordWeightedMode(t *testing.T) {
	records := population(400, 0.75, "a b c d e")
	s := newTestSampler(9, WithMode(RecordWeighted))
	res := s.Sample(records, 250)
	if len(res.Records) != 50 {
		t.Fatalf("expected 50 records, got %d", len(res.Records))
	}
	for i, w := range res.Weights {
		want := 0.75
		if res.Records[i].Category == review.CategoryFeesInterest {
			want = 0.25
		}
		if w != want {
			t.Fatalf("record %s has weight %.2f, want %.2f", res.Records[i].ID, w, want)
		}
	}
}

func TestFrequencies(t *testing.T) {
	records := []review.Review{
		{Company: "A", Category: "x", SimilarityQuery: "q1"},
		{Company: "A", Category: "x", SimilarityQuery: "q1"},
		{Company: "A", Category: "x", SimilarityQuery: "q2"},
		{Company: "B", Category: "x"},
	}
	freq := Frequencies(records)
	if len(freq) != 3 {
		t.Fatalf("expected 3 strata, got %d", len(freq))
	}
	if freq[Stratum{Company: "A", Category: "x", SimilarityQuery: "q1"}] != 0.5 {
		t.Fatalf("unexpected frequency map %+v", freq)
	}
}
