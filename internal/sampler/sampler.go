// Package sampler selects a token-budgeted subset of reviews that keeps the
// company, category and similarity-query mix of the full population.
package sampler

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/reviewqa/internal/review"
	"github.com/mohammad-safakhou/reviewqa/internal/tokens"
)

// DefaultPilotSize bounds the number of records used to estimate tokens.
const DefaultPilotSize = 300

// Estimator estimates token counts. *tokens.Estimator satisfies it.
type Estimator interface {
	Estimate(text, modelProfile string) int
}

// Mode selects how stratum weights drive the draw.
type Mode int

const (
	// StratumDraw picks a stratum with probability proportional to its
	// weight on every draw, then a uniformly random unused record from it.
	StratumDraw Mode = iota
	// RecordWeighted gives every record its stratum weight and draws records
	// directly, weighted, without replacement. Large strata end up
	// over-represented relative to the population.
	RecordWeighted
)

// Stratum identifies a sampling bucket.
type Stratum struct {
	Company         string `json:"company"`
	Category        string `json:"category"`
	SimilarityQuery string `json:"similarity_query,omitempty"`
}

// KeyOf returns the stratum of a review.
func KeyOf(r review.Review) Stratum {
	return Stratum{Company: r.Company, Category: r.Category, SimilarityQuery: r.SimilarityQuery}
}

// Result is the sampled corpus with the weight that applied to each record.
type Result struct {
	Records     []review.Review `json:"records"`
	Weights     []float64       `json:"weights"`
	AvgTokens   float64         `json:"avg_tokens"`
	TargetCount int             `json:"target_count"`
	Sampled     bool            `json:"sampled"`
}

// Sampler holds the sampling parameters. The zero value is not usable; use New.
type Sampler struct {
	est       Estimator
	profile   string
	pilotSize int
	mode      Mode

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Sampler.
type Option func(*Sampler)

func WithEstimator(e Estimator) Option { return func(s *Sampler) { s.est = e } }

func WithModelProfile(p string) Option { return func(s *Sampler) { s.profile = p } }

func WithPilotSize(n int) Option {
	return func(s *Sampler) {
		if n > 0 {
			s.pilotSize = n
		}
	}
}

func WithMode(m Mode) Option { return func(s *Sampler) { s.mode = m } }

// WithRand makes sampling reproducible.
func WithRand(r *rand.Rand) Option { return func(s *Sampler) { s.rng = r } }

// New returns a Sampler using the shared token estimator and the gpt-4 profile.
func New(opts ...Option) *Sampler {
	s := &Sampler{
		profile:   tokens.DefaultProfile,
		pilotSize: DefaultPilotSize,
		mode:      StratumDraw,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.est == nil {
		s.est = tokens.Default()
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return s
}

// Sample returns the subset of records that fits tokenBudget. When the budget
// already covers every record the input slice is returned as is.
func (s *Sampler) Sample(records []review.Review, tokenBudget int) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(records) == 0 || tokenBudget <= 0 {
		return Result{Records: []review.Review{}}
	}

	avg := s.averageTokens(records)
	target := int(math.Floor(float64(tokenBudget) / avg))
	if target < 1 {
		target = 1
	}
	freq := Frequencies(records)
	if target >= len(records) {
		weights := make([]float64, len(records))
		for i, r := range records {
			weights[i] = freq[KeyOf(r)]
		}
		return Result{Records: records, Weights: weights, AvgTokens: avg, TargetCount: target}
	}

	var idx []int
	switch s.mode {
	case RecordWeighted:
		idx = s.drawRecordWeighted(records, freq, target)
	default:
		idx = s.drawByStratum(records, freq, target)
	}
	sort.Ints(idx)

	out := make([]review.Review, len(idx))
	weights := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = records[j]
		weights[i] = freq[KeyOf(records[j])]
	}
	return Result{Records: out, Weights: weights, AvgTokens: avg, TargetCount: target, Sampled: true}
}

// averageTokens estimates mean tokens per record from a uniform pilot.
// Each record counts for at least one token so the mean is never zero.
func (s *Sampler) averageTokens(records []review.Review) float64 {
	n := s.pilotSize
	if n > len(records) {
		n = len(records)
	}
	total := 0
	for _, i := range pilotIndices(s.rng, len(records), n) {
		t := s.est.Estimate(records[i].Content, s.profile)
		if t < 1 {
			t = 1
		}
		total += t
	}
	return float64(total) / float64(n)
}

// pilotIndices draws n distinct indices below total with a partial
// Fisher-Yates shuffle. Only displaced positions are stored.
func pilotIndices(rng *rand.Rand, total, n int) []int {
	swapped := make(map[int]int, n)
	at := func(i int) int {
		if v, ok := swapped[i]; ok {
			return v
		}
		return i
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		j := i + rng.Intn(total-i)
		out[i] = at(j)
		swapped[j] = at(i)
	}
	return out
}

// Frequencies returns each stratum's share of the population.
func Frequencies(records []review.Review) map[Stratum]float64 {
	counts := make(map[Stratum]int)
	for _, r := range records {
		counts[KeyOf(r)]++
	}
	out := make(map[Stratum]float64, len(counts))
	for k, c := range counts {
		out[k] = float64(c) / float64(len(records))
	}
	return out
}

type bucket struct {
	weight  float64
	members []int
}

func (s *Sampler) drawByStratum(records []review.Review, freq map[Stratum]float64, target int) []int {
	index := make(map[Stratum]int)
	var buckets []*bucket
	for i, r := range records {
		k := KeyOf(r)
		pos, ok := index[k]
		if !ok {
			pos = len(buckets)
			index[k] = pos
			buckets = append(buckets, &bucket{weight: freq[k]})
		}
		buckets[pos].members = append(buckets[pos].members, i)
	}
	for _, b := range buckets {
		s.rng.Shuffle(len(b.members), func(i, j int) { b.members[i], b.members[j] = b.members[j], b.members[i] })
	}

	picked := make([]int, 0, target)
	for len(picked) < target {
		total := 0.0
		for _, b := range buckets {
			if len(b.members) > 0 {
				total += b.weight
			}
		}
		if total <= 0 {
			break
		}
		x := s.rng.Float64() * total
		var chosen *bucket
		for _, b := range buckets {
			if len(b.members) == 0 {
				continue
			}
			chosen = b
			x -= b.weight
			if x < 0 {
				break
			}
		}
		last := len(chosen.members) - 1
		picked = append(picked, chosen.members[last])
		chosen.members = chosen.members[:last]
	}
	return picked
}

// drawRecordWeighted uses exponential keys log(u)/w and keeps the largest.
func (s *Sampler) drawRecordWeighted(records []review.Review, freq map[Stratum]float64, target int) []int {
	type keyed struct {
		idx int
		key float64
	}
	keys := make([]keyed, len(records))
	for i, r := range records {
		u := s.rng.Float64()
		for u == 0 {
			u = s.rng.Float64()
		}
		keys[i] = keyed{idx: i, key: math.Log(u) / freq[KeyOf(r)]}
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].key > keys[b].key })
	out := make([]int, target)
	for i := 0; i < target; i++ {
		out[i] = keys[i].idx
	}
	return out
}
