// Package tokens estimates language model token counts for text.
package tokens

import (
	"log"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultProfile is used when a model profile is unknown.
const DefaultProfile = "gpt-4"

// Encoder is satisfied by *tiktoken.Tiktoken.
type Encoder interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
}

// Loader returns an encoder for a model profile.
type Loader func(profile string) (Encoder, error)

// Estimator counts tokens using BPE encodings per model profile and falls
// back to a rune based heuristic when an encoding cannot be loaded.
type Estimator struct {
	load   Loader
	logger *log.Logger

	mu       sync.Mutex
	encoders map[string]Encoder
	failed   map[string]bool
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithLoader overrides how encodings are loaded.
func WithLoader(l Loader) Option {
	return func(e *Estimator) { e.load = l }
}

// WithLogger sets the estimator logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Estimator) { e.logger = l }
}

// NewEstimator returns an estimator backed by tiktoken encodings.
func NewEstimator(opts ...Option) *Estimator {
	e := &Estimator{
		load:     tiktokenLoader,
		logger:   log.New(log.Writer(), "[TOKENS] ", log.LstdFlags),
		encoders: make(map[string]Encoder),
		failed:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var (
	defaultOnce      sync.Once
	defaultEstimator *Estimator
)

// Default returns the shared process-wide estimator.
func Default() *Estimator {
	defaultOnce.Do(func() { defaultEstimator = NewEstimator() })
	return defaultEstimator
}

// Estimate returns the approximate token count of text for modelProfile.
// Unknown profiles use DefaultProfile.
func (e *Estimator) Estimate(text, modelProfile string) int {
	if text == "" {
		return 0
	}
	enc := e.encoder(normalizeProfile(modelProfile))
	if enc == nil {
		return Heuristic(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (e *Estimator) encoder(profile string) Encoder {
	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.encoders[profile]; ok {
		return enc
	}
	if e.failed[profile] {
		return nil
	}
	enc, err := e.load(profile)
	if err != nil && profile != DefaultProfile {
		enc, err = e.load(DefaultProfile)
	}
	if err != nil {
		e.failed[profile] = true
		e.logger.Printf("encoding for %q unavailable, using heuristic: %v", profile, err)
		return nil
	}
	e.encoders[profile] = enc
	return enc
}

func normalizeProfile(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return DefaultProfile
	}
	return p
}

func tiktokenLoader(profile string) (Encoder, error) {
	enc, err := tiktoken.EncodingForModel(profile)
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// Heuristic approximates tokens as one per four runes, rounded up.
func Heuristic(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
