// Package resolver binds fuzzy text references to canonical entities by
// nearest-neighbour search over embeddings.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/reviewqa/internal/review"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// NotFoundError is returned when the searched scope holds no entities.
type NotFoundError struct {
	Scope review.EntityKind
	Query string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s entities to resolve %q against", e.Scope, e.Query)
}

// ErrEmptyQuery is returned for blank references.
var ErrEmptyQuery = errors.New("resolver: query text is empty")

// Embedder turns text into a vector in the entity embedding space.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index finds the entity closest to vec (L2) within scope. Implementations
// return *NotFoundError when the scope is empty.
type Index interface {
	Nearest(ctx context.Context, scope review.EntityKind, vec []float32) (review.Entity, error)
}

// NameLookup is optionally implemented by indexes that can match canonical
// names exactly without an embedding round trip.
type NameLookup interface {
	LookupName(ctx context.Context, scope review.EntityKind, name string) (review.Entity, bool, error)
}

// Cache stores resolved entities per scope and normalised query.
type Cache interface {
	Get(ctx context.Context, scope review.EntityKind, query string) (review.Entity, bool)
	Set(ctx context.Context, scope review.EntityKind, query string, e review.Entity)
}

// Resolver resolves references against one or more indexes.
type Resolver struct {
	embedder Embedder
	indexes  map[review.EntityKind]Index
	fallback Index
	cache    Cache
	logger   *log.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithScopeIndex routes a scope to a dedicated index.
func WithScopeIndex(scope review.EntityKind, idx Index) Option {
	return func(r *Resolver) { r.indexes[scope] = idx }
}

func WithCache(c Cache) Option { return func(r *Resolver) { r.cache = c } }

func WithLogger(l *log.Logger) Option { return func(r *Resolver) { r.logger = l } }

// New builds a Resolver. idx serves every scope without a dedicated index.
func New(embedder Embedder, idx Index, opts ...Option) *Resolver {
	r := &Resolver{
		embedder: embedder,
		indexes:  make(map[review.EntityKind]Index),
		fallback: idx,
		logger:   log.New(log.Writer(), "[RESOLVER] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the entity in scope nearest to queryText. There is no
// distance threshold: the closest entity is returned however far it is.
func (r *Resolver) Resolve(ctx context.Context, queryText string, scope review.EntityKind) (review.Entity, error) {
	query := normalise(queryText)
	if query == "" {
		return review.Entity{}, ErrEmptyQuery
	}
	ctx, span := otel.Tracer("reviewqa/internal/resolver").Start(ctx, "resolver.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("scope", string(scope)))

	if r.cache != nil {
		if e, ok := r.cache.Get(ctx, scope, query); ok {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return e, nil
		}
	}

	idx := r.indexFor(scope)
	if idx == nil {
		return review.Entity{}, &NotFoundError{Scope: scope, Query: queryText}
	}

	if nl, ok := idx.(NameLookup); ok {
		e, found, err := nl.LookupName(ctx, scope, queryText)
		if err != nil {
			return review.Entity{}, err
		}
		if found {
			r.remember(ctx, scope, query, e)
			return e, nil
		}
	}

	vec, err := r.embedder.Embed(ctx, queryText)
	if err != nil {
		return review.Entity{}, fmt.Errorf("embed %q: %w", queryText, err)
	}
	e, err := idx.Nearest(ctx, scope, vec)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) && nf.Query == "" {
			nf.Query = queryText
		}
		return review.Entity{}, err
	}
	span.SetAttributes(attribute.Float64("distance", e.Distance))
	r.remember(ctx, scope, query, e)
	return e, nil
}

// ResolveAll resolves each reference and returns canonical names, dropping
// duplicates while keeping first-seen order.
func (r *Resolver) ResolveAll(ctx context.Context, refs []string, scope review.EntityKind) ([]string, error) {
	seen := make(map[string]bool, len(refs))
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if strings.TrimSpace(ref) == "" {
			continue
		}
		e, err := r.Resolve(ctx, ref, scope)
		if err != nil {
			return nil, err
		}
		if e.Distance > 0 && !strings.EqualFold(ref, e.Name) {
			r.logger.Printf("resolved %s %q -> %q (distance %.4f)", scope, ref, e.Name, e.Distance)
		}
		if !seen[e.Name] {
			seen[e.Name] = true
			out = append(out, e.Name)
		}
	}
	return out, nil
}

func (r *Resolver) indexFor(scope review.EntityKind) Index {
	if idx, ok := r.indexes[scope]; ok {
		return idx
	}
	return r.fallback
}

func (r *Resolver) remember(ctx context.Context, scope review.EntityKind, query string, e review.Entity) {
	if r.cache != nil {
		r.cache.Set(ctx, scope, query, e)
	}
}

func normalise(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
