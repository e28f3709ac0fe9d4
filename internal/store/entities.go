package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/reviewqa/internal/helpers"
	"github.com/mohammad-safakhou/reviewqa/internal/resolver"
	"github.com/mohammad-safakhou/reviewqa/internal/review"
)

// ErrScopeNotIndexed is returned for scopes the database holds no
// embeddings for.
var ErrScopeNotIndexed = errors.New("store: scope has no embedding index")

// Nearest returns the company closest to vec by L2 distance. Ties go to the
// lowest id.
func (s *Store) Nearest(ctx context.Context, scope review.EntityKind, vec []float32) (review.Entity, error) {
	if scope != review.EntityCompany {
		return review.Entity{}, fmt.Errorf("%w: %s", ErrScopeNotIndexed, scope)
	}
	lit, err := encodeVectorLiteral(vec)
	if err != nil {
		return review.Entity{}, err
	}
	ctx, span := tracer.Start(ctx, "store.Nearest")
	defer span.End()

	var (
		e     = review.Entity{Kind: scope}
		found bool
	)
	err = helpers.Retry(ctx, s.Retry, func(ctx context.Context) error {
		row := s.DB.QueryRowContext(ctx, `
SELECT id, name, embedding <-> $1::vector AS distance
FROM company
WHERE embedding IS NOT NULL
ORDER BY embedding <-> $1::vector, id
LIMIT 1
`, lit)
		err := row.Scan(&e.ID, &e.Name, &e.Distance)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		found = err == nil
		return err
	})
	record(ctx, "nearest_entity", err)
	if err != nil {
		span.RecordError(err)
		return review.Entity{}, err
	}
	if !found {
		return review.Entity{}, &resolver.NotFoundError{Scope: scope}
	}
	return e, nil
}

// LookupName matches a company name exactly, ignoring case.
func (s *Store) LookupName(ctx context.Context, scope review.EntityKind, name string) (review.Entity, bool, error) {
	if scope != review.EntityCompany {
		return review.Entity{}, false, nil
	}
	e := review.Entity{Kind: scope}
	err := s.DB.QueryRowContext(ctx, `SELECT id, name FROM company WHERE lower(name) = lower($1) ORDER BY id LIMIT 1`, name).Scan(&e.ID, &e.Name)
	if errors.Is(err, sql.ErrNoRows) {
		record(ctx, "lookup_name", nil)
		return review.Entity{}, false, nil
	}
	record(ctx, "lookup_name", err)
	if err != nil {
		return review.Entity{}, false, err
	}
	return e, true, nil
}

// ListCompanies returns the canonical companies ordered by name.
func (s *Store) ListCompanies(ctx context.Context) ([]review.Company, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, name, COALESCE(homepage, ''), COALESCE(country, '') FROM company ORDER BY name`)
	record(ctx, "list_companies", err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []review.Company
	for rows.Next() {
		var c review.Company
		if err := rows.Scan(&c.ID, &c.Name, &c.Homepage, &c.Country); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
