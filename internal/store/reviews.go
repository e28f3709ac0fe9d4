package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mohammad-safakhou/reviewqa/internal/helpers"
	"github.com/mohammad-safakhou/reviewqa/internal/review"
)

// ReviewFilter narrows review reads. Empty fields do not filter.
type ReviewFilter struct {
	Companies  []string
	Categories []string
	Start      *time.Time
	// End is inclusive of the whole day.
	End *time.Time
	// Similarity orders rows by L2 distance to this vector. Without it rows
	// come newest first.
	Similarity []float32
	Limit      int
}

// whereClause renders the filter as SQL starting at placeholder $next.
func (f ReviewFilter) whereClause(next int) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		conds = append(conds, fmt.Sprintf(cond, next))
		args = append(args, arg)
		next++
	}
	if len(f.Companies) > 0 {
		add("r.company = ANY($%d)", pq.Array(f.Companies))
	}
	if codes := categoryCodes(f.Categories); len(codes) > 0 {
		add("r.category = ANY($%d)", pq.Array(codes))
	}
	if f.Start != nil {
		add("r.timestamp >= $%d", *f.Start)
	}
	if f.End != nil {
		add("r.timestamp < $%d", f.End.AddDate(0, 0, 1))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func categoryCodes(labels []string) []int64 {
	var codes []int64
	for _, l := range labels {
		if c, ok := review.CategoryCode(l); ok {
			codes = append(codes, int64(c))
		}
	}
	return codes
}

const reviewColumns = `r.id, r.company_id, r.company, COALESCE(c.country, ''), r.rating, r.timestamp, COALESCE(r.content, ''), COALESCE(r.category, -1)`

// FetchReviews returns reviews matching f, nearest to f.Similarity first
// when set. Category codes are mapped to labels.
func (s *Store) FetchReviews(ctx context.Context, f ReviewFilter) ([]review.Review, error) {
	ctx, span := tracer.Start(ctx, "store.FetchReviews")
	defer span.End()

	var (
		args  []interface{}
		order = "ORDER BY r.timestamp DESC, r.id"
		next  = 1
	)
	if len(f.Similarity) > 0 {
		lit, err := encodeVectorLiteral(f.Similarity)
		if err != nil {
			return nil, err
		}
		args = append(args, lit)
		order = "ORDER BY r.embedding <-> $1::vector, r.id"
		next = 2
	}
	where, whereArgs := f.whereClause(next)
	args = append(args, whereArgs...)
	q := `SELECT ` + reviewColumns + `
FROM review r
LEFT JOIN company c ON c.id = r.company_id
` + where + `
` + order
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	var out []review.Review
	err := helpers.Retry(ctx, s.Retry, func(ctx context.Context) error {
		rows, err := s.DB.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var (
				r        review.Review
				category int
			)
			if err := rows.Scan(&r.ID, &r.CompanyID, &r.Company, &r.Country, &r.Rating, &r.Timestamp, &r.Content, &category); err != nil {
				return helpers.Permanent(err)
			}
			r.Category = review.CategoryLabel(category)
			out = append(out, r)
		}
		return rows.Err()
	})
	record(ctx, "fetch_reviews", err)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("fetch reviews: %w", err)
	}
	return out, nil
}

// FetchRatings returns the rating rows charts aggregate over, oldest first.
// Review text is not read.
func (s *Store) FetchRatings(ctx context.Context, f ReviewFilter) ([]review.Review, error) {
	ctx, span := tracer.Start(ctx, "store.FetchRatings")
	defer span.End()

	where, args := f.whereClause(1)
	q := `SELECT r.company, COALESCE(r.category, -1), r.rating, r.timestamp
FROM review r
` + where + `
ORDER BY r.timestamp, r.id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	var out []review.Review
	err := helpers.Retry(ctx, s.Retry, func(ctx context.Context) error {
		rows, err := s.DB.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var (
				r        review.Review
				category int
			)
			if err := rows.Scan(&r.Company, &category, &r.Rating, &r.Timestamp); err != nil {
				return helpers.Permanent(err)
			}
			r.Category = review.CategoryLabel(category)
			out = append(out, r)
		}
		return rows.Err()
	})
	record(ctx, "fetch_ratings", err)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("fetch ratings: %w", err)
	}
	return out, nil
}

// UpsertCompany inserts or refreshes a company row.
func (s *Store) UpsertCompany(ctx context.Context, c review.Company) error {
	var emb interface{}
	if len(c.Embedding) > 0 {
		lit, err := encodeVectorLiteral(c.Embedding)
		if err != nil {
			return err
		}
		emb = lit
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO company (id, name, homepage, country, embedding)
VALUES ($1,$2,$3,$4,$5::vector)
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  homepage = EXCLUDED.homepage,
  country = EXCLUDED.country,
  embedding = EXCLUDED.embedding;
`, c.ID, c.Name, c.Homepage, c.Country, emb)
	return err
}

// UpsertReview inserts or refreshes a review row. Unknown category labels
// are stored as unclassified.
func (s *Store) UpsertReview(ctx context.Context, r review.Review) error {
	var emb interface{}
	if len(r.Embedding) > 0 {
		lit, err := encodeVectorLiteral(r.Embedding)
		if err != nil {
			return err
		}
		emb = lit
	}
	category := sql.NullInt64{}
	if code, ok := review.CategoryCode(r.Category); ok {
		category = sql.NullInt64{Int64: int64(code), Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO review (id, company_id, company, timestamp, content, rating, category, embedding)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::vector)
ON CONFLICT (id) DO UPDATE SET
  content = EXCLUDED.content,
  rating = EXCLUDED.rating,
  category = EXCLUDED.category,
  embedding = EXCLUDED.embedding;
`, r.ID, r.CompanyID, r.Company, r.Timestamp, r.Content, r.Rating, category, emb)
	return err
}
