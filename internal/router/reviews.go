package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/reviewqa/internal/helpers"
	"github.com/mohammad-safakhou/reviewqa/internal/planner"
	"github.com/mohammad-safakhou/reviewqa/internal/review"
	"github.com/mohammad-safakhou/reviewqa/internal/sampler"
	"golang.org/x/sync/errgroup"
)

func (r *Router) routeReviews(ctx context.Context, step planner.PlanStep, md review.Metadata) (QueryResult, error) {
	if len(step.Payload) == 0 {
		return QueryResult{Kind: KindReviews, Error: NoDataAvailable}, nil
	}
	limit := r.cfg.FetchBudget / len(step.Payload)
	if limit < 1 {
		limit = 1
	}
	batches := make([][]review.Review, len(step.Payload))
	failures := make([]string, len(step.Payload))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxParallel)
	for i, q := range step.Payload {
		i, q := i, q
		g.Go(func() error {
			rows, err := r.similar(gctx, q, md, limit)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r.logger.Printf("review retrieval failed for %q: %v", q, err)
				failures[i] = fmt.Sprintf("%s: %v", q, err)
				return nil
			}
			batches[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return QueryResult{}, err
	}

	var all []review.Review
	for _, b := range batches {
		all = append(all, b...)
	}
	res := QueryResult{Kind: KindReviews, Population: len(all)}
	if len(all) == 0 {
		res.Error = NoDataAvailable
		if msg := joinFailures(failures); msg != "" {
			res.Error += ": " + msg
		}
		return res, nil
	}

	sampled := r.sampler.Sample(all, r.cfg.TokenBudget)
	res.Sampled = sampled.Sampled
	res.TargetCount = sampled.TargetCount
	res.Groups = GroupReviews(sampled.Records)
	if msg := joinFailures(failures); msg != "" {
		res.Error = "partial retrieval: " + msg
	}
	return res, nil
}

// similar fetches the reviews nearest to query under the metadata filters
// and tags them with the query.
func (r *Router) similar(ctx context.Context, query string, md review.Metadata, limit int) ([]review.Review, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	f := filterFor(md)
	f.Similarity = vec
	f.Limit = limit
	rows, err := r.store.FetchReviews(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].SimilarityQuery = query
		rows[i].Content = helpers.SanitizeReviewText(rows[i].Content)
	}
	return rows, nil
}

// GroupReviews buckets review texts by stratum in first-seen order.
func GroupReviews(records []review.Review) []ReviewGroup {
	index := make(map[sampler.Stratum]int)
	var groups []ReviewGroup
	for _, rec := range records {
		key := sampler.KeyOf(rec)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, ReviewGroup{
				Company:         key.Company,
				Category:        key.Category,
				SimilarityQuery: key.SimilarityQuery,
			})
		}
		groups[i].Reviews = append(groups[i].Reviews, rec.Content)
	}
	return groups
}

func joinFailures(failures []string) string {
	var out []string
	for _, f := range failures {
		if f != "" {
			out = append(out, f)
		}
	}
	return strings.Join(out, "; ")
}
