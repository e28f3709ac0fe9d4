package router

import (
	"context"
	"sort"
	"time"

	"github.com/mohammad-safakhou/reviewqa/internal/planner"
	"github.com/mohammad-safakhou/reviewqa/internal/review"
)

// Frequency is the bucket width of a time series.
type Frequency string

const (
	Daily   Frequency = "D"
	Weekly  Frequency = "W"
	Monthly Frequency = "M"
)

// Point is one time bucket. Period is the bucket start (Monday for weeks).
type Point struct {
	Period  time.Time `json:"period"`
	Mean    float64   `json:"mean"`
	Count   int       `json:"count"`
	Ratings [5]int    `json:"ratings"`
}

// Series is the rating summary of one slice of the data.
type Series struct {
	Name    string     `json:"name"`
	Count   int        `json:"count"`
	Mean    float64    `json:"mean"`
	Ratings [5]int     `json:"ratings"`
	Percent [5]float64 `json:"percent"`
	Points  []Point    `json:"points,omitempty"`
}

// ChartData is the aggregate behind one requested chart. Rendering is left
// to the client.
type ChartData struct {
	Chart     planner.Chart `json:"chart,omitempty"`
	Name      string        `json:"name"`
	Title     string        `json:"title,omitempty"`
	Frequency Frequency     `json:"frequency,omitempty"`
	Series    []Series      `json:"series,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func (r *Router) routePlot(ctx context.Context, step planner.PlanStep, md review.Metadata) (QueryResult, error) {
	res := QueryResult{Kind: KindPlot}
	if len(step.Payload) == 0 {
		res.Error = NoDataAvailable
		return res, nil
	}
	rows, err := r.store.FetchRatings(ctx, filterFor(md))
	if err != nil {
		if ctx.Err() != nil {
			return QueryResult{}, ctx.Err()
		}
		r.logger.Printf("chart data fetch failed: %v", err)
		res.Error = NoDataAvailable + ": " + err.Error()
		return res, nil
	}
	if len(rows) == 0 {
		res.Error = NoDataAvailable
		return res, nil
	}
	for _, name := range step.Payload {
		chart, ok := planner.LookupChart(name)
		if !ok {
			res.Charts = append(res.Charts, ChartData{Name: name, Error: "unknown chart"})
			continue
		}
		res.Charts = append(res.Charts, BuildChart(chart, rows, md.Companies))
	}
	return res, nil
}

// BuildChart aggregates rating rows for chart. companies orders the
// comparison charts; when empty every company in rows is used.
func BuildChart(chart planner.Chart, rows []review.Review, companies []string) ChartData {
	cd := ChartData{Chart: chart, Name: string(chart)}
	switch chart {
	case planner.ChartRatingsPie:
		cd.Title = "Rating distribution"
		cd.Series = []Series{summarise("Total", rows)}
	case planner.ChartRatingsPieByCategory:
		cd.Title = "Rating distribution by review category"
		byCat := make(map[string][]review.Review)
		for _, r := range rows {
			byCat[r.Category] = append(byCat[r.Category], r)
		}
		for _, c := range review.Categories() {
			cd.Series = append(cd.Series, summarise(c, byCat[c]))
		}
	case planner.ChartRatingsTimeSeries:
		cd.Title = "Rating distribution and mean rating over time"
		first, last := span(rows)
		cd.Frequency = FrequencyFor(first, last)
		s := summarise("Total", rows)
		s.Points = timeline(rows, cd.Frequency, first, last)
		cd.Series = []Series{s}
	case planner.ChartCompareTimeSeries:
		cd.Title = "Mean rating and total number of reviews over time"
		first, last := span(rows)
		cd.Frequency = FrequencyFor(first, last)
		byCompany := groupByCompany(rows)
		for _, c := range companyOrder(companies, byCompany) {
			s := summarise(c, byCompany[c])
			s.Points = timeline(byCompany[c], cd.Frequency, first, last)
			cd.Series = append(cd.Series, s)
		}
	case planner.ChartCompareDistributions:
		cd.Title = "Rating distribution by company"
		byCompany := groupByCompany(rows)
		for _, c := range companyOrder(companies, byCompany) {
			cd.Series = append(cd.Series, summarise(c, byCompany[c]))
		}
	default:
		cd.Error = "unknown chart"
	}
	return cd
}

// FrequencyFor picks daily buckets for spans under 45 days, weekly under
// 150 days and monthly otherwise.
func FrequencyFor(first, last time.Time) Frequency {
	d := last.Sub(first)
	switch {
	case d < 45*24*time.Hour:
		return Daily
	case d < 150*24*time.Hour:
		return Weekly
	default:
		return Monthly
	}
}

func periodStart(t time.Time, f Frequency) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch f {
	case Weekly:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

func nextPeriod(t time.Time, f Frequency) time.Time {
	switch f {
	case Weekly:
		return t.AddDate(0, 0, 7)
	case Monthly:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// timeline buckets rows between first and last. Empty buckets are kept with
// zero count and mean.
func timeline(rows []review.Review, f Frequency, first, last time.Time) []Point {
	if len(rows) == 0 && first.IsZero() {
		return nil
	}
	start, end := periodStart(first, f), periodStart(last, f)
	var points []Point
	index := make(map[time.Time]int)
	for p := start; !p.After(end); p = nextPeriod(p, f) {
		index[p] = len(points)
		points = append(points, Point{Period: p})
	}
	sums := make([]int, len(points))
	for _, r := range rows {
		i, ok := index[periodStart(r.Timestamp, f)]
		if !ok {
			continue
		}
		points[i].Count++
		sums[i] += r.Rating
		if r.Rating >= 1 && r.Rating <= 5 {
			points[i].Ratings[r.Rating-1]++
		}
	}
	for i := range points {
		if points[i].Count > 0 {
			points[i].Mean = float64(sums[i]) / float64(points[i].Count)
		}
	}
	return points
}

func summarise(name string, rows []review.Review) Series {
	s := Series{Name: name, Count: len(rows)}
	if len(rows) == 0 {
		return s
	}
	sum := 0
	for _, r := range rows {
		sum += r.Rating
		if r.Rating >= 1 && r.Rating <= 5 {
			s.Ratings[r.Rating-1]++
		}
	}
	s.Mean = float64(sum) / float64(len(rows))
	for i, n := range s.Ratings {
		s.Percent[i] = 100 * float64(n) / float64(len(rows))
	}
	return s
}

func span(rows []review.Review) (time.Time, time.Time) {
	var first, last time.Time
	for i, r := range rows {
		if i == 0 || r.Timestamp.Before(first) {
			first = r.Timestamp
		}
		if i == 0 || r.Timestamp.After(last) {
			last = r.Timestamp
		}
	}
	return first, last
}

func groupByCompany(rows []review.Review) map[string][]review.Review {
	out := make(map[string][]review.Review)
	for _, r := range rows {
		out[r.Company] = append(out[r.Company], r)
	}
	return out
}

func companyOrder(requested []string, present map[string][]review.Review) []string {
	if len(requested) > 0 {
		return requested
	}
	names := make([]string, 0, len(present))
	for n := range present {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
