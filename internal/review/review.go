package review

import (
	"strings"
	"time"
)

// Review is a single customer review as stored by ingestion.
type Review struct {
	ID        string    `json:"id"`
	CompanyID int64     `json:"company_id,omitempty"`
	Company   string    `json:"company"`
	Category  string    `json:"category"`
	Country   string    `json:"country,omitempty"`
	Rating    int       `json:"rating"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
	// SimilarityQuery is the semantic sub-query that retrieved the row, empty
	// for rows fetched by filter only.
	SimilarityQuery string `json:"similarity_query,omitempty"`
}

// Company is a canonical company entity.
type Company struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Homepage  string    `json:"homepage,omitempty"`
	Country   string    `json:"country,omitempty"`
	Embedding []float32 `json:"-"`
}

// Metadata is the per-turn filter context extracted from the conversation.
type Metadata struct {
	Companies  []string   `json:"companies"`
	StartDate  *time.Time `json:"start_date,omitempty"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	Categories []string   `json:"categories"`
}

// EntityKind selects the table an entity reference is resolved against.
type EntityKind string

const (
	EntityCompany  EntityKind = "company"
	EntityCategory EntityKind = "category"
)

// Entity is a canonical record matched by the similarity resolver.
type Entity struct {
	ID       int64      `json:"id"`
	Name     string     `json:"name"`
	Kind     EntityKind `json:"kind"`
	Distance float64    `json:"distance"`
}

// Review categories as stored in the review.category column.
const (
	CategoryOther           = "other"
	CategoryCustomerService = "customer service"
	CategoryCounseling      = "counseling"
	CategoryMobileWebBank   = "mobile/web bank"
	CategoryFeesInterest    = "fees and interest rates"
)

var categoryLabels = []string{
	CategoryOther,
	CategoryCustomerService,
	CategoryCounseling,
	CategoryMobileWebBank,
	CategoryFeesInterest,
}

// Categories returns the closed set of category labels ordered by code.
func Categories() []string {
	out := make([]string, len(categoryLabels))
	copy(out, categoryLabels)
	return out
}

// CategoryLabel maps a stored category code to its label. Unknown and
// unclassified (-1) codes map to "other".
func CategoryLabel(code int) string {
	if code < 0 || code >= len(categoryLabels) {
		return CategoryOther
	}
	return categoryLabels[code]
}

// CategoryCode maps a label back to its stored code.
func CategoryCode(label string) (int, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	for i, l := range categoryLabels {
		if l == label {
			return i, true
		}
	}
	return 0, false
}

// Countries present in the review store.
var Countries = []string{"DK", "NO", "SE", "FO"}
