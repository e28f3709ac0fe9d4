package orchestrator

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/reviewqa/internal/helpers"
	"github.com/mohammad-safakhou/reviewqa/internal/llm"
	"github.com/mohammad-safakhou/reviewqa/internal/review"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed metadata.schema.json
var metadataSchemaText string

var metadataSchema = jsonschema.MustCompileString("metadata.schema.json", metadataSchemaText)

// ErrNoMetadata is returned when the model reply holds no JSON object.
var ErrNoMetadata = errors.New("no metadata object in model reply")

// MetadataPrompt is the extraction system prompt for the given date.
func MetadataPrompt(now time.Time) string {
	return fmt.Sprintf(`You are a metadata extraction agent. You extract relevant metadata from questions. You specifically extract relevant company names, start date and end date and categories. Only extract categories if a category like one of the following categories is mentioned: %s. If a date is extracted write the date as 'yyyy-mm-dd'. The current date is %s.

You return the result in the following form:

{
"companies": [],
"start_date": "",
"end_date": "",
"categories": []
}

If the question does not mention any company names then let the companies list be empty. Likewise if no categories are mentioned let the categories list be empty. If no start date and/or end date is mentioned then let the date be an empty string.`,
		quotedCategories(), now.Format("2006-01-02"))
}

func quotedCategories() string {
	var out []string
	for _, c := range review.Categories() {
		if c == review.CategoryOther {
			continue
		}
		out = append(out, "'"+c+"'")
	}
	return strings.Join(out, ", ")
}

// RawMetadata is the validated, unresolved model output.
type RawMetadata struct {
	Companies  []string `json:"companies"`
	StartDate  *string  `json:"start_date"`
	EndDate    *string  `json:"end_date"`
	Categories []string `json:"categories"`
}

// ParseMetadata pulls the first JSON object out of reply and checks it
// against the metadata schema.
func ParseMetadata(reply string) (RawMetadata, error) {
	var raw RawMetadata
	obj, err := firstObject(reply)
	if err != nil {
		return raw, err
	}
	var doc interface{}
	if err := json.Unmarshal(obj, &doc); err != nil {
		return raw, fmt.Errorf("decode metadata: %w", err)
	}
	if err := metadataSchema.Validate(doc); err != nil {
		return raw, fmt.Errorf("invalid metadata: %w", err)
	}
	if err := json.Unmarshal(obj, &raw); err != nil {
		return raw, fmt.Errorf("decode metadata: %w", err)
	}
	return raw, nil
}

func firstObject(s string) (json.RawMessage, error) {
	for i := strings.IndexByte(s, '{'); i >= 0; {
		var obj json.RawMessage
		if err := json.NewDecoder(strings.NewReader(s[i:])).Decode(&obj); err == nil {
			return obj, nil
		}
		next := strings.IndexByte(s[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return nil, ErrNoMetadata
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// extractMetadata asks the metadata model for filters and binds them to
// canonical companies and categories.
func (o *Orchestrator) extractMetadata(ctx context.Context, conversation []llm.Message) (review.Metadata, error) {
	msgs := append([]llm.Message{llm.System(MetadataPrompt(o.now()))}, conversation...)
	reply, err := o.metadataLLM.Complete(ctx, msgs, llm.CompleteOptions{})
	if err != nil {
		return review.Metadata{}, fmt.Errorf("metadata completion: %w", err)
	}
	raw, err := ParseMetadata(reply)
	if err != nil {
		return review.Metadata{}, err
	}

	md := review.Metadata{
		StartDate: helpers.ParseDateLenient(deref(raw.StartDate)),
		EndDate:   helpers.ParseDateLenient(deref(raw.EndDate)),
	}
	md.Companies, err = o.resolver.ResolveAll(ctx, raw.Companies, review.EntityCompany)
	if err != nil {
		return review.Metadata{}, fmt.Errorf("resolve companies: %w", err)
	}
	md.Categories, err = o.categories(ctx, raw.Categories)
	if err != nil {
		return review.Metadata{}, err
	}
	if md.Companies == nil {
		md.Companies = []string{}
	}
	return md, nil
}

// categories keeps exact labels and resolves the rest by similarity.
func (o *Orchestrator) categories(ctx context.Context, refs []string) ([]string, error) {
	out := []string{}
	seen := make(map[string]bool)
	for _, ref := range refs {
		if strings.TrimSpace(ref) == "" {
			continue
		}
		label := strings.ToLower(strings.TrimSpace(ref))
		if _, ok := review.CategoryCode(label); !ok {
			e, err := o.resolver.Resolve(ctx, ref, review.EntityCategory)
			if err != nil {
				return nil, fmt.Errorf("resolve category %q: %w", ref, err)
			}
			label = e.Name
		}
		if !seen[label] {
			seen[label] = true
			out = append(out, label)
		}
	}
	return out, nil
}
