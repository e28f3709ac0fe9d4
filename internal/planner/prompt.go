package planner

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/reviewqa/internal/llm"
)

// Chart identifies one of the chart data sets a PLOT step may request.
type Chart string

const (
	ChartRatingsPie           Chart = "ratings piechart for single company"
	ChartRatingsPieByCategory Chart = "ratings piecharts by review category for single company"
	ChartRatingsTimeSeries    Chart = "ratings time series for single company"
	ChartCompareTimeSeries    Chart = "ratings and review count time series comparing companies"
	ChartCompareDistributions Chart = "ratings distribution comparing companies"
)

// Charts lists the supported chart identifiers in prompt order.
func Charts() []Chart {
	return []Chart{
		ChartRatingsPie,
		ChartRatingsPieByCategory,
		ChartRatingsTimeSeries,
		ChartCompareTimeSeries,
		ChartCompareDistributions,
	}
}

// LookupChart matches an identifier against the chart set, ignoring case and
// surrounding whitespace.
func LookupChart(name string) (Chart, bool) {
	n := strings.Join(strings.Fields(strings.ToLower(name)), " ")
	for _, c := range Charts() {
		if string(c) == n {
			return c, true
		}
	}
	return "", false
}

// DefaultMaxSteps is the plan length the system prompt asks for.
const DefaultMaxSteps = 4

// SystemPrompt returns the planner instructions for a plan of at most
// maxSteps steps.
func SystemPrompt(maxSteps int) string {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	charts := make([]string, 0, len(Charts()))
	for _, c := range Charts() {
		charts = append(charts, "'"+string(c)+"'")
	}
	return fmt.Sprintf(`You are a task planning agent. First understand the problem, extract the relevant variables and then devise a complete plan.

You answer questions from users about customer reviews of companies. Create a list of step by step actions that accomplish the goal. Use at most %d steps.

You can take the following actions:
SQL: Sends an array of relevant questions to a SQL agent that answers each question by writing a SQL query and interpreting its result.
PLOT: Sends an array of relevant plots to a plot agent that returns the plots. The following plots are available: %s. The action does not need a separate step to fetch data.
ANALYSE REVIEWS: Sends an array of natural language queries to a database of reviews. The database finds the reviews most semantically similar to the queries. The review texts are then analysed and summarised.

When writing the list of steps do not include company names or dates.

Return the response as an array of strings that can be parsed as JSON.`, maxSteps, strings.Join(charts, ", "))
}

// Examples are the few-shot turns sent between the system prompt and the
// conversation.
func Examples() []llm.Message {
	return []llm.Message{
		llm.User("Hvilket firma har den højeste gennemsnitlige rating siden 1 januar 2023"),
		llm.Assistant(`["SQL: ['Which company has the highest average rating?']"]`),
		llm.User("Hvordan har folk anmeldt Danske Bank siden 1 januar 2023?"),
		llm.Assistant(`[
"PLOT: ['ratings time series for single company', 'ratings piechart for single company']", "ANALYSE REVIEWS: ['Negative feedback', 'Positive feedback']"
]`),
		llm.User("Hvilket firma kan folk bedste lide af hhv. Danske Bank, Lunar eller Nordea målt på anmeldelser efter 1 januar 2023?"),
		llm.Assistant(`[
"PLOT: ['ratings and review count time series comparing companies', 'ratings distribution comparing companies']",
]`),
	}
}

// Messages assembles the planning conversation.
func Messages(conversation []llm.Message, maxSteps int) []llm.Message {
	examples := Examples()
	out := make([]llm.Message, 0, 1+len(examples)+len(conversation))
	out = append(out, llm.System(SystemPrompt(maxSteps)))
	out = append(out, examples...)
	return append(out, conversation...)
}
