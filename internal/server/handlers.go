package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/reviewqa/internal/llm"
	"github.com/mohammad-safakhou/reviewqa/internal/orchestrator"
	"github.com/mohammad-safakhou/reviewqa/internal/planner"
	"github.com/mohammad-safakhou/reviewqa/internal/review"
	"github.com/mohammad-safakhou/reviewqa/internal/router"
)

// Answerer runs one question-answering turn.
type Answerer interface {
	Answer(ctx context.Context, conversation []llm.Message) (orchestrator.TurnResult, error)
}

// Catalog exposes the companies questions can refer to.
type Catalog interface {
	Companies(ctx context.Context) ([]review.Company, error)
	Ready(ctx context.Context) error
}

// AskHandler serves the question-answering endpoints.
type AskHandler struct {
	Answerer Answerer
	// Catalog is optional. Without it /companies is not registered.
	Catalog Catalog
	// Timeout bounds a whole turn. Zero leaves only the request context.
	Timeout time.Duration
}

type askRequest struct {
	Messages []llm.Message `json:"messages"`
	Question string        `json:"question"`
}

type parseRequest struct {
	Output string `json:"output"`
}

type parseResponse struct {
	Steps []planner.PlanStep `json:"steps"`
	Plan  []string           `json:"plan"`
}

func (h *AskHandler) Register(g *echo.Group) {
	g.POST("/ask", h.ask)
	g.POST("/plan/parse", h.parsePlan)
	g.GET("/charts", h.charts)
	if h.Catalog != nil {
		g.GET("/companies", h.companies)
	}
}

func (h *AskHandler) ask(c echo.Context) error {
	var req askRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	conversation, err := conversationOf(req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	turn, err := h.Answerer.Answer(ctx, conversation)
	if err != nil {
		return turnError(err)
	}
	return c.JSON(http.StatusOK, turn)
}

func conversationOf(req askRequest) ([]llm.Message, error) {
	msgs := req.Messages
	if q := strings.TrimSpace(req.Question); q != "" {
		msgs = append(msgs, llm.User(q))
	}
	if len(msgs) == 0 {
		return nil, errors.New("messages or question required")
	}
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser, llm.RoleAssistant:
		default:
			return nil, errors.New("unsupported role " + m.Role)
		}
	}
	return msgs, nil
}

// turnError maps a fatal turn error to an HTTP status. Step-level failures
// never get here; they are annotations on the result.
func turnError(err error) *echo.HTTPError {
	var (
		parseErr   *planner.ParseError
		unknownErr *router.UnknownActionError
	)
	switch {
	case errors.Is(err, orchestrator.ErrNoQuestion):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	case errors.As(err, &parseErr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "could not read a plan from the model output").SetInternal(err)
	case errors.As(err, &unknownErr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "plan uses an unsupported action").SetInternal(err)
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "turn timed out").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusBadGateway, "could not answer the question").SetInternal(err)
	}
}

func (h *AskHandler) parsePlan(c echo.Context) error {
	var req parseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	steps, err := planner.ParsePlan(req.Output)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "could not read a plan from the output").SetInternal(err)
	}
	resp := parseResponse{Steps: steps, Plan: make([]string, len(steps))}
	for i, s := range steps {
		resp.Plan[i] = s.String()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *AskHandler) charts(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"charts": planner.Charts()})
}

type companyResponse struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Country string `json:"country,omitempty"`
}

func (h *AskHandler) companies(c echo.Context) error {
	list, err := h.Catalog.Companies(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "company list unavailable").SetInternal(err)
	}
	out := make([]companyResponse, len(list))
	for i, co := range list {
		out[i] = companyResponse{ID: co.ID, Name: co.Name, Country: co.Country}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"companies": out})
}
