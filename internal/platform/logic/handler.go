package logic

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinlogic/internal/platform/auth"
)

// AdminRole is required for registry mutations.
const AdminRole = "logic-admin"

// CohortSizeKey is the echo context key under which cohort evaluation
// records the number of requested patients, for audit logging.
const CohortSizeKey = "cohort_size"

// TokenKey carries the token a registry mutation touched when it is not
// part of the path.
const TokenKey = "logic_token"

// Handler exposes the Service over HTTP.
type Handler struct {
	svc        *Service
	dateLayout string
}

// NewHandler creates a Handler. dateLayout is tried before RFC 3339 when
// parsing index_date values.
func NewHandler(svc *Service, dateLayout string) *Handler {
	if dateLayout == "" {
		dateLayout = "2006-01-02"
	}
	return &Handler{svc: svc, dateLayout: dateLayout}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/eval", h.Eval)
	g.GET("/patients/:id/eval", h.EvalPatient)
	g.POST("/patients/:id/eval-many", h.EvalPatientMany)
	g.POST("/parse", h.Parse)

	g.GET("/tokens", h.ListTokens)
	g.GET("/tokens/:token", h.GetToken)
	g.GET("/tags", h.ListTags)
	g.GET("/tags/:tag/tokens", h.TokensWithTag)
	g.GET("/datasources", h.ListDataSources)

	admin := g.Group("", auth.RequireRole(AdminRole))
	admin.POST("/tokens", h.CreateToken)
	admin.DELETE("/tokens/:token", h.DeleteToken)
	admin.POST("/tokens/:token/tags", h.AddTag)
	admin.DELETE("/tokens/:token/tags/:tag", h.RemoveTag)
}

// -- Evaluation --

type evalRequest struct {
	Cohort    []uuid.UUID    `json:"cohort"`
	Query     string         `json:"query"`
	Params    map[string]any `json:"params"`
	IndexDate string         `json:"index_date"`
}

type evalResponse struct {
	Results map[uuid.UUID]Result `json:"results"`
}

func (h *Handler) Eval(c echo.Context) error {
	var req evalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	c.Set(CohortSizeKey, len(req.Cohort))
	opts, err := h.indexDate(req.IndexDate)
	if err != nil {
		return err
	}
	res, err := h.svc.EvalExpression(c.Request().Context(), req.Cohort, req.Query, Params(req.Params), opts...)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, evalResponse{Results: res})
}

func (h *Handler) EvalPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	q := c.QueryParam("q")
	if strings.TrimSpace(q) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	opts, err := h.indexDate(c.QueryParam("index_date"))
	if err != nil {
		return err
	}
	res, err := h.svc.EvalPatientExpression(c.Request().Context(), id, q, nil, opts...)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type evalManyRequest struct {
	Queries   []string       `json:"queries"`
	Params    map[string]any `json:"params"`
	IndexDate string         `json:"index_date"`
}

func (h *Handler) EvalPatientMany(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req evalManyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Queries) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "queries is required")
	}
	opts, err := h.indexDate(req.IndexDate)
	if err != nil {
		return err
	}
	res, err := h.svc.EvalPatientMany(c.Request().Context(), id, req.Queries, Params(req.Params), opts...)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": res})
}

func (h *Handler) Parse(c echo.Context) error {
	var req struct {
		Query string `json:"query"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	crit, err := h.svc.Parse(req.Query)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"query":  crit.String(),
		"tokens": crit.Tokens(),
	})
}

func (h *Handler) indexDate(s string) ([]EvalOption, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(h.dateLayout, s, time.UTC)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid index_date")
	}
	return []EvalOption{WithIndexDate(t)}, nil
}

// -- Registry --

// ListTokens returns the tokens matching q. Without q nothing is listed;
// an empty q lists every token.
func (h *Handler) ListTokens(c echo.Context) error {
	if _, ok := c.QueryParams()["q"]; !ok {
		return c.JSON(http.StatusOK, []string{})
	}
	return c.JSON(http.StatusOK, h.svc.Registry().GetTokens(c.QueryParam("q")))
}

func (h *Handler) GetToken(c echo.Context) error {
	info, err := h.svc.Describe(pathParam(c, "token"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, info)
}

type createTokenRequest struct {
	Token     string   `json:"token"`
	Reference string   `json:"reference"`
	Tags      []string `json:"tags"`
}

func (h *Handler) CreateToken(c echo.Context) error {
	var req createTokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Token) == "" || strings.TrimSpace(req.Reference) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token and reference are required")
	}
	if err := h.svc.RegisterReference(req.Token, req.Reference, req.Tags...); err != nil {
		return httpError(err)
	}
	info, err := h.svc.Describe(req.Token)
	if err != nil {
		return httpError(err)
	}
	c.Set(TokenKey, info.Token)
	return c.JSON(http.StatusCreated, info)
}

func (h *Handler) DeleteToken(c echo.Context) error {
	if err := h.svc.RemoveRule(pathParam(c, "token")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AddTag(c echo.Context) error {
	var req struct {
		Tag string `json:"tag"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Tag) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tag is required")
	}
	token := pathParam(c, "token")
	if err := h.svc.Registry().AddTokenTag(token, req.Tag); err != nil {
		return httpError(err)
	}
	tags, err := h.svc.Registry().GetTokenTags(token)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tags)
}

func (h *Handler) RemoveTag(c echo.Context) error {
	if err := h.svc.Registry().RemoveTokenTag(pathParam(c, "token"), pathParam(c, "tag")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListTags(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Registry().GetTags(c.QueryParam("q")))
}

func (h *Handler) TokensWithTag(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Registry().GetTokensWithTag(pathParam(c, "tag")))
}

type dataSourceInfo struct {
	Name string   `json:"name"`
	Keys []string `json:"keys"`
	TTL  string   `json:"ttl"`
}

func (h *Handler) ListDataSources(c echo.Context) error {
	out := make([]dataSourceInfo, 0)
	for _, src := range h.svc.DataSources() {
		keys := append([]string(nil), src.Keys()...)
		sort.Strings(keys)
		if keys == nil {
			keys = []string{}
		}
		out = append(out, dataSourceInfo{Name: src.Name(), Keys: keys, TTL: src.DefaultTTL().String()})
	}
	return c.JSON(http.StatusOK, out)
}

// pathParam returns an unescaped path parameter. Tokens routinely contain
// spaces.
func pathParam(c echo.Context, name string) string {
	v := c.Param(name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

// httpError maps engine errors to HTTP errors with a JSON body of the form
// {"error": "...", "code": "..."}.
func httpError(err error) error {
	var (
		unknown *UnknownTokenError
		operand *InvalidOperandError
		parse   *ParseError
		ref     *InvalidRuleReferenceError
		evalErr *EvaluationError
		status  int
		code    string
	)
	switch {
	case errors.As(err, &unknown):
		status, code = http.StatusNotFound, "unknown_token"
	case errors.As(err, &parse):
		status, code = http.StatusBadRequest, "parse_error"
	case errors.As(err, &operand):
		status, code = http.StatusBadRequest, "invalid_operand"
	case errors.As(err, &ref):
		status, code = http.StatusUnprocessableEntity, "invalid_reference"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	case errors.As(err, &evalErr):
		status, code = http.StatusBadGateway, "evaluation_failed"
	default:
		status, code = http.StatusInternalServerError, "internal"
	}
	return echo.NewHTTPError(status, map[string]string{"error": err.Error(), "code": code})
}
