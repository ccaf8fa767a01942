package cohort

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cohort/cohort/internal/domain/criteria"
	"github.com/cohort/cohort/internal/domain/querybuilder"
	"github.com/cohort/cohort/internal/platform/fhir"
	"github.com/cohort/cohort/internal/platform/fhirclient"
	"github.com/cohort/cohort/pkg/pagination"
)

// defaultCacheAlias names the in-memory partition in the cache route.
const defaultCacheAlias = "default"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/cohort/searches", h.StartSearch)
	api.GET("/cohort/searches/current", h.GetCurrentSearch)
	api.GET("/cohort/searches/current/patients", h.ListPatients)
	api.DELETE("/cohort/searches/current", h.CancelSearch)
	api.POST("/cohort/compile", h.Compile)
	api.DELETE("/cache/:name", h.ClearCache)
}

type startSearchRequest struct {
	Criteria        json.RawMessage `json:"criteria"`
	MaxPatientCount int             `json:"maxPatientCount"`
}

type startSearchResponse struct {
	ID         string `json:"id"`
	Generation uint64 `json:"generation"`
}

type compileRequest struct {
	ResourceType string             `json:"resourceType"`
	Criterion    criteria.Criterion `json:"criterion"`
}

type compileResponse struct {
	Query string `json:"query"`
}

func (h *Handler) StartSearch(c echo.Context) error {
	var req startSearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tree, err := criteria.Decode(req.Criteria)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	search, err := h.svc.Start(tree, req.MaxPatientCount)
	if err != nil {
		return planError(c, err)
	}
	return c.JSON(http.StatusAccepted, startSearchResponse{ID: search.ID.String(), Generation: search.Generation})
}

func (h *Handler) GetCurrentSearch(c echo.Context) error {
	search, err := h.svc.Current()
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no search has been started")
	}
	stats := search.State.Stats()
	if errors.Is(search.State.Err(), fhirclient.ErrAuthRequired) {
		c.Response().Header().Set("WWW-Authenticate", "Bearer")
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) ListPatients(c echo.Context) error {
	search, err := h.svc.Current()
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no search has been started")
	}
	p := pagination.FromContext(c)
	stats := search.State.Stats()
	patients := search.State.Patients(p.Offset, p.Count)
	return c.JSON(http.StatusOK, pagination.NewPage(patients, stats.Patients, p, stats.Loading, c.Request().URL.Path))
}

func (h *Handler) CancelSearch(c echo.Context) error {
	if err := h.svc.Cancel(); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no search has been started")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Compile(c echo.Context) error {
	var req compileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ResourceType == "" {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("resourceType is required"))
	}
	query, err := h.svc.Compile(req.ResourceType, req.Criterion)
	if err != nil {
		return planError(c, err)
	}
	return c.JSON(http.StatusOK, compileResponse{Query: query})
}

func (h *Handler) ClearCache(c echo.Context) error {
	name := c.Param("name")
	if name == defaultCacheAlias {
		name = fhirclient.DefaultPartition
	}
	if err := h.svc.ClearCache(c.Request().Context(), name); err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ExceptionOutcome(err))
	}
	return c.NoContent(http.StatusNoContent)
}

// planError maps a criteria compilation error to a 400 OperationOutcome.
func planError(c echo.Context, err error) error {
	var unsupported *querybuilder.UnsupportedParameterError
	if errors.As(err, &unsupported) {
		return c.JSON(http.StatusBadRequest, fhir.NotSupportedOutcome(unsupported.ResourceType, unsupported.Field))
	}
	return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
}
