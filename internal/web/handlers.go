package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// PlanReader is the read side of the orchestrator.
type PlanReader interface {
	GetPlanByRequest(ctx context.Context, requestID string) (*domain.OptimizationPlan, error)
	ListPlans(ctx context.Context, opts storage.ListOptions) ([]*domain.OptimizationPlan, error)
}

// Handlers contains HTTP handlers for the ops API
type Handlers struct {
	plans PlanReader
}

// NewHandlers creates new API handlers
func NewHandlers(plans PlanReader) *Handlers {
	return &Handlers{plans: plans}
}

// ListPlans handles GET /api/plans?status=A,B&customerId=&limit=&offset=
func (h *Handlers) ListPlans(c echo.Context) error {
	opts, err := parseListOptions(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	plans, err := h.plans.ListPlans(c.Request().Context(), opts)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list plans: "+err.Error())
	}

	resp := ListPlansResponse{Plans: make([]PlanSummary, 0, len(plans))}
	for _, p := range plans {
		resp.Plans = append(resp.Plans, convertPlan(p))
	}
	resp.Count = len(resp.Plans)
	return c.JSON(http.StatusOK, resp)
}

// GetPlan handles GET /api/plans/:requestId
func (h *Handlers) GetPlan(c echo.Context) error {
	p, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p.Snapshot())
}

// GetTimeline handles GET /api/plans/:requestId/timeline
func (h *Handlers) GetTimeline(c echo.Context) error {
	p, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, convertTimeline(p))
}

func (h *Handlers) lookup(c echo.Context) (*domain.OptimizationPlan, error) {
	requestID := c.Param("requestId")
	p, err := h.plans.GetPlanByRequest(c.Request().Context(), requestID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "plan not found for request "+requestID)
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to load plan: "+err.Error())
	}
	return p, nil
}

func parseListOptions(c echo.Context) (storage.ListOptions, error) {
	opts := storage.ListOptions{
		CustomerID: c.QueryParam("customerId"),
		Limit:      defaultListLimit,
	}
	if raw := c.QueryParam("status"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			st, err := domain.ParsePlanStatus(strings.ToUpper(strings.TrimSpace(name)))
			if err != nil {
				return opts, err
			}
			opts.Statuses = append(opts.Statuses, st)
		}
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			return opts, errors.New("limit must be between 1 and " + strconv.Itoa(maxListLimit))
		}
		opts.Limit = n
	}
	if raw := c.QueryParam("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return opts, errors.New("offset must be a non-negative integer")
		}
		opts.Offset = n
	}
	return opts, nil
}
