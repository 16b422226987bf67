package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	syncpkg "github.com/clinsync/dashboard/internal/sync"
)

// Handler serves the dashboard API on top of the sync coordinator.
type Handler struct {
	coordinator *syncpkg.Coordinator
	hub         *Hub
	logger      zerolog.Logger
}

// NewHandler creates a Handler bound to the coordinator and WebSocket hub.
func NewHandler(coordinator *syncpkg.Coordinator, hub *Hub, logger zerolog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		hub:         hub,
		logger:      logger.With().Str("component", "server").Logger(),
	}
}

// RegisterRoutes registers all API routes on the Echo instance.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.GET("/ws", h.hub.HandleConnect)

	apiV1 := e.Group("/api/v1")
	apiV1.GET("/dashboard", h.GetDashboard)
	apiV1.GET("/patients/:id/timeline", h.GetPatientTimeline)
	apiV1.POST("/refresh", h.Refresh)
	apiV1.GET("/sync/status", h.GetSyncStatus)
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": "0.1.0",
	})
}

// GetDashboard returns the currently cached snapshot. 503 before the first
// completed load cycle.
func (h *Handler) GetDashboard(c echo.Context) error {
	snap := h.coordinator.Snapshot()
	if snap == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "no snapshot available yet",
		})
	}
	return c.JSON(http.StatusOK, snap)
}

// GetPatientTimeline returns the merged clinical+enrichment timeline for a
// patient, newest first.
func (h *Handler) GetPatientTimeline(c echo.Context) error {
	patientID := c.Param("id")
	if patientID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "patient id is required"})
	}

	events, err := h.coordinator.GetPatientTimeline(c.Request().Context(), patientID)
	if err != nil {
		h.logger.Error().Err(err).Str("patient_id", patientID).Msg("timeline fetch failed")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "timeline unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"patient_id": patientID,
		"events":     events,
	})
}

// Refresh forces an out-of-band load cycle and returns the fresh snapshot.
func (h *Handler) Refresh(c echo.Context) error {
	snap, err := h.coordinator.Refresh(c.Request().Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("manual refresh failed")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "refresh unavailable"})
	}
	return c.JSON(http.StatusOK, snap)
}

// GetSyncStatus reports the coordinator's connection state so the UI can
// render connected/degraded/disconnected indicators.
func (h *Handler) GetSyncStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.coordinator.Status())
}
