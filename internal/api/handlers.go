package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/miradorstack/mirador-incident/internal/engine"
	"github.com/miradorstack/mirador-incident/internal/ingest"
	"github.com/miradorstack/mirador-incident/internal/models"
)

// EngineService is the engine surface the API exposes. Narrow so handler
// tests can fake it.
type EngineService interface {
	Submit(ctx context.Context, source string, raw map[string]any) (models.Alert, error)
	ListIncidents(state models.IncidentState, pageSize int, pageToken string) ([]models.Incident, string)
	GetIncident(id string) (models.Incident, bool)
	ActionsFor(incidentID string) []models.RemediationAction
	ActiveOccurrences() []models.Occurrence
	Approve(actionID string) error
}

type handler struct {
	service EngineService
	hub     *StreamHub
	logger  *slog.Logger
}

func newHandler(service EngineService, hub *StreamHub, logger *slog.Logger) *handler {
	return &handler{service: service, hub: hub, logger: logger}
}

// IngestEvent accepts a raw alert payload from the named source. Malformed
// events answer 400 and are not retried.
func (h *handler) IngestEvent(c *gin.Context) {
	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}

	alert, err := h.service.Submit(c.Request.Context(), c.Param("source"), raw)
	if err != nil {
		var malformed *ingest.MalformedEventError
		if errors.As(err, &malformed) {
			c.JSON(http.StatusBadRequest, gin.H{"error": malformed.Error()})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"fingerprint": alert.Fingerprint()})
}

// ListIncidents pages over incidents, optionally filtered by state.
func (h *handler) ListIncidents(c *gin.Context) {
	pageSize := 50
	if v := c.Query("pageSize"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			pageSize = parsed
		}
	}
	incidents, next := h.service.ListIncidents(
		models.IncidentState(c.Query("state")), pageSize, c.Query("pageToken"))
	c.JSON(http.StatusOK, gin.H{"incidents": incidents, "nextPageToken": next})
}

// GetIncident returns one incident, archived ones included.
func (h *handler) GetIncident(c *gin.Context) {
	incident, ok := h.service.GetIncident(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	c.JSON(http.StatusOK, incident)
}

// ListActions returns the remediation audit trail for an incident.
func (h *handler) ListActions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"actions": h.service.ActionsFor(c.Param("id"))})
}

// ListOccurrences snapshots active deduplicated occurrences.
func (h *handler) ListOccurrences(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"occurrences": h.service.ActiveOccurrences()})
}

// ApproveAction releases an action parked behind the approval gate.
func (h *handler) ApproveAction(c *gin.Context) {
	if err := h.service.Approve(c.Param("id")); err != nil {
		if errors.Is(err, engine.ErrUnknownAction) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

// Stream upgrades to a websocket feed of incident transition events.
func (h *handler) Stream(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream not enabled"})
		return
	}
	h.hub.Serve(c.Writer, c.Request)
}
