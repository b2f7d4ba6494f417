package confluence

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"clearwater/pkg/logging"
	"clearwater/pkg/middleware"
	"clearwater/pkg/models"
)

// MutationAPI exposes the admin mutations: alert lifecycle transitions
// and device metadata patches.
type MutationAPI struct {
	store     *Store
	processor *Processor
	logger    logging.Logger
}

func NewMutationAPI(store *Store, processor *Processor, logger logging.Logger) *MutationAPI {
	return &MutationAPI{store: store, processor: processor, logger: logger}
}

// RegisterRoutes mounts the admin routes under /api/v1, guarded by the
// admin JWT middleware.
func (m *MutationAPI) RegisterRoutes(r *gin.Engine, jwtSecret []byte) {
	api := r.Group("/api/v1")
	api.Use(middleware.RequireAdmin(jwtSecret))

	api.POST("/alerts/:id/acknowledge", m.acknowledgeAlert)
	api.POST("/alerts/:id/resolve", m.resolveAlert)
	api.PATCH("/devices/:id", m.patchDevice)
}

type alertMutationResponse struct {
	OK        bool   `json:"ok"`
	AlertID   string `json:"alert_id"`
	NewStatus string `json:"new_status"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (m *MutationAPI) acknowledgeAlert(c *gin.Context) {
	alertID := c.Param("id")
	userID := c.GetString("user_id")

	err := m.store.AcknowledgeAlert(c.Request.Context(), alertID, userID)
	if err != nil {
		m.alertMutationError(c, alertID, err)
		return
	}

	m.logger.WithFields(logging.Fields{"alert_id": alertID, "user_id": userID}).Info("alert acknowledged")
	c.JSON(http.StatusOK, alertMutationResponse{
		OK:        true,
		AlertID:   alertID,
		NewStatus: string(models.AlertAcknowledged),
	})
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (m *MutationAPI) resolveAlert(c *gin.Context) {
	alertID := c.Param("id")
	userID := c.GetString("user_id")

	var req resolveRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "invalid JSON body"})
			return
		}
	}

	err := m.store.ResolveAlert(c.Request.Context(), alertID, userID, req.Notes)
	if err != nil {
		m.alertMutationError(c, alertID, err)
		return
	}

	m.logger.WithFields(logging.Fields{"alert_id": alertID, "user_id": userID}).Info("alert resolved")
	c.JSON(http.StatusOK, alertMutationResponse{
		OK:        true,
		AlertID:   alertID,
		NewStatus: string(models.AlertResolved),
	})
}

func (m *MutationAPI) alertMutationError(c *gin.Context, alertID string, err error) {
	switch {
	case errors.Is(err, ErrAlertNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "not_found", Message: "alert does not exist"})
	case errors.Is(err, ErrAlertConflict):
		c.JSON(http.StatusConflict, errorResponse{Error: "conflict", Message: "alert status does not allow this transition"})
	default:
		m.logger.WithError(err).WithField("alert_id", alertID).Error("alert mutation failed")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal", Message: "mutation failed"})
	}
}

func (m *MutationAPI) patchDevice(c *gin.Context) {
	deviceID := c.Param("id")

	var patch models.DevicePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "invalid JSON body"})
		return
	}
	if patch.Status != nil {
		if parsed := models.ParseDeviceStatus(*patch.Status); string(parsed) != *patch.Status {
			normalized := string(parsed)
			patch.Status = &normalized
		}
	}

	err := m.store.PatchDevice(c.Request.Context(), deviceID, patch)
	if errors.Is(err, ErrDeviceNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "not_found", Message: "device does not exist"})
		return
	}
	if err != nil {
		m.logger.WithError(err).WithField("device_id", deviceID).Error("device patch failed")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal", Message: "mutation failed"})
		return
	}

	// The next reading must observe the new metadata, in particular a
	// location assignment that makes the device eligible for data.
	if m.processor != nil {
		m.processor.InvalidateDevice(deviceID)
	}

	m.logger.WithField("device_id", deviceID).Info("device patched")
	c.JSON(http.StatusOK, gin.H{"ok": true, "device_id": deviceID})
}
