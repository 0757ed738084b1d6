package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sreeram77/energy-core/internal/devicetree"
	"github.com/sreeram77/energy-core/internal/modelruntime"
	"github.com/sreeram77/energy-core/internal/pipeline"
	"github.com/sreeram77/energy-core/internal/storage"
	"github.com/sreeram77/energy-core/internal/telemetry"
)

// maxReadingBytes bounds a posted reading body
const maxReadingBytes = 64 << 10

// RegisterDeviceRequest is the body of POST /devices
type RegisterDeviceRequest struct {
	ID         string            `json:"id"`
	ParentID   string            `json:"parentId"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Device represents a registered device in API responses
type Device struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Type       string            `json:"type"`
	ParentID   string            `json:"parentId,omitempty"`
	Path       []string          `json:"path"`
	Status     string            `json:"status"`
	Buffered   int               `json:"buffered"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// State represents a device's derived state in API responses
type State struct {
	DeviceID    string                `json:"deviceId"`
	Status      string                `json:"status"`
	Predictions telemetry.Predictions `json:"predictions"`
	Anomalies   telemetry.Anomalies   `json:"anomalies"`
	LastError   string                `json:"lastError,omitempty"`
	UpdatedAt   *time.Time            `json:"updatedAt,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func toDevice(info pipeline.DeviceInfo) Device {
	return Device{
		ID:         info.Device.ID,
		Name:       info.Device.Name,
		Type:       string(info.Device.Type),
		ParentID:   info.ParentID,
		Path:       info.Path,
		Status:     info.Status,
		Buffered:   info.Buffered,
		Attributes: info.Device.Attributes,
	}
}

func toState(deviceID, status string, s telemetry.DerivedState) State {
	out := State{
		DeviceID:    deviceID,
		Status:      status,
		Predictions: s.Predictions,
		Anomalies:   s.Anomalies,
		LastError:   s.ErrorMessage(),
	}
	if out.Predictions.EnergyConsumption == nil {
		out.Predictions.EnergyConsumption = []float64{}
	}
	if out.Anomalies.Details == nil {
		out.Anomalies.Details = []string{}
	}
	if !s.UpdatedAt.IsZero() {
		t := s.UpdatedAt
		out.UpdatedAt = &t
	}
	return out
}

// listDevices handles GET /devices
func (s *Server) listDevices(c *gin.Context) {
	infos := s.service.Devices()
	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, toDevice(info))
	}
	c.JSON(http.StatusOK, devices)
}

// getDevice handles GET /devices/:id
func (s *Server) getDevice(c *gin.Context) {
	id := c.Param("id")
	for _, info := range s.service.Devices() {
		if info.Device.ID == id {
			c.JSON(http.StatusOK, toDevice(info))
			return
		}
	}
	sendError(c, http.StatusNotFound, "Device not found", id)
}

// registerDevice handles POST /devices
func (s *Server) registerDevice(c *gin.Context) {
	var req RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	node, err := s.service.RegisterDevice(req.ParentID, devicetree.Device{
		ID:         req.ID,
		Name:       req.Name,
		Type:       devicetree.DeviceType(req.Type),
		Attributes: req.Attributes,
	})
	if err != nil {
		s.sendServiceError(c, "Failed to register device", err)
		return
	}

	info := pipeline.DeviceInfo{
		Device:   node.Device(),
		ParentID: req.ParentID,
		Path:     node.Path(),
		Status:   pipeline.StatusIdle.String(),
	}
	c.JSON(http.StatusCreated, toDevice(info))
}

// removeDevice handles DELETE /devices/:id
func (s *Server) removeDevice(c *gin.Context) {
	if err := s.service.RemoveDevice(c.Param("id")); err != nil {
		s.sendServiceError(c, "Failed to remove device", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// teardownDevice handles POST /devices/:id/teardown
func (s *Server) teardownDevice(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.service.Status(id); !ok {
		sendError(c, http.StatusNotFound, "Device not found", id)
		return
	}
	if err := s.service.Teardown(id); err != nil {
		s.sendServiceError(c, "Failed to tear down device", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// postReading handles POST /devices/:id/readings and runs one processing cycle
func (s *Server) postReading(c *gin.Context) {
	id := c.Param("id")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxReadingBytes))
	if err != nil {
		sendError(c, http.StatusBadRequest, "Failed to read request body", err.Error())
		return
	}

	reading, err := telemetry.ParseReading(body, time.Now().UTC())
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid reading", err.Error())
		return
	}

	state, err := s.service.ProcessReading(c.Request.Context(), id, reading)
	if err != nil {
		s.sendServiceError(c, "Processing failed", err)
		return
	}

	status, _ := s.service.Status(id)
	c.JSON(http.StatusOK, toState(id, status.String(), state))
}

// getReadings handles GET /devices/:id/readings
func (s *Server) getReadings(c *gin.Context) {
	readings, err := s.service.Readings(c.Param("id"))
	if err != nil {
		s.sendServiceError(c, "Failed to get readings", err)
		return
	}
	if readings == nil {
		readings = []telemetry.Reading{}
	}
	c.JSON(http.StatusOK, readings)
}

// getState handles GET /devices/:id/state
func (s *Server) getState(c *gin.Context) {
	id := c.Param("id")
	status, ok := s.service.Status(id)
	if !ok {
		sendError(c, http.StatusNotFound, "Device not found", id)
		return
	}
	// A device that has not completed a cycle yet reports an empty state
	state, _ := s.service.GetDerivedState(id)
	c.JSON(http.StatusOK, toState(id, status.String(), state))
}

// listSnapshots handles GET /snapshots
func (s *Server) listSnapshots(c *gin.Context) {
	if s.snapshots == nil {
		sendError(c, http.StatusNotImplemented, "Snapshot storage is not configured")
		return
	}
	snaps, err := s.snapshots.List(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list snapshots")
		sendError(c, http.StatusInternalServerError, "Failed to list snapshots", err.Error())
		return
	}
	if snaps == nil {
		snaps = []storage.Snapshot{}
	}
	c.JSON(http.StatusOK, snaps)
}

// getSnapshot handles GET /snapshots/:id
func (s *Server) getSnapshot(c *gin.Context) {
	if s.snapshots == nil {
		sendError(c, http.StatusNotImplemented, "Snapshot storage is not configured")
		return
	}
	snap, err := s.snapshots.Latest(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrSnapshotNotFound) {
		sendError(c, http.StatusNotFound, "Snapshot not found", err.Error())
		return
	}
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to get snapshot", err.Error())
		return
	}
	c.JSON(http.StatusOK, snap)
}

// statusFor maps pipeline and domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrDeviceExists),
		errors.Is(err, devicetree.ErrDuplicateChildID),
		errors.Is(err, devicetree.ErrCycle),
		errors.Is(err, devicetree.ErrAlreadyAttached),
		errors.Is(err, pipeline.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, telemetry.ErrInvalidReading):
		return http.StatusBadRequest
	case errors.Is(err, modelruntime.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, modelruntime.ErrInitialization),
		errors.Is(err, modelruntime.ErrRuntimeDisposed),
		errors.Is(err, pipeline.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendServiceError(c *gin.Context, message string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	sendError(c, code, message, err.Error())
}

// sendError sends an error response
func sendError(c *gin.Context, code int, message string, details ...string) {
	err := ErrorResponse{
		Code:    code,
		Message: message,
	}

	if len(details) > 0 {
		err.Details = details[0]
	}

	c.JSON(code, err)
}
