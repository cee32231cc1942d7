package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/models"
	"github.com/go-fleetgate/fleetgate/internal/services"

	"github.com/gin-gonic/gin"
)

// CommandHandler issues commands to devices and reports their state
type CommandHandler struct {
	devices  *services.DeviceService
	commands *services.CommandService
}

func NewCommandHandler(ds *services.DeviceService, cs *services.CommandService) *CommandHandler {
	return &CommandHandler{devices: ds, commands: cs}
}

type issueCommandRequest struct {
	CommandID        string          `json:"command_id"`
	IdempotencyKey   string          `json:"idempotency_key"   binding:"required"`
	Type             string          `json:"type"              binding:"required"`
	Payload          json.RawMessage `json:"payload"`
	TTLSeconds       int64           `json:"ttl_seconds"`
	ExpiresAt        *time.Time      `json:"expires_at"`
	RequireConnected bool            `json:"require_connected"`
}

// Issue handles POST /api/v1/devices/:id/commands. A live command with the same
// idempotency key is returned instead of a new one.
func (h *CommandHandler) Issue(c *gin.Context) {
	var req issueCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "idempotency_key and type are required")
		return
	}
	if req.TTLSeconds < 0 {
		badRequest(c, "ttl_seconds must not be negative")
		return
	}

	ctx := c.Request.Context()
	principal := models.GetPrincipalFromContext(c)
	deviceID := c.Param("id")
	if _, err := h.devices.GetDevice(ctx, deviceID, principal); err != nil {
		respondError(c, err)
		return
	}

	result, err := h.commands.Enqueue(ctx, services.EnqueueRequest{
		CommandID:        req.CommandID,
		DeviceID:         deviceID,
		IdempotencyKey:   req.IdempotencyKey,
		Type:             req.Type,
		Payload:          req.Payload,
		TTL:              time.Duration(req.TTLSeconds) * time.Second,
		ExpiresAt:        req.ExpiresAt,
		IssuedBy:         principal.Subject,
		RequireConnected: req.RequireConnected,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusAccepted
	if result.Deduplicated {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"command":      result.Command,
		"deduplicated": result.Deduplicated,
	})
}

// Get handles GET /api/v1/devices/:id/commands/:command_id
func (h *CommandHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	deviceID := c.Param("id")
	if _, err := h.devices.GetDevice(ctx, deviceID, models.GetPrincipalFromContext(c)); err != nil {
		respondError(c, err)
		return
	}

	cmd, err := h.commands.GetCommand(ctx, deviceID, c.Param("command_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}
