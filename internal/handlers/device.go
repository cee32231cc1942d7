package handlers

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/models"
	"github.com/go-fleetgate/fleetgate/internal/services"

	"github.com/gin-gonic/gin"
)

// DeviceHandler serves provisioning, pairing, transfer and status endpoints
type DeviceHandler struct {
	pairing *services.PairingService
	devices *services.DeviceService
}

func NewDeviceHandler(ps *services.PairingService, ds *services.DeviceService) *DeviceHandler {
	return &DeviceHandler{pairing: ps, devices: ds}
}

type provisionRequest struct {
	DeviceID      string          `json:"device_id"      binding:"required"`
	FactorySecret string          `json:"factory_secret"` // hex; generated when empty
	Model         string          `json:"model"`
	Capabilities  json.RawMessage `json:"capabilities"`
}

// Provision handles POST /api/v1/devices (operator only)
func (h *DeviceHandler) Provision(c *gin.Context) {
	var req provisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "device_id is required")
		return
	}
	var secret []byte
	if req.FactorySecret != "" {
		var err error
		if secret, err = hex.DecodeString(req.FactorySecret); err != nil {
			badRequest(c, "factory_secret must be hex encoded")
			return
		}
	}

	result, err := h.pairing.ProvisionDevice(c.Request.Context(), services.ProvisionRequest{
		DeviceID:      req.DeviceID,
		FactorySecret: secret,
		Model:         req.Model,
		Capabilities:  req.Capabilities,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"device_id":    result.Device.DeviceID,
		"status":       result.Device.Status,
		"pairing_code": result.PairingCode,
	}
	if result.FactorySecret != "" {
		resp["factory_secret"] = result.FactorySecret
	}
	c.JSON(http.StatusCreated, resp)
}

type claimRequest struct {
	PairingCode string `json:"pairing_code" binding:"required"`
	// OwnerID lets an operator claim on behalf of a user
	OwnerID string `json:"owner_id"`
}

// Claim handles POST /api/v1/devices/:id/claim
func (h *DeviceHandler) Claim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "pairing_code is required")
		return
	}
	principal := models.GetPrincipalFromContext(c)
	owner := actingFor(principal, req.OwnerID)

	result, err := h.pairing.Claim(c.Request.Context(), c.Param("id"), req.PairingCode, owner)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device_id":        result.DeviceID,
		"owner_id":         result.OwnerID,
		"device_token":     result.Token,
		"token_expires_at": result.TokenExpiresAt,
		"claimed_at":       result.ClaimedAt,
	})
}

// TransferInit handles POST /api/v1/devices/:id/transfer
func (h *DeviceHandler) TransferInit(c *gin.Context) {
	ticket, err := h.pairing.TransferInit(
		c.Request.Context(),
		c.Param("id"),
		models.GetPrincipalFromContext(c),
	)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"transfer_id": ticket.TransferID,
		"device_id":   ticket.DeviceID,
		"nonce":       ticket.Nonce,
		"expires_at":  ticket.ExpiresAt,
	})
}

type transferConfirmRequest struct {
	Nonce     string `json:"nonce"      binding:"required"`
	ResetCode string `json:"reset_code" binding:"required"`
	// NewOwnerID lets an operator complete a transfer for a user; empty means
	// the caller becomes the owner
	NewOwnerID string `json:"new_owner_id"`
	// Release returns the device to unclaimed with a fresh pairing code
	Release bool `json:"release"`
}

// TransferConfirm handles POST /api/v1/devices/:id/transfer/confirm
func (h *DeviceHandler) TransferConfirm(c *gin.Context) {
	var req transferConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "nonce and reset_code are required")
		return
	}
	newOwner := ""
	if !req.Release {
		newOwner = actingFor(models.GetPrincipalFromContext(c), req.NewOwnerID)
	}

	result, err := h.pairing.TransferConfirm(c.Request.Context(), services.TransferConfirmRequest{
		DeviceID:   c.Param("id"),
		Nonce:      req.Nonce,
		ResetCode:  req.ResetCode,
		NewOwnerID: newOwner,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"device_id":           result.DeviceID,
		"owner_id":            result.OwnerID,
		"status":              result.Status,
		"transfer_generation": result.TransferGeneration,
		"confirmed_at":        result.ConfirmedAt,
	}
	if result.Token != "" {
		resp["device_token"] = result.Token
		resp["token_expires_at"] = result.TokenExpiresAt
	}
	c.JSON(http.StatusOK, resp)
}

// Decommission handles DELETE /api/v1/devices/:id (operator only)
func (h *DeviceHandler) Decommission(c *gin.Context) {
	if err := h.pairing.Decommission(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device_id":         c.Param("id"),
		"decommissioned":    true,
		"decommissioned_at": time.Now().UTC(),
	})
}

// Status handles GET /api/v1/devices/:id/status
func (h *DeviceHandler) Status(c *gin.Context) {
	view, err := h.devices.GetStatus(
		c.Request.Context(),
		c.Param("id"),
		models.GetPrincipalFromContext(c),
	)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// actingFor resolves the subject an action is performed for. Only operators may
// name someone else.
func actingFor(p *models.Principal, requested string) string {
	if p == nil {
		return ""
	}
	if requested != "" && p.IsOperator() {
		return requested
	}
	return p.Subject
}
