package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/go-fleetgate/fleetgate/internal/middleware"
	"github.com/go-fleetgate/fleetgate/internal/protocol"
	"github.com/go-fleetgate/fleetgate/internal/services"
	"github.com/go-fleetgate/fleetgate/internal/session"
	"github.com/go-fleetgate/fleetgate/internal/util"

	"github.com/gin-gonic/gin"
)

// SessionHandler upgrades authenticated devices to a hub session
type SessionHandler struct {
	devices  *services.DeviceService
	hub      *session.Hub
	upgrader *protocol.Upgrader
}

func NewSessionHandler(
	ds *services.DeviceService,
	hub *session.Hub,
	upgrader *protocol.Upgrader,
) *SessionHandler {
	return &SessionHandler{devices: ds, hub: hub, upgrader: upgrader}
}

// Connect handles GET /device/session. The device token is checked before the
// upgrade so rejected devices get a plain HTTP 401.
func (h *SessionHandler) Connect(c *gin.Context) {
	raw, err := middleware.BearerToken(c)
	if err != nil {
		c.Header("WWW-Authenticate", `Bearer realm="device"`)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":             "invalid_token",
			"error_description": err.Error(),
		})
		return
	}

	device, err := h.devices.Authenticate(c.Request.Context(), raw)
	if err != nil {
		if errors.Is(err, services.ErrInvalidToken) || errors.Is(err, services.ErrTokenRevoked) {
			c.Header("WWW-Authenticate", `Bearer realm="device", error="invalid_token"`)
		}
		respondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request)
	if err != nil {
		// The upgrader has already written the HTTP error
		log.Printf("[Hub] upgrade failed for %s: %v", device.DeviceID, err)
		return
	}

	// The session outlives the HTTP handler's request context
	ctx := util.WithClientIP(context.WithoutCancel(c.Request.Context()), c.ClientIP())
	if err := h.hub.Serve(ctx, conn, device); err != nil && !errors.Is(err, session.ErrHubClosed) {
		log.Printf("[Hub] session for %s ended: %v", device.DeviceID, err)
	}
}
