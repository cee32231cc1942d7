package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/go-fleetgate/fleetgate/internal/catalog"
	"github.com/go-fleetgate/fleetgate/internal/models"
	"github.com/go-fleetgate/fleetgate/internal/services"

	"github.com/gin-gonic/gin"
)

// CommandSkillInstall is the command type understood by the agent's installer
const CommandSkillInstall = "skill.install"

// CatalogHandler exposes the skill catalog and turns install requests into commands
type CatalogHandler struct {
	catalog  *catalog.Service
	devices  *services.DeviceService
	commands *services.CommandService
}

func NewCatalogHandler(
	cs *catalog.Service,
	ds *services.DeviceService,
	cmds *services.CommandService,
) *CatalogHandler {
	return &CatalogHandler{catalog: cs, devices: ds, commands: cmds}
}

// Get handles GET /api/v1/catalog. Operators may pass refresh=true to drop
// the cached index and read the source again.
func (h *CatalogHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	if c.Query("refresh") == "true" {
		if !models.GetPrincipalFromContext(c).IsOperator() {
			c.JSON(http.StatusForbidden, gin.H{
				"error":             "forbidden",
				"error_description": "operator role required to refresh the catalog",
			})
			return
		}
		if err := h.catalog.Invalidate(ctx); err != nil {
			log.Printf("[Catalog] Failed to invalidate cached index: %v", err)
		}
	}

	index, err := h.catalog.FetchCatalog(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"skills":   index.Entries,
		"rejected": index.Rejected,
	})
}

type installSkillRequest struct {
	SkillID string `json:"skill_id" binding:"required"`
	// Version defaults to the highest version in the catalog
	Version          string `json:"version"`
	IdempotencyKey   string `json:"idempotency_key"`
	RequireConnected bool   `json:"require_connected"`
}

// InstallSkill handles POST /api/v1/devices/:id/skills. The resolved catalog
// entry becomes the payload of a skill.install command.
func (h *CatalogHandler) InstallSkill(c *gin.Context) {
	var req installSkillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "skill_id is required")
		return
	}

	ctx := c.Request.Context()
	principal := models.GetPrincipalFromContext(c)
	deviceID := c.Param("id")
	if _, err := h.devices.GetDevice(ctx, deviceID, principal); err != nil {
		respondError(c, err)
		return
	}

	index, err := h.catalog.FetchCatalog(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	entry, err := index.Lookup(req.SkillID, req.Version)
	if err != nil {
		respondError(c, err)
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		respondError(c, err)
		return
	}

	key := req.IdempotencyKey
	if key == "" {
		key = fmt.Sprintf("%s:%s@%s", CommandSkillInstall, entry.SkillID, entry.Version)
	}
	result, err := h.commands.Enqueue(ctx, services.EnqueueRequest{
		DeviceID:         deviceID,
		IdempotencyKey:   key,
		Type:             CommandSkillInstall,
		Payload:          payload,
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
		"skill":        entry,
	})
}
