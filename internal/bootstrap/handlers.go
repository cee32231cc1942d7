package bootstrap

import (
	"github.com/go-fleetgate/fleetgate/internal/catalog"
	"github.com/go-fleetgate/fleetgate/internal/config"
	"github.com/go-fleetgate/fleetgate/internal/handlers"
	"github.com/go-fleetgate/fleetgate/internal/protocol"
	"github.com/go-fleetgate/fleetgate/internal/services"
	"github.com/go-fleetgate/fleetgate/internal/session"
)

// handlerSet holds all HTTP handlers
type handlerSet struct {
	device  *handlers.DeviceHandler
	command *handlers.CommandHandler
	catalog *handlers.CatalogHandler
	audit   *handlers.AuditHandler
	session *handlers.SessionHandler
}

// initializeHandlers creates all HTTP handlers
func initializeHandlers(
	cfg *config.Config,
	pairingService *services.PairingService,
	deviceService *services.DeviceService,
	commandService *services.CommandService,
	catalogService *catalog.Service,
	auditService *services.AuditService,
	hub *session.Hub,
) handlerSet {
	return handlerSet{
		device:  handlers.NewDeviceHandler(pairingService, deviceService),
		command: handlers.NewCommandHandler(deviceService, commandService),
		catalog: handlers.NewCatalogHandler(catalogService, deviceService, commandService),
		audit:   handlers.NewAuditHandler(auditService),
		session: handlers.NewSessionHandler(deviceService, hub, protocol.NewUpgrader(cfg.WriteTimeout)),
	}
}
