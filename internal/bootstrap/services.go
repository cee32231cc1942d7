package bootstrap

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/go-fleetgate/fleetgate/internal/cache"
	"github.com/go-fleetgate/fleetgate/internal/catalog"
	"github.com/go-fleetgate/fleetgate/internal/client"
	"github.com/go-fleetgate/fleetgate/internal/config"
	"github.com/go-fleetgate/fleetgate/internal/credential"
	"github.com/go-fleetgate/fleetgate/internal/metrics"
	"github.com/go-fleetgate/fleetgate/internal/scheduler"
	"github.com/go-fleetgate/fleetgate/internal/services"
	"github.com/go-fleetgate/fleetgate/internal/session"
	"github.com/go-fleetgate/fleetgate/internal/store"
)

// initializeSealer loads the age identity that seals factory secrets
func initializeSealer(cfg *config.Config) (*credential.Sealer, error) {
	if cfg.SealingIdentity == "" {
		return credential.GenerateSealer()
	}
	return credential.NewSealer(cfg.SealingIdentity)
}

// initializeServices creates the pairing, device and command services
func initializeServices(
	cfg *config.Config,
	db *store.Store,
	auditService *services.AuditService,
	prometheusMetrics metrics.Recorder,
) (*services.PairingService, *services.DeviceService, *services.CommandService, error) {
	sealer, err := initializeSealer(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load sealing identity: %w", err)
	}
	verifier, err := credential.New(cfg.CredentialScheme)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Printf("Credential scheme: %s", verifier.Name())

	pairingService := services.NewPairingService(db, cfg, sealer, verifier, auditService, prometheusMetrics)
	deviceService := services.NewDeviceService(db, cfg, auditService, prometheusMetrics)
	commandService := services.NewCommandService(db, cfg, auditService, prometheusMetrics)
	return pairingService, deviceService, commandService, nil
}

// initializeHub creates the session hub and connects it to the services that
// push into live sessions
func initializeHub(
	cfg *config.Config,
	pairing *services.PairingService,
	devices *services.DeviceService,
	commands *services.CommandService,
	auditService *services.AuditService,
	prometheusMetrics metrics.Recorder,
) *session.Hub {
	hub := session.NewHub(devices, commands, auditService, prometheusMetrics, session.OptionsFromConfig(cfg))
	pairing.SetSessionTerminator(hub)
	commands.SetNotifier(hub)
	return hub
}

// initializeScheduler creates the retry and expiry scheduler
func initializeScheduler(
	cfg *config.Config,
	commands *services.CommandService,
	devices *services.DeviceService,
	hub *session.Hub,
) *scheduler.Scheduler {
	return scheduler.New(commands, hub, devices, cfg.CommandMaxRetries, cfg.DispatchBatchLimit)
}

// initializeCatalog creates the catalog service backed by the retrying HTTP client
func initializeCatalog(
	cfg *config.Config,
	catalogCache cache.Cache[catalog.Index],
	prometheusMetrics metrics.Recorder,
) (*catalog.Service, error) {
	if cfg.CatalogURL == "" {
		log.Println("Skill catalog: CATALOG_URL not set, catalog is empty")
	} else {
		log.Printf("Skill catalog: %s (auth: %s)", cfg.CatalogURL, cfg.CatalogAuthMode)
	}

	retryClient, err := client.CreateRetryClient(client.Options{
		AuthMode:           cfg.CatalogAuthMode,
		AuthSecret:         cfg.CatalogAuthSecret,
		AuthHeader:         cfg.CatalogAuthHeader,
		Timeout:            cfg.CatalogTimeout,
		InsecureSkipVerify: cfg.CatalogInsecureSkipVerify,
		MaxRetries:         cfg.CatalogMaxRetries,
		RetryDelay:         cfg.CatalogRetryDelay,
		MaxRetryDelay:      cfg.CatalogMaxRetryDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog client: %w", err)
	}
	getter := catalog.GetterFunc(func(ctx context.Context, url string) (*http.Response, error) {
		return retryClient.Get(ctx, url)
	})

	return catalog.NewService(
		getter,
		cfg.CatalogURL,
		catalog.ParseOptions{AllowInsecureHTTP: cfg.CatalogAllowInsecureHTTP},
		catalogCache,
		cfg.CatalogCacheTTL,
		prometheusMetrics,
	), nil
}
