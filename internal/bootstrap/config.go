package bootstrap

import (
	"errors"
	"log"

	"github.com/go-fleetgate/fleetgate/internal/config"
)

const defaultJWTSecret = "your-256-bit-secret-change-in-production" //nolint:gosec // G101: placeholder, rejected in production

// validateAllConfiguration validates all configuration settings
func validateAllConfiguration(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := validateAdminAuthConfig(cfg); err != nil {
		return err
	}
	if cfg.SealingIdentity == "" {
		log.Println("WARNING: SEALING_IDENTITY not set, factory secrets are sealed with an ephemeral key")
	}
	return nil
}

// validateAdminAuthConfig checks the admin API signing secret
func validateAdminAuthConfig(cfg *config.Config) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if cfg.IsProduction && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be changed in production")
	}
	if len(cfg.JWTSecret) < 32 && cfg.IsProduction {
		return errors.New("JWT_SECRET must be at least 32 bytes in production")
	}
	return nil
}
