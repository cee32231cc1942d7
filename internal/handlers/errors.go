package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-fleetgate/fleetgate/internal/catalog"
	"github.com/go-fleetgate/fleetgate/internal/services"

	"github.com/gin-gonic/gin"
)

type apiError struct {
	status int
	code   string
}

// errorTable maps service errors to the status and error code returned to API clients
var errorTable = []struct {
	err error
	apiError
}{
	{services.ErrInvalidPairingCode, apiError{http.StatusBadRequest, "invalid_pairing_code"}},
	{services.ErrTransferNonceInvalid, apiError{http.StatusBadRequest, "transfer_nonce_invalid"}},
	{services.ErrInvalidDeviceID, apiError{http.StatusBadRequest, "invalid_device_id"}},
	{services.ErrInvalidCommand, apiError{http.StatusBadRequest, "invalid_command"}},
	{services.ErrCommandExpired, apiError{http.StatusBadRequest, "command_expired"}},
	{services.ErrInvalidToken, apiError{http.StatusUnauthorized, "invalid_token"}},
	{services.ErrTokenRevoked, apiError{http.StatusUnauthorized, "token_revoked"}},
	{services.ErrPhysicalCodeMismatch, apiError{http.StatusForbidden, "physical_code_mismatch"}},
	{services.ErrNotOwner, apiError{http.StatusForbidden, "not_owner"}},
	{services.ErrDeviceNotFound, apiError{http.StatusNotFound, "device_not_found"}},
	{services.ErrCommandNotFound, apiError{http.StatusNotFound, "command_not_found"}},
	{catalog.ErrSkillNotFound, apiError{http.StatusNotFound, "skill_not_found"}},
	{services.ErrAlreadyClaimed, apiError{http.StatusConflict, "already_claimed"}},
	{services.ErrDeviceNotClaimed, apiError{http.StatusConflict, "device_not_claimed"}},
	{services.ErrDeviceExists, apiError{http.StatusConflict, "device_exists"}},
	{services.ErrDeviceUnreachable, apiError{http.StatusConflict, "device_unreachable"}},
	{services.ErrDuplicateCommandID, apiError{http.StatusConflict, "duplicate_command_id"}},
	{services.ErrCodeExpired, apiError{http.StatusGone, "code_expired"}},
	{services.ErrTransferNonceExpired, apiError{http.StatusGone, "transfer_nonce_expired"}},
	{services.ErrDeviceDecommissioned, apiError{http.StatusGone, "device_decommissioned"}},
	{catalog.ErrCatalogUnavailable, apiError{http.StatusServiceUnavailable, "catalog_unavailable"}},
}

func classify(err error) apiError {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.apiError
		}
	}
	return apiError{http.StatusInternalServerError, "server_error"}
}

// respondError writes the JSON error body for err. Unclassified errors are
// logged and reported without their message.
func respondError(c *gin.Context, err error) {
	e := classify(err)
	description := err.Error()
	if e.status == http.StatusInternalServerError {
		log.Printf("[API] %s %s failed: %v", c.Request.Method, c.FullPath(), err)
		description = "internal error"
	}
	c.JSON(e.status, gin.H{
		"error":             e.code,
		"error_description": description,
	})
}

func badRequest(c *gin.Context, description string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":             "invalid_request",
		"error_description": description,
	})
}
