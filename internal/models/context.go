package models

import (
	"context"

	"github.com/gin-gonic/gin"
)

// Admin API roles
const (
	RoleOperator = "operator"
	RoleOwner    = "owner"
)

// Principal is the authenticated caller of the administrative API
type Principal struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
}

// IsOperator reports whether the caller has fleet-wide rights
func (p *Principal) IsOperator() bool {
	return p != nil && p.Role == RoleOperator
}

type principalContextKey struct{}

// SetPrincipalContext stores the principal in a plain context
func SetPrincipalContext(ctx context.Context, p *Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, principalContextKey{}, p)
}

// GetPrincipalFromContext extracts the principal set by the admin auth middleware.
// It checks the Gin context key "principal" first, then the plain context value.
func GetPrincipalFromContext(ctx context.Context) *Principal {
	if ginCtx, ok := ctx.(*gin.Context); ok {
		if val, exists := ginCtx.Get("principal"); exists {
			if p, ok := val.(*Principal); ok {
				return p
			}
		}
		if ginCtx.Request == nil {
			return nil
		}
		ctx = ginCtx.Request.Context()
	}
	if p, ok := ctx.Value(principalContextKey{}).(*Principal); ok {
		return p
	}
	return nil
}
