package util

import (
	"context"

	"github.com/gin-gonic/gin"
)

type clientIPKey struct{}

// ClientIPMiddleware copies gin's resolved client IP (trusted proxies
// applied) into the request context, so services writing audit entries can
// read it without a gin dependency.
func ClientIPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}

// WithClientIP attaches ip to ctx. Device sessions use it directly because
// their context outlives the upgrade request.
func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIP returns the address stored by WithClientIP, or "" if none
func ClientIP(ctx context.Context) string {
	if c, ok := ctx.(*gin.Context); ok {
		return c.ClientIP()
	}
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}
