package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/lumenbank/lumen/internal/services"
)

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if req := c.Request; req != nil {
		return req.Context()
	}
	return context.Background()
}

// clientContext extracts the caller details recorded in audit entries.
func clientContext(c *gin.Context) services.ClientContext {
	if c == nil || c.Request == nil {
		return services.ClientContext{}
	}
	return services.ClientContext{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}
