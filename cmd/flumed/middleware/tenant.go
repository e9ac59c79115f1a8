package middleware

import (
	"github.com/labstack/echo/v4"
)

// ContextKey is a typed key for values stored on the echo context
type ContextKey string

const (
	// TenantKey is the context key holding the resolved tenant ID
	TenantKey ContextKey = "tenant"

	// DefaultTenant is assumed when a request carries no tenant header,
	// so single-tenant deployments need no extra configuration.
	DefaultTenant = "default"
)

// ExtractTenant reads the tenant ID from the configured request header
// and stores it on the context for handlers and rate limiting.
func ExtractTenant(header string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenant := c.Request().Header.Get(header)
			if tenant == "" {
				tenant = DefaultTenant
			}
			c.Set(string(TenantKey), tenant)
			return next(c)
		}
	}
}

// GetTenant retrieves the tenant ID set by ExtractTenant. It falls back
// to the default tenant when the middleware did not run (tests, probes).
func GetTenant(c echo.Context) string {
	if tenant, ok := c.Get(string(TenantKey)).(string); ok && tenant != "" {
		return tenant
	}
	return DefaultTenant
}
