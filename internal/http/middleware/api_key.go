package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/jmehdipour/sagaflow/internal/model"
	echo "github.com/labstack/echo/v4"
)

const (
	HeaderAPIKey   = "X-API-Key"
	HeaderAdminKey = "X-Admin-Key"

	ctxCustomerID  = "customer_id"
	ctxCustomerRPS = "customer_rps"
)

// CustomerLookup is satisfied by repository.CustomersRepository.
type CustomerLookup interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Customer, error)
}

// CustomerIDFromCtx extracts authenticated customer_id set by APIKeyMiddleware.
func CustomerIDFromCtx(c echo.Context) (int64, bool) {
	id, ok := c.Get(ctxCustomerID).(int64)
	return id, ok && id > 0
}

// APIKeyMiddleware authenticates requests using X-API-Key header.
// On success it stores customer_id in context; suspended accounts are refused.
func APIKeyMiddleware(customers CustomerLookup) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get(HeaderAPIKey))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			cu, err := customers.GetByAPIKey(c.Request().Context(), key)
			if err != nil {
				c.Logger().Errorf("api key lookup failed: %v", err)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "auth error"})
			}
			if cu == nil || !cu.Active() {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			c.Set(ctxCustomerID, cu.ID)
			if cu.RateLimitRPS != nil {
				c.Set(ctxCustomerRPS, *cu.RateLimitRPS)
			}
			return next(c)
		}
	}
}

// AdminKeyMiddleware guards operator endpoints with a static key. An empty
// key closes them.
func AdminKeyMiddleware(adminKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if adminKey == "" {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "admin api disabled"})
			}
			got := c.Request().Header.Get(HeaderAdminKey)
			if subtle.ConstantTimeCompare([]byte(got), []byte(adminKey)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid admin key"})
			}
			return next(c)
		}
	}
}
