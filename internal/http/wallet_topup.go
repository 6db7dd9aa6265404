package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/jmehdipour/sagaflow/internal/http/middleware"
	"github.com/jmehdipour/sagaflow/internal/service/payment"
	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

type Topupper interface {
	Topup(ctx context.Context, customerID, amount int64, requestID string) (payment.TopupResult, error)
}

type topupReq struct {
	Amount    int64  `json:"amount"`
	RequestID string `json:"request_id"`
}

// TopupHandler : wallet topup endpoint (idempotent per request_id).
func TopupHandler(svc Topupper) echo.HandlerFunc {
	return func(c echo.Context) error {
		customerID, ok := middleware.CustomerIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var req topupReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		res, err := svc.Topup(c.Request().Context(), customerID, req.Amount, req.RequestID)
		if errors.Is(err, payment.ErrInvalidTopup) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		}
		if err != nil {
			log.Errorf("topup failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"topup":       true,
			"idempotent":  res.Idempotent,
			"amount":      res.Amount,
			"customer_id": res.CustomerID,
			"request_id":  res.RequestID,
		})
	}
}
