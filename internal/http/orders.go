package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jmehdipour/sagaflow/internal/http/middleware"
	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmehdipour/sagaflow/internal/service/order"
	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

type OrderService interface {
	PlaceOrder(ctx context.Context, customerID int64, req order.PlaceOrderRequest) (*model.Order, bool, error)
	Get(ctx context.Context, customerID int64, id string) (*model.Order, error)
}

type orderResp struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	SagaID    string `json:"saga_id"`
	CreatedAt string `json:"created_at"`
}

func toOrderResp(o *model.Order) orderResp {
	return orderResp{
		ID:        o.ID,
		RequestID: o.RequestID,
		SKU:       o.SKU,
		Quantity:  o.Quantity,
		Amount:    o.Amount,
		Status:    o.Status.String(),
		Reason:    o.Reason.String,
		SagaID:    o.SagaID,
		CreatedAt: o.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// placeOrderHandler answers 202 for a new order and 200 when the request id
// was already used; the order is pending until its saga ends.
func placeOrderHandler(svc OrderService) echo.HandlerFunc {
	return func(c echo.Context) error {
		custID, ok := middleware.CustomerIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var req order.PlaceOrderRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		o, created, err := svc.PlaceOrder(c.Request().Context(), custID, req)
		switch {
		case errors.Is(err, order.ErrInvalidOrder):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, order.ErrUnknownProduct):
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "unknown sku"})
		case err != nil:
			log.Errorf("place order failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		status := http.StatusAccepted
		if !created {
			status = http.StatusOK
		}
		return c.JSON(status, toOrderResp(o))
	}
}

func getOrderHandler(svc OrderService) echo.HandlerFunc {
	return func(c echo.Context) error {
		custID, ok := middleware.CustomerIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		id := strings.TrimSpace(c.Param("id"))

		o, err := svc.Get(c.Request().Context(), custID, id)
		if errors.Is(err, model.ErrOrderNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "order not found"})
		}
		if err != nil {
			log.Errorf("get order %s failed: %v", id, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return c.JSON(http.StatusOK, toOrderResp(o))
	}
}
