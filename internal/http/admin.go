package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmehdipour/sagaflow/internal/model"
	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// OutboxAdmin is the operator's view of dead-lettered outbox rows.
type OutboxAdmin interface {
	ListFailed(ctx context.Context, limit, offset int) ([]model.OutboxRecord, error)
	Requeue(ctx context.Context, id string, at time.Time) (bool, error)
}

type failedResp struct {
	ID            string    `json:"id"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	EventType     string    `json:"event_type"`
	Topic         string    `json:"topic"`
	RetryCount    int       `json:"retry_count"`
	ErrorReason   string    `json:"error_reason"`
	CreatedAt     time.Time `json:"created_at"`
}

func listFailedHandler(ob OutboxAdmin) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset := pageParams(c)
		rows, err := ob.ListFailed(c.Request().Context(), limit, offset)
		if err != nil {
			log.Errorf("list failed outbox: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		out := make([]failedResp, 0, len(rows))
		for _, r := range rows {
			out = append(out, failedResp{
				ID:            r.ID,
				AggregateType: r.AggregateType,
				AggregateID:   r.AggregateID,
				EventType:     r.EventType,
				Topic:         r.Topic,
				RetryCount:    r.RetryCount,
				ErrorReason:   r.ErrorReason.String,
				CreatedAt:     r.CreatedAt,
			})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(out),
			"results": out,
		})
	}
}

// requeueHandler puts a failed row back to pending with a fresh retry budget.
func requeueHandler(ob OutboxAdmin) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		ok, err := ob.Requeue(c.Request().Context(), id, time.Now().UTC())
		if err != nil {
			log.Errorf("requeue %s: %v", id, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if !ok {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "no failed record with that id"})
		}
		return c.JSON(http.StatusOK, map[string]any{"requeued": true, "id": id})
	}
}
