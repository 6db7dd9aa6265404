package http

import (
	"net/http"
	"strings"

	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmehdipour/sagaflow/internal/repository"
	echo "github.com/labstack/echo/v4"
)

func listSagasHandler(chRepo repository.CHSagasRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset := pageParams(c)

		status := strings.TrimSpace(c.QueryParam("status"))
		switch model.SagaStatus(status) {
		case "", model.SagaRunning, model.SagaCompensating, model.SagaCompleted, model.SagaCompensated, model.SagaFailed:
		default:
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
		}

		rows, err := chRepo.List(c.Request().Context(), strings.TrimSpace(c.QueryParam("saga_type")), status, limit, offset)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}
