package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jmehdipour/sagaflow/internal/http/middleware"
	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmehdipour/sagaflow/internal/saga"
	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

type SagaReader interface {
	Get(ctx context.Context, sagaID string) (*saga.View, error)
}

type historyResp struct {
	Step      string    `json:"step"`
	Kind      string    `json:"kind"`
	CommandID string    `json:"command_id,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

type sagaResp struct {
	SagaID    string         `json:"saga_id"`
	SagaType  string         `json:"saga_type"`
	Status    string         `json:"status"`
	State     string         `json:"state"`
	Step      int            `json:"current_step"`
	Attempts  int            `json:"attempts"`
	Reason    string         `json:"reason,omitempty"`
	Data      model.SagaData `json:"data"`
	History   []historyResp  `json:"history"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ownedBy reports whether the saga input names customerID. Sagas whose input
// carries no customer are visible to nobody through this endpoint.
func ownedBy(data model.SagaData, customerID int64) bool {
	var in struct {
		CustomerID int64 `json:"customer_id"`
	}
	raw, ok := data[model.DataInput]
	if !ok || json.Unmarshal(raw, &in) != nil {
		return false
	}
	return in.CustomerID == customerID
}

func getSagaHandler(sagas SagaReader) echo.HandlerFunc {
	return func(c echo.Context) error {
		custID, ok := middleware.CustomerIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		v, err := sagas.Get(c.Request().Context(), c.Param("id"))
		if errors.Is(err, model.ErrSagaNotFound) || (err == nil && !ownedBy(v.Instance.Data, custID)) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "saga not found"})
		}
		if err != nil {
			log.Errorf("get saga failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		inst := v.Instance
		out := sagaResp{
			SagaID:    inst.SagaID,
			SagaType:  inst.SagaType,
			Status:    inst.Status.String(),
			State:     inst.State,
			Step:      inst.CurrentStep,
			Attempts:  inst.Attempts,
			Reason:    inst.FailureReason.String,
			Data:      inst.Data,
			History:   make([]historyResp, 0, len(v.History)),
			UpdatedAt: inst.UpdatedAt,
		}
		for _, h := range v.History {
			out.History = append(out.History, historyResp{
				Step:      h.Step,
				Kind:      string(h.Kind),
				CommandID: h.CommandID.String,
				Outcome:   h.Outcome.String,
				Detail:    h.Detail.String,
				At:        h.CreatedAt,
			})
		}
		return c.JSON(http.StatusOK, out)
	}
}
