package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmehdipour/sagaflow/internal/participant"
	"github.com/jmehdipour/sagaflow/internal/repository"
	"github.com/jmoiron/sqlx"
)

const (
	CommandReserve = "ReserveInventory"
	CommandRelease = "ReleaseInventory"

	ReasonInsufficient = "insufficient inventory"
	ReasonUnknownSKU   = "unknown sku"
	ReasonBadQuantity  = "invalid quantity"
)

// Reserved is returned as the reserve step's result data.
type Reserved struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// Service holds stock for a saga and gives it back on compensation.
type Service struct {
	repo repository.InventoryRepository
}

func New(repo repository.InventoryRepository) *Service {
	return &Service{repo: repo}
}

var _ participant.Step = (*Service)(nil)

func decode(cmd model.Command) (model.OrderInput, error) {
	var in model.OrderInput
	if err := json.Unmarshal(cmd.Payload, &in); err != nil {
		return in, fmt.Errorf("decode %s payload: %w", cmd.Name, err)
	}
	return in, nil
}

// Execute decrements stock and records a held reservation keyed by saga id.
func (s *Service) Execute(ctx context.Context, tx *sqlx.Tx, cmd model.Command) (participant.Result, error) {
	in, err := decode(cmd)
	if err != nil {
		return participant.Failure(err.Error()), nil
	}
	if in.Quantity <= 0 {
		return participant.Failure(ReasonBadQuantity), nil
	}

	stock, err := s.repo.StockForUpdate(ctx, tx, in.SKU)
	if errors.Is(err, repository.ErrProductNotFound) {
		return participant.Failure(ReasonUnknownSKU), nil
	}
	if err != nil {
		return participant.Result{}, fmt.Errorf("lock stock: %w", err)
	}
	if stock < in.Quantity {
		return participant.Failure(ReasonInsufficient), nil
	}

	if err := s.repo.AdjustStock(ctx, tx, in.SKU, -in.Quantity); err != nil {
		return participant.Result{}, fmt.Errorf("adjust stock: %w", err)
	}
	if err := s.repo.InsertReservation(ctx, tx, model.Reservation{
		SagaID:   cmd.SagaID,
		SKU:      in.SKU,
		Quantity: in.Quantity,
	}); err != nil {
		return participant.Result{}, fmt.Errorf("insert reservation: %w", err)
	}
	return participant.SuccessJSON(Reserved{SKU: in.SKU, Quantity: in.Quantity})
}

// Compensate releases the saga's reservation. Nothing held is a success.
func (s *Service) Compensate(ctx context.Context, tx *sqlx.Tx, cmd model.Command) (participant.Result, error) {
	res, err := s.repo.ReservationForUpdate(ctx, tx, cmd.SagaID)
	if err != nil {
		return participant.Result{}, fmt.Errorf("lock reservation: %w", err)
	}
	if res == nil || res.Status != model.ReservationHeld {
		return participant.Success(nil), nil
	}

	if err := s.repo.AdjustStock(ctx, tx, res.SKU, res.Quantity); err != nil {
		return participant.Result{}, fmt.Errorf("restock: %w", err)
	}
	if err := s.repo.ReleaseReservation(ctx, tx, cmd.SagaID); err != nil {
		return participant.Result{}, fmt.Errorf("release reservation: %w", err)
	}
	return participant.SuccessJSON(Reserved{SKU: res.SKU, Quantity: res.Quantity})
}
