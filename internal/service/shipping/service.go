package shipping

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmehdipour/sagaflow/internal/participant"
	"github.com/jmehdipour/sagaflow/internal/repository"
	"github.com/jmoiron/sqlx"
)

const (
	CommandCreate = "CreateShipment"
	CommandCancel = "CancelShipment"

	ReasonNoAddress = "missing shipping address"
)

type Created struct {
	ShipmentID string `json:"shipment_id"`
}

type Service struct {
	repo repository.ShipmentsRepository
}

func New(repo repository.ShipmentsRepository) *Service {
	return &Service{repo: repo}
}

var _ participant.Step = (*Service)(nil)

// Execute creates one shipment per saga. A shipment already present for the
// saga is returned as is.
func (s *Service) Execute(ctx context.Context, tx *sqlx.Tx, cmd model.Command) (participant.Result, error) {
	var in model.OrderInput
	if err := json.Unmarshal(cmd.Payload, &in); err != nil {
		return participant.Failure(fmt.Sprintf("decode %s payload: %v", cmd.Name, err)), nil
	}
	if in.Address == "" {
		return participant.Failure(ReasonNoAddress), nil
	}

	existing, err := s.repo.GetBySaga(ctx, tx, cmd.SagaID)
	if err != nil {
		return participant.Result{}, fmt.Errorf("get shipment: %w", err)
	}
	if existing != nil {
		return participant.SuccessJSON(Created{ShipmentID: existing.ID})
	}

	sh := model.Shipment{
		ID:      uuid.NewString(),
		SagaID:  cmd.SagaID,
		OrderID: in.OrderID,
		Address: in.Address,
	}
	if err := s.repo.Insert(ctx, tx, sh); err != nil {
		return participant.Result{}, fmt.Errorf("insert shipment: %w", err)
	}
	return participant.SuccessJSON(Created{ShipmentID: sh.ID})
}

func (s *Service) Compensate(ctx context.Context, tx *sqlx.Tx, cmd model.Command) (participant.Result, error) {
	existing, err := s.repo.GetBySaga(ctx, tx, cmd.SagaID)
	if err != nil {
		return participant.Result{}, fmt.Errorf("get shipment: %w", err)
	}
	if existing == nil || existing.Status == model.ShipmentCancelled {
		return participant.Success(nil), nil
	}
	if err := s.repo.Cancel(ctx, tx, cmd.SagaID); err != nil {
		return participant.Result{}, fmt.Errorf("cancel shipment: %w", err)
	}
	return participant.SuccessJSON(Created{ShipmentID: existing.ID})
}
