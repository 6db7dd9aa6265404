package order

import (
	"encoding/json"
	"errors"

	"github.com/jmehdipour/sagaflow/internal/config"
	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmehdipour/sagaflow/internal/saga"
	"github.com/jmehdipour/sagaflow/internal/service/inventory"
	"github.com/jmehdipour/sagaflow/internal/service/payment"
	"github.com/jmehdipour/sagaflow/internal/service/shipping"
)

// SagaType is the saga started for every order.
const SagaType = "place-order"

const (
	StepReserve = "reserve-inventory"
	StepCharge  = "charge-payment"
	StepShip    = "create-shipment"
)

// inputPayload sends every step the order itself rather than the whole saga data.
func inputPayload(data model.SagaData) (json.RawMessage, error) {
	in, ok := data[model.DataInput]
	if !ok {
		return nil, errors.New("saga data has no input")
	}
	return in, nil
}

// Definition builds the place-order saga: reserve stock, charge the wallet,
// then create the shipment.
func Definition(topics config.TopicsConfig) (*saga.Definition, error) {
	return saga.NewDefinition(SagaType, topics.SagaReplies).
		Step(StepReserve, topics.InventoryCommands, inventory.CommandReserve,
			saga.Compensate(inventory.CommandRelease), saga.Payload(inputPayload)).
		Step(StepCharge, topics.PaymentCommands, payment.CommandCharge,
			saga.Compensate(payment.CommandRefund), saga.Payload(inputPayload)).
		Step(StepShip, topics.ShippingCommands, shipping.CommandCreate,
			saga.Compensate(shipping.CommandCancel), saga.Payload(inputPayload)).
		Build()
}
