package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmehdipour/sagaflow/internal/db"
	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmehdipour/sagaflow/internal/participant"
	"github.com/jmehdipour/sagaflow/internal/repository"
	"github.com/jmoiron/sqlx"
)

const (
	CommandCharge = "ChargePayment"
	CommandRefund = "RefundPayment"

	ReasonInsufficientFunds = "insufficient funds"
	ReasonBadAmount         = "invalid amount"
)

var ErrInvalidTopup = errors.New("invalid topup")

// Charged is the result data of both charge and refund.
type Charged struct {
	CustomerID int64 `json:"customer_id"`
	Amount     int64 `json:"amount"`
}

// Service charges and refunds prepaid wallets. Every balance change has a
// ledger row whose idempotency key is derived from the saga id.
type Service struct {
	db     *sqlx.DB
	wallet repository.WalletRepository
	ledger repository.LedgerRepository
}

func New(dbx *sqlx.DB, wallet repository.WalletRepository, ledger repository.LedgerRepository) *Service {
	return &Service{db: dbx, wallet: wallet, ledger: ledger}
}

var _ participant.Step = (*Service)(nil)

func chargeKey(sagaID string) string { return "charge-" + sagaID }
func refundKey(sagaID string) string { return "refund-" + sagaID }

func (s *Service) Execute(ctx context.Context, tx *sqlx.Tx, cmd model.Command) (participant.Result, error) {
	var in model.OrderInput
	if err := json.Unmarshal(cmd.Payload, &in); err != nil {
		return participant.Failure(fmt.Sprintf("decode %s payload: %v", cmd.Name, err)), nil
	}
	if in.Amount <= 0 {
		return participant.Failure(ReasonBadAmount), nil
	}
	charged := Charged{CustomerID: in.CustomerID, Amount: in.Amount}

	acct, err := s.wallet.GetForUpdate(ctx, tx, in.CustomerID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return participant.Failure(ReasonInsufficientFunds), nil
	}
	if err != nil {
		return participant.Result{}, fmt.Errorf("lock wallet: %w", err)
	}

	if done, err := s.ledger.ExistsByIdem(ctx, tx, chargeKey(cmd.SagaID)); err != nil {
		return participant.Result{}, fmt.Errorf("ledger lookup: %w", err)
	} else if done {
		return participant.SuccessJSON(charged)
	}

	if acct.Balance < in.Amount {
		return participant.Failure(ReasonInsufficientFunds), nil
	}

	if err := s.wallet.Adjust(ctx, tx, in.CustomerID, -in.Amount); err != nil {
		return participant.Result{}, fmt.Errorf("wallet debit: %w", err)
	}
	if _, err := s.ledger.Insert(ctx, tx, repository.LedgerRow{
		CustomerID: in.CustomerID,
		Op:         repository.LedgerCharge,
		Amount:     in.Amount,
		Idem:       chargeKey(cmd.SagaID),
		SagaID:     cmd.SagaID,
	}); err != nil {
		return participant.Result{}, fmt.Errorf("ledger charge: %w", err)
	}
	return participant.SuccessJSON(charged)
}

// Compensate refunds exactly what the saga was charged, at most once. An
// undecodable payload is a failure reply so the saga ends up failed instead
// of the command being redelivered forever.
func (s *Service) Compensate(ctx context.Context, tx *sqlx.Tx, cmd model.Command) (participant.Result, error) {
	var in model.OrderInput
	if err := json.Unmarshal(cmd.Payload, &in); err != nil {
		return participant.Failure(fmt.Sprintf("decode %s payload: %v", cmd.Name, err)), nil
	}

	if _, err := s.wallet.GetForUpdate(ctx, tx, in.CustomerID); errors.Is(err, repository.ErrAccountNotFound) {
		return participant.Success(nil), nil
	} else if err != nil {
		return participant.Result{}, fmt.Errorf("lock wallet: %w", err)
	}

	amount, found, err := s.ledger.AmountByIdem(ctx, tx, chargeKey(cmd.SagaID))
	if err != nil {
		return participant.Result{}, fmt.Errorf("ledger lookup: %w", err)
	}
	if !found {
		return participant.Success(nil), nil
	}

	inserted, err := s.ledger.Insert(ctx, tx, repository.LedgerRow{
		CustomerID: in.CustomerID,
		Op:         repository.LedgerRefund,
		Amount:     amount,
		Idem:       refundKey(cmd.SagaID),
		SagaID:     cmd.SagaID,
	})
	if err != nil {
		return participant.Result{}, fmt.Errorf("ledger refund: %w", err)
	}
	if inserted {
		if err := s.wallet.Adjust(ctx, tx, in.CustomerID, amount); err != nil {
			return participant.Result{}, fmt.Errorf("wallet credit: %w", err)
		}
	}
	return participant.SuccessJSON(Charged{CustomerID: in.CustomerID, Amount: amount})
}

// TopupResult tells whether the request id had been applied before.
type TopupResult struct {
	CustomerID int64  `json:"customer_id"`
	Amount     int64  `json:"amount"`
	RequestID  string `json:"request_id"`
	Idempotent bool   `json:"idempotent"`
}

// Topup credits the wallet once per request id.
func (s *Service) Topup(ctx context.Context, customerID, amount int64, requestID string) (TopupResult, error) {
	requestID = strings.TrimSpace(requestID)
	if customerID <= 0 || amount <= 0 || requestID == "" || len(requestID) > 128 {
		return TopupResult{}, ErrInvalidTopup
	}
	out := TopupResult{CustomerID: customerID, Amount: amount, RequestID: requestID}

	err := db.WithTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		if err := s.wallet.UpsertAccount(ctx, tx, customerID); err != nil {
			return fmt.Errorf("wallet upsert: %w", err)
		}
		inserted, err := s.ledger.Insert(ctx, tx, repository.LedgerRow{
			CustomerID: customerID,
			Op:         repository.LedgerTopup,
			Amount:     amount,
			Idem:       "topup-" + requestID,
		})
		if err != nil {
			return fmt.Errorf("ledger topup: %w", err)
		}
		if !inserted {
			out.Idempotent = true
			return nil
		}
		return s.wallet.Topup(ctx, tx, customerID, amount)
	})
	if err != nil {
		return TopupResult{}, err
	}
	return out, nil
}
