package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmehdipour/sagaflow/internal/db"
	"github.com/jmehdipour/sagaflow/internal/metrics"
	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmehdipour/sagaflow/internal/repository"
	"github.com/jmehdipour/sagaflow/internal/util"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var (
	ErrInvalidOrder   = errors.New("invalid order")
	ErrUnknownProduct = errors.New("unknown product")
)

const mysqlDuplicateEntry = 1062

// Starter starts a saga inside the caller's transaction.
type Starter interface {
	Start(ctx context.Context, tx *sqlx.Tx, sagaType, sagaID string, input any) error
}

type ProductReader interface {
	GetProduct(ctx context.Context, sku string) (*model.Product, error)
}

type PlaceOrderRequest struct {
	RequestID string `json:"request_id"`
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	Address   string `json:"address"`
}

func (r *PlaceOrderRequest) normalize() error {
	r.RequestID = strings.TrimSpace(r.RequestID)
	r.SKU = strings.TrimSpace(r.SKU)
	r.Address = strings.TrimSpace(r.Address)
	switch {
	case r.RequestID == "" || len(r.RequestID) > 128:
		return fmt.Errorf("%w: request_id", ErrInvalidOrder)
	case r.SKU == "":
		return fmt.Errorf("%w: sku", ErrInvalidOrder)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: quantity", ErrInvalidOrder)
	case r.Address == "" || len(r.Address) > 512:
		return fmt.Errorf("%w: address", ErrInvalidOrder)
	}
	return nil
}

// Service persists orders and starts their saga in the same transaction.
type Service struct {
	db       *sqlx.DB
	orders   repository.OrdersRepository
	products ProductReader
	sagas    Starter
	log      *zap.Logger

	// inTx is swapped in tests that run without a database.
	inTx func(ctx context.Context, fn func(*sqlx.Tx) error) error
}

func New(dbx *sqlx.DB, orders repository.OrdersRepository, products ProductReader, sagas Starter, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{db: dbx, orders: orders, products: products, sagas: sagas, log: log}
	s.inTx = func(ctx context.Context, fn func(*sqlx.Tx) error) error {
		return db.WithTx(ctx, s.db, nil, fn)
	}
	return s
}

// PlaceOrder creates a pending order and starts the place-order saga. A
// request id the customer already used returns the existing order with
// created=false.
func (s *Service) PlaceOrder(ctx context.Context, customerID int64, req PlaceOrderRequest) (o *model.Order, created bool, err error) {
	if err := req.normalize(); err != nil {
		return nil, false, err
	}

	if existing, err := s.orders.GetByRequest(ctx, customerID, req.RequestID); err != nil {
		return nil, false, fmt.Errorf("lookup request: %w", err)
	} else if existing != nil {
		return existing, false, nil
	}

	p, err := s.products.GetProduct(ctx, req.SKU)
	if errors.Is(err, repository.ErrProductNotFound) {
		return nil, false, ErrUnknownProduct
	}
	if err != nil {
		return nil, false, fmt.Errorf("get product: %w", err)
	}

	now := time.Now().UTC()
	order := model.Order{
		ID:         util.New(),
		CustomerID: customerID,
		RequestID:  req.RequestID,
		SKU:        req.SKU,
		Quantity:   req.Quantity,
		Amount:     p.Price * int64(req.Quantity),
		Address:    req.Address,
		Status:     model.OrderPending,
		SagaID:     uuid.NewString(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	input := model.OrderInput{
		OrderID:    order.ID,
		CustomerID: customerID,
		SKU:        order.SKU,
		Quantity:   order.Quantity,
		Amount:     order.Amount,
		Address:    order.Address,
	}

	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.orders.InsertPending(ctx, tx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return s.sagas.Start(ctx, tx, SagaType, order.SagaID, input)
	})
	if isDuplicate(err) {
		// lost a race with a concurrent request carrying the same id
		existing, gerr := s.orders.GetByRequest(ctx, customerID, req.RequestID)
		if gerr != nil || existing == nil {
			return nil, false, fmt.Errorf("reload order after duplicate: %w", errors.Join(err, gerr))
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	metrics.OrdersTotal.WithLabelValues(model.OrderPending.String()).Inc()
	s.log.Info("order placed",
		zap.String("order_id", order.ID), zap.Int64("customer_id", customerID), zap.String("saga_id", order.SagaID))
	return &order, true, nil
}

// Get returns the order if it belongs to customerID.
func (s *Service) Get(ctx context.Context, customerID int64, id string) (*model.Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != customerID {
		return nil, model.ErrOrderNotFound
	}
	return o, nil
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
