package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jmehdipour/sagaflow/internal/config"
	"github.com/jmehdipour/sagaflow/internal/http/middleware"
	"github.com/jmehdipour/sagaflow/internal/idempotency"
	"github.com/jmehdipour/sagaflow/internal/metrics"
	"github.com/jmehdipour/sagaflow/internal/outbox"
	"github.com/jmehdipour/sagaflow/internal/repository"
	"github.com/jmehdipour/sagaflow/internal/saga"
	"github.com/jmehdipour/sagaflow/internal/service/order"
	"github.com/jmehdipour/sagaflow/internal/service/payment"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Handlers are the dependencies behind the routes.
type Handlers struct {
	Customers middleware.CustomerLookup
	Orders    OrderService
	Sagas     SagaReader
	Reports   repository.CHSagasRepository
	Wallet    Topupper
	Outbox    OutboxAdmin
	Redis     redis.Cmdable
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

// NewServer wires repositories, the order service and the orchestrator used to
// start sagas. Sagas started here are driven by `worker orchestrator`.
func NewServer(cfg config.Config, mysqlDB, clickhouseDB *sqlx.DB, rds *redis.Client, log *zap.Logger) (*Server, error) {
	// repos (MySQL)
	customersRepo := repository.NewCustomersRepository(mysqlDB)
	ordersRepo := repository.NewOrdersRepository(mysqlDB)
	outboxRepo := repository.NewOutboxRepository(mysqlDB)
	sagaRepo := repository.NewSagaRepository(mysqlDB)
	inventoryRepo := repository.NewInventoryRepository(mysqlDB)

	// repos (ClickHouse)
	chSagasRepo := repository.NewCHSagasRepository(clickhouseDB)

	orch := saga.New(mysqlDB, sagaRepo, outbox.NewWriter(outboxRepo),
		idempotency.NewGuard(mysqlDB, repository.NewProcessedRepository(), "orchestrator"),
		saga.Config{
			EventsTopic:             cfg.Topics.SagaEvents,
			StepTimeout:             cfg.Saga.StepTimeout,
			MaxAttempts:             cfg.Saga.MaxAttempts,
			CompensationMaxAttempts: cfg.Saga.CompensationMaxAttempts,
		}, log)
	def, err := order.Definition(cfg.Topics)
	if err != nil {
		return nil, err
	}
	if err := orch.Register(def); err != nil {
		return nil, err
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	var limiter redis.Cmdable
	if rds != nil {
		limiter = rds
	}
	e := newEcho(cfg, Handlers{
		Customers: customersRepo,
		Orders:    order.New(mysqlDB, ordersRepo, inventoryRepo, orch, log),
		Sagas:     orch,
		Reports:   chSagasRepo,
		Wallet:    payment.New(mysqlDB, repository.NewWalletRepository(), repository.NewLedgerRepository()),
		Outbox:    outboxRepo,
		Redis:     limiter,
	})
	return &Server{e: e, log: log}, nil
}

func newEcho(cfg config.Config, h Handlers) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.APIKeyMiddleware(h.Customers)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          h.Redis,
		DefaultRPS:     cfg.RateLimit.RPS,
		Burst:          cfg.RateLimit.Burst,
		KeyPrefix:      "rl:cust:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/orders", placeOrderHandler(h.Orders))
	v1.GET("/orders/:id", getOrderHandler(h.Orders))
	v1.GET("/sagas/:id", getSagaHandler(h.Sagas))
	v1.GET("/reports/sagas", listSagasHandler(h.Reports))
	v1.POST("/wallet/topup", TopupHandler(h.Wallet))

	admin := e.Group("/v1/admin", middleware.AdminKeyMiddleware(cfg.HTTP.AdminKey))
	admin.GET("/outbox/failed", listFailedHandler(h.Outbox))
	admin.POST("/outbox/:id/requeue", requeueHandler(h.Outbox))

	return e
}

// Start blocks until the server stops. A graceful Shutdown is not an error.
func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
