package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/sagaflow/internal/config"
	"github.com/jmehdipour/sagaflow/internal/db"
	"github.com/jmehdipour/sagaflow/internal/kafka"
	"github.com/jmehdipour/sagaflow/internal/logger"
	"github.com/jmehdipour/sagaflow/internal/metrics"
	"github.com/jmehdipour/sagaflow/internal/worker"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	cmd.AddCommand(relayCmd, orchestratorCmd, ordersCmd, participantCmd)
	return cmd
}

// env is what every worker starts from.
type env struct {
	cfg config.Config
	log *zap.Logger
	db  *sqlx.DB
}

func setup(cmd *cobra.Command, name string) (*env, func(), error) {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.Init(cfg.Log).With(zap.String("worker", name))

	metrics.MustRegister(prometheus.DefaultRegisterer)

	dbx, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOptsFrom(cfg.MySQL))
	if err != nil {
		return nil, nil, fmt.Errorf("mysql connect: %w", err)
	}
	cleanup := func() {
		_ = dbx.Close()
		_ = log.Sync()
	}
	return &env{cfg: cfg, log: log, db: dbx}, cleanup, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// consumer opens a group reader; the group id is suffixed per role so every
// role sees every message of its topic.
func (e *env) consumer(topic, role string) *kafka.Consumer {
	groupID := e.cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "sagaflow"
	}
	return kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        e.cfg.Kafka.Brokers,
		Topic:          topic,
		GroupID:        groupID + "-" + role,
		MinBytes:       e.cfg.Kafka.MinBytes,
		MaxBytes:       e.cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(e.cfg.Kafka.CommitInterval) * time.Millisecond,
	})
}

func (e *env) runner(name string, c *kafka.Consumer, handle worker.HandlerFunc) *worker.Runner {
	return worker.NewRunner(name, c, handle, e.cfg.Consumer.Workers,
		e.cfg.Consumer.RetryWaitMin, e.cfg.Consumer.RetryWaitMax, e.log)
}

// serveMetrics exposes /metrics on metrics.addr until ctx ends.
func (e *env) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: e.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	e.log.Info("metrics listening", zap.String("addr", e.cfg.Metrics.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
