package worker

import (
	"github.com/jmehdipour/sagaflow/internal/idempotency"
	"github.com/jmehdipour/sagaflow/internal/outbox"
	"github.com/jmehdipour/sagaflow/internal/repository"
	"github.com/jmehdipour/sagaflow/internal/saga"
	"github.com/jmehdipour/sagaflow/internal/service/order"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Consume saga replies and expire step deadlines",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := setup(cmd, "orchestrator")
		if err != nil {
			return err
		}
		defer cleanup()

		sc := e.cfg.Saga
		orch := saga.New(e.db,
			repository.NewSagaRepository(e.db),
			outbox.NewWriter(repository.NewOutboxRepository(e.db)),
			idempotency.NewGuard(e.db, repository.NewProcessedRepository(), "orchestrator"),
			saga.Config{
				EventsTopic:             e.cfg.Topics.SagaEvents,
				StepTimeout:             sc.StepTimeout,
				MaxAttempts:             sc.MaxAttempts,
				CompensationMaxAttempts: sc.CompensationMaxAttempts,
				SweepInterval:           sc.SweepInterval,
				SweepBatch:              sc.SweepBatch,
			}, e.log)

		def, err := order.Definition(e.cfg.Topics)
		if err != nil {
			return err
		}
		if err := orch.Register(def); err != nil {
			return err
		}

		consumer := e.consumer(e.cfg.Topics.SagaReplies, "orchestrator")
		defer consumer.Close()

		ctx, stop := signalContext()
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return e.runner("orchestrator", consumer, orch.Consume).Run(gctx) })
		g.Go(func() error { return orch.Run(gctx) })
		g.Go(func() error { return e.serveMetrics(gctx) })
		return g.Wait()
	},
}
