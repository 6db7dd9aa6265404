package worker

import (
	"github.com/jmehdipour/sagaflow/internal/idempotency"
	"github.com/jmehdipour/sagaflow/internal/repository"
	"github.com/jmehdipour/sagaflow/internal/service/order"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Project saga outcomes onto order status",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := setup(cmd, "orders")
		if err != nil {
			return err
		}
		defer cleanup()

		projector := order.NewProjector(
			idempotency.NewGuard(e.db, repository.NewProcessedRepository(), "orders"),
			repository.NewOrdersRepository(e.db),
			e.log,
		)

		consumer := e.consumer(e.cfg.Topics.SagaEvents, "orders")
		defer consumer.Close()

		ctx, stop := signalContext()
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return e.runner("orders", consumer, projector.Consume).Run(gctx) })
		g.Go(func() error { return e.serveMetrics(gctx) })
		return g.Wait()
	},
}
