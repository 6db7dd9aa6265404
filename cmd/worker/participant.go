package worker

import (
	"fmt"

	"github.com/jmehdipour/sagaflow/internal/idempotency"
	"github.com/jmehdipour/sagaflow/internal/outbox"
	"github.com/jmehdipour/sagaflow/internal/participant"
	"github.com/jmehdipour/sagaflow/internal/repository"
	"github.com/jmehdipour/sagaflow/internal/service/inventory"
	"github.com/jmehdipour/sagaflow/internal/service/payment"
	"github.com/jmehdipour/sagaflow/internal/service/shipping"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var participantCmd = &cobra.Command{
	Use:       "participant <inventory|payment|shipping>",
	Short:     "Handle saga commands for one participant",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"inventory", "payment", "shipping"},
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		e, cleanup, err := setup(cmd, "participant-"+name)
		if err != nil {
			return err
		}
		defer cleanup()

		guard := idempotency.NewGuard(e.db, repository.NewProcessedRepository(), "participant-"+name)
		h := participant.NewHandler(name, guard, outbox.NewWriter(repository.NewOutboxRepository(e.db)), e.log)

		var topic string
		switch name {
		case "inventory":
			topic = e.cfg.Topics.InventoryCommands
			h.Register(inventory.CommandReserve, inventory.CommandRelease,
				inventory.New(repository.NewInventoryRepository(e.db)))
		case "payment":
			topic = e.cfg.Topics.PaymentCommands
			h.Register(payment.CommandCharge, payment.CommandRefund,
				payment.New(e.db, repository.NewWalletRepository(), repository.NewLedgerRepository()))
		case "shipping":
			topic = e.cfg.Topics.ShippingCommands
			h.Register(shipping.CommandCreate, shipping.CommandCancel,
				shipping.New(repository.NewShipmentsRepository()))
		default:
			return fmt.Errorf("unknown participant %q", name)
		}

		consumer := e.consumer(topic, "participant-"+name)
		defer consumer.Close()

		ctx, stop := signalContext()
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return e.runner("participant-"+name, consumer, h.Consume).Run(gctx) })
		g.Go(func() error { return e.serveMetrics(gctx) })
		return g.Wait()
	},
}
