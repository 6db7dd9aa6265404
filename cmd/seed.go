package cmd

import (
	"context"
	"fmt"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jmehdipour/sagaflow/internal/config"
	"github.com/jmehdipour/sagaflow/internal/db"
	"github.com/jmehdipour/sagaflow/internal/logger"
	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmehdipour/sagaflow/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	seedProducts int
	seedBalance  int64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo customers, wallets and products",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logger.Init(cfg.Log)

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		ctx := context.Background()
		err = db.WithTx(ctx, sqlDB, nil, func(tx *sqlx.Tx) error {
			if err := seedCustomers(ctx, tx); err != nil {
				return err
			}
			return seedCatalog(ctx, tx, sqlDB, seedProducts)
		})
		if err != nil {
			return err
		}
		log.Info("seed completed", zap.Int("customers", len(demoCustomers)), zap.Int("products", seedProducts))
		return nil
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedProducts, "products", 10, "number of demo products (SKU-0001..)")
	seedCmd.Flags().Int64Var(&seedBalance, "balance", 100000, "opening wallet balance per active customer")
}

var demoCustomers = []model.Customer{
	{Name: "Acme Corp", APIKey: "11111111111111111111111111111111", Status: model.CustomerActive, RateLimitRPS: intptr(20)},
	{Name: "Foobar LLC", APIKey: "22222222222222222222222222222222", Status: model.CustomerActive, RateLimitRPS: intptr(50)},
	{Name: "Beta Testers", APIKey: "33333333333333333333333333333333", Status: model.CustomerActive, RateLimitRPS: intptr(5)},
	{Name: "Suspended Inc", APIKey: "44444444444444444444444444444444", Status: model.CustomerSuspended},
	{Name: "Broke Partner", APIKey: "55555555555555555555555555555555", Status: model.CustomerActive, RateLimitRPS: intptr(100)},
}

// seedCustomers upserts the demo customers and opens their wallets. The last
// one keeps an empty wallet so its orders are rejected by payment.
func seedCustomers(ctx context.Context, tx *sqlx.Tx) error {
	customers := repository.NewCustomersRepository(nil)
	wallet := repository.NewWalletRepository()
	ledger := repository.NewLedgerRepository()

	for i, c := range demoCustomers {
		id, err := customers.Upsert(ctx, tx, c)
		if err != nil {
			return fmt.Errorf("upsert customer %q: %w", c.Name, err)
		}
		if err := wallet.UpsertAccount(ctx, tx, id); err != nil {
			return fmt.Errorf("wallet for %q: %w", c.Name, err)
		}
		if !c.Active() || i == len(demoCustomers)-1 {
			continue
		}
		inserted, err := ledger.Insert(ctx, tx, repository.LedgerRow{
			CustomerID: id,
			Op:         repository.LedgerTopup,
			Amount:     seedBalance,
			Idem:       fmt.Sprintf("seed-%d", id),
		})
		if err != nil {
			return fmt.Errorf("seed topup for %q: %w", c.Name, err)
		}
		if inserted {
			if err := wallet.Topup(ctx, tx, id, seedBalance); err != nil {
				return fmt.Errorf("seed topup for %q: %w", c.Name, err)
			}
		}
	}
	return nil
}

// seedCatalog writes n products with stable SKUs; names and prices come from
// a fixed-seed faker so reruns produce the same catalog.
func seedCatalog(ctx context.Context, tx *sqlx.Tx, dbx *sqlx.DB, n int) error {
	inventory := repository.NewInventoryRepository(dbx)
	faker := gofakeit.New(42)
	for i := 1; i <= n; i++ {
		p := model.Product{
			SKU:   fmt.Sprintf("SKU-%04d", i),
			Name:  faker.ProductName(),
			Price: int64(faker.Number(100, 5000)),
			Stock: faker.Number(5, 50),
		}
		if err := inventory.UpsertProduct(ctx, tx, p); err != nil {
			return fmt.Errorf("upsert product %s: %w", p.SKU, err)
		}
	}
	return nil
}

func intptr(i int) *int { return &i }
