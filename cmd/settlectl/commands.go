package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ariefcatur/go-storefront-settlement/internal/config"
	"github.com/ariefcatur/go-storefront-settlement/internal/logx"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/postgres"
	"github.com/ariefcatur/go-storefront-settlement/internal/settlement"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type cli struct {
	// store and svc are set up by PersistentPreRunE unless a test injected them.
	store orders.Store
	svc   *settlement.Service
	pool  *pgxpool.Pool
	log   *zap.Logger
}

func (c *cli) close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

func (c *cli) rootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operate the storefront settlement store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.store != nil {
				if c.svc == nil {
					c.svc = settlement.New(c.store, c.log)
				}
				return nil
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if c.log, err = logx.New(logLevel, "console"); err != nil {
				return err
			}
			if cfg.Store != config.StorePostgres {
				return errors.New("settlectl works against STORE=postgres only")
			}
			if c.pool, err = postgres.Connect(cmd.Context(), cfg.PostgresDSN); err != nil {
				return err
			}
			c.store = &orders.Repo{DB: c.pool}
			c.svc = settlement.New(c.store, c.log)
			c.svc.Name = cfg.ServiceName + "-ctl"
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		c.migrateCmd(),
		c.seedCmd(),
		c.restockCmd(),
		c.stockCmd(),
		c.settleCmd("deliver", "Confirm delivery of a shipped order", func(s *settlement.Service) settleFunc { return s.ConfirmDelivery }),
		c.settleCmd("cancel", "Cancel an order and release its reservations", func(s *settlement.Service) settleFunc { return s.Cancel }),
	)
	return root
}

func (c *cli) migrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or with --down, revert) schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.pool == nil {
				return errors.New("migrate needs a postgres connection")
			}
			if down {
				return postgres.MigrateDown(c.pool)
			}
			if err := postgres.Migrate(c.pool); err != nil {
				return err
			}
			cmd.Println("migrations applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "revert all migrations")
	return cmd
}

func (c *cli) seedCmd() *cobra.Command {
	var (
		name     string
		price    int64
		discount int
		size     string
		color    string
		stock    int
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a product with one variant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("--name required")
			}
			ctx := cmd.Context()

			p, err := c.store.SaveProduct(ctx, orders.Product{Name: name, BasePrice: price, DiscountPercent: discount})
			if err != nil {
				return err
			}
			v, err := c.store.SaveVariant(ctx, orders.Variant{ProductID: p.ID, Size: size, Color: color, AvailableStock: stock})
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"product_id": p.ID, "variant_id": v.ID, "available_stock": v.AvailableStock})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "product name")
	cmd.Flags().Int64Var(&price, "price", 0, "base price in minor units")
	cmd.Flags().IntVar(&discount, "discount", 0, "discount percent (0-100)")
	cmd.Flags().StringVar(&size, "size", "M", "variant size")
	cmd.Flags().StringVar(&color, "color", "black", "variant color")
	cmd.Flags().IntVar(&stock, "stock", 0, "initial on-hand stock")
	return cmd
}

func (c *cli) restockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restock VARIANT_ID QTY",
		Short: "Add on-hand units to a variant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			qty, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("qty: %w", err)
			}
			v, err := c.svc.Restock(cmd.Context(), id, qty)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"variant_id":        v.ID,
				"available_stock":   v.AvailableStock,
				"reserved_quantity": v.ReservedQuantity,
				"sold_quantity":     v.SoldQuantity,
			})
		},
	}
}

func (c *cli) stockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stock VARIANT_ID",
		Short: "Show a variant's sellable stock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			n, err := c.svc.SellableStock(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"variant_id": id, "sellable": n})
		},
	}
}

type settleFunc = func(ctx context.Context, orderID int64) (orders.Order, error)

func (c *cli) settleCmd(use, short string, pick func(*settlement.Service) settleFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ORDER_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			o, err := pick(c.svc)(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"order_id": o.ID, "status": o.Status, "total": o.Totals.Total})
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
