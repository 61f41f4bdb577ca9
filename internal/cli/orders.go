package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/brokerlink/internal/infra/storage/postgres"
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "List orders still being reconciled",
	Run:   runOrders,
}

func init() {
	rootCmd.AddCommand(ordersCmd)
}

func runOrders(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Error("database.url is not set")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	active, err := postgres.NewOrderRepo(db).ListActive(ctx)
	if err != nil {
		slog.Error("Failed to list active orders", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ORDER\tUSER\tBROKER\tBROKER ORDER\tSTATUS\tATTEMPTS\tUPDATED")
	for _, o := range active {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			o.ID, o.UserID, o.Broker, o.BrokerOrderID, o.Status,
			o.Attempts, o.MaxAttempts, o.UpdatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
