package main

import (
	"context"
	"encoding/json"
	"fmt"
	stlog "log"
	"os"

	"cafe-pos/config"
	"cafe-pos/log"
	"cafe-pos/payment/db"
	"cafe-pos/payment/khqr"
	"cafe-pos/service"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "posctl",
		Short:         "Operate the café POS payment engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(migrateCmd(), khqrCmd(), pollCmd())
	return root
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			conn, err := db.Connect(cfg.DBDriver, cfg.DSN)
			if err != nil {
				return err
			}
			if err := db.Sync(conn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func khqrCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "khqr", Short: "Build and inspect KHQR payloads offline"}

	var req khqr.Request
	var amount string
	build := &cobra.Command{
		Use:   "build",
		Short: "Print a KHQR string and its md5 fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.Amount, err = decimal.NewFromString(amount); err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			p, err := khqr.Build(req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(p)
		},
	}
	build.Flags().StringVar(&req.AccountID, "account", "", "Bakong account id (required)")
	build.Flags().StringVar(&amount, "amount", "", "amount, e.g. 2.50 (required)")
	build.Flags().StringVar(&req.Currency, "currency", khqr.CurrencyUSD, "USD or KHR")
	build.Flags().StringVar(&req.MerchantName, "merchant", "", "merchant name")
	build.Flags().StringVar(&req.MerchantCity, "city", "", "merchant city")
	build.Flags().StringVar(&req.BillNumber, "bill", "", "bill number")
	build.MarkFlagRequired("account")
	build.MarkFlagRequired("amount")

	crc := &cobra.Command{
		Use:   "crc <khqr-string>",
		Short: "Check the CRC of a KHQR string",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := args[0]
			if !khqr.Verify(s) {
				return fmt.Errorf("crc mismatch")
			}
			fields, err := khqr.Decode(s)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "crc ok, md5 %s\n", khqr.Fingerprint(s))
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(fields)
		},
	}

	cmd.AddCommand(build, crc)
	return cmd
}

func pollCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "poll", Short: "Reconcile pending KHQR payments"}
	cmd.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run a single poll round and relay pending staff notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := log.New("posctl", cfg.LogLevel)
			if err != nil {
				stlog.Fatalln(err)
			}
			defer logger.Sync()

			app, err := service.Build(cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			round, err := app.Poller.RunOnce(context.Background())
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(round)
		},
	})
	return cmd
}
