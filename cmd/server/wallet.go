package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atmx/perp-engine/internal/config"
)

func newWalletCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage user wallets",
	}
	cmd.AddCommand(newWalletCreateCmd(opts))
	return cmd
}

// newWalletCreateCmd writes straight to PostgreSQL. The in-memory store lives
// inside the serve process, so wallets for it come from the config's wallets
// list instead.
func newWalletCreateCmd(opts *rootOptions) *cobra.Command {
	seed := config.WalletSeed{}

	cmd := &cobra.Command{
		Use:   "create USER_ID",
		Short: "Create a funded wallet in the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed.UserID = args[0]
			w, err := seed.Wallet()
			if err != nil {
				return err
			}

			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required; use the wallets config list for the in-memory store")
			}
			st, closeStore, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := st.CreateWallet(cmd.Context(), w); err != nil {
				return fmt.Errorf("create wallet: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(w)
		},
	}
	cmd.Flags().StringVar(&seed.Spot, "spot", "0", "spot balance")
	cmd.Flags().StringVar(&seed.Futures, "futures", "0", "futures balance")
	cmd.Flags().StringVar(&seed.Perpetual, "perpetual", "0", "perpetual balance")
	cmd.Flags().StringVar(&seed.Exchange, "exchange", "0", "exchange balance")
	return cmd
}
