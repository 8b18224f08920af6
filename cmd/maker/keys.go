package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/hypermaker/params"
	"github.com/uhyunpark/hypermaker/pkg/wallet"
)

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print the maker address derived from PRIVATE_KEY",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := params.LoadFromEnv(envFile)
		if cfg.PrivateKey == "" {
			return fmt.Errorf("PRIVATE_KEY is not set")
		}
		signer, err := wallet.FromPrivateKeyHex(cfg.PrivateKey)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), signer.Address().Hex())
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new maker key pair",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := wallet.GenerateKey()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "ADDRESS=%s\n", signer.Address().Hex())
		fmt.Fprintf(out, "PRIVATE_KEY=0x%s\n", signer.PrivateKeyHex())
		return nil
	},
}
