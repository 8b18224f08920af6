package main

import (
	"os"

	"github.com/spf13/cobra"
)

var envFile string

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "Path to a .env file (default: .env in the working directory)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(addressCmd)
	rootCmd.AddCommand(keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "maker",
	Short: "Market maker for on-chain limit order books",
	Long: `Quotes a ladder of limit orders on each configured on-chain market around
the mid price of a reference market. Orders are placed and cancelled with
signed transactions; their state is followed through the venue's user order
stream.`,
	SilenceUsage: true,
}
