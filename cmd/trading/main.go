package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// rootCmd is the base command for the trading CLI.
var rootCmd = &cobra.Command{
	Use:   "trading",
	Short: "Real-time order-flow ingestion and distribution pipeline",
	Long: `trading ingests order book, trade, kline, open-interest and liquidation
feeds from bybit, binance and okx, maintains synchronized local books,
derives tape/heatmap/footprint/iceberg/wall analytics and serves everything
to WebSocket and REST clients through a single gateway.`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("trading", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
