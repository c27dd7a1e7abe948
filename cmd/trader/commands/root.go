package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	strategyFlag string
	verbose      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "Aegis Trader - 장중 자동매매 코어",
	Long: `Aegis Trader CLI

장전 스캔 → 장중 재평가/진입/손절·익절 → 장마감 정산을
하나의 프로세스에서 자동으로 수행합니다.

Usage:
  go run ./cmd/trader [command]

Examples:
  go run ./cmd/trader run
  go run ./cmd/trader score 005930 000660
  go run ./cmd/trader windows --date 2026-03-02
  go run ./cmd/trader version`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&strategyFlag, "strategy", "", "전략 프로필 ID (기본값: TRADING_STRATEGY)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
