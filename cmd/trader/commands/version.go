package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set by -ldflags "-X github.com/wonny/aegis-trader/cmd/trader/commands.Version=..."
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "버전 정보 출력",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "aegis-trader %s (commit %s, built %s, %s)\n", Version, Commit, BuildDate, runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
