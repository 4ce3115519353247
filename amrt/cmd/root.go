// Package cmd provides the command-line interface of amrt.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "amrt",
	Short: "amrt drives the active message transport.",
	Long: `amrt drives the active message transport with small benchmark ` +
		`workloads. Without AMRT_PEERS, every rank runs inside this process ` +
		`over an in-memory fabric. With AMRT_PEERS and AMRT_RANK, each ` +
		`process runs one rank over TCP.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("env-file", "", "Read configuration from a dotenv file")
	flags.Int("ranks", 2, "Number of in-process ranks when no peers are configured")
	flags.Bool("debug", false, "Trace every message event")
	flags.String("buffer-size", "", "Receive buffer size, such as 256KB")
	flags.Int("recv-buffers", 0, "Number of receive buffers")
	flags.String("trace-db", "", "Record message events into this SQLite file")
	flags.String("trace-clickhouse", "", "Record message events into this ClickHouse DSN")
	flags.Int("monitor-port", 0, "Serve monitoring pages on this port, 0 to disable")
	flags.Bool("open-browser", false, "Open the monitoring page in a browser")
	flags.Duration("timeout", defaultTimeout, "Give up on a workload after this long")
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
