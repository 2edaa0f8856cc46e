/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the payment posting engine. Subcommands share one
  configuration (environment + optional .env) and one wiring path.

COMMANDS:
  serve              Run the HTTP API and the forward sweeper
  migrate            Apply the postgres schema (sqlite migrates on open)
  evaluate <claim>   Run the secondary claim trigger once
  verify <claim>     Print the reconciliation report; exit 1 on violations

ENVIRONMENT:
  See config/config.go. The most used:
    DB_DRIVER=sqlite|postgres|memory   SQLITE_PATH   DATABASE_URL
    REDIS_URL (cross-process claim locks)   AMQP_URL (activity events)
    RULES_FILE (forwardable rules + payer profiles)   SWEEP_INTERVAL

EXAMPLES:
  # Run with a file database
  SQLITE_PATH=./data/posting.db ./server serve

  # Run against postgres with redis locks
  DB_DRIVER=postgres DATABASE_URL=postgres://... REDIS_URL=redis://localhost:6379/0 ./server serve

  # Check one claim from a shell
  ./server verify CLM-1001

SEE ALSO:
  - wiring.go: Store, locker, audit and engine construction
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/posting-engine/config"
)

var (
	cfg       *config.Config
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Medical billing payment posting and reconciliation engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if logFormat != "" {
			cfg.LogFormat = logFormat
		}
		return cfg.Validate()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (overrides LOG_FORMAT)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
