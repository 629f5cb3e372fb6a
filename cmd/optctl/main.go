// Command optctl is the command-line client of the optimization engine.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	grpctransport "github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/transport/grpc"
)

var (
	serverAddr string
	timeout    time.Duration
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "optctl",
	Short: "Submit and follow motor optimization plans",
	Long: `optctl talks to the optimization engine over gRPC.

WORKFLOW:
  1. optctl submit --motor-id m-1 --power-kw 15 --current IE2 --target IE4
  2. optctl watch <request-id>     (wait for strategies)
  3. optctl select <request-id> <strategy-id>
  4. optctl get <request-id>       (slots of the confirmed plan)`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", envOr("MFGOPT_SERVER", "localhost:50051"), "engine gRPC address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-call timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")

	rootCmd.AddCommand(submitCmd, getCmd, listCmd, selectCmd, cancelCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// withClient dials the engine and runs fn with a call-scoped context.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *grpctransport.Client) error) error {
	c, err := grpctransport.Dial(serverAddr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", serverAddr, err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, c)
}
