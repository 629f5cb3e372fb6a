// Command provider-sim answers proposal and validation requests on behalf
// of a fleet of simulated remanufacturing providers.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/logging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging/natsbus"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/providersim"
)

var (
	natsURL        string
	stream         string
	consumerPrefix string
	fleetPath      string
	declined       []string
	logLevel       string
)

var rootCmd = &cobra.Command{
	Use:   "provider-sim",
	Short: "Simulate remanufacturing providers over NATS",
	Long: `provider-sim subscribes to proposal commands and provider validation
requests and answers them with deterministic estimates.

EXAMPLES:
  # Built-in fleet
  provider-sim --nats nats://localhost:4222

  # Custom fleet, declining one provider at validation
  provider-sim --fleet fleet.yaml --decline green-workshop`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&natsURL, "nats", "nats://localhost:4222", "NATS server URL")
	f.StringVar(&stream, "stream", "MFGOPT", "JetStream stream name")
	f.StringVar(&consumerPrefix, "consumer-prefix", "providersim", "durable consumer prefix")
	f.StringVar(&fleetPath, "fleet", "", "YAML fleet definition (default: built-in fleet)")
	f.StringSliceVar(&declined, "decline", nil, "provider ids to decline at validation")
	f.StringVar(&logLevel, "log-level", "info", "log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	logger := logging.NewLogger(os.Stderr, logLevel, logging.FormatText)

	fleet := providersim.DefaultFleet()
	if fleetPath != "" {
		var err error
		if fleet, err = providersim.LoadFleetFile(fleetPath); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ch, err := natsbus.Connect(ctx, natsbus.Config{
		URL:            natsURL,
		Stream:         stream,
		ConsumerPrefix: consumerPrefix,
	}, logger)
	if err != nil {
		return err
	}
	defer ch.Close()

	sim := providersim.New(ch, fleet,
		providersim.WithLogger(logger),
		providersim.WithVerdict(declineListed(declined)))
	if err := sim.Start(ctx, "sim"); err != nil {
		return err
	}
	defer sim.Stop()

	ids := make([]string, 0, len(fleet))
	for _, p := range fleet {
		ids = append(ids, p.Snapshot.ID)
	}
	logger.Info("provider simulator running", "providers", strings.Join(ids, ","))

	<-ctx.Done()
	logger.Info("provider simulator stopping", "answered", sim.Answered())
	return nil
}

// declineListed approves every provider except the listed ones.
func declineListed(ids []string) providersim.Verdict {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(p domain.ProviderSnapshot) (bool, string) {
		if set[p.ID] {
			return false, "declined by operator"
		}
		return true, ""
	}
}
