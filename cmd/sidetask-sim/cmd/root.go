package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/onflow/flow-sidetask/cmd/sidetask-sim/sim"
	"github.com/onflow/flow-sidetask/engine/execution/sidetask"
	"github.com/onflow/flow-sidetask/engine/execution/sidetask/httpbody"
)

const envPrefix = "SIDETASK"

var (
	flagLogLevel    string
	flagMetricsPort uint
	flagRootHeight  uint64

	simConfig       = sim.DefaultConfig()
	schedulerConfig = sidetask.DefaultConfig()
	fetcherConfig   = httpbody.DefaultConfig()
)

// run with `./sidetask-sim --url http://localhost:8080/ping --block-period 1s`
var rootCmd = &cobra.Command{
	Use:   "sidetask-sim",
	Short: "simulate a block executor which reconciles side tasks",
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindEnv(cmd)
	},
	RunE: run,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.Flags()

	flags.StringVar(&flagLogLevel, "loglevel", "info", "level for logging output")
	flags.UintVar(&flagMetricsPort, "metrics-port", 8080, "port of the metrics and stats server")
	flags.Uint64Var(&flagRootHeight, "root-height", 0, "height of the last processed block")

	flags.DurationVar(&simConfig.BlockPeriod, "block-period", simConfig.BlockPeriod, "time between blocks")
	flags.Uint64Var(&simConfig.SpawnEvery, "spawn-every", simConfig.SpawnEvery, "spawn a probe every n blocks (0 to disable)")
	flags.StringVar(&simConfig.URL, "url", simConfig.URL, "url probed by side tasks")
	flags.Uint64Var(&simConfig.Duration, "duration", simConfig.Duration, "number of blocks between spawning a probe and reconciling it")
	flags.UintVar(&simConfig.MaxBlockRetries, "max-block-retries", simConfig.MaxBlockRetries, "number of times a block with failing callbacks is retried")
	flags.IntVar(&simConfig.OutboxCapacity, "outbox-capacity", simConfig.OutboxCapacity, "maximum number of messages per block (0 for unbounded)")

	flags.DurationVar(&fetcherConfig.RequestTimeout, "http-request-timeout", fetcherConfig.RequestTimeout, "timeout of a single probe request")
	flags.Uint64Var(&fetcherConfig.MaxRetries, "http-max-retries", fetcherConfig.MaxRetries, "number of retries of a failed probe request")
	flags.Float64Var(&fetcherConfig.RequestsPerSecond, "http-requests-per-second", fetcherConfig.RequestsPerSecond, "rate limit of probe requests (0 for unlimited)")

	schedulerConfig.BindFlags(flags)
}

// bindEnv lets every flag which was not set on the command line be set through a SIDETASK_
// prefixed environment variable, e.g. SIDETASK_BLOCK_PERIOD.
func bindEnv(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	err := v.BindPFlags(cmd.Flags())
	if err != nil {
		return fmt.Errorf("could not bind flags: %w", err)
	}

	var setErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if setErr != nil || f.Changed || !v.IsSet(f.Name) {
			return
		}
		setErr = cmd.Flags().Set(f.Name, v.GetString(f.Name))
	})
	return setErr
}

func newLogger() (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(flagLogLevel))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", flagLogLevel, err)
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger(), nil
}
