package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/sdp-client/internal/config"
	"github.com/Sternrassler/sdp-client/pkg/logging"
)

var (
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "sdp",
	Short: "ServiceDesk Plus API client",
	Long: `sdp calls the ServiceDesk Plus v3 API with a shared OAuth token cache
and a sliding window rate limit.

Configuration is read from SDP_* environment variables, a .env file in the
working directory and an optional YAML file given with --config.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		logging.Setup(logging.Config{
			Level:  logging.LogLevel(cfg.Log.Level),
			Pretty: cfg.Log.Pretty,
			Output: os.Stderr,
		})
		log.Debug().
			Str("service_url", cfg.ServiceURL).
			Bool("redis", cfg.Redis.Enabled()).
			Int("rate_limit_calls", cfg.RateLimit.Calls).
			Dur("rate_limit_window", cfg.RateLimit.Window).
			Msg("Configuration loaded")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.AddCommand(serveCmd, listCmd, tokenCmd)
}
