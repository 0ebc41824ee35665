package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/keepwallet/vaultd/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "vaultd",
	Short: "Hardware wallet orchestration daemon",
	Long: `vaultd mediates all interaction between client software and KeepKey-class
hardware wallets: per-device serialized command queues, status gating,
interactive PIN and recovery sessions, multi-round transaction signing and a
persistent address/xpub cache, exposed over a local REST API.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	// .env must be loaded before the commands read VAULTD_* flag defaults.
	_ = env.Ensure()
	rootCmd.AddCommand(
		newServeCmd(),
		newDevicesCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("vaultd command failed")
	}
}
