package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tahcohcat/longform-tts/config"
	"github.com/tahcohcat/longform-tts/internal/logger"
)

var (
	cfgFile   string
	activeCfg *config.Config
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "longform-tts",
		Short:         "Chunked, concurrent text-to-speech for long texts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			activeCfg = cfg
			logger.SetGlobalLevel(cfg.Log.Level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSynthCmd())
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
