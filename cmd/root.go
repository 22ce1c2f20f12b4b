package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mdmrelay/mdm-agent/internal/config"
)

var (
	configFile string
	flagAPIKey string
	flagMDMURL string
)

var rootCmd = &cobra.Command{
	Use:   "mdm-agent",
	Short: "MDM command agent",
	Long: `mdm-agent sends commands to an MDM server and tracks whether devices
acknowledged them.

It operates in two modes:
  agent - Runs as a service, keeps the event feed subscription alive and
          correlates acknowledgments with submitted commands
  send  - Submits a command through the running agent and reports the
          per-device outcome

devices and queue talk to the MDM server directly.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&flagAPIKey, "key", "k", "", "MDM server API key")
	rootCmd.PersistentFlags().StringVar(&flagMDMURL, "mdm-url", "", "MDM server URL")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, then applies the root flags that
// were set on the command line.
func loadConfig(cmd *cobra.Command) (config.Config, string, error) {
	cfg, loaded, err := config.Load(configFile)
	if err != nil {
		return cfg, loaded, err
	}
	flags := cmd.Flags()
	if flags.Changed("key") {
		cfg.MDM.APIKey = flagAPIKey
	}
	if flags.Changed("mdm-url") {
		cfg.MDM.URL = flagMDMURL
	}
	return cfg, loaded, nil
}
