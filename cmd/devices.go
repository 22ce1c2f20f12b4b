package cmd

import (
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mdmrelay/mdm-agent/internal/config"
	"github.com/mdmrelay/mdm-agent/internal/mdm"
)

var (
	devicesFilter   string
	devicesRetries  int
	devicesInterval time.Duration
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List enrolled devices",
	Long: `List the devices enrolled on the MDM server. When the server cannot be reached
the last known list is read from the device cache.`,
	Args: cobra.NoArgs,
	RunE: runDevices,
}

var devicesInfoCmd = &cobra.Command{
	Use:   "info <udid>",
	Short: "Show what the server knows about a device",
	Long: `Show the device information the server holds for a device. A freshly enrolled
or wiped device reports in only after its next check-in, so the lookup is retried
until the information appears.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newMDMClient(cmd)
		if err != nil {
			return err
		}
		raw, err := client.WaitDevice(cmd.Context(), args[0], devicesRetries, devicesInterval)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, raw)
	},
}

var devicesSyncDEPCmd = &cobra.Command{
	Use:   "sync-dep",
	Short: "Ask the server to sync devices from Apple Business Manager",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newMDMClient(cmd)
		if err != nil {
			return err
		}
		if err := client.SyncDEP(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("DEP sync requested")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.AddCommand(devicesInfoCmd, devicesSyncDEPCmd)
	devicesCmd.Flags().StringVarP(&devicesFilter, "filter", "f", "", "Only show devices whose UDID or serial contains this text")
	devicesInfoCmd.Flags().IntVar(&devicesRetries, "retries", 1, "Lookups to attempt before giving up")
	devicesInfoCmd.Flags().DurationVar(&devicesInterval, "interval", 10*time.Second, "Wait between lookups")
}

func runDevices(cmd *cobra.Command, args []string) error {
	client, cfg, err := newMDMClient(cmd)
	if err != nil {
		return err
	}
	dir := mdm.NewDirectory(client, cfg.MDM.DeviceCache, log.Default())

	devices, cached, err := dir.List(cmd.Context())
	if err != nil {
		return err
	}
	devices = mdm.Filter(devices, devicesFilter)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UDID\tSERIAL")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\n", d.UDID, dash(d.Serial))
	}
	tw.Flush()

	if cached {
		fmt.Fprintf(os.Stderr, "Server unreachable, showing cached list from %s\n", cfg.MDM.DeviceCache)
	}
	return nil
}

// newMDMClient builds a REST client for commands that talk to the server directly.
func newMDMClient(cmd *cobra.Command) (*mdm.Client, config.Config, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, cfg, err
	}
	if err := cfg.ValidateClient(); err != nil {
		return nil, cfg, err
	}
	client, err := mdm.NewClient(mdm.Options{
		URL:     cfg.MDM.URL,
		APIKey:  cfg.MDM.APIKey,
		User:    cfg.MDM.User,
		Timeout: cfg.MDM.Timeout,
	})
	return client, cfg, err
}
