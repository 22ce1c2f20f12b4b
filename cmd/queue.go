package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or clear a device's pending command queue",
}

var queueInspectCmd = &cobra.Command{
	Use:   "inspect <udid>",
	Short: "Show the commands queued for a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newMDMClient(cmd)
		if err != nil {
			return err
		}
		raw, err := client.Queue(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, raw)
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear <udid>",
	Short: "Drop every command queued for a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newMDMClient(cmd)
		if err != nil {
			return err
		}
		if err := client.ClearQueue(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Cleared command queue for %s\n", args[0])
		return nil
	},
}

// printJSON indents raw for the terminal.
func printJSON(w io.Writer, raw []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		// Not JSON after all, print as received.
		out.Reset()
		out.Write(raw)
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(w)
	return err
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueInspectCmd, queueClearCmd)
}
