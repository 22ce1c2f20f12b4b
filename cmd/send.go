package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/mdmrelay/mdm-agent/internal/command"
	"github.com/mdmrelay/mdm-agent/internal/mdm"
	"github.com/mdmrelay/mdm-agent/internal/protocol"
)

var (
	sendAll        bool
	sendParams     []string
	sendParamsJSON string
	sendNoWait     bool
	sendNoWake     bool
	sendTimeout    time.Duration
	sendSocket     string
	sendJSON       bool
	sendVPPToken   string
)

var sendCmd = &cobra.Command{
	Use:   "send <request-type> [device...]",
	Short: "Submit a command through the running agent",
	Long: `Submit an MDM command to one or more devices through the running agent and
report what happened to each of them.

Devices are selected by UDID or serial number, or with --all. Request-type specific
fields are passed with --param key=value (values are parsed as JSON when possible) or
as a JSON object with --params.

Example:
  mdm-agent send DeviceLock C02XK1JHJG5H --param PIN=123456 --param Message="Call IT"
  mdm-agent send RestartDevice --all --no-wait
  mdm-agent send InstallApplication C02XK1JHJG5H --param itunes_store_id=https://apps.apple.com/app/id361309726 --vpp-token sToken.vpptoken`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&sendAll, "all", false, "Send to every enrolled device")
	sendCmd.Flags().StringArrayVarP(&sendParams, "param", "p", nil, "Command field as key=value (repeatable)")
	sendCmd.Flags().StringVar(&sendParamsJSON, "params", "", "Command fields as a JSON object")
	sendCmd.Flags().BoolVar(&sendNoWait, "no-wait", false, "Return once the server accepts the command")
	sendCmd.Flags().BoolVar(&sendNoWake, "no-wake", false, "Do not push devices to check in")
	sendCmd.Flags().DurationVarP(&sendTimeout, "timeout", "t", 0, "How long to wait for each acknowledgment (default from config)")
	sendCmd.Flags().StringVar(&sendSocket, "socket", "", "Agent control socket path")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Print the response as JSON")
	sendCmd.Flags().StringVar(&sendVPPToken, "vpp-token", "", "VPP token file; assigns app licenses before InstallApplication")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	tag, err := command.ParseTag(args[0])
	if err != nil {
		return fmt.Errorf("%w (supported: %s)", err, joinTags(command.Tags()))
	}
	devices := args[1:]
	if sendAll && len(devices) > 0 {
		return errors.New("--all cannot be combined with a device list")
	}
	if !sendAll && len(devices) == 0 {
		return errors.New("no devices selected, pass UDIDs, serial numbers or --all")
	}

	params, err := parseParams(sendParamsJSON, sendParams)
	if err != nil {
		return err
	}

	var vppToken string
	if sendVPPToken != "" {
		if tag != command.InstallApplication {
			return fmt.Errorf("--vpp-token only applies to %s", command.InstallApplication)
		}
		if vppToken, err = mdm.LoadVPPToken(sendVPPToken); err != nil {
			return err
		}
	}
	if tag == command.InstallApplication {
		if params, err = installParams(params, vppToken != ""); err != nil {
			return err
		}
	}

	req := protocol.SubmitRequest{
		Tag:        string(tag),
		Devices:    devices,
		All:        sendAll,
		Params:     params,
		Wake:       cfg.Submit.Wake && !sendNoWake,
		WaitForAck: cfg.Submit.WaitForAck && !sendNoWait,
		TimeoutMs:  int(sendTimeout.Milliseconds()),
		VPPToken:   vppToken,
	}

	if cfg.Agent.Socket != "" && !cmd.Flags().Changed("socket") {
		sendSocket = cfg.Agent.Socket
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resp, err := requestAgent(ctx, controlSocketPath(sendSocket), req)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("agent: %s", resp.Error)
	}

	if sendJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
	} else {
		printResults(os.Stdout, resp)
		for _, w := range resp.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
	}
	return sendVerdict(resp)
}

// parseParams merges a JSON object with key=value pairs; pairs win.
func parseParams(raw string, pairs []string) (map[string]any, error) {
	params := make(map[string]any)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return nil, fmt.Errorf("invalid --params: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		params[key] = v
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

// installParams turns an App Store URL or string id into the numeric
// itunes_store_id the server expects. Licensed installs default to device-based
// assignment (purchase_method 1).
func installParams(params map[string]any, licensed bool) (map[string]any, error) {
	if params == nil {
		params = make(map[string]any)
	}
	if s, ok := params["itunes_store_id"].(string); ok {
		id, err := mdm.ParseAppID(s)
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return nil, err
		}
		params["itunes_store_id"] = n
	}
	if licensed {
		if _, ok := params["options"]; !ok {
			params["options"] = map[string]any{"purchase_method": 1}
		}
	}
	return params, nil
}

// sendVerdict fails the command if any device did not succeed or any selector was
// unknown.
func sendVerdict(resp protocol.SubmitResponse) error {
	failed := 0
	for _, r := range resp.Results {
		if !r.OK {
			failed++
		}
	}
	switch {
	case failed > 0 && len(resp.Unknown) > 0:
		return fmt.Errorf("%d of %d command(s) did not succeed, %d unknown device(s)", failed, len(resp.Results), len(resp.Unknown))
	case failed > 0:
		return fmt.Errorf("%d of %d command(s) did not succeed", failed, len(resp.Results))
	case len(resp.Unknown) > 0:
		return fmt.Errorf("%d unknown device(s): %s", len(resp.Unknown), strings.Join(resp.Unknown, ", "))
	}
	return nil
}

func printResults(w io.Writer, resp protocol.SubmitResponse) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tSERIAL\tSTATE\tOUTCOME\tDURATION\tDETAIL")
	for _, r := range resp.Results {
		outcome := r.Outcome
		if r.ErrorCode != "" {
			outcome = fmt.Sprintf("%s (%s)", outcome, r.ErrorCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.UDID, dash(r.Serial), r.State, dash(outcome),
			(time.Duration(r.DurationMs) * time.Millisecond).String(), oneLine(r.Detail))
	}
	for _, sel := range resp.Unknown {
		fmt.Fprintf(tw, "%s\t-\tunknown\t-\t-\tno enrolled device matches\n", sel)
	}
	tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

const maxDetailRunes = 120

// oneLine keeps multi-line payload details from breaking the table. Long details are
// cut on a rune boundary.
func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxDetailRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxDetailRunes-3]) + "..."
}

func joinTags(tags []command.Tag) string {
	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
