// Package mdm talks to the MDM server's REST API: issuing commands, listing devices,
// sending push wake-ups and managing per-device command queues.
package mdm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mdmrelay/mdm-agent/internal/command"
	"github.com/mdmrelay/mdm-agent/internal/metrics"
)

// DefaultUser is the basic auth user the MDM server expects alongside the API key.
const DefaultUser = "micromdm"

const (
	defaultTimeout = 30 * time.Second
	maxBodySize    = 1 << 20
)

// StatusError is an unexpected HTTP status from the MDM server.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("mdm: %s %s: http %d", e.Method, e.Path, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Options configures a Client.
type Options struct {
	URL        string
	APIKey     string
	User       string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is a minimal MDM server REST client.
type Client struct {
	baseURL string
	user    string
	apiKey  string
	client  *http.Client
}

// NewClient constructs a client.
func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("mdm: empty server url")
	}
	if _, err := url.ParseRequestURI(opts.URL); err != nil {
		return nil, fmt.Errorf("mdm: invalid server url: %w", err)
	}
	if opts.User == "" {
		opts.User = DefaultUser
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(opts.URL, "/"),
		user:    opts.User,
		apiKey:  opts.APIKey,
		client:  hc,
	}, nil
}

type commandResponse struct {
	Payload struct {
		CommandUUID string `json:"command_uuid"`
		RequestType string `json:"request_type"`
	} `json:"payload"`
}

// Issue sends one command. The server answers 201 Created when it has queued the
// command; any other status is a rejection, not an error. Errors are transport failures.
func (c *Client) Issue(ctx context.Context, cmd command.Command) (command.Receipt, error) {
	if cmd.DeviceID == "" {
		return command.Receipt{}, errors.New("mdm: empty device id")
	}
	body := make(map[string]any, len(cmd.Params)+2)
	for k, v := range cmd.Params {
		body[k] = v
	}
	body["udid"] = cmd.DeviceID
	body["request_type"] = string(cmd.Tag)

	resp, err := c.do(ctx, http.MethodPost, "/v1/commands", body)
	if err != nil {
		return command.Receipt{}, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))

	receipt := command.Receipt{
		Accepted:   resp.StatusCode == http.StatusCreated,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(raw)),
	}
	if receipt.Accepted {
		var out commandResponse
		if json.Unmarshal(raw, &out) == nil {
			receipt.CommandUUID = out.Payload.CommandUUID
		}
	}
	metrics.IncCommandIssued(string(cmd.Tag), receipt.Accepted)
	return receipt, nil
}

// Device is one enrolled device.
type Device struct {
	UDID   string `json:"udid"`
	Serial string `json:"serial_number"`
}

// Devices lists enrolled devices.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var out struct {
		Devices []Device `json:"devices"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/devices", map[string]any{}, &out); err != nil {
		return nil, err
	}
	devices := out.Devices[:0]
	for _, d := range out.Devices {
		if d.UDID != "" {
			devices = append(devices, d)
		}
	}
	return devices, nil
}

// Device returns the server's record for one device. The server answers 404 until the
// device has reported its information at least once.
func (c *Client) Device(ctx context.Context, udid string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/v1/devices/"+url.PathEscape(udid), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitDevice polls Device until the record is available, trying up to attempts times
// with interval between tries. Errors other than an HTTP status stop the polling.
func (c *Client) WaitDevice(ctx context.Context, udid string, attempts int, interval time.Duration) (json.RawMessage, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		info, err := c.Device(ctx, udid)
		if err == nil {
			return info, nil
		}
		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("mdm: no device information for %s after %d attempt(s): %w", udid, attempts, lastErr)
}

// SyncDEP asks the server to sync devices from Apple's Device Enrollment Program now.
func (c *Client) SyncDEP(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/dep/syncnow", nil, nil)
}

// Push asks the server to send an APNs wake-up to the device.
func (c *Client) Push(ctx context.Context, udid string) error {
	return c.doJSON(ctx, http.MethodGet, "/push/"+url.PathEscape(udid), nil, nil)
}

// Queue returns the device's pending command queue as the server reports it.
func (c *Client) Queue(ctx context.Context, udid string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/v1/commands/"+url.PathEscape(udid), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClearQueue drops every command still queued for the device.
func (c *Client) ClearQueue(ctx context.Context, udid string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/commands/"+url.PathEscape(udid), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.user, c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mdm: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(out)
}
