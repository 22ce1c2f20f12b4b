package mdm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// DefaultVPPURL is Apple's license management endpoint for the Volume Purchase Program.
const DefaultVPPURL = "https://vpp.itunes.apple.com/mdm/manageVPPLicensesByAdamIdSrv"

// VPPError is a failure reported in the body of a VPP response.
type VPPError struct {
	Number  int
	Message string
}

func (e *VPPError) Error() string {
	return fmt.Sprintf("vpp: error %d: %s", e.Number, e.Message)
}

// VPP assigns app licenses to devices before an InstallApplication command, so the
// device can install a purchased app without an Apple ID.
type VPP struct {
	url    string
	client *http.Client
}

// NewVPP creates a license client. An empty endpoint means DefaultVPPURL.
func NewVPP(endpoint string, hc *http.Client) *VPP {
	if endpoint == "" {
		endpoint = DefaultVPPURL
	}
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &VPP{url: endpoint, client: hc}
}

// LoadVPPToken reads an sToken from a .vpptoken file downloaded from Apple Business
// Manager.
func LoadVPPToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("vpp: read token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("vpp: empty token in %s", path)
	}
	return token, nil
}

// ParseAppID accepts an App Store ID or an App Store URL such as
// https://apps.apple.com/app/example/id123456789?l=en and returns the numeric ID.
func ParseAppID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "http") {
		if i := strings.LastIndex(input, "/id"); i >= 0 {
			input = input[i+len("/id"):]
		}
		if i := strings.IndexAny(input, "?#/"); i >= 0 {
			input = input[:i]
		}
	}
	if _, err := strconv.ParseUint(input, 10, 64); err != nil {
		return "", fmt.Errorf("invalid App Store id %q", input)
	}
	return input, nil
}

type vppAssignRequest struct {
	SToken                 string   `json:"sToken"`
	AdamIDStr              string   `json:"adamIdStr"`
	AssociateSerialNumbers []string `json:"associateSerialNumbers"`
}

type vppResponse struct {
	Status       int    `json:"status"`
	ErrorNumber  int    `json:"errorNumber"`
	ErrorMessage string `json:"errorMessage"`
}

// AssignLicenses associates one license of the app with each serial number.
func (v *VPP) AssignLicenses(ctx context.Context, sToken, adamID string, serials []string) error {
	if sToken == "" {
		return errors.New("vpp: empty token")
	}
	if len(serials) == 0 {
		return nil
	}
	payload, err := json.Marshal(vppAssignRequest{
		SToken:                 sToken,
		AdamIDStr:              adamID,
		AssociateSerialNumbers: serials,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("vpp: assign %s: %w", adamID, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))

	if resp.StatusCode >= 300 {
		return &StatusError{Method: http.MethodPost, Path: "manageVPPLicensesByAdamIdSrv", Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	var out vppResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("vpp: decode response: %w", err)
	}
	if out.Status != 0 {
		return &VPPError{Number: out.ErrorNumber, Message: out.ErrorMessage}
	}
	return nil
}
