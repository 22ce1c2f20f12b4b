package event

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

const ackPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CommandUUID</key>
	<string>9f1c0d7a-1111-2222-3333-444455556666</string>
	<key>ErrorChain</key>
	<array>
		<dict>
			<key>ErrorCode</key>
			<integer>12067</integer>
			<key>ErrorDomain</key>
			<string>MCMDMErrorDomain</string>
		</dict>
	</array>
	<key>Status</key>
	<string>Error</string>
	<key>UDID</key>
	<string>UDID-PLIST</string>
</dict>
</plist>`

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestDecode_Classification(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantKind   Kind
		wantDevice string
		wantStatus string
		wantCode   string
		wantType   string
	}{
		{
			name:       "acknowledgment",
			input:      `{"topic":"mdm.Connect","acknowledge_event":{"udid":"UDID-1","status":"Acknowledged","command_uuid":"c-1"}}`,
			wantKind:   KindAcknowledgment,
			wantDevice: "UDID-1",
			wantStatus: StatusAcknowledged,
		},
		{
			name:       "acknowledgment with numeric error code and command type",
			input:      `{"acknowledge_event":{"udid":"UDID-2","status":"Error","error_code":12068,"command_type":"DeviceLocation"}}`,
			wantKind:   KindAcknowledgment,
			wantDevice: "UDID-2",
			wantStatus: StatusError,
			wantCode:   "12068",
			wantType:   "DeviceLocation",
		},
		{
			name:       "acknowledgment with request_type alias",
			input:      `{"acknowledge_event":{"udid":"UDID-3","status":"Acknowledged","request_type":"RestartDevice"}}`,
			wantKind:   KindAcknowledgment,
			wantDevice: "UDID-3",
			wantStatus: StatusAcknowledged,
			wantType:   "RestartDevice",
		},
		{
			name:       "checkin",
			input:      `{"topic":"mdm.Authenticate","checkin_event":{"udid":"UDID-4"}}`,
			wantKind:   KindCheckin,
			wantDevice: "UDID-4",
		},
		{
			name:     "server info",
			input:    `{"type":"server_info","message":"relay ready"}`,
			wantKind: KindServerInfo,
		},
		{
			name:     "other",
			input:    `{"topic":"mdm.Unknown","something":1}`,
			wantKind: KindUnclassified,
		},
		{
			name:     "acknowledge_event of the wrong type",
			input:    `{"acknowledge_event":"oops"}`,
			wantKind: KindUnclassified,
		},
		{
			name:     "fields of the wrong type",
			input:    `{"acknowledge_event":{"udid":42,"status":true,"error_code":{"x":1},"raw_payload":7}}`,
			wantKind: KindAcknowledgment,
		},
		{
			name:     "empty object",
			input:    `{}`,
			wantKind: KindUnclassified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.input))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if ev.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", ev.Kind, tt.wantKind)
			}
			if ev.DeviceID != tt.wantDevice {
				t.Errorf("DeviceID = %q, want %q", ev.DeviceID, tt.wantDevice)
			}
			if ev.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", ev.Status, tt.wantStatus)
			}
			if ev.ErrorCode != tt.wantCode {
				t.Errorf("ErrorCode = %q, want %q", ev.ErrorCode, tt.wantCode)
			}
			if ev.CommandType != tt.wantType {
				t.Errorf("CommandType = %q, want %q", ev.CommandType, tt.wantType)
			}
		})
	}
}

func TestDecode_ServerInfoMessage(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"server_info","message":"relay ready"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Message != "relay ready" {
		t.Errorf("Message = %q", ev.Message)
	}
}

func TestDecode_UnclassifiedKeepsRaw(t *testing.T) {
	ev, err := Decode([]byte(`{"topic":"mdm.Other","value":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Raw == nil || ev.Raw["value"] != "x" {
		t.Errorf("Raw = %v, want the original structure", ev.Raw)
	}
}

func TestDecode_NotAnObject(t *testing.T) {
	inputs := []string{``, `not json`, `[1,2,3]`, `"string"`, `null`, `{"truncated":`}
	for _, in := range inputs {
		_, err := Decode([]byte(in))
		var decErr *DecodeError
		if !errors.As(err, &decErr) {
			t.Errorf("Decode(%q) error = %v, want *DecodeError", in, err)
		}
	}
}

func TestDecode_RawPayload(t *testing.T) {
	t.Run("plain text", func(t *testing.T) {
		ev, err := Decode([]byte(`{"acknowledge_event":{"udid":"U","raw_payload":"` + b64("hello device") + `"}}`))
		if err != nil {
			t.Fatal(err)
		}
		if ev.PayloadState != PayloadDecoded || ev.Text != "hello device" {
			t.Errorf("payload = (%v, %q)", ev.PayloadState, ev.Text)
		}
		if ev.Fields != nil {
			t.Errorf("Fields = %v, want nil for non-plist payload", ev.Fields)
		}
	})

	t.Run("unpadded", func(t *testing.T) {
		raw := strings.TrimRight(b64("abcd1"), "=")
		ev, _ := Decode([]byte(`{"acknowledge_event":{"udid":"U","raw_payload":"` + raw + `"}}`))
		if ev.PayloadState != PayloadDecoded || ev.Text != "abcd1" {
			t.Errorf("payload = (%v, %q)", ev.PayloadState, ev.Text)
		}
	})

	t.Run("not base64", func(t *testing.T) {
		ev, err := Decode([]byte(`{"acknowledge_event":{"udid":"U","status":"Acknowledged","raw_payload":"%%%not-base64%%%"}}`))
		if err != nil {
			t.Fatalf("Decode() error = %v, want nil", err)
		}
		if ev.PayloadState != PayloadUndecodable || ev.Text != UndecodablePayload {
			t.Errorf("payload = (%v, %q), want undecodable marker", ev.PayloadState, ev.Text)
		}
		if ev.Kind != KindAcknowledgment || ev.Status != StatusAcknowledged {
			t.Errorf("structural fields lost: %+v", ev)
		}
	})

	t.Run("plist fills missing fields", func(t *testing.T) {
		ev, err := Decode([]byte(`{"acknowledge_event":{"raw_payload":"` + b64(ackPlist) + `"}}`))
		if err != nil {
			t.Fatal(err)
		}
		if ev.DeviceID != "UDID-PLIST" {
			t.Errorf("DeviceID = %q", ev.DeviceID)
		}
		if ev.Status != StatusError {
			t.Errorf("Status = %q", ev.Status)
		}
		if ev.ErrorCode != "12067" {
			t.Errorf("ErrorCode = %q", ev.ErrorCode)
		}
		if ev.CommandUUID != "9f1c0d7a-1111-2222-3333-444455556666" {
			t.Errorf("CommandUUID = %q", ev.CommandUUID)
		}
	})

	t.Run("envelope fields win over plist", func(t *testing.T) {
		ev, _ := Decode([]byte(`{"acknowledge_event":{"udid":"UDID-ENV","status":"Acknowledged","raw_payload":"` + b64(ackPlist) + `"}}`))
		if ev.DeviceID != "UDID-ENV" || ev.Status != StatusAcknowledged {
			t.Errorf("got (%q, %q)", ev.DeviceID, ev.Status)
		}
	})

	t.Run("malformed plist", func(t *testing.T) {
		ev, _ := Decode([]byte(`{"checkin_event":{"udid":"U","raw_payload":"` + b64("<?xml broken") + `"}}`))
		if ev.PayloadState != PayloadDecoded || ev.Fields != nil {
			t.Errorf("payload = (%v, %v)", ev.PayloadState, ev.Fields)
		}
	})
}

func TestDescribeErrorCode(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"12067", "device is not in lost mode"},
		{"12068", "device location is unknown"},
		{"12078", "device received an invalid command while in lost mode"},
		{"12021", ""},
		{"1", ""},
	}
	for _, tt := range tests {
		if got := DescribeErrorCode(tt.code); got != tt.want {
			t.Errorf("DescribeErrorCode(%s) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestEventSummary(t *testing.T) {
	ev := Event{Kind: KindAcknowledgment, DeviceID: "UDID-1", Status: StatusAcknowledged}
	got := ev.Summary()
	if !strings.Contains(got, "acknowledgment") || !strings.Contains(got, "udid=UDID-1") {
		t.Errorf("Summary() = %q", got)
	}
}
