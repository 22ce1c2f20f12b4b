// Package event turns raw envelopes from the MDM event feed into typed events.
//
// Decoding is deliberately lenient: envelopes come from a webhook relay that forwards
// whatever the MDM server emitted, so every field is optional and a field of the wrong
// JSON type is treated as absent. Only bytes that are not a JSON object at all are
// reported as a DecodeError.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/mdmrelay/mdm-agent/internal/protocol"
)

// Kind classifies a decoded event.
type Kind int

const (
	KindUnclassified Kind = iota
	KindAcknowledgment
	KindCheckin
	KindServerInfo
)

func (k Kind) String() string {
	switch k {
	case KindAcknowledgment:
		return "acknowledgment"
	case KindCheckin:
		return "checkin"
	case KindServerInfo:
		return "server_info"
	default:
		return "unclassified"
	}
}

// PayloadState records what happened to a nested raw_payload.
type PayloadState int

const (
	PayloadAbsent PayloadState = iota
	PayloadDecoded
	PayloadUndecodable
)

// UndecodablePayload is stored in Event.Text when raw_payload is not valid base64.
const UndecodablePayload = "<undecodable raw_payload>"

// Acknowledgment statuses reported by devices.
const (
	StatusAcknowledged       = "Acknowledged"
	StatusError              = "Error"
	StatusCommandFormatError = "CommandFormatError"
	StatusNotNow             = "NotNow"
	StatusIdle               = "Idle"
)

// Event is a decoded feed event.
type Event struct {
	Kind        Kind
	DeviceID    string
	EventID     string
	Topic       string
	CommandUUID string
	CommandType string
	Status      string
	ErrorCode   string
	MessageType string // checkin message type (Authenticate, TokenUpdate, CheckOut)
	Message     string // server_info text

	PayloadState PayloadState
	Text         string         // decoded raw_payload, or UndecodablePayload
	Fields       map[string]any // raw_payload parsed as a property list, when it is one

	Raw        protocol.Envelope // kept for unclassified events
	ReceivedAt time.Time
}

// Summary renders the event on a single log line.
func (e Event) Summary() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.DeviceID != "" {
		fmt.Fprintf(&b, " udid=%s", e.DeviceID)
	}
	if e.CommandType != "" {
		fmt.Fprintf(&b, " type=%s", e.CommandType)
	}
	if e.CommandUUID != "" {
		fmt.Fprintf(&b, " command=%s", e.CommandUUID)
	}
	if e.Status != "" {
		fmt.Fprintf(&b, " status=%s", e.Status)
	}
	if e.ErrorCode != "" {
		fmt.Fprintf(&b, " error_code=%s", e.ErrorCode)
	}
	if e.MessageType != "" {
		fmt.Fprintf(&b, " message_type=%s", e.MessageType)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " message=%q", e.Message)
	}
	return b.String()
}

// DecodeError is returned when a frame cannot be read as an envelope at all.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed event envelope (%d bytes): %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var knownErrorCodes = map[string]string{
	"12067": "device is not in lost mode",
	"12068": "device location is unknown",
	"12078": "device received an invalid command while in lost mode",
}

// DescribeErrorCode returns a human readable description for known MDM error codes.
func DescribeErrorCode(code string) string {
	return knownErrorCodes[code]
}
