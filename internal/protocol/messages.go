package protocol

import "encoding/json"

// Frame types exchanged with the event feed.
const (
	TypeAuth       = "auth"
	TypeAuthResult = "auth_result"
	TypeMDMEvent   = "mdm_event"
	TypeServerInfo = "server_info"
	TypeError      = "error"
)

// AuthStatusOK is the auth_result status for an accepted handshake.
const AuthStatusOK = "ok"

// AuthMessage is sent by the agent right after the feed connection opens.
// Exactly one of ApiKey or Token is set, depending on the configured auth mode.
type AuthMessage struct {
	Type   string `json:"type"`
	ApiKey string `json:"api_key,omitempty"`
	Token  string `json:"token,omitempty"`
}

// AuthResultMessage is the feed's answer to AuthMessage
type AuthResultMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// FeedFrame combines fields from every server frame so a frame is parsed once.
// Data carries the event envelope for mdm_event frames.
type FeedFrame struct {
	Type    string `json:"type"`
	Status  string `json:"status,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`
}

// Envelope is a raw event as delivered by the feed. It is kept as a generic JSON
// object because devices and servers disagree on field presence and types.
type Envelope map[string]any

// Envelope field names.
const (
	FieldType             = "type"
	FieldMessage          = "message"
	FieldTopic            = "topic"
	FieldEventID          = "event_id"
	FieldAcknowledgeEvent = "acknowledge_event"
	FieldCheckinEvent     = "checkin_event"
	FieldUDID             = "udid"
	FieldStatus           = "status"
	FieldErrorCode        = "error_code"
	FieldCommandUUID      = "command_uuid"
	FieldCommandType      = "command_type"
	FieldRequestType      = "request_type"
	FieldRawPayload       = "raw_payload"
	FieldMessageType      = "message_type"
)
