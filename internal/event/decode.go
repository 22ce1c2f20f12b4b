package event

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mdmrelay/mdm-agent/internal/protocol"
	"howett.net/plist"
)

var errNotObject = errors.New("envelope is not a JSON object")

// Decode parses a raw envelope and classifies it.
func Decode(data []byte) (Event, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, &DecodeError{Size: len(data), Err: err}
	}
	if env == nil {
		return Event{}, &DecodeError{Size: len(data), Err: errNotObject}
	}
	return FromEnvelope(env), nil
}

// FromEnvelope classifies an already parsed envelope. It never fails.
func FromEnvelope(env protocol.Envelope) Event {
	ev := Event{
		Kind:       KindUnclassified,
		EventID:    stringField(env, protocol.FieldEventID),
		Topic:      stringField(env, protocol.FieldTopic),
		ReceivedAt: time.Now(),
	}

	if ack, ok := objectField(env, protocol.FieldAcknowledgeEvent); ok {
		ev.Kind = KindAcknowledgment
		ev.DeviceID = stringField(ack, protocol.FieldUDID)
		ev.Status = stringField(ack, protocol.FieldStatus)
		ev.ErrorCode = codeField(ack, protocol.FieldErrorCode)
		ev.CommandUUID = stringField(ack, protocol.FieldCommandUUID)
		ev.CommandType = firstNonEmpty(
			stringField(ack, protocol.FieldCommandType),
			stringField(ack, protocol.FieldRequestType),
		)
		decodePayload(&ev, ack)
		return ev
	}

	if checkin, ok := objectField(env, protocol.FieldCheckinEvent); ok {
		ev.Kind = KindCheckin
		ev.DeviceID = stringField(checkin, protocol.FieldUDID)
		ev.MessageType = stringField(checkin, protocol.FieldMessageType)
		decodePayload(&ev, checkin)
		return ev
	}

	if stringField(env, protocol.FieldType) == protocol.TypeServerInfo {
		ev.Kind = KindServerInfo
		ev.Message = stringField(env, protocol.FieldMessage)
		return ev
	}

	ev.Raw = env
	return ev
}

// decodePayload fills the payload fields from a nested base64 raw_payload. Any field the
// event is still missing is taken from the payload when it is a property list.
func decodePayload(ev *Event, obj map[string]any) {
	raw, ok := obj[protocol.FieldRawPayload].(string)
	if !ok || raw == "" {
		return
	}

	data, err := decodeBase64(raw)
	if err != nil {
		ev.PayloadState = PayloadUndecodable
		ev.Text = UndecodablePayload
		return
	}
	ev.PayloadState = PayloadDecoded
	ev.Text = strings.ToValidUTF8(string(data), "")

	fields := parsePlist(data)
	if fields == nil {
		return
	}
	ev.Fields = fields
	if ev.DeviceID == "" {
		ev.DeviceID = stringField(fields, "UDID")
	}
	if ev.Status == "" {
		ev.Status = stringField(fields, "Status")
	}
	if ev.CommandUUID == "" {
		ev.CommandUUID = stringField(fields, "CommandUUID")
	}
	if ev.CommandType == "" {
		ev.CommandType = stringField(fields, "RequestType")
	}
	if ev.MessageType == "" {
		ev.MessageType = stringField(fields, "MessageType")
	}
	if ev.ErrorCode == "" {
		ev.ErrorCode = errorChainCode(fields)
	}
}

func decodeBase64(raw string) ([]byte, error) {
	raw = strings.Join(strings.Fields(raw), "")
	data, err := base64.StdEncoding.DecodeString(raw)
	if err == nil {
		return data, nil
	}
	if data, rawErr := base64.RawStdEncoding.DecodeString(raw); rawErr == nil {
		return data, nil
	}
	return nil, err
}

func parsePlist(data []byte) map[string]any {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("<?xml")) &&
		!bytes.HasPrefix(trimmed, []byte("<plist")) &&
		!bytes.HasPrefix(trimmed, []byte("bplist")) {
		return nil
	}
	var fields map[string]any
	if _, err := plist.Unmarshal(data, &fields); err != nil {
		return nil
	}
	return fields
}

func errorChainCode(fields map[string]any) string {
	chain, ok := fields["ErrorChain"].([]any)
	if !ok || len(chain) == 0 {
		return ""
	}
	first, ok := chain[0].(map[string]any)
	if !ok {
		return ""
	}
	return codeField(first, "ErrorCode")
}

func objectField(obj map[string]any, key string) (map[string]any, bool) {
	v, ok := obj[key].(map[string]any)
	return v, ok
}

func stringField(obj map[string]any, key string) string {
	v, _ := obj[key].(string)
	return v
}

// codeField reads an error code that may arrive as a JSON number, a plist integer or
// a string.
func codeField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64, uint64, int:
		return fmt.Sprint(v)
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
