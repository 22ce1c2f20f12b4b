package protocol

// SubmitRequest is sent by `mdm-agent send` to the running agent over the local socket.
type SubmitRequest struct {
	Tag        string         `json:"tag"`
	Devices    []string       `json:"devices,omitempty"` // UDIDs or serial numbers
	All        bool           `json:"all,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Wake       bool           `json:"wake"`
	WaitForAck bool           `json:"waitForAck"`
	TimeoutMs  int            `json:"timeoutMs,omitempty"`

	// VPPToken, when set on an InstallApplication request, makes the agent assign a
	// VPP license to every target device before issuing the command.
	VPPToken string `json:"vppToken,omitempty"`
}

// SubmitResponse carries one result per resolved device, in request order.
type SubmitResponse struct {
	Results  []DeviceResult `json:"results"`
	Unknown  []string       `json:"unknown,omitempty"` // selectors that matched no device
	Warnings []string       `json:"warnings,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// DeviceResult is the outcome of a submission for a single device
type DeviceResult struct {
	UDID        string `json:"udid"`
	Serial      string `json:"serial,omitempty"`
	Token       string `json:"token,omitempty"`
	CommandUUID string `json:"commandUuid,omitempty"`
	State       string `json:"state"`             // rejected, accepted, resolved, error
	Outcome     string `json:"outcome,omitempty"` // set when State is resolved
	ErrorCode   string `json:"errorCode,omitempty"`
	Detail      string `json:"detail,omitempty"`
	HTTPStatus  int    `json:"httpStatus,omitempty"`
	DurationMs  int    `json:"durationMs"`
	OK          bool   `json:"ok"`
}
