package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tag is an MDM request type.
type Tag string

const (
	InstallApplication           Tag = "InstallApplication"
	InstallEnterpriseApplication Tag = "InstallEnterpriseApplication"
	DeviceLock                   Tag = "DeviceLock"
	RestartDevice                Tag = "RestartDevice"
	ShutDownDevice               Tag = "ShutDownDevice"
	ClearPasscode                Tag = "ClearPasscode"
	EraseDevice                  Tag = "EraseDevice"
	RemoveApplication            Tag = "RemoveApplication"
	DeviceInformation            Tag = "DeviceInformation"
	InstalledApplicationList     Tag = "InstalledApplicationList"
	ProfileList                  Tag = "ProfileList"
	AvailableOSUpdates           Tag = "AvailableOSUpdates"
	ScheduleOSUpdate             Tag = "ScheduleOSUpdate"
	InstallProfile               Tag = "InstallProfile"
	RemoveProfile                Tag = "RemoveProfile"
	AccountConfiguration         Tag = "AccountConfiguration"
	DeviceConfigured             Tag = "DeviceConfigured"
	ActivationLockBypassCode     Tag = "ActivationLockBypassCode"
	SecurityInfo                 Tag = "SecurityInfo"
	CertificateList              Tag = "CertificateList"
	EnableLostMode               Tag = "EnableLostMode"
	DisableLostMode              Tag = "DisableLostMode"
	DeviceLocation               Tag = "DeviceLocation"
	PlayLostModeSound            Tag = "PlayLostModeSound"
)

var knownTags = []Tag{
	InstallApplication, InstallEnterpriseApplication, DeviceLock, RestartDevice,
	ShutDownDevice, ClearPasscode, EraseDevice, RemoveApplication, DeviceInformation,
	InstalledApplicationList, ProfileList, AvailableOSUpdates, ScheduleOSUpdate,
	InstallProfile, RemoveProfile, AccountConfiguration, DeviceConfigured,
	ActivationLockBypassCode, SecurityInfo, CertificateList, EnableLostMode,
	DisableLostMode, DeviceLocation, PlayLostModeSound,
}

// Tags returns every supported request type.
func Tags() []Tag {
	out := make([]Tag, len(knownTags))
	copy(out, knownTags)
	return out
}

// ParseTag resolves a request type name, ignoring case.
func ParseTag(s string) (Tag, error) {
	for _, t := range knownTags {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown request type %q", s)
}

// Params holds request-type specific fields, sent as-is in the command body.
type Params map[string]any

// Command is a single submission to a single device.
type Command struct {
	Tag         Tag
	DeviceID    string
	Params      Params
	SubmittedAt time.Time
	Token       string // local correlation token
	CommandUUID string // assigned by the server once accepted, may be empty
}

// New builds a command with a fresh correlation token.
func New(tag Tag, deviceID string, params Params) Command {
	return Command{
		Tag:         tag,
		DeviceID:    deviceID,
		Params:      params.clone(),
		SubmittedAt: time.Now(),
		Token:       uuid.NewString(),
	}
}

// WithCommandUUID returns a copy carrying the server-assigned command UUID.
func (c Command) WithCommandUUID(id string) Command {
	c.CommandUUID = id
	return c
}

func (p Params) clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Receipt is the issuer's verdict for one command.
type Receipt struct {
	Accepted    bool
	StatusCode  int
	CommandUUID string
	Body        string // response body, kept for rejected commands
}
