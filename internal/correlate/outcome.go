package correlate

import (
	"time"

	"github.com/mdmrelay/mdm-agent/internal/event"
)

// Status is the final state of a command expectation.
type Status int

const (
	Success Status = iota + 1
	Failed
	Unknown
	Timeout
	Superseded
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Failed:
		return "failed"
	case Unknown:
		return "unknown"
	case Timeout:
		return "timeout"
	case Superseded:
		return "superseded"
	case Cancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// Outcome is how an expectation was resolved.
type Outcome struct {
	Status     Status
	ErrorCode  string // Failed only
	Detail     string // decoded payload, error description or reason
	DeviceSeen bool   // the device checked in or replied NotNow while we waited
	ResolvedAt time.Time
}

// outcomeFor maps an acknowledgment status to an outcome.
func outcomeFor(ev event.Event) Outcome {
	switch ev.Status {
	case event.StatusAcknowledged:
		return Outcome{Status: Success, Detail: ev.Text}
	case event.StatusError, event.StatusCommandFormatError:
		detail := event.DescribeErrorCode(ev.ErrorCode)
		if detail == "" {
			detail = ev.Text
		}
		return Outcome{Status: Failed, ErrorCode: ev.ErrorCode, Detail: detail}
	default:
		return Outcome{Status: Unknown, Detail: ev.Text}
	}
}
