// Package reservation submits a booking over the real-time channel and
// resolves it to exactly one terminal outcome.
package reservation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrAlreadyInFlight is returned while an earlier submission is unresolved.
	ErrAlreadyInFlight = errors.New("reservation: submission already in flight")
	// ErrInvalidSlot is returned when the requested slot is not available in
	// the caller's live table.
	ErrInvalidSlot = errors.New("reservation: slot not available")
	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("reservation: invalid request")
	// ErrClosed is returned by a closed submitter.
	ErrClosed = errors.New("reservation: submitter closed")

	// ErrTimeout, ErrDisconnected and ErrAbandoned are TransportFailure causes.
	ErrTimeout      = errors.New("reservation: no response from server")
	ErrDisconnected = errors.New("reservation: connection lost before response")
	ErrAbandoned    = errors.New("reservation: submission abandoned")
)

// Request is the book_appointment payload.
type Request struct {
	DepartmentID    string `json:"departmentId"`
	ServiceID       string `json:"serviceId"`
	AppointmentDate string `json:"appointmentDate"`
	AppointmentTime string `json:"appointmentTime"`
	Notes           string `json:"notes,omitempty"`
	RequestID       string `json:"requestId,omitempty"`
}

func (r Request) validate() error {
	switch {
	case strings.TrimSpace(r.DepartmentID) == "":
		return fmt.Errorf("%w: department id required", ErrInvalidRequest)
	case strings.TrimSpace(r.ServiceID) == "":
		return fmt.Errorf("%w: service id required", ErrInvalidRequest)
	case strings.TrimSpace(r.AppointmentTime) == "":
		return fmt.Errorf("%w: appointment time required", ErrInvalidRequest)
	}
	if _, err := time.Parse(time.DateOnly, r.AppointmentDate); err != nil {
		return fmt.Errorf("%w: appointment date %q must be YYYY-MM-DD", ErrInvalidRequest, r.AppointmentDate)
	}
	return nil
}

// OutcomeKind names a terminal submission result.
type OutcomeKind string

const (
	OutcomeConfirmed        OutcomeKind = "confirmed"
	OutcomeRejected         OutcomeKind = "rejected"
	OutcomeTransportFailure OutcomeKind = "transport_failure"
)

// Outcome is the terminal result of a submission. Which fields are set
// depends on Kind.
type Outcome struct {
	Kind OutcomeKind `json:"kind"`

	// Confirmed. Values come from the server, not from the request.
	AppointmentDate  string `json:"appointmentDate,omitempty"`
	AppointmentTime  string `json:"appointmentTime,omitempty"`
	ContactReference string `json:"contactReference,omitempty"`
	AppointmentID    string `json:"appointmentId,omitempty"`

	// Rejected.
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`

	// TransportFailure.
	Err error `json:"-"`
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeConfirmed:
		return fmt.Sprintf("confirmed %s %s", o.AppointmentDate, o.AppointmentTime)
	case OutcomeRejected:
		if o.Code != "" {
			return fmt.Sprintf("rejected (%s): %s", o.Code, o.Reason)
		}
		return "rejected: " + o.Reason
	case OutcomeTransportFailure:
		if o.Err != nil {
			return "transport failure: " + o.Err.Error()
		}
		return "transport failure"
	}
	return string(o.Kind)
}

type bookedPayload struct {
	RequestID        string `json:"requestId"`
	AppointmentID    string `json:"appointmentId"`
	LegacyID         string `json:"_id"`
	AppointmentDate  string `json:"appointmentDate"`
	AppointmentTime  string `json:"appointmentTime"`
	ContactReference string `json:"contactReference"`
	ContactNumber    string `json:"contactNumber"`
	Phone            string `json:"phone"`
}

func (b bookedPayload) outcome() Outcome {
	return Outcome{
		Kind:             OutcomeConfirmed,
		AppointmentDate:  b.AppointmentDate,
		AppointmentTime:  b.AppointmentTime,
		AppointmentID:    firstNonEmpty(b.AppointmentID, b.LegacyID),
		ContactReference: firstNonEmpty(b.ContactReference, b.ContactNumber, b.Phone),
	}
}

type errorPayload struct {
	RequestID string `json:"requestId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Error     string `json:"error"`
}

// rejection decodes an error push. The server sends either a bare string or
// an object carrying message/code.
func rejection(data json.RawMessage) (Outcome, string) {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return Outcome{Kind: OutcomeRejected, Reason: text}, ""
	}
	var p errorPayload
	if err := json.Unmarshal(data, &p); err == nil {
		reason := firstNonEmpty(p.Message, p.Error, p.Code)
		if reason != "" {
			return Outcome{Kind: OutcomeRejected, Code: p.Code, Reason: reason}, p.RequestID
		}
	}
	return Outcome{Kind: OutcomeRejected, Reason: strings.TrimSpace(string(data))}, ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
