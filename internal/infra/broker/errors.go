package broker

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownBroker  = errors.New("unknown broker")
	ErrNotImplemented = errors.New("operation not supported by broker")
)

// Error is the failure envelope of a broker call.
type Error struct {
	Broker     string
	Op         Operation
	StatusCode int
	Code       string
	Message    string
	// AuthURL is set when the broker answered that an OAuth step is needed.
	AuthURL    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Broker)
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(string(e.Op))
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": code %s", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// AuthURLFrom extracts an OAuth URL from an error chain, if any.
func AuthURLFrom(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.AuthURL
	}
	return ""
}
