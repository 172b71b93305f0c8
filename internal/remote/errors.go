package remote

import (
	"errors"
	"fmt"
)

// TransportError is returned when the remote could not be reached, did not
// answer in time, or answered with a non-2xx status.
type TransportError struct {
	Op         string // "pull", "push" or "probe"
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is returned when the remote answered but the body does not
// follow the wire contract.
type ProtocolError struct {
	Op  string
	URL string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s %s: malformed response: %v", e.Op, e.URL, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is (or wraps) a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocolError reports whether err is (or wraps) a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
