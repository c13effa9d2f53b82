package server

import "errors"

// AdmitReason says why a connection was refused a username.
type AdmitReason int

const (
	AdmitFull AdmitReason = iota + 1
	AdmitNameTaken
	AdmitClosed
)

func (r AdmitReason) String() string {
	switch r {
	case AdmitFull:
		return "server full"
	case AdmitNameTaken:
		return "username not available"
	case AdmitClosed:
		return "server shutting down"
	default:
		return "unknown"
	}
}

// AdmitError is returned by Registry.TryAdmit.
type AdmitError struct {
	Reason   AdmitReason
	Username string
}

func (e *AdmitError) Error() string {
	return "server: admit " + e.Username + ": " + e.Reason.String()
}

// Is matches any *AdmitError with the same Reason, so errors.Is works against
// the sentinels below.
func (e *AdmitError) Is(target error) bool {
	t, ok := target.(*AdmitError)
	return ok && t.Reason == e.Reason
}

var (
	ErrServerFull = &AdmitError{Reason: AdmitFull}
	ErrNameTaken  = &AdmitError{Reason: AdmitNameTaken}
	ErrClosed     = &AdmitError{Reason: AdmitClosed}
)

// ErrNotListening is returned by Serve when Listen was not called.
var ErrNotListening = errors.New("server: not listening")
