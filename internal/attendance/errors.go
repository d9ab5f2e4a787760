package attendance

import (
	"errors"
	"fmt"
)

// Store level errors.
var (
	ErrNotFound        = errors.New("attendance: not found")
	ErrDuplicateRecord = errors.New("attendance: record already exists for session, cuenta and phase")
	ErrDeviceClaimed   = errors.New("attendance: device already used by another cuenta in session phase")
	ErrSessionOpen     = errors.New("attendance: another session is still open")
	ErrDeviceLimit     = errors.New("attendance: student already has the maximum number of devices")
)

// Rejection is a business-rule failure reported to the user verbatim.
// No write has happened when a Rejection is returned.
type Rejection struct {
	Code      string
	Message   string
	NeedsName bool
}

func (r *Rejection) Error() string { return r.Message }

func reject(code, msg string) *Rejection {
	return &Rejection{Code: code, Message: msg}
}

func rejectf(code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps err into a Rejection when it is one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// Rejection codes.
const (
	CodeMissingFields   = "missing_fields"
	CodeSessionNotFound = "session_not_found"
	CodeSessionClosed   = "session_closed"
	CodeWrongPhase      = "wrong_phase"
	CodeInvalidToken    = "invalid_token"
	CodeTokenExpired    = "token_expired"
	CodeInvalidCuenta   = "invalid_cuenta"
	CodeDuplicate       = "duplicate"
	CodeDeviceInUse     = "device_in_use"
	CodeDeviceUnknown   = "device_not_recognized"
	CodeNeedsName       = "needs_name"
	CodeInvalidPhase    = "invalid_phase"
	CodeSessionOpen     = "session_open"
	CodeInvalidMerge    = "invalid_merge"
	CodeInvalidInput    = "invalid_input"
)

func errDuplicate(p Phase) *Rejection {
	return rejectf(CodeDuplicate, "Ya registraste tu %s", p)
}

func errDeviceInUse() *Rejection {
	return reject(CodeDeviceInUse, "Este dispositivo ya registró otra cuenta en esta sesión")
}

func errDeviceUnknown() *Rejection {
	return reject(CodeDeviceUnknown, "Dispositivo no reconocido. Contacta al profesor.")
}
