package wire

import "errors"

var (
	ErrUnauthorized      = errors.New("nanobot: unauthorized")
	ErrTimeout           = errors.New("nanobot: rpc timeout")
	ErrConnectionClosed  = errors.New("nanobot: connection closed")
	ErrRequestIDConflict = errors.New("nanobot: request id conflict")
)

// IsTransport reports whether err is a transport-level failure that a
// caller may try to heal by reconnecting, as opposed to a protocol or
// application error that would recur on a fresh connection.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrConnectionClosed)
}
