package registry

// Error is a state/protocol error a registry operation can return. It
// carries the wire-visible code alongside a human-readable message,
// mirroring how original_source/src/lib/errors.rs's
// WebsocketSerialServerError converts into a single SerialResponse::Error
// via one From impl instead of a type switch at every call site.
type Error struct {
	code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Code returns the wire-protocol error code for this failure.
func (e *Error) Code() string { return e.code }

func newError(code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// Sentinel errors for the failures named in the operation table (spec
// section 4.2). AlreadyOpenForYou and AlreadyLockedBySelf are not returned
// by Open/Lock: those cases are idempotent success, reported to callers
// via a boolean, not an error, so no sentinel is defined for them.
var (
	ErrOpenFailed         = newError("OpenFailed", "failed to open serial port")
	ErrNotOpen            = newError("NotOpen", "port is not open")
	ErrNotSubscribed      = newError("NotSubscribed", "subscriber has not opened this port")
	ErrEnumerationFailed  = newError("EnumerationFailed", "failed to enumerate serial ports")
	ErrAlreadyLockedByOther = newError("AlreadyLockedByOther", "port is write-locked by another subscriber")
	ErrNotLocked          = newError("NotLocked", "port is not write-locked")
	ErrLockedByOther      = newError("LockedByOther", "port is write-locked by another subscriber")
	ErrPortClosed         = newError("PortClosed", "port is not open")
	ErrWriteLockNotHeld   = newError("WriteLockNotHeld", "write lock not held by this subscriber")
)

// OpenFailedError wraps the underlying OS/driver failure while keeping the
// OpenFailed wire code.
func OpenFailedError(cause error) *Error {
	return newError("OpenFailed", "failed to open serial port: "+cause.Error())
}

// EnumerationFailedError wraps the underlying enumeration failure.
func EnumerationFailedError(cause error) *Error {
	return newError("EnumerationFailed", "failed to enumerate serial ports: "+cause.Error())
}

// AlreadyLockedByOtherError names the current holder in the message.
func AlreadyLockedByOtherError(holder string) *Error {
	return newError("AlreadyLockedByOther", "port is write-locked by subscriber "+holder)
}
