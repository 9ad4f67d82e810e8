package p11token

import (
	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
)

// Error kinds reported by this package. Device-reported failures are
// wrapped with errors.Mark so that callers can classify them with
// errors.Is while the original CKR code stays in the chain.
var (
	// ErrAuthentication indicates a bad PIN or a login-state problem.
	// Callers may retry with a new PIN but must never retry automatically:
	// tokens enforce PIN-lockout counters.
	ErrAuthentication = errors.New("authentication failed")

	// ErrDevice indicates the slot or token is absent or was removed.
	// Fatal for the current session.
	ErrDevice = errors.New("device failure")

	// ErrSessionClosed indicates an operation on a closed session, or an
	// object handle used outside the session that produced it.
	ErrSessionClosed = errors.New("session closed")

	// ErrAlreadyOpen indicates an Open call on a session that was not
	// closed first.
	ErrAlreadyOpen = errors.New("session already open")

	// ErrMechanismNotSupported indicates the token rejected the mechanism.
	ErrMechanismNotSupported = errors.New("mechanism not supported")

	// ErrUnsupportedParameter indicates no mechanism exists for the
	// requested parameter combination. Deterministic: no hardware call is
	// made.
	ErrUnsupportedParameter = errors.New("unsupported parameter")

	// ErrKeyUsage indicates the object's usage attributes forbid the
	// requested operation.
	ErrKeyUsage = errors.New("operation not permitted by key usage")

	// ErrOperation indicates an opaque hardware failure with ambiguous
	// completion state. The session must be closed and reopened before any
	// retry.
	ErrOperation = errors.New("hardware operation failed")
)

// kinds in classification order: a marked error reports the first match.
var kinds = []error{
	ErrAuthentication,
	ErrDevice,
	ErrSessionClosed,
	ErrAlreadyOpen,
	ErrMechanismNotSupported,
	ErrUnsupportedParameter,
	ErrKeyUsage,
	ErrOperation,
}

// KindOf returns the error kind attached to err, nil when err carries none.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// mapCKR attaches an error kind to a device-reported error and augments it
// with the logical operation that failed.
func mapCKR(err error, op string) error {
	if err == nil {
		return nil
	}
	kind := ErrOperation
	var ckr pkcs11.Error
	if errors.As(err, &ckr) {
		switch ckr {
		case pkcs11.CKR_PIN_INCORRECT,
			pkcs11.CKR_PIN_INVALID,
			pkcs11.CKR_PIN_LEN_RANGE,
			pkcs11.CKR_PIN_EXPIRED,
			pkcs11.CKR_PIN_LOCKED,
			pkcs11.CKR_USER_NOT_LOGGED_IN,
			pkcs11.CKR_USER_TYPE_INVALID:
			kind = ErrAuthentication
		case pkcs11.CKR_USER_ALREADY_LOGGED_IN,
			pkcs11.CKR_SESSION_COUNT:
			kind = ErrAlreadyOpen
		case pkcs11.CKR_SLOT_ID_INVALID,
			pkcs11.CKR_TOKEN_NOT_PRESENT,
			pkcs11.CKR_TOKEN_NOT_RECOGNIZED,
			pkcs11.CKR_DEVICE_REMOVED,
			pkcs11.CKR_DEVICE_ERROR,
			pkcs11.CKR_DEVICE_MEMORY:
			kind = ErrDevice
		case pkcs11.CKR_SESSION_HANDLE_INVALID,
			pkcs11.CKR_SESSION_CLOSED,
			pkcs11.CKR_OBJECT_HANDLE_INVALID:
			kind = ErrSessionClosed
		case pkcs11.CKR_MECHANISM_INVALID,
			pkcs11.CKR_MECHANISM_PARAM_INVALID,
			pkcs11.CKR_FUNCTION_NOT_SUPPORTED:
			kind = ErrMechanismNotSupported
		case pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED,
			pkcs11.CKR_KEY_TYPE_INCONSISTENT:
			kind = ErrKeyUsage
		}
	}
	return errors.Mark(errors.WithMessage(err, op), kind)
}
