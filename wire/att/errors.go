package att

import (
	"errors"
	"fmt"
)

// ATT Error Codes (Bluetooth Core Spec v5.3 Vol 3, Part F, Section 3.4.1.1)
const (
	ErrSuccess                       = 0x00 // Not an actual error, used internally
	ErrInvalidHandle                 = 0x01
	ErrReadNotPermitted              = 0x02
	ErrWriteNotPermitted             = 0x03
	ErrInvalidPDU                    = 0x04
	ErrInsufficientAuthentication    = 0x05
	ErrRequestNotSupported           = 0x06
	ErrInvalidOffset                 = 0x07
	ErrInsufficientAuthorization     = 0x08
	ErrPrepareQueueFull              = 0x09
	ErrAttributeNotFound             = 0x0A
	ErrAttributeNotLong              = 0x0B
	ErrInsufficientEncryptionKeySize = 0x0C
	ErrInvalidAttributeValueLength   = 0x0D
	ErrUnlikelyError                 = 0x0E
	ErrInsufficientEncryption        = 0x0F
	ErrUnsupportedGroupType          = 0x10
	ErrInsufficientResources         = 0x11

	// Application Error codes (0x80 - 0x9F)
	ErrApplicationErrorStart = 0x80
	ErrApplicationErrorEnd   = 0x9F

	// Common Profile and Service Error Codes (0xE0 - 0xFF)
	ErrCommonErrorStart = 0xE0
	ErrCommonErrorEnd   = 0xFF

	ErrWriteRequestRejected       = 0xFC
	ErrCCCDImproperlyConfigured   = 0xFD
	ErrProcedureAlreadyInProgress = 0xFE
	ErrOutOfRange                 = 0xFF
)

// ErrorNames maps error codes to human-readable names
var ErrorNames = map[uint8]string{
	ErrSuccess:                       "Success",
	ErrInvalidHandle:                 "Invalid Handle",
	ErrReadNotPermitted:              "Read Not Permitted",
	ErrWriteNotPermitted:             "Write Not Permitted",
	ErrInvalidPDU:                    "Invalid PDU",
	ErrInsufficientAuthentication:    "Insufficient Authentication",
	ErrRequestNotSupported:           "Request Not Supported",
	ErrInvalidOffset:                 "Invalid Offset",
	ErrInsufficientAuthorization:     "Insufficient Authorization",
	ErrPrepareQueueFull:              "Prepare Queue Full",
	ErrAttributeNotFound:             "Attribute Not Found",
	ErrAttributeNotLong:              "Attribute Not Long",
	ErrInsufficientEncryptionKeySize: "Insufficient Encryption Key Size",
	ErrInvalidAttributeValueLength:   "Invalid Attribute Value Length",
	ErrUnlikelyError:                 "Unlikely Error",
	ErrInsufficientEncryption:        "Insufficient Encryption",
	ErrUnsupportedGroupType:          "Unsupported Group Type",
	ErrInsufficientResources:         "Insufficient Resources",
	ErrWriteRequestRejected:          "Write Request Rejected",
	ErrCCCDImproperlyConfigured:      "CCCD Improperly Configured",
	ErrProcedureAlreadyInProgress:    "Procedure Already in Progress",
	ErrOutOfRange:                    "Out of Range",
}

// ErrorName returns the name for an ATT error code
func ErrorName(code uint8) string {
	if name, ok := ErrorNames[code]; ok {
		return name
	}
	switch {
	case code >= ErrApplicationErrorStart && code <= ErrApplicationErrorEnd:
		return fmt.Sprintf("Application Error (0x%02X)", code)
	case code >= ErrCommonErrorStart:
		return fmt.Sprintf("Common Profile Error (0x%02X)", code)
	default:
		return fmt.Sprintf("Unknown Error (0x%02X)", code)
	}
}

// Error is an ATT Error Response received from (or sent to) the peer
type Error struct {
	Code          uint8
	RequestOpcode uint8
	Handle        uint16
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("ATT Error: %s (handle 0x%04X, request %s)",
		ErrorName(e.Code), e.Handle, OpcodeName(e.RequestOpcode))
}

// NewError creates a new ATT error
func NewError(code uint8, requestOpcode uint8, handle uint16) *Error {
	return &Error{
		Code:          code,
		RequestOpcode: requestOpcode,
		Handle:        handle,
	}
}

// IsATTError checks if an error is (or wraps) an ATT error with a specific code
func IsATTError(err error, code uint8) bool {
	var attErr *Error
	if errors.As(err, &attErr) {
		return attErr.Code == code
	}
	return false
}

// GetErrorCode returns the ATT error code from an error, or 0 if not an ATT error
func GetErrorCode(err error) uint8 {
	var attErr *Error
	if errors.As(err, &attErr) {
		return attErr.Code
	}
	return 0
}

// ProtocolErrorKind classifies local protocol failures
type ProtocolErrorKind int

const (
	MalformedPDU ProtocolErrorKind = iota + 1
	ProtocolViolation
	UnsupportedOpcode
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case MalformedPDU:
		return "malformed PDU"
	case ProtocolViolation:
		return "protocol violation"
	case UnsupportedOpcode:
		return "unsupported opcode"
	default:
		return "protocol error"
	}
}

// ProtocolError reports a PDU that could not be decoded, or a transaction that
// breaks the lock-step rule.
type ProtocolError struct {
	Kind   ProtocolErrorKind
	Opcode uint8
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("att: %s (%s)", e.Kind, OpcodeName(e.Opcode))
	}
	return fmt.Sprintf("att: %s (%s): %s", e.Kind, OpcodeName(e.Opcode), e.Detail)
}

// Is matches any ProtocolError of the same kind, so callers can write
// errors.Is(err, &att.ProtocolError{Kind: att.ProtocolViolation}).
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is
var (
	ErrMalformedPDU      = &ProtocolError{Kind: MalformedPDU}
	ErrProtocolViolation = &ProtocolError{Kind: ProtocolViolation}
	ErrUnsupportedOpcode = &ProtocolError{Kind: UnsupportedOpcode}
)

func malformed(opcode uint8, format string, args ...interface{}) error {
	return &ProtocolError{Kind: MalformedPDU, Opcode: opcode, Detail: fmt.Sprintf(format, args...)}
}

// IsProtocolKind reports whether err is a ProtocolError of the given kind
func IsProtocolKind(err error, kind ProtocolErrorKind) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Kind == kind
}
