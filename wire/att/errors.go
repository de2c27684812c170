package att

import (
	"fmt"

	"github.com/pkg/errors"
)

// ATT Error Codes (Bluetooth Core Spec v5.3 Vol 3, Part F, Section 3.4.1.1)
const (
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

	// Application errors (0x80 - 0x9F)
	ErrApplicationErrorStart = 0x80
	ErrApplicationErrorEnd   = 0x9F

	// Common profile and service errors (0xE0 - 0xFF)
	ErrCommonErrorStart           = 0xE0
	ErrWriteRequestRejected       = 0xFC
	ErrCCCDImproperlyConfigured   = 0xFD
	ErrProcedureAlreadyInProgress = 0xFE
	ErrOutOfRange                 = 0xFF
)

var errorNames = map[uint8]string{
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

// ErrorName returns a human-readable name for an ATT error code
func ErrorName(code uint8) string {
	if name, ok := errorNames[code]; ok {
		return name
	}
	switch {
	case code >= ErrApplicationErrorStart && code <= ErrApplicationErrorEnd:
		return fmt.Sprintf("Application Error (0x%02X)", code)
	case code >= ErrCommonErrorStart:
		return fmt.Sprintf("Common Profile Error (0x%02X)", code)
	default:
		return fmt.Sprintf("Reserved (0x%02X)", code)
	}
}

// Codec errors
var (
	ErrBadParameter   = errors.New("att: bad parameter")
	ErrMalformedPDU   = errors.New("att: malformed pdu")
	ErrUnknownOpcode  = errors.New("att: unknown opcode")
	ErrEmptyPDU       = errors.New("att: empty pdu")
	ErrValueTooLong   = errors.New("att: value exceeds mtu")
	ErrNoRoomForEntry = errors.New("att: mtu too small for one entry")
)

// Error is an ATT protocol error as carried by an Error Response
type Error struct {
	Code          uint8
	RequestOpcode uint8
	Handle        uint16
}

func (e *Error) Error() string {
	return fmt.Sprintf("ATT Error: %s (handle 0x%04X, request %s)",
		ErrorName(e.Code), e.Handle, OpcodeName(e.RequestOpcode))
}

// NewError creates a new ATT error
func NewError(code uint8, requestOpcode uint8, handle uint16) *Error {
	return &Error{Code: code, RequestOpcode: requestOpcode, Handle: handle}
}

// ErrorCode returns the ATT error code carried by err, or 0. Wrapped errors are
// unwrapped with errors.Cause.
func ErrorCode(err error) uint8 {
	switch e := errors.Cause(err).(type) {
	case *Error:
		return e.Code
	case *LengthError:
		return ErrInvalidAttributeValueLength
	}
	return 0
}

// LengthError reports a list-shaped PDU whose body is not a whole number of
// elements
type LengthError struct {
	Opcode uint8
	Length int // body length after the fixed header
	Stride int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("att: %s body of %d bytes is not a multiple of stride %d",
		OpcodeName(e.Opcode), e.Length, e.Stride)
}
