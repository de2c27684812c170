package att

import "fmt"

// ATT Opcodes (Bluetooth Core Spec v5.3 Vol 3, Part F, Section 3.4.8)
const (
	OpErrorResponse = 0x01

	OpExchangeMTURequest  = 0x02
	OpExchangeMTUResponse = 0x03

	OpFindInformationRequest  = 0x04
	OpFindInformationResponse = 0x05
	OpFindByTypeValueRequest  = 0x06
	OpFindByTypeValueResponse = 0x07

	OpReadByTypeRequest    = 0x08
	OpReadByTypeResponse   = 0x09
	OpReadRequest          = 0x0A
	OpReadResponse         = 0x0B
	OpReadBlobRequest      = 0x0C
	OpReadBlobResponse     = 0x0D
	OpReadMultipleRequest  = 0x0E
	OpReadMultipleResponse = 0x0F

	OpReadByGroupTypeRequest  = 0x10
	OpReadByGroupTypeResponse = 0x11

	OpWriteRequest  = 0x12
	OpWriteResponse = 0x13

	OpPrepareWriteRequest  = 0x16
	OpPrepareWriteResponse = 0x17
	OpExecuteWriteRequest  = 0x18
	OpExecuteWriteResponse = 0x19

	OpHandleValueNotification = 0x1B
	OpHandleValueIndication   = 0x1D
	OpHandleValueConfirmation = 0x1E

	OpWriteCommand       = 0x52
	OpSignedWriteCommand = 0xD2
)

// Opcode bit fields
const (
	opCommandFlag       = 0x40
	opAuthSignatureFlag = 0x80
)

// Kind classifies an opcode by who sends it and what, if anything, it waits for
type Kind int

const (
	KindUnknown      Kind = iota
	KindRequest           // client -> server, expects a response
	KindResponse          // server -> client, completes a request
	KindCommand           // client -> server, no response
	KindNotification      // server -> client, no confirmation
	KindIndication        // server -> client, expects a confirmation
	KindConfirmation      // client -> server, completes an indication
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindCommand:
		return "command"
	case KindNotification:
		return "notification"
	case KindIndication:
		return "indication"
	case KindConfirmation:
		return "confirmation"
	default:
		return "unknown"
	}
}

var opcodeNames = map[uint8]string{
	OpErrorResponse:           "Error Response",
	OpExchangeMTURequest:      "Exchange MTU Request",
	OpExchangeMTUResponse:     "Exchange MTU Response",
	OpFindInformationRequest:  "Find Information Request",
	OpFindInformationResponse: "Find Information Response",
	OpFindByTypeValueRequest:  "Find By Type Value Request",
	OpFindByTypeValueResponse: "Find By Type Value Response",
	OpReadByTypeRequest:       "Read By Type Request",
	OpReadByTypeResponse:      "Read By Type Response",
	OpReadRequest:             "Read Request",
	OpReadResponse:            "Read Response",
	OpReadBlobRequest:         "Read Blob Request",
	OpReadBlobResponse:        "Read Blob Response",
	OpReadMultipleRequest:     "Read Multiple Request",
	OpReadMultipleResponse:    "Read Multiple Response",
	OpReadByGroupTypeRequest:  "Read By Group Type Request",
	OpReadByGroupTypeResponse: "Read By Group Type Response",
	OpWriteRequest:            "Write Request",
	OpWriteResponse:           "Write Response",
	OpWriteCommand:            "Write Command",
	OpSignedWriteCommand:      "Signed Write Command",
	OpPrepareWriteRequest:     "Prepare Write Request",
	OpPrepareWriteResponse:    "Prepare Write Response",
	OpExecuteWriteRequest:     "Execute Write Request",
	OpExecuteWriteResponse:    "Execute Write Response",
	OpHandleValueNotification: "Handle Value Notification",
	OpHandleValueIndication:   "Handle Value Indication",
	OpHandleValueConfirmation: "Handle Value Confirmation",
}

// requestResponse pairs every transaction-opening opcode with the opcode that
// closes it
var requestResponse = map[uint8]uint8{
	OpExchangeMTURequest:     OpExchangeMTUResponse,
	OpFindInformationRequest: OpFindInformationResponse,
	OpFindByTypeValueRequest: OpFindByTypeValueResponse,
	OpReadByTypeRequest:      OpReadByTypeResponse,
	OpReadRequest:            OpReadResponse,
	OpReadBlobRequest:        OpReadBlobResponse,
	OpReadMultipleRequest:    OpReadMultipleResponse,
	OpReadByGroupTypeRequest: OpReadByGroupTypeResponse,
	OpWriteRequest:           OpWriteResponse,
	OpPrepareWriteRequest:    OpPrepareWriteResponse,
	OpExecuteWriteRequest:    OpExecuteWriteResponse,
	OpHandleValueIndication:  OpHandleValueConfirmation,
}

var responseRequest = func() map[uint8]uint8 {
	m := make(map[uint8]uint8, len(requestResponse))
	for req, rsp := range requestResponse {
		m[rsp] = req
	}
	return m
}()

// OpcodeName returns a human-readable name for logs and traces
func OpcodeName(opcode uint8) string {
	if name, ok := opcodeNames[opcode]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (0x%02X)", opcode)
}

// KindOf classifies an opcode
func KindOf(opcode uint8) Kind {
	switch opcode {
	case OpWriteCommand, OpSignedWriteCommand:
		return KindCommand
	case OpHandleValueNotification:
		return KindNotification
	case OpHandleValueIndication:
		return KindIndication
	case OpHandleValueConfirmation:
		return KindConfirmation
	case OpErrorResponse:
		return KindResponse
	}
	if _, ok := requestResponse[opcode]; ok {
		return KindRequest
	}
	if _, ok := responseRequest[opcode]; ok {
		return KindResponse
	}
	return KindUnknown
}

// IsCommand reports whether the command flag is set; a server must silently
// ignore unknown opcodes carrying it
func IsCommand(opcode uint8) bool {
	return opcode&opCommandFlag != 0
}

// IsSigned reports whether the authentication signature flag is set
func IsSigned(opcode uint8) bool {
	return opcode&opAuthSignatureFlag != 0
}

// ResponseFor returns the opcode that completes the given request or
// indication, or 0 if none does
func ResponseFor(request uint8) uint8 {
	return requestResponse[request]
}

// RequestFor returns the request opcode a response answers, or 0
func RequestFor(response uint8) uint8 {
	return responseRequest[response]
}

// Completes reports whether rsp closes a transaction opened by req. An Error
// Response closes any request; it never closes an indication.
func Completes(req, rsp uint8) bool {
	if rsp == OpErrorResponse {
		return req != OpHandleValueIndication && KindOf(req) == KindRequest
	}
	return requestResponse[req] == rsp
}
