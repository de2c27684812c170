// Package gap describes the security services ATT consumes from GAP and the
// security manager: link security clearance before a BR/EDR channel opens,
// and the data signing used by Signed Write Command.
package gap

import (
	"fmt"

	"github.com/user/attengine/wire/l2cap"
)

// Direction of the channel a security request covers
type Direction uint8

const (
	Outgoing Direction = iota
	Incoming
)

// SecurityRequest asks GAP to bring a link up to the level the ATT channel
// needs before L2CAP connects it
type SecurityRequest struct {
	Addr      l2cap.BDAddr
	Direction Direction
	PSM       uint16
}

// SecurityResult is the outcome of a SecurityRequest
type SecurityResult uint8

const (
	SecuritySuccess SecurityResult = iota
	SecurityAuthenticationFailure
	SecurityEncryptionFailure
)

func (r SecurityResult) String() string {
	switch r {
	case SecuritySuccess:
		return "success"
	case SecurityAuthenticationFailure:
		return "authentication failure"
	case SecurityEncryptionFailure:
		return "encryption failure"
	default:
		return fmt.Sprintf("security(%d)", uint8(r))
	}
}

// SignatureResult is the outcome of signature generation or confirmation
type SignatureResult uint8

const (
	SignatureOK SignatureResult = iota
	SignatureErrExecution
	SignatureErrCounter
	SignatureErrAlgorithm
)

func (r SignatureResult) String() string {
	switch r {
	case SignatureOK:
		return "ok"
	case SignatureErrExecution:
		return "execution error"
	case SignatureErrCounter:
		return "counter error"
	case SignatureErrAlgorithm:
		return "algorithm error"
	default:
		return fmt.Sprintf("signature(%d)", uint8(r))
	}
}

// SignatureLen is the size of the signature appended to a signed write:
// a 4-byte sign counter followed by an 8-byte MAC
const SignatureLen = 12

// Signature is the value appended to a Signed Write Command
type Signature [SignatureLen]byte

// Security is the GAP collaborator. Each call returns at once; the result is
// delivered later through done, from whatever goroutine GAP runs on. A non-nil
// error means done will never be called.
type Security interface {
	RequestSecurityAsync(req SecurityRequest, done func(SecurityResult)) error
	DataSignatureGenerationAsync(addr l2cap.BDAddr, data []byte, done func(SignatureResult, Signature)) error
	DataSignatureConfirmationAsync(addr l2cap.BDAddr, data []byte, sig Signature, done func(SignatureResult)) error
}
