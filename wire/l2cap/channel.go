package l2cap

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// BDAddr is a Bluetooth device address, most significant byte first
type BDAddr [6]byte

// ParseBDAddr parses "AA:BB:CC:DD:EE:FF"
func ParseBDAddr(s string) (BDAddr, error) {
	var a BDAddr
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return a, errors.Errorf("l2cap: bad device address %q", s)
	}
	copy(a[:], hw)
	return a, nil
}

func (a BDAddr) String() string {
	return net.HardwareAddr(a[:]).String()
}

// Transport selects the bearer ATT runs over
type Transport uint8

const (
	TransportBREDR Transport = iota + 1
	TransportLE
)

func (t Transport) String() string {
	switch t {
	case TransportBREDR:
		return "br/edr"
	case TransportLE:
		return "le"
	default:
		return fmt.Sprintf("transport(%d)", uint8(t))
	}
}

// Role is the local device's link layer role on an LE link
type Role uint8

const (
	RoleCentral    Role = iota // we initiated the connection
	RolePeripheral             // they initiated the connection
)

func (r Role) String() string {
	if r == RoleCentral {
		return "central"
	}
	return "peripheral"
}

// ConnectResult is the result field of a Connection Response
type ConnectResult uint16

const (
	ConnectSuccess          ConnectResult = 0x0000
	ConnectPending          ConnectResult = 0x0001
	ConnectRefusedPSM       ConnectResult = 0x0002
	ConnectRefusedSecurity  ConnectResult = 0x0003
	ConnectRefusedResources ConnectResult = 0x0004
)

// ConfigResult is the result field of a Configuration Response
type ConfigResult uint16

const (
	ConfigSuccess        ConfigResult = 0x0000
	ConfigUnacceptable   ConfigResult = 0x0001
	ConfigRejected       ConfigResult = 0x0002
	ConfigUnknownOptions ConfigResult = 0x0003
	ConfigPending        ConfigResult = 0x0004
)

// DisconnectReason explains an abnormal channel loss
type DisconnectReason uint8

const (
	ReasonLinkLoss DisconnectReason = iota + 1
	ReasonStateCollision
	ReasonTimeout
	ReasonAuthenticationFailure
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonLinkLoss:
		return "link loss"
	case ReasonStateCollision:
		return "state collision"
	case ReasonTimeout:
		return "timeout"
	case ReasonAuthenticationFailure:
		return "authentication failure"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// HCI status codes the LE callbacks carry
const (
	StatusSuccess              uint8 = 0x00
	StatusConnectionTimeout    uint8 = 0x08
	StatusRemoteUserTerminated uint8 = 0x13
	StatusLocalHostTerminated  uint8 = 0x16
)

// Channel is the BR/EDR dynamic channel service ATT consumes. Every call
// returns immediately; outcomes arrive on the Handler.
type Channel interface {
	ConnectReq(addr BDAddr, psm uint16) (lcid uint16, err error)
	ConnectRsp(addr BDAddr, lcid uint16, id uint8, result ConnectResult) error
	ConfigReq(lcid uint16, cfg Config) error
	ConfigRsp(lcid uint16, id uint8, cfg Config, result ConfigResult) error
	DisconnectReq(lcid uint16) error
	DisconnectRsp(lcid uint16, id uint8) error
	SendData(lcid uint16, pdu []byte) error
}

// Handler receives BR/EDR channel events. Implementations must not block:
// the caller is the L2CAP layer's own context.
type Handler interface {
	OnConnectInd(addr BDAddr, lcid uint16, id uint8, psm uint16)
	OnConnectRsp(lcid uint16, result ConnectResult)
	OnConfigInd(lcid uint16, id uint8, cfg Config)
	OnConfigRsp(lcid uint16, cfg Config, result ConfigResult)
	OnDisconnectInd(lcid uint16, id uint8)
	OnDisconnectRsp(lcid uint16)
	OnDisconnectAbnormal(lcid uint16, reason DisconnectReason)
	OnData(lcid uint16, data []byte)
}

// FixedChannel is the LE side: ACL link management plus the fixed ATT channel
type FixedChannel interface {
	Connect(addr BDAddr) error
	Disconnect(aclHandle uint16, reason uint8) error
	SendData(aclHandle uint16, cid uint16, pdu []byte) error
}

// FixedHandler receives LE link and fixed channel events
type FixedHandler interface {
	OnLeConnected(addr BDAddr, aclHandle uint16, role Role, status uint8)
	OnLeDisconnected(aclHandle uint16, status uint8, reason uint8)
	OnLeData(aclHandle uint16, cid uint16, data []byte)
}
