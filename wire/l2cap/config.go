package l2cap

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Configuration option types (Bluetooth Core Spec v5.3 Vol 3, Part A, Section 5)
const (
	OptionMTU          = 0x01
	OptionFlushTimeout = 0x02
	OptionRetransmit   = 0x04
)

// Retransmission and flow control modes
const (
	ModeBasic          uint8 = 0x00
	ModeRetransmission uint8 = 0x01
	ModeFlowControl    uint8 = 0x02
	ModeEnhanced       uint8 = 0x03
	ModeStreaming      uint8 = 0x04
)

// Limits
const (
	MinSignalingMTU      uint16 = 48  // smallest MTU a BR/EDR channel may configure
	DefaultMTU           uint16 = 672 // L2CAP default when no MTU option is sent
	FlushTimeoutInfinite uint16 = 0xFFFF
)

// ErrBadConfig is returned for unparsable or out of range options
var ErrBadConfig = errors.New("l2cap: bad configuration")

// Config is the per-direction channel configuration exchanged in
// Configuration Request/Response
type Config struct {
	MTU          uint16
	FlushTimeout uint16
	Mode         uint8
}

// DefaultConfig returns the configuration ATT uses on BR/EDR: basic mode,
// infinite flush timeout
func DefaultConfig(mtu uint16) Config {
	return Config{MTU: mtu, FlushTimeout: FlushTimeoutInfinite, Mode: ModeBasic}
}

// Validate checks the options ATT can run over
func (c Config) Validate() error {
	if c.MTU < MinSignalingMTU {
		return errors.Wrapf(ErrBadConfig, "mtu %d below %d", c.MTU, MinSignalingMTU)
	}
	if c.FlushTimeout == 0 {
		return errors.Wrap(ErrBadConfig, "flush timeout 0 is reserved")
	}
	if c.Mode > ModeStreaming {
		return errors.Wrapf(ErrBadConfig, "mode 0x%02X", c.Mode)
	}
	return nil
}

// EncodeOptions serializes c as configuration options. Only the MTU and flush
// timeout are sent unless a non-basic mode is requested.
func (c Config) EncodeOptions() []byte {
	buf := make([]byte, 0, 8+11)
	buf = append(buf, OptionMTU, 2)
	buf = binary.LittleEndian.AppendUint16(buf, c.MTU)
	buf = append(buf, OptionFlushTimeout, 2)
	buf = binary.LittleEndian.AppendUint16(buf, c.FlushTimeout)
	if c.Mode != ModeBasic {
		// mode, tx window, max transmit, retransmission timeout, monitor timeout, mps
		buf = append(buf, OptionRetransmit, 9, c.Mode, 0, 0, 0, 0, 0, 0, 0, 0)
	}
	return buf
}

// DecodeOptions parses configuration options. Missing options keep their
// defaults; unknown non-hint options are an error.
func DecodeOptions(data []byte) (Config, error) {
	c := Config{MTU: DefaultMTU, FlushTimeout: FlushTimeoutInfinite, Mode: ModeBasic}
	for len(data) > 0 {
		if len(data) < 2 {
			return c, errors.Wrap(ErrBadConfig, "truncated option header")
		}
		typ, n := data[0], int(data[1])
		if len(data) < 2+n {
			return c, errors.Wrapf(ErrBadConfig, "option 0x%02X claims %d bytes", typ, n)
		}
		body := data[2 : 2+n]
		switch typ & 0x7F {
		case OptionMTU:
			if n != 2 {
				return c, errors.Wrapf(ErrBadConfig, "mtu option of %d bytes", n)
			}
			c.MTU = binary.LittleEndian.Uint16(body)
		case OptionFlushTimeout:
			if n != 2 {
				return c, errors.Wrapf(ErrBadConfig, "flush timeout option of %d bytes", n)
			}
			c.FlushTimeout = binary.LittleEndian.Uint16(body)
		case OptionRetransmit:
			if n < 1 {
				return c, errors.Wrap(ErrBadConfig, "empty retransmission option")
			}
			c.Mode = body[0]
		default:
			// The high bit marks a hint the receiver may skip.
			if typ&0x80 == 0 {
				return c, errors.Wrapf(ErrBadConfig, "unknown option 0x%02X", typ)
			}
		}
		data = data[2+n:]
	}
	return c, nil
}
