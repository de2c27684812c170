package att

// MTU limits (Bluetooth Core Spec v5.3 Vol 3, Part F, Section 3.2.8 and
// Part G, Section 5.2)
const (
	MinMTULE    = 23  // ATT_MTU floor on the LE fixed channel
	MinMTUBREDR = 48  // ATT_MTU floor on a BR/EDR channel
	MaxMTU      = 517 // largest MTU the engine will offer or accept

	MaxAttributeValue = 512

	SignatureLen = 12
)

// Maximum per-entry value lengths in length-prefixed responses. The length
// field is one byte, so the whole entry must fit in 255.
const (
	MaxReadByTypeValue      = 253 // 255 - 2 (handle)
	MaxReadByGroupTypeValue = 251 // 255 - 4 (handle + end group handle)
)

// Fixed header sizes before the truncatable value of each value-carrying PDU
const (
	ReadResponseHeader         = 1 // opcode
	ReadBlobResponseHeader     = 1
	ReadMultipleResponseHeader = 1
	WriteHeader                = 3 // opcode + handle
	NotificationHeader         = 3
	IndicationHeader           = 3
	PrepareWriteHeader         = 5 // opcode + handle + offset
	SignedWriteHeader          = WriteHeader + SignatureLen
	FindByTypeValueHeader      = 7 // opcode + start + end + type
)

// MinMTU returns the transport floor
func MinMTU(bredr bool) int {
	if bredr {
		return MinMTUBREDR
	}
	return MinMTULE
}

// EffectiveMTU returns the MTU both sides can handle: the smaller of the two
// offers, never below floor
func EffectiveMTU(local, remote, floor int) int {
	mtu := local
	if remote < mtu {
		mtu = remote
	}
	if mtu < floor {
		mtu = floor
	}
	if mtu > MaxMTU {
		mtu = MaxMTU
	}
	return mtu
}

// truncate clips value so that header+value fits in mtu
func truncate(value []byte, mtu, header int) []byte {
	room := mtu - header
	if room < 0 {
		room = 0
	}
	if len(value) > room {
		return value[:room]
	}
	return value
}
