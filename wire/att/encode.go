package att

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

type encoder struct {
	buf []byte
}

func newEncoder(opcode uint8, size int) *encoder {
	e := &encoder{buf: make([]byte, 1, size)}
	e.buf[0] = opcode
	return e
}

func (e *encoder) u8(v uint8) { e.buf = append(e.buf, v) }

func (e *encoder) u16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *encoder) bytes(b []byte) { e.buf = append(e.buf, b...) }

// Encode serializes p for a connection whose current MTU is mtu. Values that
// do not fit are truncated to mtu minus the opcode's fixed header; list
// responses carry as many whole entries as fit.
func Encode(p PDU, mtu int) ([]byte, error) {
	if mtu < MinMTULE {
		return nil, errors.Wrapf(ErrBadParameter, "mtu %d below %d", mtu, MinMTULE)
	}

	switch p := p.(type) {
	case *ErrorResponse:
		e := newEncoder(OpErrorResponse, 5)
		e.u8(p.RequestOpcode)
		e.u16(p.Handle)
		e.u8(p.ErrorCode)
		return e.buf, nil

	case *ExchangeMTURequest:
		if p.ClientRxMTU < MinMTULE {
			return nil, errors.Wrapf(ErrBadParameter, "client rx mtu %d below %d", p.ClientRxMTU, MinMTULE)
		}
		e := newEncoder(OpExchangeMTURequest, 3)
		e.u16(p.ClientRxMTU)
		return e.buf, nil

	case *ExchangeMTUResponse:
		if p.ServerRxMTU < MinMTULE {
			return nil, errors.Wrapf(ErrBadParameter, "server rx mtu %d below %d", p.ServerRxMTU, MinMTULE)
		}
		e := newEncoder(OpExchangeMTUResponse, 3)
		e.u16(p.ServerRxMTU)
		return e.buf, nil

	case *FindInformationRequest:
		if err := checkRange(p.StartHandle, p.EndHandle); err != nil {
			return nil, err
		}
		e := newEncoder(OpFindInformationRequest, 5)
		e.u16(p.StartHandle)
		e.u16(p.EndHandle)
		return e.buf, nil

	case *FindInformationResponse:
		return encodeFindInformationResponse(p, mtu)

	case *FindByTypeValueRequest:
		if err := checkRange(p.StartHandle, p.EndHandle); err != nil {
			return nil, err
		}
		value := truncate(p.Value, mtu, FindByTypeValueHeader)
		e := newEncoder(OpFindByTypeValueRequest, FindByTypeValueHeader+len(value))
		e.u16(p.StartHandle)
		e.u16(p.EndHandle)
		e.u16(p.Type)
		e.bytes(value)
		return e.buf, nil

	case *FindByTypeValueResponse:
		if len(p.Ranges) == 0 {
			return nil, errors.Wrap(ErrBadParameter, "find by type value response without entries")
		}
		n := (mtu - 1) / 4
		if n > len(p.Ranges) {
			n = len(p.Ranges)
		}
		e := newEncoder(OpFindByTypeValueResponse, 1+4*n)
		for _, r := range p.Ranges[:n] {
			e.u16(r.Found)
			e.u16(r.GroupEnd)
		}
		return e.buf, nil

	case *ReadByTypeRequest:
		return encodeTypedRange(OpReadByTypeRequest, p.StartHandle, p.EndHandle, p.Type)

	case *ReadByTypeResponse:
		return encodeReadByTypeResponse(p, mtu)

	case *ReadRequest:
		e := newEncoder(OpReadRequest, 3)
		e.u16(p.Handle)
		return e.buf, nil

	case *ReadResponse:
		value := truncate(p.Value, mtu, ReadResponseHeader)
		e := newEncoder(OpReadResponse, 1+len(value))
		e.bytes(value)
		return e.buf, nil

	case *ReadBlobRequest:
		e := newEncoder(OpReadBlobRequest, 5)
		e.u16(p.Handle)
		e.u16(p.Offset)
		return e.buf, nil

	case *ReadBlobResponse:
		value := truncate(p.Value, mtu, ReadBlobResponseHeader)
		e := newEncoder(OpReadBlobResponse, 1+len(value))
		e.bytes(value)
		return e.buf, nil

	case *ReadMultipleRequest:
		if len(p.Handles) < 2 {
			return nil, errors.Wrapf(ErrBadParameter, "read multiple needs at least 2 handles, got %d", len(p.Handles))
		}
		n := (mtu - 1) / 2
		if n > len(p.Handles) {
			n = len(p.Handles)
		}
		e := newEncoder(OpReadMultipleRequest, 1+2*n)
		for _, h := range p.Handles[:n] {
			e.u16(h)
		}
		return e.buf, nil

	case *ReadMultipleResponse:
		values := truncate(p.Values, mtu, ReadMultipleResponseHeader)
		e := newEncoder(OpReadMultipleResponse, 1+len(values))
		e.bytes(values)
		return e.buf, nil

	case *ReadByGroupTypeRequest:
		return encodeTypedRange(OpReadByGroupTypeRequest, p.StartHandle, p.EndHandle, p.Type)

	case *ReadByGroupTypeResponse:
		return encodeReadByGroupTypeResponse(p, mtu)

	case *WriteRequest:
		return encodeHandleValue(OpWriteRequest, p.Handle, p.Value, mtu, WriteHeader), nil

	case *WriteResponse:
		return []byte{OpWriteResponse}, nil

	case *WriteCommand:
		return encodeHandleValue(OpWriteCommand, p.Handle, p.Value, mtu, WriteHeader), nil

	case *SignedWriteCommand:
		buf := SignedWriteBody(p.Handle, p.Value, mtu)
		return append(buf, p.Signature[:]...), nil

	case *PrepareWriteRequest:
		return encodePrepareWrite(OpPrepareWriteRequest, p.Handle, p.Offset, p.Value, mtu), nil

	case *PrepareWriteResponse:
		return encodePrepareWrite(OpPrepareWriteResponse, p.Handle, p.Offset, p.Value, mtu), nil

	case *ExecuteWriteRequest:
		if p.Flags != ExecuteWriteCancel && p.Flags != ExecuteWriteCommit {
			return nil, errors.Wrapf(ErrBadParameter, "execute write flags 0x%02X", p.Flags)
		}
		return []byte{OpExecuteWriteRequest, p.Flags}, nil

	case *ExecuteWriteResponse:
		return []byte{OpExecuteWriteResponse}, nil

	case *HandleValueNotification:
		return encodeHandleValue(OpHandleValueNotification, p.Handle, p.Value, mtu, NotificationHeader), nil

	case *HandleValueIndication:
		return encodeHandleValue(OpHandleValueIndication, p.Handle, p.Value, mtu, IndicationHeader), nil

	case *HandleValueConfirmation:
		return []byte{OpHandleValueConfirmation}, nil

	case nil:
		return nil, errors.Wrap(ErrBadParameter, "nil pdu")

	default:
		return nil, errors.Wrapf(ErrUnknownOpcode, "cannot encode %T", p)
	}
}

// SignedWriteBody returns opcode, handle and value of a Signed Write Command
// with the value truncated to leave room for the signature. The signature is
// computed over exactly these bytes and appended by the caller.
func SignedWriteBody(handle uint16, value []byte, mtu int) []byte {
	value = truncate(value, mtu, SignedWriteHeader)
	e := newEncoder(OpSignedWriteCommand, SignedWriteHeader+len(value))
	e.u16(handle)
	e.bytes(value)
	return e.buf
}

func checkRange(start, end uint16) error {
	if start == 0 || start > end {
		return errors.Wrapf(ErrBadParameter, "handle range 0x%04X-0x%04X", start, end)
	}
	return nil
}

func encodeTypedRange(opcode uint8, start, end uint16, typ UUID) ([]byte, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	if !typ.Valid() {
		return nil, errors.Wrap(ErrBadParameter, "attribute type uuid not set")
	}
	e := newEncoder(opcode, 5+typ.Len())
	e.u16(start)
	e.u16(end)
	e.bytes(typ.Bytes())
	return e.buf, nil
}

func encodeHandleValue(opcode uint8, handle uint16, value []byte, mtu, header int) []byte {
	value = truncate(value, mtu, header)
	e := newEncoder(opcode, header+len(value))
	e.u16(handle)
	e.bytes(value)
	return e.buf
}

func encodePrepareWrite(opcode uint8, handle, offset uint16, value []byte, mtu int) []byte {
	value = truncate(value, mtu, PrepareWriteHeader)
	e := newEncoder(opcode, PrepareWriteHeader+len(value))
	e.u16(handle)
	e.u16(offset)
	e.bytes(value)
	return e.buf
}

func encodeFindInformationResponse(p *FindInformationResponse, mtu int) ([]byte, error) {
	if len(p.Entries) == 0 {
		return nil, errors.Wrap(ErrBadParameter, "find information response without entries")
	}
	first := p.Entries[0].UUID
	if !first.Valid() {
		return nil, errors.Wrap(ErrBadParameter, "find information entry without uuid")
	}
	format := uint8(FormatUUID16)
	if !first.Is16() {
		format = FormatUUID128
	}
	stride := 2 + first.Len()
	if 2+stride > mtu {
		return nil, errors.Wrapf(ErrNoRoomForEntry, "stride %d, mtu %d", stride, mtu)
	}

	e := newEncoder(OpFindInformationResponse, mtu)
	e.u8(format)
	for _, entry := range p.Entries {
		if entry.UUID.Len() != first.Len() || len(e.buf)+stride > mtu {
			break
		}
		e.u16(entry.Handle)
		e.bytes(entry.UUID.Bytes())
	}
	return e.buf, nil
}

// elementValueLen picks the value length shared by every entry of a
// length-prefixed response: the first entry's length, clamped to what the MTU
// leaves after the header and to the per-opcode maximum.
func elementValueLen(first, mtu, header, perEntry, max int) (int, error) {
	room := mtu - header - perEntry
	if room < 0 {
		return 0, errors.Wrapf(ErrNoRoomForEntry, "mtu %d", mtu)
	}
	n := first
	if n > max {
		n = max
	}
	if n > room {
		n = room
	}
	return n, nil
}

func encodeReadByTypeResponse(p *ReadByTypeResponse, mtu int) ([]byte, error) {
	if len(p.Entries) == 0 {
		return nil, errors.Wrap(ErrBadParameter, "read by type response without entries")
	}
	srcLen := len(p.Entries[0].Value)
	vlen, err := elementValueLen(srcLen, mtu, 2, 2, MaxReadByTypeValue)
	if err != nil {
		return nil, err
	}
	stride := 2 + vlen

	e := newEncoder(OpReadByTypeResponse, mtu)
	e.u8(uint8(stride))
	for _, entry := range p.Entries {
		if len(entry.Value) != srcLen || len(e.buf)+stride > mtu {
			break
		}
		e.u16(entry.Handle)
		e.bytes(entry.Value[:vlen])
	}
	return e.buf, nil
}

func encodeReadByGroupTypeResponse(p *ReadByGroupTypeResponse, mtu int) ([]byte, error) {
	if len(p.Entries) == 0 {
		return nil, errors.Wrap(ErrBadParameter, "read by group type response without entries")
	}
	srcLen := len(p.Entries[0].Value)
	vlen, err := elementValueLen(srcLen, mtu, 2, 4, MaxReadByGroupTypeValue)
	if err != nil {
		return nil, err
	}
	stride := 4 + vlen

	e := newEncoder(OpReadByGroupTypeResponse, mtu)
	e.u8(uint8(stride))
	for _, entry := range p.Entries {
		if len(entry.Value) != srcLen || len(e.buf)+stride > mtu {
			break
		}
		e.u16(entry.Handle)
		e.u16(entry.GroupEnd)
		e.bytes(entry.Value[:vlen])
	}
	return e.buf, nil
}
