package att

import (
	"github.com/pkg/errors"

	"github.com/user/attengine/wire/buffer"
)

// Decode parses one ATT PDU. Value fields of the result alias data.
func Decode(data []byte) (PDU, error) {
	return DecodeSlice(buffer.Wrap(data).All())
}

// DecodeSlice parses one ATT PDU from a borrowed view. Value fields of the
// result alias the view's parent buffer.
func DecodeSlice(s buffer.Slice) (PDU, error) {
	if s.Len() < 1 {
		return nil, ErrEmptyPDU
	}
	r := buffer.NewReader(s)
	opcode := r.Uint8()

	pdu, err := decodeBody(opcode, r)
	if err != nil {
		return nil, err
	}
	if r.Err() != nil {
		return nil, errors.Wrapf(ErrMalformedPDU, "%s: %v", OpcodeName(opcode), r.Err())
	}
	return pdu, nil
}

// need fails unless at least n body bytes remain
func need(r *buffer.Reader, opcode uint8, n int) error {
	if r.Remaining() < n {
		return errors.Wrapf(ErrMalformedPDU, "%s too short (%d < %d)", OpcodeName(opcode), r.Remaining(), n)
	}
	return nil
}

// exact fails unless exactly n body bytes remain
func exact(r *buffer.Reader, opcode uint8, n int) error {
	if r.Remaining() != n {
		return errors.Wrapf(ErrMalformedPDU, "%s body is %d bytes, want %d", OpcodeName(opcode), r.Remaining(), n)
	}
	return nil
}

// stride validates a list body and returns its element count. A zero stride
// describes no elements.
func stride(r *buffer.Reader, opcode uint8, size int) (int, error) {
	if size == 0 {
		return 0, nil
	}
	body := r.Remaining()
	if body%size != 0 {
		return 0, &LengthError{Opcode: opcode, Length: body, Stride: size}
	}
	return body / size, nil
}

func decodeBody(opcode uint8, r *buffer.Reader) (PDU, error) {
	switch opcode {
	case OpErrorResponse:
		if err := exact(r, opcode, 4); err != nil {
			return nil, err
		}
		return &ErrorResponse{RequestOpcode: r.Uint8(), Handle: r.Uint16(), ErrorCode: r.Uint8()}, nil

	case OpExchangeMTURequest:
		if err := exact(r, opcode, 2); err != nil {
			return nil, err
		}
		return &ExchangeMTURequest{ClientRxMTU: r.Uint16()}, nil

	case OpExchangeMTUResponse:
		if err := exact(r, opcode, 2); err != nil {
			return nil, err
		}
		return &ExchangeMTUResponse{ServerRxMTU: r.Uint16()}, nil

	case OpFindInformationRequest:
		if err := exact(r, opcode, 4); err != nil {
			return nil, err
		}
		return &FindInformationRequest{StartHandle: r.Uint16(), EndHandle: r.Uint16()}, nil

	case OpFindInformationResponse:
		return decodeFindInformationResponse(r)

	case OpFindByTypeValueRequest:
		if err := need(r, opcode, 6); err != nil {
			return nil, err
		}
		return &FindByTypeValueRequest{
			StartHandle: r.Uint16(),
			EndHandle:   r.Uint16(),
			Type:        r.Uint16(),
			Value:       r.Rest().Bytes(),
		}, nil

	case OpFindByTypeValueResponse:
		n, err := stride(r, opcode, 4)
		if err != nil {
			return nil, err
		}
		p := &FindByTypeValueResponse{Ranges: make([]HandleRange, 0, n)}
		for i := 0; i < n; i++ {
			p.Ranges = append(p.Ranges, HandleRange{Found: r.Uint16(), GroupEnd: r.Uint16()})
		}
		return p, nil

	case OpReadByTypeRequest, OpReadByGroupTypeRequest:
		if r.Remaining() != 6 && r.Remaining() != 20 {
			return nil, errors.Wrapf(ErrMalformedPDU, "%s body is %d bytes, want 6 or 20", OpcodeName(opcode), r.Remaining())
		}
		start, end := r.Uint16(), r.Uint16()
		typ, err := UUIDFromBytes(r.Rest().Bytes())
		if err != nil {
			return nil, err
		}
		if opcode == OpReadByTypeRequest {
			return &ReadByTypeRequest{StartHandle: start, EndHandle: end, Type: typ}, nil
		}
		return &ReadByGroupTypeRequest{StartHandle: start, EndHandle: end, Type: typ}, nil

	case OpReadByTypeResponse:
		return decodeReadByTypeResponse(r)

	case OpReadRequest:
		if err := exact(r, opcode, 2); err != nil {
			return nil, err
		}
		return &ReadRequest{Handle: r.Uint16()}, nil

	case OpReadResponse:
		return &ReadResponse{Value: r.Rest().Bytes()}, nil

	case OpReadBlobRequest:
		if err := exact(r, opcode, 4); err != nil {
			return nil, err
		}
		return &ReadBlobRequest{Handle: r.Uint16(), Offset: r.Uint16()}, nil

	case OpReadBlobResponse:
		return &ReadBlobResponse{Value: r.Rest().Bytes()}, nil

	case OpReadMultipleRequest:
		if r.Remaining() < 4 {
			return nil, errors.Wrapf(ErrMalformedPDU, "%s needs at least 2 handles", OpcodeName(opcode))
		}
		n, err := stride(r, opcode, 2)
		if err != nil {
			return nil, err
		}
		p := &ReadMultipleRequest{Handles: make([]uint16, 0, n)}
		for i := 0; i < n; i++ {
			p.Handles = append(p.Handles, r.Uint16())
		}
		return p, nil

	case OpReadMultipleResponse:
		return &ReadMultipleResponse{Values: r.Rest().Bytes()}, nil

	case OpReadByGroupTypeResponse:
		return decodeReadByGroupTypeResponse(r)

	case OpWriteRequest, OpWriteCommand, OpHandleValueNotification, OpHandleValueIndication:
		if err := need(r, opcode, 2); err != nil {
			return nil, err
		}
		handle, value := r.Uint16(), r.Rest().Bytes()
		switch opcode {
		case OpWriteRequest:
			return &WriteRequest{Handle: handle, Value: value}, nil
		case OpWriteCommand:
			return &WriteCommand{Handle: handle, Value: value}, nil
		case OpHandleValueNotification:
			return &HandleValueNotification{Handle: handle, Value: value}, nil
		default:
			return &HandleValueIndication{Handle: handle, Value: value}, nil
		}

	case OpWriteResponse:
		return &WriteResponse{}, exact(r, opcode, 0)

	case OpSignedWriteCommand:
		if err := need(r, opcode, 2+SignatureLen); err != nil {
			return nil, err
		}
		p := &SignedWriteCommand{Handle: r.Uint16()}
		p.Value = r.Next(r.Remaining() - SignatureLen).Bytes()
		copy(p.Signature[:], r.Rest().Bytes())
		return p, nil

	case OpPrepareWriteRequest, OpPrepareWriteResponse:
		if err := need(r, opcode, 4); err != nil {
			return nil, err
		}
		handle, offset, value := r.Uint16(), r.Uint16(), r.Rest().Bytes()
		if opcode == OpPrepareWriteRequest {
			return &PrepareWriteRequest{Handle: handle, Offset: offset, Value: value}, nil
		}
		return &PrepareWriteResponse{Handle: handle, Offset: offset, Value: value}, nil

	case OpExecuteWriteRequest:
		if err := exact(r, opcode, 1); err != nil {
			return nil, err
		}
		return &ExecuteWriteRequest{Flags: r.Uint8()}, nil

	case OpExecuteWriteResponse:
		return &ExecuteWriteResponse{}, exact(r, opcode, 0)

	case OpHandleValueConfirmation:
		return &HandleValueConfirmation{}, exact(r, opcode, 0)

	default:
		return nil, errors.Wrapf(ErrUnknownOpcode, "0x%02X", opcode)
	}
}

func decodeFindInformationResponse(r *buffer.Reader) (PDU, error) {
	if err := need(r, OpFindInformationResponse, 1); err != nil {
		return nil, err
	}
	format := r.Uint8()
	var size int
	switch format {
	case FormatUUID16:
		size = 2 + 2
	case FormatUUID128:
		size = 2 + 16
	default:
		return nil, errors.Wrapf(ErrMalformedPDU, "find information format 0x%02X", format)
	}
	n, err := stride(r, OpFindInformationResponse, size)
	if err != nil {
		return nil, err
	}
	p := &FindInformationResponse{Format: format, Entries: make([]HandleUUID, 0, n)}
	for i := 0; i < n; i++ {
		handle := r.Uint16()
		u, err := UUIDFromBytes(r.Next(size - 2).Bytes())
		if err != nil {
			return nil, err
		}
		p.Entries = append(p.Entries, HandleUUID{Handle: handle, UUID: u})
	}
	return p, nil
}

func decodeReadByTypeResponse(r *buffer.Reader) (PDU, error) {
	if err := need(r, OpReadByTypeResponse, 1); err != nil {
		return nil, err
	}
	length := int(r.Uint8())
	if length != 0 && length < 2 {
		return nil, &LengthError{Opcode: OpReadByTypeResponse, Length: r.Remaining(), Stride: length}
	}
	n, err := stride(r, OpReadByTypeResponse, length)
	if err != nil {
		return nil, err
	}
	p := &ReadByTypeResponse{Entries: make([]HandleValue, 0, n)}
	for i := 0; i < n; i++ {
		p.Entries = append(p.Entries, HandleValue{
			Handle: r.Uint16(),
			Value:  r.Next(length - 2).Bytes(),
		})
	}
	return p, nil
}

func decodeReadByGroupTypeResponse(r *buffer.Reader) (PDU, error) {
	if err := need(r, OpReadByGroupTypeResponse, 1); err != nil {
		return nil, err
	}
	length := int(r.Uint8())
	if length != 0 && length < 4 {
		return nil, &LengthError{Opcode: OpReadByGroupTypeResponse, Length: r.Remaining(), Stride: length}
	}
	n, err := stride(r, OpReadByGroupTypeResponse, length)
	if err != nil {
		return nil, err
	}
	p := &ReadByGroupTypeResponse{Entries: make([]GroupValue, 0, n)}
	for i := 0; i < n; i++ {
		p.Entries = append(p.Entries, GroupValue{
			Handle:   r.Uint16(),
			GroupEnd: r.Uint16(),
			Value:    r.Next(length - 4).Bytes(),
		})
	}
	return p, nil
}
