package wire

import (
	"github.com/pkg/errors"

	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/buffer"
)

// Client API. Each call copies its arguments and returns at once; the
// response, or an EventRequestFailed when the request could not be sent,
// arrives through the client callback. The returned error only reports that
// the engine would not take the call.

// ExchangeMTURequest offers mtu as our receive MTU
func (e *Engine) ExchangeMTURequest(handle uint16, mtu uint16) error {
	return e.post(func() {
		c, ok := e.reg.connectedByHandle(handle)
		if !ok {
			e.clientFail(handle, att.OpExchangeMTURequest, ErrUnknownHandle)
			return
		}
		if int(mtu) < c.floor() {
			e.clientFail(handle, att.OpExchangeMTURequest,
				errors.Wrapf(att.ErrBadParameter, "mtu %d below %s floor %d", mtu, c.transport, c.floor()))
			return
		}
		if c.mtuAsk != 0 {
			e.clientFail(handle, att.OpExchangeMTURequest, errors.Wrap(ErrBusy, "mtu exchange outstanding"))
			return
		}
		if e.clientRequest(c, &att.ExchangeMTURequest{ClientRxMTU: mtu}) {
			c.mtuAsk = int(mtu)
		}
	}, nil)
}

// FindInformationRequest discovers handles and types in [start, end]
func (e *Engine) FindInformationRequest(handle, start, end uint16) error {
	return e.postClient(handle, &att.FindInformationRequest{StartHandle: start, EndHandle: end}, nil)
}

// FindByTypeValueRequest finds attributes of a 16-bit type holding value
func (e *Engine) FindByTypeValueRequest(handle, start, end, attrType uint16, value []byte) error {
	owned := buffer.Copy(value)
	return e.postClient(handle, &att.FindByTypeValueRequest{
		StartHandle: start,
		EndHandle:   end,
		Type:        attrType,
		Value:       owned.All().Bytes(),
	}, owned)
}

// ReadByTypeRequest reads attributes of attrType in [start, end]
func (e *Engine) ReadByTypeRequest(handle, start, end uint16, attrType att.UUID) error {
	return e.postClient(handle, &att.ReadByTypeRequest{StartHandle: start, EndHandle: end, Type: attrType}, nil)
}

// ReadRequest reads one attribute value
func (e *Engine) ReadRequest(handle, attr uint16) error {
	return e.postClient(handle, &att.ReadRequest{Handle: attr}, nil)
}

// ReadBlobRequest reads part of a long attribute value
func (e *Engine) ReadBlobRequest(handle, attr, offset uint16) error {
	return e.postClient(handle, &att.ReadBlobRequest{Handle: attr, Offset: offset}, nil)
}

// ReadMultipleRequest reads several attribute values at once
func (e *Engine) ReadMultipleRequest(handle uint16, attrs []uint16) error {
	handles := append([]uint16(nil), attrs...)
	return e.postClient(handle, &att.ReadMultipleRequest{Handles: handles}, nil)
}

// ReadByGroupTypeRequest reads grouping attributes such as services
func (e *Engine) ReadByGroupTypeRequest(handle, start, end uint16, groupType att.UUID) error {
	return e.postClient(handle, &att.ReadByGroupTypeRequest{StartHandle: start, EndHandle: end, Type: groupType}, nil)
}

// WriteRequest writes an attribute and expects a Write Response
func (e *Engine) WriteRequest(handle, attr uint16, value []byte) error {
	owned := buffer.Copy(value)
	return e.postClient(handle, &att.WriteRequest{Handle: attr, Value: owned.All().Bytes()}, owned)
}

// WriteCommand writes an attribute without a response. It is sent at once,
// not queued behind a request in flight.
func (e *Engine) WriteCommand(handle, attr uint16, value []byte) error {
	owned := buffer.Copy(value)
	return e.postClient(handle, &att.WriteCommand{Handle: attr, Value: owned.All().Bytes()}, owned)
}

// PrepareWriteRequest queues part of a value on the server
func (e *Engine) PrepareWriteRequest(handle, attr, offset uint16, value []byte) error {
	owned := buffer.Copy(value)
	return e.postClient(handle, &att.PrepareWriteRequest{Handle: attr, Offset: offset, Value: owned.All().Bytes()}, owned)
}

// ExecuteWriteRequest commits or cancels the server's prepared writes
func (e *Engine) ExecuteWriteRequest(handle uint16, commit bool) error {
	flags := uint8(att.ExecuteWriteCancel)
	if commit {
		flags = att.ExecuteWriteCommit
	}
	return e.postClient(handle, &att.ExecuteWriteRequest{Flags: flags}, nil)
}

// HandleValueConfirmation acknowledges an indication
func (e *Engine) HandleValueConfirmation(handle uint16) error {
	return e.postClient(handle, &att.HandleValueConfirmation{}, nil)
}

// postClient queues a client PDU. owned is the copy of the caller's value the
// PDU refers to; it is released if the engine refuses the call.
func (e *Engine) postClient(handle uint16, pdu att.PDU, owned *buffer.Buffer) error {
	return e.post(func() {
		c, ok := e.reg.connectedByHandle(handle)
		if !ok {
			e.clientFail(handle, pdu.Opcode(), ErrUnknownHandle)
			return
		}
		e.clientRequest(c, pdu)
	}, func() {
		e.log.Debug("dropping %s for handle %d (%d bytes)", att.OpcodeName(pdu.Opcode()), handle, owned.Len())
	})
}

// clientRequest encodes pdu at the connection's MTU and sends it, queued
// behind any transaction in flight for requests, at once for commands and
// confirmations
func (e *Engine) clientRequest(c *connection, pdu att.PDU) bool {
	if c.disconnecting {
		e.clientFail(c.handle, pdu.Opcode(), errors.Wrap(ErrNotConnected, "disconnecting"))
		return false
	}
	raw, err := att.Encode(pdu, c.mtu())
	if err != nil {
		e.clientFail(c.handle, pdu.Opcode(), err)
		return false
	}

	switch att.KindOf(pdu.Opcode()) {
	case att.KindRequest:
		e.send(c, raw, false)
	default:
		// Write Command and Confirmation bypass the transaction queue
		if err := e.sendDirect(c, raw); err != nil {
			e.clientFail(c.handle, pdu.Opcode(), err)
			return false
		}
	}
	return true
}
