package wire

import (
	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/buffer"
)

// Server API. Responses, notifications and errors go out at once;
// indications wait their turn like requests. Unlike the client API a call the
// engine cannot carry out is only logged: there is no server-side failure
// event.

// ErrorResponse rejects a request
func (e *Engine) ErrorResponse(handle uint16, requestOpcode uint8, attr uint16, code uint8) error {
	return e.postServer(handle, &att.ErrorResponse{RequestOpcode: requestOpcode, Handle: attr, ErrorCode: code}, nil)
}

// ExchangeMTUResponse answers an Exchange MTU Request with our receive MTU.
// The new MTU applies to everything sent after it.
func (e *Engine) ExchangeMTUResponse(handle uint16, mtu uint16) error {
	return e.post(func() {
		c, ok := e.reg.connectedByHandle(handle)
		if !ok {
			e.log.Warn("mtu response for unknown handle %d dropped", handle)
			return
		}
		if int(mtu) < c.floor() {
			c.log.Warn("mtu response %d below floor %d dropped", mtu, c.floor())
			return
		}
		if !e.serverSend(c, &att.ExchangeMTUResponse{ServerRxMTU: mtu}) {
			return
		}
		if c.peerAsk != 0 {
			c.sendMTU = c.peerAsk
			c.recvMTU = int(mtu)
			c.peerAsk = 0
			c.log.Info("mtu now %d", c.mtu())
		}
	}, nil)
}

// FindInformationResponse answers a Find Information Request
func (e *Engine) FindInformationResponse(handle uint16, entries []att.HandleUUID) error {
	entries = append([]att.HandleUUID(nil), entries...)
	return e.postServer(handle, &att.FindInformationResponse{Entries: entries}, nil)
}

// FindByTypeValueResponse answers a Find By Type Value Request
func (e *Engine) FindByTypeValueResponse(handle uint16, ranges []att.HandleRange) error {
	ranges = append([]att.HandleRange(nil), ranges...)
	return e.postServer(handle, &att.FindByTypeValueResponse{Ranges: ranges}, nil)
}

// ReadByTypeResponse answers a Read By Type Request. Entries that do not fit
// the MTU are left out.
func (e *Engine) ReadByTypeResponse(handle uint16, entries []att.HandleValue) error {
	owned := make([]att.HandleValue, len(entries))
	for i, en := range entries {
		owned[i] = att.HandleValue{Handle: en.Handle, Value: append([]byte(nil), en.Value...)}
	}
	return e.postServer(handle, &att.ReadByTypeResponse{Entries: owned}, nil)
}

// ReadResponse answers a Read Request
func (e *Engine) ReadResponse(handle uint16, value []byte) error {
	owned := buffer.Copy(value)
	return e.postServer(handle, &att.ReadResponse{Value: owned.All().Bytes()}, owned)
}

// ReadBlobResponse answers a Read Blob Request
func (e *Engine) ReadBlobResponse(handle uint16, value []byte) error {
	owned := buffer.Copy(value)
	return e.postServer(handle, &att.ReadBlobResponse{Value: owned.All().Bytes()}, owned)
}

// ReadMultipleResponse answers a Read Multiple Request with the concatenated
// values
func (e *Engine) ReadMultipleResponse(handle uint16, values []byte) error {
	owned := buffer.Copy(values)
	return e.postServer(handle, &att.ReadMultipleResponse{Values: owned.All().Bytes()}, owned)
}

// ReadByGroupTypeResponse answers a Read By Group Type Request
func (e *Engine) ReadByGroupTypeResponse(handle uint16, entries []att.GroupValue) error {
	owned := make([]att.GroupValue, len(entries))
	for i, en := range entries {
		owned[i] = att.GroupValue{Handle: en.Handle, GroupEnd: en.GroupEnd, Value: append([]byte(nil), en.Value...)}
	}
	return e.postServer(handle, &att.ReadByGroupTypeResponse{Entries: owned}, nil)
}

// WriteResponse acknowledges a Write Request
func (e *Engine) WriteResponse(handle uint16) error {
	return e.postServer(handle, &att.WriteResponse{}, nil)
}

// PrepareWriteResponse echoes a Prepare Write Request
func (e *Engine) PrepareWriteResponse(handle, attr, offset uint16, value []byte) error {
	owned := buffer.Copy(value)
	return e.postServer(handle, &att.PrepareWriteResponse{Handle: attr, Offset: offset, Value: owned.All().Bytes()}, owned)
}

// ExecuteWriteResponse acknowledges an Execute Write Request
func (e *Engine) ExecuteWriteResponse(handle uint16) error {
	return e.postServer(handle, &att.ExecuteWriteResponse{}, nil)
}

// HandleValueNotification sends a value the client does not acknowledge
func (e *Engine) HandleValueNotification(handle, attr uint16, value []byte) error {
	owned := buffer.Copy(value)
	return e.postServer(handle, &att.HandleValueNotification{Handle: attr, Value: owned.All().Bytes()}, owned)
}

// HandleValueIndication sends a value the client must confirm. Only one
// indication is outstanding at a time; later ones wait.
func (e *Engine) HandleValueIndication(handle, attr uint16, value []byte) error {
	owned := buffer.Copy(value)
	return e.postServer(handle, &att.HandleValueIndication{Handle: attr, Value: owned.All().Bytes()}, owned)
}

func (e *Engine) postServer(handle uint16, pdu att.PDU, owned *buffer.Buffer) error {
	return e.post(func() {
		c, ok := e.reg.connectedByHandle(handle)
		if !ok {
			e.log.Warn("%s for unknown handle %d dropped", att.OpcodeName(pdu.Opcode()), handle)
			return
		}
		e.serverSend(c, pdu)
	}, func() {
		e.log.Debug("dropping %s for handle %d (%d bytes)", att.OpcodeName(pdu.Opcode()), handle, owned.Len())
	})
}

func (e *Engine) serverSend(c *connection, pdu att.PDU) bool {
	if c.disconnecting {
		c.log.Warn("%s dropped: disconnecting", att.OpcodeName(pdu.Opcode()))
		return false
	}
	raw, err := att.Encode(pdu, c.mtu())
	if err != nil {
		c.log.Warn("%s dropped: %v", att.OpcodeName(pdu.Opcode()), err)
		return false
	}
	if pdu.Opcode() == att.OpHandleValueIndication {
		e.send(c, raw, true)
		return true
	}
	if err := e.sendDirect(c, raw); err != nil {
		c.log.Warn("%s: %v", att.OpcodeName(pdu.Opcode()), err)
		return false
	}
	return true
}
