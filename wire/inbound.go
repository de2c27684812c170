package wire

import (
	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/buffer"
	"github.com/user/attengine/wire/debug"
	"github.com/user/attengine/wire/l2cap"
)

// OnData delivers a PDU received on a BR/EDR channel. data is copied; the
// caller keeps ownership.
func (e *Engine) OnData(lcid uint16, data []byte) {
	e.postInbound(l2cap.TransportBREDR, lcid, buffer.Copy(data))
}

// OnLeData delivers a PDU received on an LE fixed channel
func (e *Engine) OnLeData(aclHandle uint16, cid uint16, data []byte) {
	if cid != l2cap.ChannelATT {
		e.log.Debug("ignoring %d bytes on cid 0x%04X", len(data), cid)
		return
	}
	e.postInbound(l2cap.TransportLE, aclHandle, buffer.Copy(data))
}

func (e *Engine) postInbound(t l2cap.Transport, cid uint16, buf *buffer.Buffer) {
	err := e.post(func() {
		e.receive(t, cid, buf)
	}, func() {
		e.log.Debug("released %d byte pdu", buf.Len())
	})
	if err != nil {
		e.log.Warn("inbound pdu on %s channel 0x%04X dropped: %v", t, cid, err)
	}
}

// receive decodes one inbound PDU and routes it by kind
func (e *Engine) receive(t l2cap.Transport, cid uint16, buf *buffer.Buffer) {
	c, ok := e.reg.connectedByChannel(t, cid)
	if !ok {
		e.log.Warn("pdu on unconnected %s channel 0x%04X dropped", t, cid)
		return
	}
	data := buf.All()
	raw := data.Bytes()
	if len(raw) == 0 {
		c.log.Warn("empty pdu dropped")
		return
	}
	if e.trace.Enabled() {
		err := e.trace.Log(debug.Record{
			Direction: debug.RX,
			Session:   c.session.String(),
			Handle:    c.handle,
			Transport: c.transport.String(),
			Raw:       raw,
		})
		if err != nil {
			c.log.Debug("trace: %v", err)
		}
	}

	op := raw[0]
	c.log.Trace("rx %s (%d bytes)", att.OpcodeName(op), len(raw))
	if op == att.OpSignedWriteCommand {
		e.receiveSignedWrite(c, data)
		return
	}

	pdu, err := att.DecodeSlice(data)
	switch att.KindOf(op) {
	case att.KindResponse:
		e.receiveResponse(c, op, pdu, err)
	case att.KindRequest, att.KindCommand:
		e.receiveRequest(c, op, pdu, err)
	case att.KindNotification, att.KindIndication:
		e.receiveServerPDU(c, op, pdu, err)
	case att.KindConfirmation:
		e.receiveConfirmation(c, op, pdu, err)
	default:
		if att.IsCommand(op) {
			c.log.Debug("ignoring unknown command 0x%02X", op)
			return
		}
		c.log.Warn("unsupported request 0x%02X", op)
		e.sendError(c, op, 0, att.ErrRequestNotSupported)
	}
}

// receiveResponse matches a response or Error Response to the request in
// flight. A response that cannot be decoded still ends the transaction; the
// client sees an Error Response carrying the reason.
func (e *Engine) receiveResponse(c *connection, op uint8, pdu att.PDU, err error) {
	p := c.inflight
	if p == nil || p.serverInitiated || !att.Completes(p.opcode, op) {
		c.log.Warn("unexpected %s dropped", att.OpcodeName(op))
		return
	}

	if err != nil {
		code := att.ErrorCode(err)
		if code == 0 {
			code = att.ErrInvalidPDU
		}
		c.log.Warn("malformed %s: %v", att.OpcodeName(op), err)
		pdu = &att.ErrorResponse{RequestOpcode: p.opcode, ErrorCode: code}
	}
	e.onTransactionComplete(c)

	if (p.opcode == att.OpPrepareWriteRequest || p.opcode == att.OpExecuteWriteRequest) && e.onLongWriteResponse(c, pdu) {
		return
	}

	switch rsp := pdu.(type) {
	case *att.ExchangeMTUResponse:
		c.sendMTU = clampMTU(int(rsp.ServerRxMTU))
		c.recvMTU = c.mtuAsk
		c.mtuAsk = 0
		c.log.Info("mtu now %d", c.mtu())
	case *att.ErrorResponse:
		if rsp.RequestOpcode == att.OpExchangeMTURequest {
			c.mtuAsk = 0
		}
	case *att.FindByTypeValueResponse:
		if len(rsp.Ranges) == 0 {
			c.log.Warn("find by type value response with no handles")
		}
	}

	e.deliverClient(Event{Handle: c.handle, ID: EventID(pdu.Opcode()), PDU: pdu, Opcode: p.opcode})
}

// receiveRequest hands a request or command to the server callback. A
// request that cannot be decoded is answered here; a bad command is dropped.
func (e *Engine) receiveRequest(c *connection, op uint8, pdu att.PDU, err error) {
	if err != nil {
		if att.IsCommand(op) {
			c.log.Warn("malformed %s dropped: %v", att.OpcodeName(op), err)
			return
		}
		c.log.Warn("malformed %s: %v", att.OpcodeName(op), err)
		e.sendError(c, op, 0, att.ErrInvalidPDU)
		return
	}
	if req, ok := pdu.(*att.ExchangeMTURequest); ok {
		c.peerAsk = clampMTU(int(req.ClientRxMTU))
	}
	e.deliverServer(Event{Handle: c.handle, ID: EventID(op), PDU: pdu})
}

// receiveServerPDU hands a notification or indication to the client callback.
// An indication is acknowledged by calling HandleValueConfirmation.
func (e *Engine) receiveServerPDU(c *connection, op uint8, pdu att.PDU, err error) {
	if err != nil {
		c.log.Warn("malformed %s dropped: %v", att.OpcodeName(op), err)
		return
	}
	e.deliverClient(Event{Handle: c.handle, ID: EventID(op), PDU: pdu})
}

// receiveConfirmation ends the indication in flight
func (e *Engine) receiveConfirmation(c *connection, op uint8, pdu att.PDU, err error) {
	p := c.inflight
	if p == nil || !p.serverInitiated || !att.Completes(p.opcode, op) {
		c.log.Warn("confirmation without an indication dropped")
		return
	}
	e.onTransactionComplete(c)
	if err != nil {
		c.log.Warn("malformed confirmation: %v", err)
		pdu = &att.HandleValueConfirmation{}
	}
	e.deliverServer(Event{Handle: c.handle, ID: EventID(op), PDU: pdu, Opcode: p.opcode})
}

// sendError answers a request the engine rejected itself
func (e *Engine) sendError(c *connection, reqOp uint8, attr uint16, code uint8) {
	raw, err := att.Encode(&att.ErrorResponse{RequestOpcode: reqOp, Handle: attr, ErrorCode: code}, c.mtu())
	if err != nil {
		c.log.Error("encoding error response: %v", err)
		return
	}
	if err := e.sendDirect(c, raw); err != nil {
		c.log.Warn("error response: %v", err)
	}
}
