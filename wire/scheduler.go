package wire

import (
	"github.com/pkg/errors"

	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/debug"
	"github.com/user/attengine/wire/l2cap"
)

// pending is one encoded PDU that expects an answer: a client request, or a
// server indication
type pending struct {
	raw             []byte
	opcode          uint8
	serverInitiated bool
}

// send queues raw behind any transaction in flight on c. ATT has no
// transaction ids, so only one request may be outstanding per connection.
func (e *Engine) send(c *connection, raw []byte, serverInitiated bool) {
	p := &pending{raw: raw, opcode: raw[0], serverInitiated: serverInitiated}
	if c.inflight == nil && c.pending.Empty() {
		e.transmit(c, p)
		return
	}
	if err := c.pending.Put(p); err != nil {
		c.log.Error("queueing %s: %v", att.OpcodeName(p.opcode), err)
		return
	}
	c.log.Debug("queued %s behind %s (%d waiting)", att.OpcodeName(p.opcode), att.OpcodeName(c.inflight.opcode), c.pending.Len())
}

// transmit puts p in flight and arms the transaction alarm
func (e *Engine) transmit(c *connection, p *pending) {
	c.inflight = p
	c.serverInitiated = p.serverInitiated
	if err := e.sendDirect(c, p.raw); err != nil {
		// The alarm still runs: a PDU that never left is recovered like one
		// that was never answered.
		c.log.Error("sending %s: %v", att.OpcodeName(p.opcode), err)
	}
	ref := e.reg.ref(c.handle)
	c.alarm = e.setAlarm(e.opts.transactionTimeout, func() {
		if c, ok := e.reg.resolveConnected(ref); ok {
			e.onTimeout(c)
		}
	})
}

// onTransactionComplete retires the PDU in flight and sends the next one
func (e *Engine) onTransactionComplete(c *connection) {
	c.alarm.cancel()
	c.alarm = nil
	c.inflight = nil
	c.serverInitiated = false

	if c.pending.Empty() {
		return
	}
	items, err := c.pending.Get(1)
	if err != nil || len(items) == 0 {
		c.log.Error("dequeue: %v", err)
		return
	}
	e.transmit(c, items[0].(*pending))
}

// onTimeout fails the transaction in flight and tears the link down: with no
// transaction ids, nothing after a lost response can be matched reliably
func (e *Engine) onTimeout(c *connection) {
	p := c.inflight
	if p == nil {
		return
	}
	c.log.Warn("%s timed out after %v", att.OpcodeName(p.opcode), e.opts.transactionTimeout)

	ev := Event{
		Handle: c.handle,
		ID:     EventTransactionTimeout,
		Status: StatusTimeout,
		Opcode: p.opcode,
	}
	c.inflight = nil
	c.alarm = nil
	dropped := e.drainPending(c)
	if dropped > 0 {
		c.log.Debug("dropped %d queued PDUs", dropped)
	}
	if lw := c.longWrite; lw != nil && !p.serverInitiated {
		c.longWrite = nil
		ev.ID = EventLongWriteComplete
		ev.Err = errors.Errorf("long write to 0x%04X timed out", lw.frag.Handle())
	}

	if p.serverInitiated {
		e.deliverServer(ev)
	} else {
		e.deliverClient(ev)
	}
	e.forceDisconnect(c)
}

// drainPending discards every queued PDU without sending it
func (e *Engine) drainPending(c *connection) int {
	n := 0
	for !c.pending.Empty() {
		items, err := c.pending.Get(c.pending.Len())
		if err != nil {
			break
		}
		n += len(items)
	}
	return n
}

// sendDirect writes raw to the link at once. Responses, notifications,
// confirmations and both write commands go this way; they expect no answer
// and never wait behind a request.
func (e *Engine) sendDirect(c *connection, raw []byte) error {
	if e.trace.Enabled() {
		err := e.trace.Log(debug.Record{
			Direction: debug.TX,
			Session:   c.session.String(),
			Handle:    c.handle,
			Transport: c.transport.String(),
			Raw:       raw,
		})
		if err != nil {
			c.log.Debug("trace: %v", err)
		}
	}
	c.log.Trace("tx %s (%d bytes)", att.OpcodeName(raw[0]), len(raw))

	switch c.transport {
	case l2cap.TransportBREDR:
		if e.lower == nil {
			return ErrUnsupported
		}
		return errors.Wrap(e.lower.SendData(c.cid, raw), "l2cap send")
	case l2cap.TransportLE:
		if e.fixed == nil {
			return ErrUnsupported
		}
		return errors.Wrap(e.fixed.SendData(c.cid, l2cap.ChannelATT, raw), "fixed channel send")
	}
	return ErrUnsupported
}
