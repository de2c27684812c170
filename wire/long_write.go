package wire

import (
	"github.com/pkg/errors"

	"github.com/user/attengine/wire/att"
)

// longWrite drives one Prepare Write chain and its Execute Write. Fragments
// go out one at a time so an echo mismatch can cancel before anything else is
// queued on the server.
type longWrite struct {
	frag      *att.Fragmenter
	next      int
	cancelled error
}

// LongWrite writes a value longer than one Write Request can carry. The
// client callback receives one EventLongWriteComplete when the server has
// executed or cancelled the write.
func (e *Engine) LongWrite(handle, attr uint16, value []byte) error {
	owned := append([]byte(nil), value...)
	return e.post(func() {
		c, ok := e.reg.connectedByHandle(handle)
		if !ok {
			e.clientFail(handle, att.OpPrepareWriteRequest, ErrUnknownHandle)
			return
		}
		if c.longWrite != nil {
			e.clientFail(handle, att.OpPrepareWriteRequest, errors.Wrap(ErrBusy, "long write in progress"))
			return
		}
		frag, err := att.NewFragmenter(attr, owned, c.mtu())
		if err != nil {
			e.clientFail(handle, att.OpPrepareWriteRequest, err)
			return
		}
		c.log.Debug("long write of %d bytes to 0x%04X in %d fragments", len(owned), attr, len(frag.Requests()))
		c.longWrite = &longWrite{frag: frag}
		e.longWriteNext(c)
	}, nil)
}

// longWriteNext sends the next fragment, or the Execute Write once all are
// echoed
func (e *Engine) longWriteNext(c *connection) {
	lw := c.longWrite
	reqs := lw.frag.Requests()
	if lw.next < len(reqs) {
		req := reqs[lw.next]
		lw.next++
		if !e.clientRequest(c, req) {
			c.longWrite = nil
		}
		return
	}
	if !e.clientRequest(c, &att.ExecuteWriteRequest{Flags: att.ExecuteWriteCommit}) {
		c.longWrite = nil
	}
}

// onLongWriteResponse consumes a response addressed to the long write in
// progress and reports whether it did
func (e *Engine) onLongWriteResponse(c *connection, pdu att.PDU) bool {
	lw := c.longWrite
	if lw == nil {
		return false
	}

	switch p := pdu.(type) {
	case *att.PrepareWriteResponse:
		if err := lw.frag.AddResponse(p); err != nil {
			c.log.Warn("long write: %v, cancelling", err)
			lw.cancelled = err
			if !e.clientRequest(c, &att.ExecuteWriteRequest{Flags: att.ExecuteWriteCancel}) {
				c.longWrite = nil
			}
			return true
		}
		e.longWriteNext(c)
		return true

	case *att.ExecuteWriteResponse:
		c.longWrite = nil
		ev := Event{Handle: c.handle, ID: EventLongWriteComplete, PDU: p, Opcode: att.OpExecuteWriteRequest}
		if lw.cancelled != nil {
			ev.Status = StatusInternalError
			ev.Err = lw.cancelled
		}
		e.deliverClient(ev)
		return true

	case *att.ErrorResponse:
		c.longWrite = nil
		e.deliverClient(Event{
			Handle: c.handle,
			ID:     EventLongWriteComplete,
			Status: StatusInternalError,
			PDU:    p,
			Opcode: p.RequestOpcode,
			Err:    att.NewError(p.ErrorCode, p.RequestOpcode, p.Handle),
		})
		return true
	}
	return false
}
