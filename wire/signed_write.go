package wire

import (
	"github.com/pkg/errors"

	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/buffer"
	"github.com/user/attengine/wire/gap"
)

// SignedWriteCommand writes an attribute with a Signed Write Command. The
// security service signs opcode, handle and value; the signed PDU goes out
// at once without waiting on the transaction queue. The client callback
// receives EventSignedWriteComplete with the signing outcome.
func (e *Engine) SignedWriteCommand(handle, attr uint16, value []byte) error {
	owned := buffer.Copy(value)
	return e.post(func() {
		c, ok := e.reg.connectedByHandle(handle)
		if !ok {
			e.signedWriteDone(handle, StatusNotConnected, gap.SignatureErrExecution, ErrUnknownHandle)
			return
		}
		e.signWrite(c, attr, owned.All().Bytes())
	}, func() {
		e.log.Debug("dropping signed write for handle %d (%d bytes)", handle, owned.Len())
	})
}

func (e *Engine) signWrite(c *connection, attr uint16, value []byte) {
	body := att.SignedWriteBody(attr, value, c.mtu())
	ref := e.reg.ref(c.handle)
	handle := c.handle

	err := e.sec.DataSignatureGenerationAsync(c.addr, body, func(res gap.SignatureResult, sig gap.Signature) {
		err := e.postInternal(func() {
			e.onSignatureGenerated(ref, handle, body, res, sig)
		})
		if err != nil {
			e.log.Debug("signature for handle %d after stop: %v", handle, err)
		}
	})
	if err != nil {
		e.signedWriteDone(c.handle, StatusSignatureFailed, gap.SignatureErrExecution,
			errors.Wrap(err, "signature generation"))
	}
}

func (e *Engine) onSignatureGenerated(ref slotRef, handle uint16, body []byte, res gap.SignatureResult, sig gap.Signature) {
	c, ok := e.reg.resolveConnected(ref)
	if !ok {
		e.signedWriteDone(handle, StatusNotConnected, res, ErrNotConnected)
		return
	}
	if res != gap.SignatureOK {
		e.signedWriteDone(handle, StatusSignatureFailed, res, errors.Errorf("signing: %s", res))
		return
	}

	raw := make([]byte, 0, len(body)+gap.SignatureLen)
	raw = append(raw, body...)
	raw = append(raw, sig[:]...)

	// Signed writes expect no response and bypass the transaction queue
	if err := e.sendDirect(c, raw); err != nil {
		e.signedWriteDone(handle, statusOf(err), res, err)
		return
	}
	e.signedWriteDone(handle, StatusSuccess, res, nil)
}

func (e *Engine) signedWriteDone(handle uint16, status Status, res gap.SignatureResult, err error) {
	if err != nil {
		e.log.Warn("signed write on handle %d: %v", handle, err)
	}
	e.deliverClient(Event{
		Handle:    handle,
		ID:        EventSignedWriteComplete,
		Status:    status,
		Opcode:    att.OpSignedWriteCommand,
		Signature: res,
		Err:       err,
	})
}

// receiveSignedWrite verifies an inbound Signed Write Command. The server
// callback gets the value whatever the verdict: a command has no response to
// carry an error back, so the upper layer decides what a bad signature means.
func (e *Engine) receiveSignedWrite(c *connection, data buffer.Slice) {
	if data.Len() < att.SignedWriteHeader {
		c.log.Warn("signed write of %d bytes dropped", data.Len())
		return
	}
	pdu, err := att.DecodeSlice(data)
	if err != nil {
		c.log.Warn("malformed signed write dropped: %v", err)
		return
	}
	p := pdu.(*att.SignedWriteCommand)
	signed, err := data.Sub(0, data.Len()-gap.SignatureLen)
	if err != nil {
		c.log.Warn("signed write: %v", err)
		return
	}

	ref := e.reg.ref(c.handle)
	handle := c.handle
	err = e.sec.DataSignatureConfirmationAsync(c.addr, signed.Bytes(), gap.Signature(p.Signature), func(res gap.SignatureResult) {
		err := e.postInternal(func() {
			e.onSignatureConfirmed(ref, handle, p, res)
		})
		if err != nil {
			e.log.Debug("signature check for handle %d after stop: %v", handle, err)
		}
	})
	if err != nil {
		c.log.Warn("signature confirmation: %v", err)
		e.deliverSignedWrite(handle, p, gap.SignatureErrExecution)
	}
}

func (e *Engine) onSignatureConfirmed(ref slotRef, handle uint16, p *att.SignedWriteCommand, res gap.SignatureResult) {
	if _, ok := e.reg.resolveConnected(ref); !ok {
		e.log.Debug("signature check for closed handle %d", handle)
		return
	}
	if res != gap.SignatureOK {
		e.log.Warn("signed write to 0x%04X on handle %d: %s", p.Handle, handle, res)
	}
	e.deliverSignedWrite(handle, p, res)
}

func (e *Engine) deliverSignedWrite(handle uint16, p *att.SignedWriteCommand, res gap.SignatureResult) {
	status := StatusSuccess
	if res != gap.SignatureOK {
		status = StatusSignatureFailed
	}
	e.deliverServer(Event{
		Handle:    handle,
		ID:        EventID(att.OpSignedWriteCommand),
		Status:    status,
		PDU:       p,
		Opcode:    att.OpSignedWriteCommand,
		Signature: res,
		Value:     p.Value,
	})
}
