package wire

import (
	"bytes"
	"testing"

	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/l2cap"
)

// echo answers the Prepare Write Request in raw with its exact echo
func echo(t *testing.T, raw []byte) []byte {
	t.Helper()
	rsp := append([]byte(nil), raw...)
	rsp[0] = att.OpPrepareWriteResponse
	return rsp
}

func longValue(n int) []byte {
	v := make([]byte, n)
	for i := range v {
		v[i] = byte(i)
	}
	return v
}

func TestLongWrite(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	handle := h.connectLE(t, acl)
	value := longValue(30)

	h.e.LongWrite(handle, 0x0020, value)

	first := h.fixed.expectSent(t, att.OpPrepareWriteRequest)
	if len(first) != att.MinMTULE {
		t.Errorf("first fragment is %d bytes, want %d", len(first), att.MinMTULE)
	}
	h.peer(acl, echo(t, first))

	second := h.fixed.expectSent(t, att.OpPrepareWriteRequest)
	if second[3] != 18 || !bytes.Equal(second[5:], value[18:]) {
		t.Errorf("second fragment = % X", second)
	}
	h.peer(acl, echo(t, second))

	exec := h.fixed.expectSent(t, att.OpExecuteWriteRequest)
	if exec[1] != att.ExecuteWriteCommit {
		t.Errorf("execute flags = 0x%02X, want commit", exec[1])
	}
	h.peer(acl, []byte{att.OpExecuteWriteResponse})

	ev := h.rec.expectClient(t, EventLongWriteComplete)
	if ev.Status != StatusSuccess || ev.Err != nil {
		t.Errorf("completion = %s, %v", ev.Status, ev.Err)
	}
}

func TestLongWriteEchoMismatchCancels(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	handle := h.connectLE(t, acl)

	h.e.LongWrite(handle, 0x0020, longValue(30))
	first := h.fixed.expectSent(t, att.OpPrepareWriteRequest)
	bad := echo(t, first)
	bad[len(bad)-1] ^= 0xFF
	h.peer(acl, bad)

	exec := h.fixed.expectSent(t, att.OpExecuteWriteRequest)
	if exec[1] != att.ExecuteWriteCancel {
		t.Errorf("execute flags = 0x%02X, want cancel", exec[1])
	}
	h.peer(acl, []byte{att.OpExecuteWriteResponse})

	ev := h.rec.expectClient(t, EventLongWriteComplete)
	if ev.Status != StatusInternalError || ev.Err == nil {
		t.Errorf("completion = %s, %v", ev.Status, ev.Err)
	}
}

func TestLongWriteErrorResponse(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	handle := h.connectLE(t, acl)

	h.e.LongWrite(handle, 0x0020, longValue(30))
	h.fixed.expectSent(t, att.OpPrepareWriteRequest)

	// A second long write on the same link is refused
	h.e.LongWrite(handle, 0x0021, longValue(30))
	if ev := h.rec.expectClient(t, EventRequestFailed); ev.Status != StatusBusy {
		t.Errorf("status = %s, want %s", ev.Status, StatusBusy)
	}

	h.peer(acl, mustEncode(t, &att.ErrorResponse{
		RequestOpcode: att.OpPrepareWriteRequest,
		Handle:        0x0020,
		ErrorCode:     att.ErrPrepareQueueFull,
	}))
	ev := h.rec.expectClient(t, EventLongWriteComplete)
	if att.ErrorCode(ev.Err) != att.ErrPrepareQueueFull {
		t.Errorf("error = %v, want prepare queue full", ev.Err)
	}
	if ev.Opcode != att.OpPrepareWriteRequest {
		t.Errorf("opcode = 0x%02X, want 0x%02X", ev.Opcode, att.OpPrepareWriteRequest)
	}
}

func TestLongWriteLinkLost(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	handle := h.connectLE(t, acl)

	h.e.LongWrite(handle, 0x0020, longValue(30))
	h.fixed.expectSent(t, att.OpPrepareWriteRequest)
	h.e.OnLeDisconnected(acl, l2cap.StatusSuccess, l2cap.StatusRemoteUserTerminated)

	ev := h.rec.expectClient(t, EventLongWriteComplete)
	if ev.Status != StatusNotConnected {
		t.Errorf("status = %s, want %s", ev.Status, StatusNotConnected)
	}
	h.rec.expectDisconnected(t, PassiveDisconnectSuccess)
}

func TestPrepareAndExecuteDirect(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	handle := h.connectLE(t, acl)

	h.e.PrepareWriteRequest(handle, 0x0020, 4, []byte{0xAB})
	raw := h.fixed.expectSent(t, att.OpPrepareWriteRequest)
	if !bytes.Equal(raw, []byte{att.OpPrepareWriteRequest, 0x20, 0x00, 0x04, 0x00, 0xAB}) {
		t.Errorf("prepare = % X", raw)
	}
	h.peer(acl, echo(t, raw))
	ev := h.rec.expectClient(t, EventID(att.OpPrepareWriteResponse))
	if p := ev.PDU.(*att.PrepareWriteResponse); p.Offset != 4 {
		t.Errorf("offset = %d, want 4", p.Offset)
	}

	h.e.ExecuteWriteRequest(handle, false)
	if raw := h.fixed.expectSent(t, att.OpExecuteWriteRequest); raw[1] != att.ExecuteWriteCancel {
		t.Errorf("execute = % X", raw)
	}
}
