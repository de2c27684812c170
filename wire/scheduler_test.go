package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/l2cap"
)

func TestOneTransactionAtATime(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	handle := h.connectLE(t, acl)

	if err := h.e.ReadRequest(handle, 0x0010); err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	if err := h.e.ReadRequest(handle, 0x0011); err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}

	first := h.fixed.expectSent(t, att.OpReadRequest)
	if !bytes.Equal(first, []byte{att.OpReadRequest, 0x10, 0x00}) {
		t.Errorf("first request = % X", first)
	}
	h.fixed.expectQuiet(t, 50*time.Millisecond)

	h.peer(acl, mustEncode(t, &att.ReadResponse{Value: []byte("abc")}))
	ev := h.rec.expectClient(t, EventID(att.OpReadResponse))
	rsp, ok := ev.PDU.(*att.ReadResponse)
	if !ok {
		t.Fatalf("Expected *att.ReadResponse, got %T", ev.PDU)
	}
	if string(rsp.Value) != "abc" {
		t.Errorf("value = %q, want %q", rsp.Value, "abc")
	}
	if ev.Opcode != att.OpReadRequest {
		t.Errorf("event opcode = 0x%02X, want 0x%02X", ev.Opcode, att.OpReadRequest)
	}

	second := h.fixed.expectSent(t, att.OpReadRequest)
	if !bytes.Equal(second, []byte{att.OpReadRequest, 0x11, 0x00}) {
		t.Errorf("second request = % X", second)
	}
}

func TestCommandsBypassQueue(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	handle := h.connectLE(t, acl)

	h.e.WriteRequest(handle, 0x0020, []byte{0x01})
	h.fixed.expectSent(t, att.OpWriteRequest)

	h.e.WriteCommand(handle, 0x0021, []byte{0x02})
	raw := h.fixed.expectSent(t, att.OpWriteCommand)
	if !bytes.Equal(raw, []byte{att.OpWriteCommand, 0x21, 0x00, 0x02}) {
		t.Errorf("write command = % X", raw)
	}

	// Server traffic does not wait on the client transaction either
	h.e.HandleValueNotification(handle, 0x0030, []byte{0x03})
	h.fixed.expectSent(t, att.OpHandleValueNotification)
}

func TestIndicationsShareTheQueue(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	handle := h.connectLE(t, acl)

	h.e.ReadRequest(handle, 0x0010)
	h.fixed.expectSent(t, att.OpReadRequest)
	h.e.HandleValueIndication(handle, 0x0030, []byte{0x01})
	h.fixed.expectQuiet(t, 50*time.Millisecond)

	h.peer(acl, mustEncode(t, &att.ReadResponse{}))
	h.rec.expectClient(t, EventID(att.OpReadResponse))
	h.fixed.expectSent(t, att.OpHandleValueIndication)

	// A response cannot complete an indication
	h.peer(acl, mustEncode(t, &att.ReadResponse{}))
	h.peer(acl, []byte{att.OpHandleValueConfirmation})
	ev := h.rec.expectServer(t, EventID(att.OpHandleValueConfirmation))
	if ev.Opcode != att.OpHandleValueIndication {
		t.Errorf("confirmation opcode = 0x%02X, want 0x%02X", ev.Opcode, att.OpHandleValueIndication)
	}
	select {
	case ev := <-h.rec.client:
		t.Errorf("unexpected client event %s", ev.ID)
	default:
	}
}

func TestTransactionTimeout(t *testing.T) {
	h := newHarness(t, WithTransactionTimeout(50*time.Millisecond))
	const acl = 0x0041
	handle := h.connectLE(t, acl)

	h.e.ReadRequest(handle, 0x0010)
	h.e.ReadRequest(handle, 0x0011)
	h.fixed.expectSent(t, att.OpReadRequest)

	ev := h.rec.expectClient(t, EventTransactionTimeout)
	if ev.Status != StatusTimeout || ev.Opcode != att.OpReadRequest {
		t.Errorf("timeout event = %s/0x%02X, want %s/0x%02X", ev.Status, ev.Opcode, StatusTimeout, att.OpReadRequest)
	}
	call := h.fixed.expect(t, "Disconnect")
	if call.acl != acl || call.reason != l2cap.StatusRemoteUserTerminated {
		t.Errorf("disconnect acl=0x%04X reason=0x%02X", call.acl, call.reason)
	}

	// The queued request is discarded, not sent
	h.fixed.expectQuiet(t, 50*time.Millisecond)

	// Requests made while the link goes down fail at once
	h.e.ReadRequest(handle, 0x0012)
	failed := h.rec.expectClient(t, EventRequestFailed)
	if failed.Status != StatusNotConnected {
		t.Errorf("status = %s, want %s", failed.Status, StatusNotConnected)
	}

	h.e.OnLeDisconnected(acl, l2cap.StatusSuccess, l2cap.StatusLocalHostTerminated)
	info := h.rec.expectDisconnected(t, InitiativeDisconnectSuccess)
	if info.Handle != handle {
		t.Errorf("disconnected handle = %d, want %d", info.Handle, handle)
	}
	conns, _ := h.e.Connections()
	if len(conns) != 0 {
		t.Errorf("Expected no connections, got %d", len(conns))
	}
}

func TestLateResponseAfterTimeoutIgnored(t *testing.T) {
	h := newHarness(t, WithTransactionTimeout(30*time.Millisecond))
	const acl = 0x0041
	handle := h.connectLE(t, acl)

	h.e.ReadRequest(handle, 0x0010)
	h.fixed.expectSent(t, att.OpReadRequest)
	h.rec.expectClient(t, EventTransactionTimeout)
	h.fixed.expect(t, "Disconnect")

	h.peer(acl, mustEncode(t, &att.ReadResponse{Value: []byte{1}}))
	h.sync(t)
	select {
	case ev := <-h.rec.client:
		t.Errorf("late response delivered as %s", ev.ID)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestRequestOnUnknownHandle(t *testing.T) {
	h := newHarness(t)

	h.e.ReadRequest(7, 0x0010)
	ev := h.rec.expectClient(t, EventRequestFailed)
	if ev.Handle != 7 || ev.Opcode != att.OpReadRequest {
		t.Errorf("event = handle %d opcode 0x%02X", ev.Handle, ev.Opcode)
	}
	if ev.Status != StatusNotConnected {
		t.Errorf("status = %s, want %s", ev.Status, StatusNotConnected)
	}
}

func TestWriteTruncatedToMTU(t *testing.T) {
	h := newHarness(t)
	handle := h.connectLE(t, 0x0041)

	h.e.WriteRequest(handle, 0x0010, make([]byte, 40))
	raw := h.fixed.expectSent(t, att.OpWriteRequest)
	if len(raw) != att.MinMTULE {
		t.Errorf("sent %d bytes, want %d", len(raw), att.MinMTULE)
	}
}
