package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/l2cap"
)

func TestMalformedResponseBecomesError(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		code uint8
	}{
		{"stride mismatch", []byte{att.OpReadByTypeResponse, 0x04, 0x10, 0x00, 0xAA, 0xBB, 0x11}, att.ErrInvalidAttributeValueLength},
		{"stride too small", []byte{att.OpReadByTypeResponse, 0x01, 0x10}, att.ErrInvalidAttributeValueLength},
		{"truncated", []byte{att.OpReadByTypeResponse}, att.ErrInvalidPDU},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			const acl = 0x0041
			handle := h.connectLE(t, acl)

			h.e.ReadByTypeRequest(handle, 0x0001, 0xFFFF, att.UUID16(0x2803))
			h.e.ReadRequest(handle, 0x0002)
			h.fixed.expectSent(t, att.OpReadByTypeRequest)

			h.peer(acl, tt.raw)
			ev := h.rec.expectClient(t, EventID(att.OpErrorResponse))
			rsp, ok := ev.PDU.(*att.ErrorResponse)
			if !ok {
				t.Fatalf("Expected *att.ErrorResponse, got %T", ev.PDU)
			}
			if rsp.RequestOpcode != att.OpReadByTypeRequest || rsp.ErrorCode != tt.code {
				t.Errorf("error response = 0x%02X/0x%02X, want 0x%02X/0x%02X",
					rsp.RequestOpcode, rsp.ErrorCode, att.OpReadByTypeRequest, tt.code)
			}

			// The transaction is over: the queued request goes out
			h.fixed.expectSent(t, att.OpReadRequest)
		})
	}
}

func TestZeroStrideResponse(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	handle := h.connectLE(t, acl)

	h.e.ReadByTypeRequest(handle, 0x0001, 0xFFFF, att.UUID16(0x2803))
	h.fixed.expectSent(t, att.OpReadByTypeRequest)
	h.peer(acl, []byte{att.OpReadByTypeResponse, 0x00})

	ev := h.rec.expectClient(t, EventID(att.OpReadByTypeResponse))
	rsp := ev.PDU.(*att.ReadByTypeResponse)
	if len(rsp.Entries) != 0 {
		t.Errorf("Expected no entries, got %d", len(rsp.Entries))
	}
}

func TestEmptyFindByTypeValueAccepted(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	handle := h.connectLE(t, acl)

	h.e.FindByTypeValueRequest(handle, 0x0001, 0xFFFF, 0x2800, []byte{0x0D, 0x18})
	raw := h.fixed.expectSent(t, att.OpFindByTypeValueRequest)
	want := []byte{att.OpFindByTypeValueRequest, 0x01, 0x00, 0xFF, 0xFF, 0x00, 0x28, 0x0D, 0x18}
	if !bytes.Equal(raw, want) {
		t.Errorf("request = % X, want % X", raw, want)
	}

	h.peer(acl, []byte{att.OpFindByTypeValueResponse})
	ev := h.rec.expectClient(t, EventID(att.OpFindByTypeValueResponse))
	if rsp := ev.PDU.(*att.FindByTypeValueResponse); len(rsp.Ranges) != 0 {
		t.Errorf("Expected no ranges, got %d", len(rsp.Ranges))
	}
}

func TestUnexpectedResponseDropped(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	handle := h.connectLE(t, acl)

	// Nothing in flight
	h.peer(acl, mustEncode(t, &att.ReadResponse{Value: []byte{1}}))

	// Wrong response for the request in flight
	h.e.ReadRequest(handle, 0x0010)
	h.fixed.expectSent(t, att.OpReadRequest)
	h.peer(acl, mustEncode(t, &att.WriteResponse{}))
	h.sync(t)

	select {
	case ev := <-h.rec.client:
		t.Fatalf("unexpected client event %s", ev.ID)
	default:
	}

	h.peer(acl, mustEncode(t, &att.ErrorResponse{RequestOpcode: att.OpReadRequest, Handle: 0x0010, ErrorCode: att.ErrReadNotPermitted}))
	ev := h.rec.expectClient(t, EventID(att.OpErrorResponse))
	if rsp := ev.PDU.(*att.ErrorResponse); rsp.ErrorCode != att.ErrReadNotPermitted {
		t.Errorf("error code = 0x%02X, want 0x%02X", rsp.ErrorCode, att.ErrReadNotPermitted)
	}
}

func TestInboundRequests(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	h.connectLE(t, acl)

	h.peer(acl, mustEncode(t, &att.ReadRequest{Handle: 0x0003}))
	ev := h.rec.expectServer(t, EventID(att.OpReadRequest))
	if req := ev.PDU.(*att.ReadRequest); req.Handle != 0x0003 {
		t.Errorf("read handle = 0x%04X, want 0x0003", req.Handle)
	}

	h.peer(acl, mustEncode(t, &att.WriteCommand{Handle: 0x0004, Value: []byte{9}}))
	ev = h.rec.expectServer(t, EventID(att.OpWriteCommand))
	if cmd := ev.PDU.(*att.WriteCommand); cmd.Handle != 0x0004 || !bytes.Equal(cmd.Value, []byte{9}) {
		t.Errorf("write command = 0x%04X % X", cmd.Handle, cmd.Value)
	}
}

func TestMalformedRequestAnswered(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	h.connectLE(t, acl)

	h.peer(acl, []byte{att.OpReadRequest, 0x03})
	raw := h.fixed.expectSent(t, att.OpErrorResponse)
	want := []byte{att.OpErrorResponse, att.OpReadRequest, 0x00, 0x00, att.ErrInvalidPDU}
	if !bytes.Equal(raw, want) {
		t.Errorf("error response = % X, want % X", raw, want)
	}

	// A malformed command has nobody to answer to
	h.peer(acl, []byte{att.OpWriteCommand, 0x03})
	h.fixed.expectQuiet(t, 50*time.Millisecond)
}

func TestUnknownOpcodes(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	h.connectLE(t, acl)

	h.peer(acl, []byte{0x3F, 0x01})
	raw := h.fixed.expectSent(t, att.OpErrorResponse)
	if raw[1] != 0x3F || raw[4] != att.ErrRequestNotSupported {
		t.Errorf("error response = % X", raw)
	}

	// Command flag set: ignored
	h.peer(acl, []byte{0x7F, 0x01})
	h.fixed.expectQuiet(t, 50*time.Millisecond)
	select {
	case ev := <-h.rec.server:
		t.Errorf("unknown command delivered as %s", ev.ID)
	default:
	}
}

func TestNonATTChannelIgnored(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	h.connectLE(t, acl)

	h.e.OnLeData(acl, l2cap.ChannelSMP, mustEncode(t, &att.ReadRequest{Handle: 1}))
	h.e.OnLeData(0x0099, l2cap.ChannelATT, mustEncode(t, &att.ReadRequest{Handle: 1}))
	h.sync(t)
	select {
	case ev := <-h.rec.server:
		t.Errorf("unexpected server event %s", ev.ID)
	default:
	}
}

func TestInboundDataIsCopied(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	h.connectLE(t, acl)

	raw := mustEncode(t, &att.WriteCommand{Handle: 0x0004, Value: []byte{1, 2, 3}})
	h.peer(acl, raw)
	for i := range raw {
		raw[i] = 0xFF
	}
	ev := h.rec.expectServer(t, EventID(att.OpWriteCommand))
	if cmd := ev.PDU.(*att.WriteCommand); !bytes.Equal(cmd.Value, []byte{1, 2, 3}) {
		t.Errorf("value = % X, want 01 02 03", cmd.Value)
	}
}

func TestExchangeMTUClient(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	handle := h.connectLE(t, acl)

	h.e.ExchangeMTURequest(handle, 10)
	if ev := h.rec.expectClient(t, EventRequestFailed); ev.Status != StatusBadParameter {
		t.Errorf("below floor status = %s, want %s", ev.Status, StatusBadParameter)
	}

	h.e.ExchangeMTURequest(handle, 247)
	h.e.ExchangeMTURequest(handle, 100)
	if ev := h.rec.expectClient(t, EventRequestFailed); ev.Status != StatusBusy {
		t.Errorf("second exchange status = %s, want %s", ev.Status, StatusBusy)
	}
	raw := h.fixed.expectSent(t, att.OpExchangeMTURequest)
	if !bytes.Equal(raw, []byte{att.OpExchangeMTURequest, 0xF7, 0x00}) {
		t.Errorf("request = % X", raw)
	}

	h.peer(acl, mustEncode(t, &att.ExchangeMTUResponse{ServerRxMTU: 185}))
	h.rec.expectClient(t, EventID(att.OpExchangeMTUResponse))

	conns, err := h.e.Connections()
	if err != nil || len(conns) != 1 {
		t.Fatalf("Connections = %v, %v", conns, err)
	}
	if conns[0].MTU != 185 {
		t.Errorf("MTU = %d, want 185", conns[0].MTU)
	}

	// The larger MTU applies to what is sent next
	h.e.WriteCommand(handle, 0x0010, make([]byte, 100))
	if raw := h.fixed.expectSent(t, att.OpWriteCommand); len(raw) != 103 {
		t.Errorf("write command length = %d, want 103", len(raw))
	}
}

func TestExchangeMTUServer(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	handle := h.connectLE(t, acl)

	h.peer(acl, mustEncode(t, &att.ExchangeMTURequest{ClientRxMTU: 300}))
	h.rec.expectServer(t, EventID(att.OpExchangeMTURequest))

	h.e.ExchangeMTUResponse(handle, 200)
	raw := h.fixed.expectSent(t, att.OpExchangeMTUResponse)
	if !bytes.Equal(raw, []byte{att.OpExchangeMTUResponse, 0xC8, 0x00}) {
		t.Errorf("response = % X", raw)
	}

	conns, _ := h.e.Connections()
	if len(conns) != 1 || conns[0].MTU != 200 {
		t.Errorf("Connections = %+v, want MTU 200", conns)
	}
}

func TestNotificationAndIndicationToClient(t *testing.T) {
	h := newHarness(t)
	const acl = 0x0041
	handle := h.connectLE(t, acl)

	h.peer(acl, mustEncode(t, &att.HandleValueNotification{Handle: 0x0021, Value: []byte{0x42}}))
	ev := h.rec.expectClient(t, EventID(att.OpHandleValueNotification))
	if n := ev.PDU.(*att.HandleValueNotification); n.Handle != 0x0021 {
		t.Errorf("notification handle = 0x%04X", n.Handle)
	}

	h.peer(acl, mustEncode(t, &att.HandleValueIndication{Handle: 0x0022, Value: []byte{0x43}}))
	h.rec.expectClient(t, EventID(att.OpHandleValueIndication))
	h.e.HandleValueConfirmation(handle)
	raw := h.fixed.expectSent(t, att.OpHandleValueConfirmation)
	if len(raw) != 1 {
		t.Errorf("confirmation = % X", raw)
	}
}
