package scenario

import (
	"testing"
	"time"

	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/debug"
)

func traceSession(t *testing.T) []debug.Record {
	t.Helper()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ms := 0
	rec := func(dir, session string, p att.PDU) debug.Record {
		raw, err := att.Encode(p, att.MaxMTU)
		if err != nil {
			t.Fatalf("Encode(%T) failed: %v", p, err)
		}
		ms += 5
		return debug.Record{
			Timestamp: base.Add(time.Duration(ms) * time.Millisecond),
			Direction: dir,
			Session:   session,
			Handle:    1,
			Transport: "le",
			Raw:       raw,
		}
	}

	records := []debug.Record{
		rec(debug.TX, "s1", &att.ExchangeMTURequest{ClientRxMTU: 100}),
		rec(debug.RX, "s1", &att.ExchangeMTUResponse{ServerRxMTU: 80}),
		rec(debug.TX, "s1", &att.ReadRequest{Handle: 0x0003}),
		rec(debug.RX, "s1", &att.ReadResponse{Value: []byte("hi")}),
		rec(debug.TX, "s1", &att.WriteRequest{Handle: 0x0005, Value: []byte{0x01}}),
		rec(debug.RX, "s1", &att.WriteResponse{}),
		rec(debug.TX, "s1", &att.PrepareWriteRequest{Handle: 0x0008, Offset: 0, Value: []byte("long ")}),
		rec(debug.RX, "s1", &att.PrepareWriteResponse{Handle: 0x0008, Offset: 0, Value: []byte("long ")}),
		rec(debug.TX, "s1", &att.PrepareWriteRequest{Handle: 0x0008, Offset: 5, Value: []byte("value")}),
		rec(debug.RX, "s1", &att.PrepareWriteResponse{Handle: 0x0008, Offset: 5, Value: []byte("value")}),
		rec(debug.TX, "s1", &att.ExecuteWriteRequest{Flags: att.ExecuteWriteCommit}),
		rec(debug.RX, "s1", &att.ExecuteWriteResponse{}),
		rec(debug.TX, "s2", &att.ReadRequest{Handle: 0x0042}),
		rec(debug.RX, "s1", &att.HandleValueNotification{Handle: 0x0009, Value: []byte{0xAA}}),
	}
	records = append(records, debug.Record{Timestamp: base, Direction: debug.RX, Session: "s1", Raw: []byte{0x0A}})
	return records
}

func TestFromTrace(t *testing.T) {
	s, err := FromTrace("from_trace", traceSession(t))
	if err != nil {
		t.Fatalf("FromTrace failed: %v", err)
	}
	if problems := s.Validate(); len(problems) > 0 {
		t.Fatalf("Validate = %v", problems)
	}

	if s.Transport != "le" {
		t.Errorf("Transport = %q, want le", s.Transport)
	}
	wantActions := []string{ActionConnect, ActionExchangeMTU, ActionRead, ActionWrite, ActionLongWrite, ActionNotify}
	if len(s.Timeline) != len(wantActions) {
		t.Fatalf("Expected %d events, got %+v", len(wantActions), s.Timeline)
	}
	for i, action := range wantActions {
		if s.Timeline[i].Action != action {
			t.Errorf("event %d = %s, want %s", i, s.Timeline[i].Action, action)
		}
	}
	if ev := s.Timeline[4]; ev.Value != "6c6f6e672076616c7565" || ev.Handle != 0x0008 {
		t.Errorf("long write = %+v", ev)
	}
	if ev := s.Timeline[5]; ev.Device != TracePeer {
		t.Errorf("notify device = %s, want %s", ev.Device, TracePeer)
	}

	peer := s.GetDeviceByID(TracePeer)
	if peer.LocalMTU != 80 {
		t.Errorf("peer LocalMTU = %d, want 80", peer.LocalMTU)
	}
	if v := peer.Attributes["0x0003"]; v != "6869" {
		t.Errorf("peer attribute 0x0003 = %q, want 6869", v)
	}
	if s.Description != "Replay of session s1 (2 records skipped)" {
		t.Errorf("Description = %q", s.Description)
	}

	var mtu *Assertion
	for i := range s.Assertions {
		if s.Assertions[i].Type == AssertionMTU {
			mtu = &s.Assertions[i]
		}
	}
	if mtu == nil || mtu.Device != TraceLocal || mtu.MTU != 80 {
		t.Errorf("mtu assertion = %+v", mtu)
	}
}

func TestTraceReplays(t *testing.T) {
	s, err := FromTrace("from_trace", traceSession(t))
	if err != nil {
		t.Fatalf("FromTrace failed: %v", err)
	}
	runOrReport(t, s)
}

func TestFromEmptyTrace(t *testing.T) {
	if _, err := FromTrace("empty", nil); err == nil {
		t.Error("Expected error for an empty trace")
	}
}
