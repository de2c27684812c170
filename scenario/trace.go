package scenario

import (
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"

	"github.com/user/attengine/logger"
	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/debug"
)

// Device IDs of scenarios built from a trace. The traced engine is "local".
const (
	TraceLocal = "local"
	TracePeer  = "peer"
)

// connectLead is the time given to link setup before the first traced PDU
const connectLead = 100

// TraceParser turns the PDU trace of one engine into a scenario that replays
// the same conversation. Only the first session in the trace is used.
type TraceParser struct {
	session    string
	transport  string
	start      int64
	timeline   []TimelineEvent
	assertions []Assertion
	attrs      map[string]map[string]string // device -> attributes it served
	localMTU   map[string]int
	mtuAsk     map[string]int

	pendingRead map[string]uint16 // who -> handle of the outstanding read
	prepared    map[string][]*att.PrepareWriteRequest
	prepareAt   map[string]int
	skipped     int
}

// NewTraceParser creates an empty parser
func NewTraceParser() *TraceParser {
	return &TraceParser{
		attrs: map[string]map[string]string{
			TraceLocal: make(map[string]string),
			TracePeer:  make(map[string]string),
		},
		localMTU:    make(map[string]int),
		mtuAsk:      make(map[string]int),
		pendingRead: make(map[string]uint16),
		prepared:    make(map[string][]*att.PrepareWriteRequest),
		prepareAt:   make(map[string]int),
	}
}

// FromTrace builds a scenario from trace records
func FromTrace(name string, records []debug.Record) (*Scenario, error) {
	p := NewTraceParser()
	for _, rec := range records {
		p.Add(rec)
	}
	return p.Scenario(name)
}

// Add feeds one record
func (p *TraceParser) Add(rec debug.Record) {
	if p.session == "" {
		p.session = rec.Session
		p.transport = rec.Transport
		p.start = rec.Timestamp.UnixNano()
	}
	if rec.Session != p.session {
		p.skipped++
		return
	}
	pdu, err := att.Decode(rec.Raw)
	if err != nil {
		p.skipped++
		logger.Debug("scenario", "trace record skipped: %v", err)
		return
	}

	at := connectLead + int((rec.Timestamp.UnixNano()-p.start)/1e6)
	// who sent the PDU, other received it
	who, other := TraceLocal, TracePeer
	if rec.Direction == debug.RX {
		who, other = TracePeer, TraceLocal
	}

	switch v := pdu.(type) {
	case *att.ExchangeMTURequest:
		p.mtuAsk[who] = int(v.ClientRxMTU)
		p.addEvent(at, who, ActionExchangeMTU, TimelineEvent{MTU: v.ClientRxMTU})
	case *att.ExchangeMTUResponse:
		ask, ok := p.mtuAsk[other]
		if !ok {
			return
		}
		delete(p.mtuAsk, other)
		p.localMTU[who] = int(v.ServerRxMTU)
		mtu := ask
		if int(v.ServerRxMTU) < mtu {
			mtu = int(v.ServerRxMTU)
		}
		if mtu > att.MaxMTU {
			mtu = att.MaxMTU
		}
		p.assertions = append(p.assertions, Assertion{Type: AssertionMTU, Device: other, MTU: mtu})
	case *att.ReadRequest:
		p.pendingRead[who] = v.Handle
		p.addEvent(at, who, ActionRead, TimelineEvent{Handle: v.Handle})
	case *att.ReadResponse:
		// who answered a read that other asked for
		h, ok := p.pendingRead[other]
		if !ok {
			return
		}
		delete(p.pendingRead, other)
		key := handleKey(h)
		if _, seeded := p.attrs[who][key]; !seeded {
			p.attrs[who][key] = hex.EncodeToString(v.Value)
		}
		p.assertions = append(p.assertions, Assertion{
			Type:    AssertionReadValue,
			Device:  other,
			Handle:  h,
			Value:   hex.EncodeToString(v.Value),
			Comment: fmt.Sprintf("read at %dms", at),
		})
	case *att.ReadBlobRequest:
		p.addEvent(at, who, ActionReadBlob, TimelineEvent{Handle: v.Handle, Offset: v.Offset})
	case *att.WriteRequest:
		p.addWrite(at, who, ActionWrite, v.Handle, v.Value)
	case *att.WriteCommand:
		p.addWrite(at, who, ActionWriteCommand, v.Handle, v.Value)
	case *att.SignedWriteCommand:
		p.addWrite(at, who, ActionSignedWrite, v.Handle, v.Value)
	case *att.PrepareWriteRequest:
		if len(p.prepared[who]) == 0 {
			p.prepareAt[who] = at
		}
		p.prepared[who] = append(p.prepared[who], v)
	case *att.ExecuteWriteRequest:
		reqs := p.prepared[who]
		delete(p.prepared, who)
		if v.Flags != att.ExecuteWriteCommit || len(reqs) == 0 {
			return
		}
		var value []byte
		for _, r := range reqs {
			value = writeAt(value, int(r.Offset), r.Value)
		}
		p.addWrite(p.prepareAt[who], who, ActionLongWrite, reqs[0].Handle, value)
	case *att.HandleValueNotification:
		p.addNotify(at, who, ActionNotify, v.Handle, v.Value)
	case *att.HandleValueIndication:
		p.addNotify(at, who, ActionIndicate, v.Handle, v.Value)
	case *att.ErrorResponse:
		if v.RequestOpcode == att.OpReadRequest {
			delete(p.pendingRead, other)
		}
	}
}

func (p *TraceParser) addEvent(at int, who, action string, ev TimelineEvent) {
	ev.TimeMs = at
	ev.Action = action
	ev.Device = who
	p.timeline = append(p.timeline, ev)
}

func (p *TraceParser) addWrite(at int, who, action string, handle uint16, value []byte) {
	p.addEvent(at, who, action, TimelineEvent{Handle: handle, Value: hex.EncodeToString(value)})
	target := TracePeer
	if who == TracePeer {
		target = TraceLocal
	}
	p.assertions = append(p.assertions, Assertion{
		Type:   AssertionAttributeValue,
		Device: target,
		Handle: handle,
		Value:  hex.EncodeToString(value),
	})
}

func (p *TraceParser) addNotify(at int, who, action string, handle uint16, value []byte) {
	p.addEvent(at, who, action, TimelineEvent{Handle: handle, Value: hex.EncodeToString(value)})
	target := TraceLocal
	if who == TraceLocal {
		target = TracePeer
	}
	p.assertions = append(p.assertions, Assertion{
		Type:   AssertionNotified,
		Device: target,
		Handle: handle,
		Value:  hex.EncodeToString(value),
	})
}

// Scenario returns the scenario built so far
func (p *TraceParser) Scenario(name string) (*Scenario, error) {
	if p.session == "" {
		return nil, errors.New("trace has no records")
	}
	transport := "le"
	if p.transport == "br/edr" {
		transport = "bredr"
	}

	// Later writes win, so keep only the last expectation per device and handle
	seen := make(map[string]bool)
	var assertions []Assertion
	for i := len(p.assertions) - 1; i >= 0; i-- {
		a := p.assertions[i]
		key := fmt.Sprintf("%s/%s/%d", a.Type, a.Device, a.Handle)
		if seen[key] {
			continue
		}
		seen[key] = true
		assertions = append([]Assertion{a}, assertions...)
	}
	assertions = append([]Assertion{
		{Type: AssertionConnected, Device: TraceLocal},
		{Type: AssertionConnected, Device: TracePeer},
	}, assertions...)

	s := &Scenario{
		Name:        name,
		Description: fmt.Sprintf("Replay of session %s (%d records skipped)", p.session, p.skipped),
		Transport:   transport,
		Sim:         SimConfig{MinLatencyMs: 1, MaxLatencyMs: 3, Seed: 1},
		Devices: []DeviceConfig{
			{ID: TraceLocal, LocalMTU: p.localMTU[TraceLocal], Attributes: p.attrs[TraceLocal]},
			{ID: TracePeer, LocalMTU: p.localMTU[TracePeer], Attributes: p.attrs[TracePeer]},
		},
		Timeline: append([]TimelineEvent{{
			TimeMs:  0,
			Action:  ActionConnect,
			Device:  TraceLocal,
			Comment: "session " + p.session,
		}}, p.timeline...),
		Assertions: assertions,
	}
	return s, nil
}

func handleKey(h uint16) string {
	return fmt.Sprintf("0x%04X", h)
}

// writeAt places value at offset, growing dst as needed
func writeAt(dst []byte, offset int, value []byte) []byte {
	if end := offset + len(value); end > len(dst) {
		grown := make([]byte, end)
		copy(grown, dst)
		dst = grown
	}
	copy(dst[offset:], value)
	return dst
}
