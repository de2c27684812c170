package sim

import (
	"bytes"
	"encoding/hex"
	"testing"
	"time"

	"github.com/user/attengine/wire"
	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/gap"
	"github.com/user/attengine/wire/l2cap"
)

const waitFor = 3 * time.Second

var (
	addrA = l2cap.BDAddr{0xA0, 0x00, 0x00, 0x00, 0x00, 0x01}
	addrB = l2cap.BDAddr{0xB0, 0x00, 0x00, 0x00, 0x00, 0x02}
	key   = []byte{0x2b, 0x7e, 0x15, 0x16, 0x28, 0xae, 0xd2, 0xa6, 0xab, 0xf7, 0x15, 0x88, 0x09, 0xcf, 0x4f, 0x3c}
)

func TestCMAC(t *testing.T) {
	s, err := NewSigner(key)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}

	tests := []struct {
		msg  string
		want string
	}{
		{"", "bb1d6929e95937287fa37d129b756746"},
		{"6bc1bee22e409f96e93d7e117393172a", "070a16b46b4d4144f79bdd9dd04a287c"},
		{"6bc1bee22e409f96e93d7e117393172aae2d8a571e03ac9c9eb76fac45af8e5130c81c46a35ce411",
			"dfa66747de9ae63030ca32611497c827"},
	}

	for _, tt := range tests {
		msg, _ := hex.DecodeString(tt.msg)
		mac := cmac(s.block, msg)
		if got := hex.EncodeToString(mac[:]); got != tt.want {
			t.Errorf("cmac(%d bytes) = %s, want %s", len(msg), got, tt.want)
		}
	}
}

func TestSignerVerifies(t *testing.T) {
	s, _ := NewSigner(key)
	data := []byte{att.OpSignedWriteCommand, 0x10, 0x00, 0x01}

	sign := func() gap.Signature {
		ch := make(chan gap.Signature, 1)
		s.DataSignatureGenerationAsync(addrA, data, func(res gap.SignatureResult, sig gap.Signature) {
			if res != gap.SignatureOK {
				t.Errorf("sign result = %s", res)
			}
			ch <- sig
		})
		return <-ch
	}
	verify := func(d []byte, sig gap.Signature) gap.SignatureResult {
		ch := make(chan gap.SignatureResult, 1)
		s.DataSignatureConfirmationAsync(addrA, d, sig, func(res gap.SignatureResult) { ch <- res })
		return <-ch
	}

	first := sign()
	if got := verify(data, first); got != gap.SignatureOK {
		t.Errorf("valid signature = %s, want ok", got)
	}
	if got := verify(data, first); got != gap.SignatureErrCounter {
		t.Errorf("replayed signature = %s, want counter error", got)
	}

	second := sign()
	tampered := append([]byte(nil), data...)
	tampered[3] = 0x02
	if got := verify(tampered, second); got != gap.SignatureErrAlgorithm {
		t.Errorf("tampered data = %s, want algorithm error", got)
	}
	if got := verify(data, second); got != gap.SignatureOK {
		t.Errorf("second signature = %s, want ok", got)
	}

	if _, err := NewSigner([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for a short key")
	}
}

func TestSimulatorDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Deterministic = true
	cfg.Seed = 42
	cfg.PacketLossRate = 0.5

	a, b := NewSimulator(cfg), NewSimulator(cfg)
	for i := 0; i < 20; i++ {
		la, lb := a.Latency(), b.Latency()
		if la != lb {
			t.Fatalf("latency %d: %v != %v", i, la, lb)
		}
		if la < 2*time.Millisecond || la >= 10*time.Millisecond {
			t.Errorf("latency %v outside [2ms, 10ms)", la)
		}
		_, oka := a.Transmit([]byte{att.OpReadRequest})
		_, okb := b.Transmit([]byte{att.OpReadRequest})
		if oka != okb {
			t.Fatalf("transmit %d: %v != %v", i, oka, okb)
		}
	}

	cfg = PerfectConfig()
	cfg.DropOpcodes = []uint8{att.OpReadResponse}
	s := NewSimulator(cfg)
	if _, ok := s.Transmit([]byte{att.OpReadResponse, 0x01}); ok {
		t.Error("dropped opcode was delivered")
	}
	if extra, ok := s.Transmit([]byte{att.OpReadRequest, 0x01, 0x00}); !ok || extra != 0 {
		t.Errorf("Transmit = %v, %v, want 0, true", extra, ok)
	}
}

// side is one engine on the link with its callbacks recorded
type side struct {
	e            *wire.Engine
	client       chan wire.Event
	server       chan wire.Event
	connected    chan wire.ConnectInfo
	failed       chan wire.ConnectStatus
	disconnected chan wire.DisconnectReason
}

func newSide(t *testing.T, name string, d *Device, opts ...wire.Option) *side {
	t.Helper()
	signer, err := NewSigner(key)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	s := &side{
		client:       make(chan wire.Event, 32),
		server:       make(chan wire.Event, 32),
		connected:    make(chan wire.ConnectInfo, 4),
		failed:       make(chan wire.ConnectStatus, 4),
		disconnected: make(chan wire.DisconnectReason, 4),
	}
	s.e = wire.New(d, d.Fixed(), signer, append([]wire.Option{wire.WithName(name), wire.WithTrace(false)}, opts...)...)
	s.e.ClientDataRegister(func(ev wire.Event) { s.client <- ev })
	s.e.ServerDataRegister(func(ev wire.Event) { s.server <- ev })
	s.e.ConnectRegister(wire.ConnectCallbacks{
		Connected: func(info wire.ConnectInfo, st wire.ConnectStatus) {
			if st.Success() {
				s.connected <- info
			} else {
				s.failed <- st
			}
		},
		Disconnected: func(info wire.ConnectInfo, why wire.DisconnectReason) { s.disconnected <- why },
	})
	d.Attach(s.e)
	s.e.Start()
	t.Cleanup(s.e.Stop)
	return s
}

func (s *side) waitConnected(t *testing.T) wire.ConnectInfo {
	t.Helper()
	select {
	case info := <-s.connected:
		return info
	case st := <-s.failed:
		t.Fatalf("connect failed: %s", st)
	case <-time.After(waitFor):
		t.Fatal("Timed out waiting for connection")
	}
	return wire.ConnectInfo{}
}

func (s *side) waitClient(t *testing.T, id wire.EventID) wire.Event {
	t.Helper()
	select {
	case ev := <-s.client:
		if ev.ID != id {
			t.Fatalf("Expected client event %s, got %s (%v)", id, ev.ID, ev.Err)
		}
		return ev
	case <-time.After(waitFor):
		t.Fatalf("Timed out waiting for client event %s", id)
	}
	return wire.Event{}
}

func (s *side) waitServer(t *testing.T, id wire.EventID) wire.Event {
	t.Helper()
	select {
	case ev := <-s.server:
		if ev.ID != id {
			t.Fatalf("Expected server event %s, got %s", id, ev.ID)
		}
		return ev
	case <-time.After(waitFor):
		t.Fatalf("Timed out waiting for server event %s", id)
	}
	return wire.Event{}
}

func (s *side) waitDisconnected(t *testing.T) wire.DisconnectReason {
	t.Helper()
	select {
	case why := <-s.disconnected:
		return why
	case <-time.After(waitFor):
		t.Fatal("Timed out waiting for disconnect")
	}
	return 0
}

func newPair(t *testing.T, cfg *Config, opts ...wire.Option) (*Link, *side, *side) {
	t.Helper()
	link := NewLink(cfg, addrA, addrB)
	a := newSide(t, "a", link.A, opts...)
	b := newSide(t, "b", link.B, opts...)
	link.Start()
	t.Cleanup(link.Close)
	return link, a, b
}

func TestLEReadOverLink(t *testing.T) {
	_, a, b := newPair(t, PerfectConfig())

	a.e.ConnectReq(addrB, l2cap.TransportLE, l2cap.Config{})
	ia := a.waitConnected(t)
	ib := b.waitConnected(t)
	if ia.Flag != wire.Initiative || ib.Flag != wire.Passive {
		t.Errorf("flags = %s/%s, want initiative/passive", ia.Flag, ib.Flag)
	}

	a.e.ReadRequest(ia.Handle, 0x0003)
	req := b.waitServer(t, wire.EventID(att.OpReadRequest))
	if r := req.PDU.(*att.ReadRequest); r.Handle != 0x0003 {
		t.Errorf("read handle = 0x%04X", r.Handle)
	}
	b.e.ReadResponse(ib.Handle, []byte("hello"))

	ev := a.waitClient(t, wire.EventID(att.OpReadResponse))
	if v := ev.PDU.(*att.ReadResponse).Value; string(v) != "hello" {
		t.Errorf("value = %q, want hello", v)
	}
}

func TestBredrMTUExchangeOverLink(t *testing.T) {
	_, a, b := newPair(t, PerfectConfig())

	a.e.ConnectReq(addrB, l2cap.TransportBREDR, l2cap.Config{})
	ia := a.waitConnected(t)
	ib := b.waitConnected(t)
	if ia.MTU != att.MaxMTU || ib.MTU != att.MaxMTU {
		t.Errorf("MTU = %d/%d, want %d", ia.MTU, ib.MTU, att.MaxMTU)
	}

	a.e.WriteRequest(ia.Handle, 0x0010, bytes.Repeat([]byte{0x5A}, 300))
	ev := b.waitServer(t, wire.EventID(att.OpWriteRequest))
	if w := ev.PDU.(*att.WriteRequest); len(w.Value) != 300 {
		t.Errorf("write length = %d, want 300", len(w.Value))
	}
	b.e.WriteResponse(ib.Handle)
	a.waitClient(t, wire.EventID(att.OpWriteResponse))

	a.e.DisconnectReq(ia.Handle)
	if why := a.waitDisconnected(t); why != wire.InitiativeDisconnectSuccess {
		t.Errorf("local reason = %s", why)
	}
	if why := b.waitDisconnected(t); why != wire.PassiveDisconnectSuccess {
		t.Errorf("remote reason = %s", why)
	}
}

func TestSignedWriteOverLink(t *testing.T) {
	_, a, b := newPair(t, PerfectConfig())

	a.e.ConnectReq(addrB, l2cap.TransportLE, l2cap.Config{})
	ia := a.waitConnected(t)
	b.waitConnected(t)

	a.e.SignedWriteCommand(ia.Handle, 0x0020, []byte{0xDE, 0xAD})
	done := a.waitClient(t, wire.EventSignedWriteComplete)
	if done.Status != wire.StatusSuccess {
		t.Errorf("client status = %s", done.Status)
	}
	ev := b.waitServer(t, wire.EventID(att.OpSignedWriteCommand))
	if ev.Signature != gap.SignatureOK || !bytes.Equal(ev.Value, []byte{0xDE, 0xAD}) {
		t.Errorf("server event = %s % X", ev.Signature, ev.Value)
	}
}

func TestDroppedResponseTimesOut(t *testing.T) {
	cfg := PerfectConfig()
	cfg.DropOpcodes = []uint8{att.OpReadResponse}
	_, a, b := newPair(t, cfg, wire.WithTransactionTimeout(100*time.Millisecond))

	a.e.ConnectReq(addrB, l2cap.TransportLE, l2cap.Config{})
	ia := a.waitConnected(t)
	ib := b.waitConnected(t)

	a.e.ReadRequest(ia.Handle, 0x0003)
	b.waitServer(t, wire.EventID(att.OpReadRequest))
	b.e.ReadResponse(ib.Handle, []byte{1})

	ev := a.waitClient(t, wire.EventTransactionTimeout)
	if ev.Status != wire.StatusTimeout {
		t.Errorf("status = %s, want %s", ev.Status, wire.StatusTimeout)
	}
	if why := a.waitDisconnected(t); why != wire.InitiativeDisconnectSuccess {
		t.Errorf("local reason = %s", why)
	}
	if why := b.waitDisconnected(t); why != wire.PassiveDisconnectSuccess {
		t.Errorf("remote reason = %s", why)
	}
}

func TestLinkBreak(t *testing.T) {
	link, a, b := newPair(t, PerfectConfig())

	a.e.ConnectReq(addrB, l2cap.TransportBREDR, l2cap.Config{})
	a.waitConnected(t)
	b.waitConnected(t)

	link.Break()
	if why := a.waitDisconnected(t); why != wire.DisconnectAbnormal {
		t.Errorf("a reason = %s, want %s", why, wire.DisconnectAbnormal)
	}
	if why := b.waitDisconnected(t); why != wire.DisconnectAbnormal {
		t.Errorf("b reason = %s, want %s", why, wire.DisconnectAbnormal)
	}
}

func TestConnectOutOfRange(t *testing.T) {
	_, a, _ := newPair(t, PerfectConfig())
	nobody := l2cap.BDAddr{0xC0, 0, 0, 0, 0, 3}

	a.e.ConnectReq(nobody, l2cap.TransportLE, l2cap.Config{})
	select {
	case st := <-a.failed:
		if st != wire.LEConnectFail {
			t.Errorf("status = %s, want %s", st, wire.LEConnectFail)
		}
	case <-time.After(waitFor):
		t.Fatal("Timed out waiting for connect failure")
	}

	a.e.ConnectReq(nobody, l2cap.TransportBREDR, l2cap.Config{})
	select {
	case st := <-a.failed:
		if st != wire.BredrConnectFail {
			t.Errorf("status = %s, want %s", st, wire.BredrConnectFail)
		}
	case <-time.After(waitFor):
		t.Fatal("Timed out waiting for connect failure")
	}
}
