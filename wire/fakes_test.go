package wire

import (
	"sync"
	"testing"
	"time"

	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/gap"
	"github.com/user/attengine/wire/l2cap"
)

const waitFor = 2 * time.Second

var (
	peerAddr  = l2cap.BDAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	otherAddr = l2cap.BDAddr{0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB}
)

// lowerCall is one call made on the fake BR/EDR channel service
type lowerCall struct {
	name   string
	lcid   uint16
	id     uint8
	cfg    l2cap.Config
	result uint16
	data   []byte
}

// fakeLower records every call on the BR/EDR channel service
type fakeLower struct {
	mu       sync.Mutex
	nextLCID uint16
	calls    chan lowerCall
	failSend error
	failCtl  error // returned by refusals, config responses and disconnects
}

func (f *fakeLower) ctlErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failCtl
}

func newFakeLower() *fakeLower {
	return &fakeLower{nextLCID: l2cap.ChannelDynamicStart, calls: make(chan lowerCall, 256)}
}

func (f *fakeLower) ConnectReq(addr l2cap.BDAddr, psm uint16) (uint16, error) {
	f.mu.Lock()
	lcid := f.nextLCID
	f.nextLCID++
	f.mu.Unlock()
	f.calls <- lowerCall{name: "ConnectReq", lcid: lcid}
	return lcid, nil
}

func (f *fakeLower) ConnectRsp(addr l2cap.BDAddr, lcid uint16, id uint8, result l2cap.ConnectResult) error {
	f.calls <- lowerCall{name: "ConnectRsp", lcid: lcid, id: id, result: uint16(result)}
	if result != l2cap.ConnectSuccess {
		return f.ctlErr()
	}
	return nil
}

func (f *fakeLower) ConfigReq(lcid uint16, cfg l2cap.Config) error {
	f.calls <- lowerCall{name: "ConfigReq", lcid: lcid, cfg: cfg}
	return nil
}

func (f *fakeLower) ConfigRsp(lcid uint16, id uint8, cfg l2cap.Config, result l2cap.ConfigResult) error {
	f.calls <- lowerCall{name: "ConfigRsp", lcid: lcid, id: id, cfg: cfg, result: uint16(result)}
	if result != l2cap.ConfigSuccess {
		return f.ctlErr()
	}
	return nil
}

func (f *fakeLower) DisconnectReq(lcid uint16) error {
	f.calls <- lowerCall{name: "DisconnectReq", lcid: lcid}
	return f.ctlErr()
}

func (f *fakeLower) DisconnectRsp(lcid uint16, id uint8) error {
	f.calls <- lowerCall{name: "DisconnectRsp", lcid: lcid, id: id}
	return nil
}

func (f *fakeLower) SendData(lcid uint16, pdu []byte) error {
	f.mu.Lock()
	err := f.failSend
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.calls <- lowerCall{name: "SendData", lcid: lcid, data: append([]byte(nil), pdu...)}
	return nil
}

// expect waits for the next call and checks its name
func (f *fakeLower) expect(t *testing.T, name string) lowerCall {
	t.Helper()
	select {
	case c := <-f.calls:
		if c.name != name {
			t.Fatalf("Expected %s, got %s", name, c.name)
		}
		return c
	case <-time.After(waitFor):
		t.Fatalf("Timed out waiting for %s", name)
	}
	return lowerCall{}
}

// fixedCall is one call made on the fake LE fixed channel
type fixedCall struct {
	name   string
	addr   l2cap.BDAddr
	acl    uint16
	cid    uint16
	reason uint8
	data   []byte
}

type fakeFixed struct {
	calls chan fixedCall
}

func newFakeFixed() *fakeFixed {
	return &fakeFixed{calls: make(chan fixedCall, 256)}
}

func (f *fakeFixed) Connect(addr l2cap.BDAddr) error {
	f.calls <- fixedCall{name: "Connect", addr: addr}
	return nil
}

func (f *fakeFixed) Disconnect(aclHandle uint16, reason uint8) error {
	f.calls <- fixedCall{name: "Disconnect", acl: aclHandle, reason: reason}
	return nil
}

func (f *fakeFixed) SendData(aclHandle uint16, cid uint16, pdu []byte) error {
	f.calls <- fixedCall{name: "SendData", acl: aclHandle, cid: cid, data: append([]byte(nil), pdu...)}
	return nil
}

func (f *fakeFixed) expect(t *testing.T, name string) fixedCall {
	t.Helper()
	select {
	case c := <-f.calls:
		if c.name != name {
			t.Fatalf("Expected %s, got %s", name, c.name)
		}
		return c
	case <-time.After(waitFor):
		t.Fatalf("Timed out waiting for %s", name)
	}
	return fixedCall{}
}

// expectSent waits for a PDU on the fixed channel and checks its opcode
func (f *fakeFixed) expectSent(t *testing.T, opcode uint8) []byte {
	t.Helper()
	c := f.expect(t, "SendData")
	if len(c.data) == 0 || c.data[0] != opcode {
		t.Fatalf("Expected %s, got % X", att.OpcodeName(opcode), c.data)
	}
	return c.data
}

func (f *fakeFixed) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("Expected no call, got %s % X", c.name, c.data)
	case <-time.After(d):
	}
}

// fakeSecurity answers every request from its own goroutine, like a real
// security manager would
type fakeSecurity struct {
	mu           sync.Mutex
	result       gap.SecurityResult
	signResult   gap.SignatureResult
	signature    gap.Signature
	verifyResult gap.SignatureResult
	signErr      error
	hold         chan struct{} // when set, signatures wait for it to close
	requests     int
	lastSigned   []byte
}

func (f *fakeSecurity) RequestSecurityAsync(req gap.SecurityRequest, done func(gap.SecurityResult)) error {
	f.mu.Lock()
	f.requests++
	res := f.result
	f.mu.Unlock()
	go done(res)
	return nil
}

func (f *fakeSecurity) DataSignatureGenerationAsync(addr l2cap.BDAddr, data []byte, done func(gap.SignatureResult, gap.Signature)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signErr != nil {
		return f.signErr
	}
	f.lastSigned = append([]byte(nil), data...)
	res, sig, hold := f.signResult, f.signature, f.hold
	go func() {
		if hold != nil {
			<-hold
		}
		done(res, sig)
	}()
	return nil
}

func (f *fakeSecurity) DataSignatureConfirmationAsync(addr l2cap.BDAddr, data []byte, sig gap.Signature, done func(gap.SignatureResult)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSigned = append([]byte(nil), data...)
	res := f.verifyResult
	go done(res)
	return nil
}

func (f *fakeSecurity) securityRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

type connectResult struct {
	info   ConnectInfo
	status ConnectStatus
}

type disconnectResult struct {
	info   ConnectInfo
	reason DisconnectReason
}

// recorder collects everything the engine reports upward
type recorder struct {
	client       chan Event
	server       chan Event
	indications  chan uint16
	connected    chan connectResult
	disconnected chan disconnectResult
}

func newRecorder() *recorder {
	return &recorder{
		client:       make(chan Event, 64),
		server:       make(chan Event, 64),
		indications:  make(chan uint16, 8),
		connected:    make(chan connectResult, 8),
		disconnected: make(chan disconnectResult, 8),
	}
}

func (r *recorder) register(e *Engine) {
	e.ClientDataRegister(func(ev Event) { r.client <- ev })
	e.ServerDataRegister(func(ev Event) { r.server <- ev })
	e.ConnectRegister(ConnectCallbacks{
		ConnectIndication: func(h uint16, addr l2cap.BDAddr) { r.indications <- h },
		Connected:         func(info ConnectInfo, s ConnectStatus) { r.connected <- connectResult{info, s} },
		Disconnected:      func(info ConnectInfo, why DisconnectReason) { r.disconnected <- disconnectResult{info, why} },
	})
}

func (r *recorder) expectClient(t *testing.T, id EventID) Event {
	t.Helper()
	select {
	case ev := <-r.client:
		if ev.ID != id {
			t.Fatalf("Expected client event %s, got %s (status %s, err %v)", id, ev.ID, ev.Status, ev.Err)
		}
		return ev
	case <-time.After(waitFor):
		t.Fatalf("Timed out waiting for client event %s", id)
	}
	return Event{}
}

func (r *recorder) expectServer(t *testing.T, id EventID) Event {
	t.Helper()
	select {
	case ev := <-r.server:
		if ev.ID != id {
			t.Fatalf("Expected server event %s, got %s", id, ev.ID)
		}
		return ev
	case <-time.After(waitFor):
		t.Fatalf("Timed out waiting for server event %s", id)
	}
	return Event{}
}

func (r *recorder) expectConnected(t *testing.T, want ConnectStatus) ConnectInfo {
	t.Helper()
	select {
	case res := <-r.connected:
		if res.status != want {
			t.Fatalf("Connect status = %s, want %s", res.status, want)
		}
		return res.info
	case <-time.After(waitFor):
		t.Fatalf("Timed out waiting for connect completion %s", want)
	}
	return ConnectInfo{}
}

func (r *recorder) expectDisconnected(t *testing.T, want DisconnectReason) ConnectInfo {
	t.Helper()
	select {
	case res := <-r.disconnected:
		if res.reason != want {
			t.Fatalf("Disconnect reason = %s, want %s", res.reason, want)
		}
		return res.info
	case <-time.After(waitFor):
		t.Fatalf("Timed out waiting for disconnect %s", want)
	}
	return ConnectInfo{}
}

type harness struct {
	e     *Engine
	lower *fakeLower
	fixed *fakeFixed
	sec   *fakeSecurity
	rec   *recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		lower: newFakeLower(),
		fixed: newFakeFixed(),
		sec:   &fakeSecurity{},
		rec:   newRecorder(),
	}
	h.e = New(h.lower, h.fixed, h.sec, append([]Option{WithName(t.Name()), WithTrace(false)}, opts...)...)
	h.rec.register(h.e)
	h.e.Start()
	t.Cleanup(h.e.Stop)
	return h
}

// connectLE brings up an LE link the peer opened and returns its handle
func (h *harness) connectLE(t *testing.T, acl uint16) uint16 {
	t.Helper()
	h.e.OnLeConnected(peerAddr, acl, l2cap.RolePeripheral, l2cap.StatusSuccess)
	info := h.rec.expectConnected(t, LEConnectSuccess)
	return info.Handle
}

// peer delivers raw bytes on the LE link as if the remote device sent them
func (h *harness) peer(acl uint16, raw []byte) {
	h.e.OnLeData(acl, l2cap.ChannelATT, raw)
}

func mustEncode(t *testing.T, p att.PDU) []byte {
	t.Helper()
	raw, err := att.Encode(p, att.MaxMTU)
	if err != nil {
		t.Fatalf("Encode(%T) failed: %v", p, err)
	}
	return raw
}

// sync waits until every task posted so far has run
func (h *harness) sync(t *testing.T) {
	t.Helper()
	if _, err := h.e.Connections(); err != nil {
		t.Fatalf("Connections failed: %v", err)
	}
}
