package sim

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/user/attengine/logger"
	"github.com/user/attengine/wire/l2cap"
)

// ErrNoChannel is returned for an lcid or ACL handle the device does not own
var ErrNoChannel = errors.New("sim: no such channel")

// Host is the stack above the simulated controller; *wire.Engine is one
type Host interface {
	l2cap.Handler
	l2cap.FixedHandler
}

// Link joins two Devices over one simulated radio
type Link struct {
	A, B *Device

	sim     *Simulator
	mu      sync.Mutex
	nextACL uint16

	quit chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewLink creates two devices that can reach each other. Attach a host to
// each, then Start.
func NewLink(config *Config, a, b l2cap.BDAddr) *Link {
	l := &Link{
		sim:     NewSimulator(config),
		nextACL: 0x0040,
		quit:    make(chan struct{}),
	}
	l.A = newDevice(l, "A", a)
	l.B = newDevice(l, "B", b)
	l.A.peer = l.B
	l.B.peer = l.A
	return l
}

// Start runs the delivery loops
func (l *Link) Start() {
	for _, d := range []*Device{l.A, l.B} {
		l.wg.Add(1)
		go d.run()
	}
}

// Close stops delivery; frames still in flight are lost
func (l *Link) Close() {
	l.once.Do(func() {
		close(l.quit)
	})
	l.wg.Wait()
}

// Break drops every channel at once, as if the devices moved out of range
func (l *Link) Break() {
	for _, d := range []*Device{l.A, l.B} {
		d := d
		d.mu.Lock()
		lcids := make([]uint16, 0, len(d.channels))
		for lcid := range d.channels {
			lcids = append(lcids, lcid)
		}
		acls := make([]uint16, 0, len(d.acls))
		for acl := range d.acls {
			acls = append(acls, acl)
		}
		d.channels = make(map[uint16]uint16)
		d.acls = make(map[uint16]bool)
		d.mu.Unlock()

		d.deliver(0, func(h Host) {
			for _, lcid := range lcids {
				h.OnDisconnectAbnormal(lcid, l2cap.ReasonLinkLoss)
			}
			for _, acl := range acls {
				h.OnLeDisconnected(acl, l2cap.StatusSuccess, l2cap.StatusConnectionTimeout)
			}
		})
	}
}

func (l *Link) allocACL() uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	acl := l.nextACL
	l.nextACL++
	return acl
}

type delivery struct {
	delay time.Duration
	fn    func(Host)
}

// Device is one side of a Link. It is the l2cap.Channel of the host attached
// to it; Fixed returns its l2cap.FixedChannel.
type Device struct {
	Addr l2cap.BDAddr

	link  *Link
	peer  *Device
	inbox chan delivery
	log   *logger.Entry

	mu       sync.Mutex
	host     Host
	nextLCID uint16
	nextID   uint8
	channels map[uint16]uint16 // local lcid -> peer lcid, 0 until the peer answers
	acls     map[uint16]bool
}

func newDevice(l *Link, name string, addr l2cap.BDAddr) *Device {
	return &Device{
		Addr:     addr,
		link:     l,
		inbox:    make(chan delivery, 1024),
		log:      logger.WithFields("sim", logrus.Fields{"device": name, "addr": addr.String()}),
		nextLCID: l2cap.ChannelDynamicStart,
		nextID:   1,
		channels: make(map[uint16]uint16),
		acls:     make(map[uint16]bool),
	}
}

// Attach sets the host that receives this device's events
func (d *Device) Attach(h Host) {
	d.mu.Lock()
	d.host = h
	d.mu.Unlock()
}

func (d *Device) run() {
	defer d.link.wg.Done()
	for {
		select {
		case dl := <-d.inbox:
			if dl.delay > 0 {
				select {
				case <-time.After(dl.delay):
				case <-d.link.quit:
					return
				}
			}
			d.mu.Lock()
			h := d.host
			d.mu.Unlock()
			if h == nil {
				d.log.Warn("no host attached, event dropped")
				continue
			}
			dl.fn(h)
		case <-d.link.quit:
			return
		}
	}
}

// deliver queues fn for this device's host. Deliveries run in order.
func (d *Device) deliver(delay time.Duration, fn func(Host)) {
	select {
	case d.inbox <- delivery{delay: delay, fn: fn}:
	case <-d.link.quit:
	}
}

func (d *Device) signalID() uint8 {
	id := d.nextID
	d.nextID++
	if d.nextID == 0 {
		d.nextID = 1
	}
	return id
}

// remote returns the peer's lcid for a local one
func (d *Device) remote(lcid uint16) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.channels[lcid]
	if !ok || r == 0 {
		return 0, errors.Wrapf(ErrNoChannel, "lcid 0x%04X", lcid)
	}
	return r, nil
}

// BR/EDR channel service

func (d *Device) ConnectReq(addr l2cap.BDAddr, psm uint16) (uint16, error) {
	if addr != d.peer.Addr {
		return 0, errors.Errorf("sim: %s is out of range", addr)
	}
	d.mu.Lock()
	lcid := d.nextLCID
	d.nextLCID++
	d.channels[lcid] = 0
	id := d.signalID()
	d.mu.Unlock()

	p := d.peer
	from := d.Addr
	p.deliver(d.link.sim.Latency(), func(h Host) {
		p.mu.Lock()
		plcid := p.nextLCID
		p.nextLCID++
		p.channels[plcid] = lcid
		p.mu.Unlock()
		h.OnConnectInd(from, plcid, id, psm)
	})
	d.log.Debug("connect request on lcid 0x%04X", lcid)
	return lcid, nil
}

func (d *Device) ConnectRsp(addr l2cap.BDAddr, lcid uint16, id uint8, result l2cap.ConnectResult) error {
	d.mu.Lock()
	r, ok := d.channels[lcid]
	if ok && result != l2cap.ConnectSuccess && result != l2cap.ConnectPending {
		delete(d.channels, lcid)
	}
	d.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrNoChannel, "lcid 0x%04X", lcid)
	}

	p := d.peer
	p.deliver(d.link.sim.Latency(), func(h Host) {
		p.mu.Lock()
		switch result {
		case l2cap.ConnectSuccess:
			p.channels[r] = lcid
		case l2cap.ConnectPending:
		default:
			delete(p.channels, r)
		}
		p.mu.Unlock()
		h.OnConnectRsp(r, result)
	})
	return nil
}

func (d *Device) ConfigReq(lcid uint16, cfg l2cap.Config) error {
	r, err := d.remote(lcid)
	if err != nil {
		return err
	}
	d.mu.Lock()
	id := d.signalID()
	d.mu.Unlock()
	d.peer.deliver(d.link.sim.Latency(), func(h Host) {
		h.OnConfigInd(r, id, cfg)
	})
	return nil
}

func (d *Device) ConfigRsp(lcid uint16, id uint8, cfg l2cap.Config, result l2cap.ConfigResult) error {
	r, err := d.remote(lcid)
	if err != nil {
		return err
	}
	d.peer.deliver(d.link.sim.Latency(), func(h Host) {
		h.OnConfigRsp(r, cfg, result)
	})
	return nil
}

func (d *Device) DisconnectReq(lcid uint16) error {
	r, err := d.remote(lcid)
	if err != nil {
		return err
	}
	d.mu.Lock()
	id := d.signalID()
	d.mu.Unlock()
	d.peer.deliver(d.link.sim.Latency(), func(h Host) {
		h.OnDisconnectInd(r, id)
	})
	return nil
}

func (d *Device) DisconnectRsp(lcid uint16, id uint8) error {
	r, err := d.remote(lcid)
	if err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.channels, lcid)
	d.mu.Unlock()

	p := d.peer
	p.deliver(d.link.sim.Latency(), func(h Host) {
		p.mu.Lock()
		delete(p.channels, r)
		p.mu.Unlock()
		h.OnDisconnectRsp(r)
	})
	return nil
}

func (d *Device) SendData(lcid uint16, pdu []byte) error {
	r, err := d.remote(lcid)
	if err != nil {
		return err
	}
	frame := (&l2cap.Packet{ChannelID: r, Payload: pdu}).Encode()
	d.transmit(frame, func(h Host, pkt *l2cap.Packet) {
		h.OnData(pkt.ChannelID, pkt.Payload)
	})
	return nil
}

// LE fixed channel

func (d *Device) connectLE(addr l2cap.BDAddr) error {
	if addr != d.peer.Addr || !d.link.sim.ShouldConnectionSucceed() {
		d.deliver(d.link.sim.Latency(), func(h Host) {
			h.OnLeConnected(addr, 0, l2cap.RoleCentral, statusConnectionFailed)
		})
		return nil
	}

	acl := d.link.allocACL()
	p := d.peer
	d.mu.Lock()
	d.acls[acl] = true
	d.mu.Unlock()
	p.mu.Lock()
	p.acls[acl] = true
	p.mu.Unlock()

	delay := d.link.sim.Latency()
	from := d.Addr
	p.deliver(delay, func(h Host) {
		h.OnLeConnected(from, acl, l2cap.RolePeripheral, l2cap.StatusSuccess)
	})
	d.deliver(delay, func(h Host) {
		h.OnLeConnected(addr, acl, l2cap.RoleCentral, l2cap.StatusSuccess)
	})
	d.log.Debug("le link 0x%04X to %s", acl, addr)
	return nil
}

func (d *Device) disconnectLE(aclHandle uint16, reason uint8) error {
	d.mu.Lock()
	ok := d.acls[aclHandle]
	delete(d.acls, aclHandle)
	d.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrNoChannel, "acl 0x%04X", aclHandle)
	}

	p := d.peer
	p.mu.Lock()
	delete(p.acls, aclHandle)
	p.mu.Unlock()

	delay := d.link.sim.Latency()
	p.deliver(delay, func(h Host) {
		h.OnLeDisconnected(aclHandle, l2cap.StatusSuccess, reason)
	})
	d.deliver(delay, func(h Host) {
		h.OnLeDisconnected(aclHandle, l2cap.StatusSuccess, l2cap.StatusLocalHostTerminated)
	})
	return nil
}

func (d *Device) sendFixed(aclHandle uint16, cid uint16, pdu []byte) error {
	d.mu.Lock()
	ok := d.acls[aclHandle]
	d.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrNoChannel, "acl 0x%04X", aclHandle)
	}
	frame := (&l2cap.Packet{ChannelID: cid, Payload: pdu}).Encode()
	d.transmit(frame, func(h Host, pkt *l2cap.Packet) {
		h.OnLeData(aclHandle, pkt.ChannelID, pkt.Payload)
	})
	return nil
}

// transmit carries one basic frame to the peer, subject to loss
func (d *Device) transmit(frame []byte, fn func(Host, *l2cap.Packet)) {
	pdu := frame[l2cap.HeaderLen:]
	extra, ok := d.link.sim.Transmit(pdu)
	if !ok {
		if len(pdu) > 0 {
			d.log.Info("dropped pdu 0x%02X (%d bytes)", pdu[0], len(pdu))
		}
		return
	}
	d.peer.deliver(d.link.sim.Latency()+extra, func(h Host) {
		pkt, err := l2cap.Decode(frame)
		if err != nil {
			d.peer.log.Warn("bad frame: %v", err)
			return
		}
		fn(h, pkt)
	})
}

// Fixed returns the device's LE fixed channel view
func (d *Device) Fixed() l2cap.FixedChannel {
	return fixed{d}
}

type fixed struct{ d *Device }

func (f fixed) Connect(addr l2cap.BDAddr) error { return f.d.connectLE(addr) }

func (f fixed) Disconnect(aclHandle uint16, reason uint8) error {
	return f.d.disconnectLE(aclHandle, reason)
}

func (f fixed) SendData(aclHandle uint16, cid uint16, pdu []byte) error {
	return f.d.sendFixed(aclHandle, cid, pdu)
}

// HCI status for a connect attempt that found nobody
const statusConnectionFailed uint8 = 0x3E
