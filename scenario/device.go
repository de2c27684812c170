package scenario

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/user/attengine/logger"
	"github.com/user/attengine/wire"
	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/gap"
	"github.com/user/attengine/wire/gatt"
	"github.com/user/attengine/wire/l2cap"
	"github.com/user/attengine/wire/sim"
)

type preparedWrite struct {
	handle uint16
	offset uint16
	value  []byte
}

// SimulatedDevice is one engine on the link. Its server side answers from a
// GATT attribute table; its client side records what came back so
// assertions can look at it later.
type SimulatedDevice struct {
	ID     string
	Addr   l2cap.BDAddr
	Engine *wire.Engine

	localMTU int
	log      *logger.Entry
	db       *gatt.Database
	subs     *gatt.Subscriptions

	mu           sync.Mutex
	prepared     []preparedWrite
	handle       uint16
	connected    bool
	disconnected []wire.DisconnectReason
	connectFails []wire.ConnectStatus

	pendingReads []uint16
	reads        map[uint16][]byte
	notified     map[uint16][]byte
	errors       []*att.ErrorResponse
	timeouts     int
	longWrites   []wire.Status
	badSigs      int

	discovery *gatt.DiscoveryCache
	findUUID  att.UUID
}

func newSimulatedDevice(cfg DeviceConfig, d *sim.Device, signer gap.Security, opts ...wire.Option) (*SimulatedDevice, error) {
	attrs, err := cfg.attributes()
	if err != nil {
		return nil, err
	}
	services, err := cfg.services()
	if err != nil {
		return nil, err
	}
	db := gatt.NewDatabase()
	for h, v := range attrs {
		db.Put(h, gatt.UUIDString, v, gatt.PermAll)
	}
	if _, err := gatt.Build(db, services); err != nil {
		return nil, errors.Wrapf(err, "device %s", cfg.ID)
	}

	localMTU := cfg.LocalMTU
	if localMTU == 0 {
		localMTU = att.MaxMTU
	}

	dev := &SimulatedDevice{
		ID:        cfg.ID,
		Addr:      d.Addr,
		localMTU:  localMTU,
		log:       logger.WithFields("scenario", logrus.Fields{"device": cfg.ID}),
		db:        db,
		subs:      gatt.NewSubscriptions(),
		reads:     make(map[uint16][]byte),
		notified:  make(map[uint16][]byte),
		discovery: gatt.NewDiscoveryCache(),
	}

	opts = append([]wire.Option{wire.WithName(cfg.ID), wire.WithLocalMTU(localMTU)}, opts...)
	dev.Engine = wire.New(d, d.Fixed(), signer, opts...)
	dev.Engine.ClientDataRegister(dev.onClient)
	dev.Engine.ServerDataRegister(dev.onServer)
	dev.Engine.ConnectRegister(wire.ConnectCallbacks{
		ConnectIndication: func(handle uint16, addr l2cap.BDAddr) {
			dev.log.Info("accepting channel from %s", addr)
			dev.Engine.ConnectRsp(handle, true, l2cap.Config{})
		},
		Connected:    dev.onConnected,
		Disconnected: dev.onDisconnected,
	})
	d.Attach(dev.Engine)
	return dev, nil
}

// Handle returns the current connection handle, 0 when not connected
func (d *SimulatedDevice) Handle() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return 0
	}
	return d.handle
}

// MTU returns the ATT_MTU of the current connection, 0 when not connected
func (d *SimulatedDevice) MTU() int {
	handle := d.Handle()
	if handle == 0 {
		return 0
	}
	conns, err := d.Engine.Connections()
	if err != nil {
		return 0
	}
	for _, c := range conns {
		if c.Handle == handle {
			return c.MTU
		}
	}
	return 0
}

// Attribute returns the server's copy of the value at handle
func (d *SimulatedDevice) Attribute(handle uint16) ([]byte, bool) {
	return d.db.Value(handle)
}

// SetAttribute replaces the server's value at handle, adding a plain
// attribute if the handle is free
func (d *SimulatedDevice) SetAttribute(handle uint16, value []byte) {
	if err := d.db.SetValue(handle, value); err != nil {
		d.db.Put(handle, gatt.UUIDString, value, gatt.PermAll)
	}
}

// ensure adds an empty plain attribute at a free handle, so scenarios can
// write without declaring every target
func (d *SimulatedDevice) ensure(handle uint16) {
	if _, ok := d.db.Get(handle); !ok && handle != 0 {
		d.db.Put(handle, gatt.UUIDString, nil, gatt.PermAll)
	}
}

func (d *SimulatedDevice) expectRead(handle uint16) {
	d.mu.Lock()
	d.pendingReads = append(d.pendingReads, handle)
	d.mu.Unlock()
}

// cancelRead forgets the read most recently expected
func (d *SimulatedDevice) cancelRead() {
	d.mu.Lock()
	if n := len(d.pendingReads); n > 0 {
		d.pendingReads = d.pendingReads[:n-1]
	}
	d.mu.Unlock()
}

// startFind remembers the service a Find By Type Value procedure looks for
func (d *SimulatedDevice) startFind(u att.UUID) {
	d.mu.Lock()
	d.findUUID = u
	d.mu.Unlock()
}

func (d *SimulatedDevice) onConnected(info wire.ConnectInfo, status wire.ConnectStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !status.Success() {
		d.connectFails = append(d.connectFails, status)
		d.log.Warn("connect to %s failed: %s", info.Addr, status)
		return
	}
	d.handle = info.Handle
	d.connected = true
	d.log.Info("connected to %s, handle %d, mtu %d (%s)", info.Addr, info.Handle, info.MTU, info.Flag)
}

func (d *SimulatedDevice) onDisconnected(info wire.ConnectInfo, reason wire.DisconnectReason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if info.Handle == d.handle {
		d.connected = false
	}
	d.disconnected = append(d.disconnected, reason)
	d.pendingReads = nil
	d.prepared = nil
	d.subs.Clear()
	d.log.Info("disconnected from %s: %s", info.Addr, reason)
}

// onClient records responses and confirms indications
func (d *SimulatedDevice) onClient(ev wire.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch ev.ID {
	case wire.EventTransactionTimeout:
		d.timeouts++
		d.pendingReads = nil
		return
	case wire.EventLongWriteComplete:
		d.longWrites = append(d.longWrites, ev.Status)
		return
	case wire.EventRequestFailed:
		if isReadOpcode(ev.Opcode) {
			d.popRead()
		}
		d.log.Warn("request 0x%02X failed: %s", ev.Opcode, ev.Status)
		return
	case wire.EventSignedWriteComplete:
		d.log.Debug("signed write sent: %s", ev.Signature)
		return
	}

	switch p := ev.PDU.(type) {
	case *att.ReadResponse:
		if h, ok := d.popRead(); ok {
			d.reads[h] = append([]byte(nil), p.Value...)
		}
	case *att.ReadBlobResponse:
		if h, ok := d.popRead(); ok {
			d.reads[h] = append(d.reads[h], p.Value...)
		}
	case *att.ReadMultipleResponse:
		if h, ok := d.popRead(); ok {
			d.reads[h] = append([]byte(nil), p.Values...)
		}
	case *att.ReadByGroupTypeResponse:
		last, err := d.discovery.AddServices(p)
		d.continueDiscovery(ev.Handle, att.OpReadByGroupTypeRequest, last, err)
	case *att.ReadByTypeResponse:
		last, err := d.discovery.AddCharacteristics(p)
		d.continueDiscovery(ev.Handle, att.OpReadByTypeRequest, last, err)
	case *att.FindInformationResponse:
		last := d.discovery.AddDescriptors(p)
		d.continueDiscovery(ev.Handle, att.OpFindInformationRequest, last, nil)
	case *att.FindByTypeValueResponse:
		last := d.discovery.AddFoundServices(d.findUUID, p)
		d.continueDiscovery(ev.Handle, att.OpFindByTypeValueRequest, last, nil)
	case *att.ErrorResponse:
		if isReadOpcode(p.RequestOpcode) {
			d.popRead()
		}
		if p.ErrorCode == att.ErrAttributeNotFound && isDiscoveryOpcode(p.RequestOpcode) {
			d.log.Debug("discovery 0x%02X done at 0x%04X", p.RequestOpcode, p.Handle)
			return
		}
		d.errors = append(d.errors, p)
		d.log.Info("error response to 0x%02X: %s", p.RequestOpcode, att.ErrorName(p.ErrorCode))
	case *att.HandleValueNotification:
		d.notified[p.Handle] = append([]byte(nil), p.Value...)
	case *att.HandleValueIndication:
		d.notified[p.Handle] = append([]byte(nil), p.Value...)
		d.Engine.HandleValueConfirmation(ev.Handle)
	case *att.ExchangeMTUResponse:
		d.log.Debug("server rx mtu %d", p.ServerRxMTU)
	}
}

func isReadOpcode(op uint8) bool {
	return op == att.OpReadRequest || op == att.OpReadBlobRequest || op == att.OpReadMultipleRequest
}

func isDiscoveryOpcode(op uint8) bool {
	switch op {
	case att.OpReadByGroupTypeRequest, att.OpReadByTypeRequest,
		att.OpFindInformationRequest, att.OpFindByTypeValueRequest:
		return true
	}
	return false
}

// continueDiscovery asks for the rest of the range after last. A procedure
// ends on Attribute Not Found or once the range is exhausted.
func (d *SimulatedDevice) continueDiscovery(handle uint16, op uint8, last uint16, err error) {
	if err != nil {
		d.log.Warn("discovery 0x%02X: %v", op, err)
		return
	}
	if last == 0 || last == 0xFFFF {
		return
	}
	e := d.Engine
	switch op {
	case att.OpReadByGroupTypeRequest:
		err = e.ReadByGroupTypeRequest(handle, last+1, 0xFFFF, gatt.UUIDPrimaryService)
	case att.OpReadByTypeRequest:
		err = e.ReadByTypeRequest(handle, last+1, 0xFFFF, gatt.UUIDCharacteristic)
	case att.OpFindInformationRequest:
		err = e.FindInformationRequest(handle, last+1, 0xFFFF)
	case att.OpFindByTypeValueRequest:
		err = e.FindByTypeValueRequest(handle, last+1, 0xFFFF, gatt.UUIDPrimaryService.Uint16(), d.findUUID.Bytes())
	}
	if err != nil {
		d.log.Warn("discovery 0x%02X stopped at 0x%04X: %v", op, last, err)
	}
}

func (d *SimulatedDevice) popRead() (uint16, bool) {
	if len(d.pendingReads) == 0 {
		return 0, false
	}
	h := d.pendingReads[0]
	d.pendingReads = d.pendingReads[1:]
	return h, true
}

// onServer answers requests from the attribute table
func (d *SimulatedDevice) onServer(ev wire.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.Engine
	handle := ev.Handle

	fail := func(op uint8, err error) {
		code, attr := gatt.ErrorCode(err)
		e.ErrorResponse(handle, op, attr, code)
	}

	switch p := ev.PDU.(type) {
	case *att.ExchangeMTURequest:
		e.ExchangeMTUResponse(handle, uint16(d.localMTU))
	case *att.FindInformationRequest:
		entries, err := d.db.FindInformation(p.StartHandle, p.EndHandle)
		if err != nil {
			fail(att.OpFindInformationRequest, err)
			return
		}
		e.FindInformationResponse(handle, entries)
	case *att.FindByTypeValueRequest:
		ranges, err := d.db.FindByTypeValue(p.StartHandle, p.EndHandle, p.Type, p.Value)
		if err != nil {
			fail(att.OpFindByTypeValueRequest, err)
			return
		}
		e.FindByTypeValueResponse(handle, ranges)
	case *att.ReadByTypeRequest:
		entries, err := d.db.ReadByType(p.StartHandle, p.EndHandle, p.Type)
		if err != nil {
			fail(att.OpReadByTypeRequest, err)
			return
		}
		e.ReadByTypeResponse(handle, entries)
	case *att.ReadByGroupTypeRequest:
		entries, err := d.db.ReadByGroupType(p.StartHandle, p.EndHandle, p.Type)
		if err != nil {
			fail(att.OpReadByGroupTypeRequest, err)
			return
		}
		e.ReadByGroupTypeResponse(handle, entries)
	case *att.ReadRequest:
		v, err := d.db.Read(p.Handle, 0)
		if err != nil {
			fail(att.OpReadRequest, err)
			return
		}
		e.ReadResponse(handle, v)
	case *att.ReadBlobRequest:
		v, err := d.db.Read(p.Handle, p.Offset)
		if err != nil {
			fail(att.OpReadBlobRequest, err)
			return
		}
		e.ReadBlobResponse(handle, v)
	case *att.ReadMultipleRequest:
		v, err := d.db.ReadMultiple(p.Handles)
		if err != nil {
			fail(att.OpReadMultipleRequest, err)
			return
		}
		e.ReadMultipleResponse(handle, v)
	case *att.WriteRequest:
		if err := d.write(p.Handle, p.Value, gatt.PermWritable); err != nil {
			fail(att.OpWriteRequest, err)
			return
		}
		e.WriteResponse(handle)
	case *att.WriteCommand:
		if err := d.write(p.Handle, p.Value, gatt.PermWritable); err != nil {
			d.log.Warn("write command to 0x%04X dropped: %v", p.Handle, err)
		}
	case *att.SignedWriteCommand:
		if ev.Signature != gap.SignatureOK {
			d.badSigs++
			d.log.Warn("signed write to 0x%04X rejected: %s", p.Handle, ev.Signature)
			return
		}
		if err := d.write(p.Handle, ev.Value, gatt.PermSignedWrite); err != nil {
			d.log.Warn("signed write to 0x%04X dropped: %v", p.Handle, err)
		}
	case *att.PrepareWriteRequest:
		d.ensure(p.Handle)
		if a, _ := d.db.Get(p.Handle); a.Permissions&gatt.PermWritable == 0 {
			e.ErrorResponse(handle, att.OpPrepareWriteRequest, p.Handle, att.ErrWriteNotPermitted)
			return
		}
		d.prepared = append(d.prepared, preparedWrite{
			handle: p.Handle,
			offset: p.Offset,
			value:  append([]byte(nil), p.Value...),
		})
		e.PrepareWriteResponse(handle, p.Handle, p.Offset, p.Value)
	case *att.ExecuteWriteRequest:
		prepared := d.prepared
		d.prepared = nil
		if p.Flags == att.ExecuteWriteCommit {
			for _, w := range prepared {
				if err := d.db.WriteAt(w.handle, w.offset, w.value); err != nil {
					fail(att.OpExecuteWriteRequest, err)
					return
				}
			}
		}
		e.ExecuteWriteResponse(handle)
	case *att.HandleValueConfirmation:
		d.log.Debug("indication confirmed")
	default:
		if ev.PDU != nil && att.KindOf(ev.PDU.Opcode()) == att.KindRequest {
			e.ErrorResponse(handle, ev.PDU.Opcode(), 0, att.ErrRequestNotSupported)
		}
	}
}

// write stores a client write. A configuration descriptor write also
// updates the connection's subscriptions.
func (d *SimulatedDevice) write(handle uint16, value []byte, perm uint8) error {
	d.ensure(handle)
	if err := d.db.Write(handle, value, perm); err != nil {
		return err
	}
	a, _ := d.db.Get(handle)
	if !a.Type.Equal(gatt.UUIDClientCharacteristicConfig) {
		return nil
	}
	char, ok := d.db.CharacteristicOf(handle)
	if !ok {
		return nil
	}
	if err := d.subs.Set(char, value); err != nil {
		return err
	}
	d.log.Info("subscription on 0x%04X set to %x", char, value)
	return nil
}
