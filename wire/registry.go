package wire

import (
	"github.com/golang-collections/go-datastructures/queue"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/user/attengine/logger"
	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/l2cap"
)

// connecting is a handshake in progress
type connecting struct {
	transport l2cap.Transport
	lcid      uint16
	signalID  uint8 // identifier of the peer's Connection Request
	addr      l2cap.BDAddr
	localCfg  l2cap.Config
	remoteCfg l2cap.Config
	role      handshakeRole
	accepted  bool // acceptor answered the indication
	alarm     *alarm
}

// connection is an established ATT bearer
type connection struct {
	handle    uint16
	transport l2cap.Transport
	cid       uint16 // L2CAP CID on BR/EDR, ACL handle on LE
	addr      l2cap.BDAddr
	flag      ConnectFlag
	session   uuid.UUID
	log       *logger.Entry

	sendMTU int // largest PDU the peer accepts
	recvMTU int // largest PDU we accept
	mtuAsk  int // our Exchange MTU offer while it is outstanding
	peerAsk int // the peer's offer awaiting our response

	pending         *queue.Queue // *pending, waiting behind inflight
	inflight        *pending
	serverInitiated bool
	alarm           *alarm

	disconnecting bool
	longWrite     *longWrite
}

func newConnection(transport l2cap.Transport, cid uint16, addr l2cap.BDAddr, flag ConnectFlag, sendMTU, recvMTU int) *connection {
	return &connection{
		transport: transport,
		cid:       cid,
		addr:      addr,
		flag:      flag,
		session:   uuid.New(),
		sendMTU:   sendMTU,
		recvMTU:   recvMTU,
		pending:   queue.New(4),
	}
}

func (c *connection) floor() int {
	return att.MinMTU(c.transport == l2cap.TransportBREDR)
}

// mtu is the effective ATT_MTU
func (c *connection) mtu() int {
	return att.EffectiveMTU(c.sendMTU, c.recvMTU, c.floor())
}

func (c *connection) info() ConnectInfo {
	return ConnectInfo{
		Handle:    c.handle,
		Addr:      c.addr,
		Transport: c.transport,
		MTU:       c.mtu(),
		Flag:      c.flag,
		Session:   c.session.String(),
	}
}

func (c *connection) bindLogger() {
	c.log = logger.WithFields("wire", logrus.Fields{
		"handle":    c.handle,
		"transport": c.transport.String(),
		"session":   c.session.String()[:8],
	})
}

// slot holds at most one record. A connecting record is promoted in place,
// so a connection keeps the handle its handshake was given.
type slot struct {
	gen        uint32
	connecting *connecting
	conn       *connection
}

func (s *slot) free() bool {
	return s.connecting == nil && s.conn == nil
}

// slotRef names a slot at one generation; it goes stale once the slot is
// cleared
type slotRef struct {
	index int
	gen   uint32
}

// registry is an arena of connection slots. Handles are slot index + 1 and
// stay fixed for the life of a record.
type registry struct {
	slots []slot
	free  []int // stack of free slot indexes
}

func newRegistry(capacity int) *registry {
	r := &registry{
		slots: make([]slot, capacity),
		free:  make([]int, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		r.free = append(r.free, i)
	}
	return r
}

func (r *registry) alloc() (int, error) {
	n := len(r.free)
	if n == 0 {
		return -1, ErrRegistryFull
	}
	i := r.free[n-1]
	r.free = r.free[:n-1]
	return i, nil
}

func handleOf(i int) uint16 { return uint16(i + 1) }

func (r *registry) index(h uint16) (int, bool) {
	i := int(h) - 1
	if i < 0 || i >= len(r.slots) {
		return -1, false
	}
	return i, true
}

func (r *registry) allocConnecting(c *connecting) (uint16, error) {
	i, err := r.alloc()
	if err != nil {
		return 0, err
	}
	r.slots[i].connecting = c
	return handleOf(i), nil
}

func (r *registry) allocConnected(c *connection) (uint16, error) {
	i, err := r.alloc()
	if err != nil {
		return 0, err
	}
	c.handle = handleOf(i)
	r.slots[i].conn = c
	return c.handle, nil
}

// promote turns the connecting record at h into c
func (r *registry) promote(h uint16, c *connection) bool {
	i, ok := r.index(h)
	if !ok || r.slots[i].connecting == nil {
		return false
	}
	r.slots[i].connecting.alarm.cancel()
	r.slots[i].connecting = nil
	c.handle = h
	r.slots[i].conn = c
	return true
}

func (r *registry) connectingBySlot(i int) (*connecting, bool) {
	if i < 0 || i >= len(r.slots) || r.slots[i].connecting == nil {
		return nil, false
	}
	return r.slots[i].connecting, true
}

func (r *registry) connectingByHandle(h uint16) (*connecting, bool) {
	return r.connectingBySlot(int(h) - 1)
}

func (r *registry) connectingByChannel(t l2cap.Transport, lcid uint16) (uint16, *connecting, bool) {
	for i := range r.slots {
		c := r.slots[i].connecting
		if c != nil && c.transport == t && c.lcid == lcid && lcid != 0 {
			return handleOf(i), c, true
		}
	}
	return 0, nil, false
}

func (r *registry) connectingByAddr(addr l2cap.BDAddr, t l2cap.Transport) (uint16, *connecting, bool) {
	for i := range r.slots {
		c := r.slots[i].connecting
		if c != nil && c.transport == t && c.addr == addr {
			return handleOf(i), c, true
		}
	}
	return 0, nil, false
}

func (r *registry) connectedBySlot(i int) (*connection, bool) {
	if i < 0 || i >= len(r.slots) || r.slots[i].conn == nil {
		return nil, false
	}
	return r.slots[i].conn, true
}

func (r *registry) connectedByHandle(h uint16) (*connection, bool) {
	return r.connectedBySlot(int(h) - 1)
}

func (r *registry) connectedByChannel(t l2cap.Transport, cid uint16) (*connection, bool) {
	for i := range r.slots {
		c := r.slots[i].conn
		if c != nil && c.transport == t && c.cid == cid {
			return c, true
		}
	}
	return nil, false
}

func (r *registry) connectedByAddr(addr l2cap.BDAddr, t l2cap.Transport) (*connection, bool) {
	for i := range r.slots {
		c := r.slots[i].conn
		if c != nil && c.transport == t && c.addr == addr {
			return c, true
		}
	}
	return nil, false
}

// ref captures the current generation of the slot behind h
func (r *registry) ref(h uint16) slotRef {
	i, ok := r.index(h)
	if !ok {
		return slotRef{index: -1}
	}
	return slotRef{index: i, gen: r.slots[i].gen}
}

func (r *registry) live(ref slotRef) bool {
	return ref.index >= 0 && ref.index < len(r.slots) && r.slots[ref.index].gen == ref.gen
}

// resolveConnecting returns the connecting record ref still names
func (r *registry) resolveConnecting(ref slotRef) (uint16, *connecting, bool) {
	if !r.live(ref) || r.slots[ref.index].connecting == nil {
		return 0, nil, false
	}
	return handleOf(ref.index), r.slots[ref.index].connecting, true
}

// resolveConnected returns the connection ref still names
func (r *registry) resolveConnected(ref slotRef) (*connection, bool) {
	if !r.live(ref) || r.slots[ref.index].conn == nil {
		return nil, false
	}
	return r.slots[ref.index].conn, true
}

// clear zeroes a slot and returns it to the free list. Clearing a free slot
// does nothing.
func (r *registry) clear(i int) bool {
	s := &r.slots[i]
	if s.free() {
		return false
	}
	if s.connecting != nil {
		s.connecting.alarm.cancel()
	}
	if s.conn != nil {
		s.conn.alarm.cancel()
	}
	*s = slot{gen: s.gen + 1}
	r.free = append(r.free, i)
	return true
}

func (r *registry) clearConnecting(h uint16) bool {
	i, ok := r.index(h)
	if !ok || r.slots[i].connecting == nil {
		return false
	}
	return r.clear(i)
}

// clearConnected also clears any connecting record left on the same channel
func (r *registry) clearConnected(h uint16) bool {
	i, ok := r.index(h)
	if !ok || r.slots[i].conn == nil {
		return false
	}
	c := r.slots[i].conn
	if oh, _, ok := r.connectingByChannel(c.transport, c.cid); ok {
		r.clearConnecting(oh)
	}
	return r.clear(i)
}

// handles lists the handles of every record in use
func (r *registry) handles() []uint16 {
	var out []uint16
	for i := range r.slots {
		if !r.slots[i].free() {
			out = append(out, handleOf(i))
		}
	}
	return out
}
