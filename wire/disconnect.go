package wire

import (
	"github.com/user/attengine/wire/gap"
	"github.com/user/attengine/wire/l2cap"
)

// DisconnectReq tears down the connection behind handle, or abandons the
// connect attempt it names. The outcome arrives through
// ConnectCallbacks.Disconnected.
func (e *Engine) DisconnectReq(handle uint16) error {
	return e.post(func() {
		e.disconnectReq(handle)
	}, nil)
}

func (e *Engine) disconnectReq(handle uint16) {
	if c, ok := e.reg.connectedByHandle(handle); ok {
		e.forceDisconnect(c)
		return
	}
	if c, ok := e.reg.connectingByHandle(handle); ok {
		e.log.Info("abandoning connect attempt to %s", c.addr)
		if c.transport == l2cap.TransportBREDR && c.lcid != 0 {
			e.lowerDisconnect(c.lcid)
		}
		status := BredrConnectFail
		if c.transport == l2cap.TransportLE {
			status = LEConnectFail
		}
		e.failConnect(handle, c, status)
		return
	}
	e.log.Warn("disconnect of unknown handle %d", handle)
}

// forceDisconnect asks the lower layer to drop the link; its confirmation
// finishes the job
func (e *Engine) forceDisconnect(c *connection) {
	if c.disconnecting {
		return
	}
	c.disconnecting = true

	var err error
	switch c.transport {
	case l2cap.TransportBREDR:
		err = e.lower.DisconnectReq(c.cid)
	case l2cap.TransportLE:
		err = e.fixed.Disconnect(c.cid, l2cap.StatusRemoteUserTerminated)
	}
	if err != nil {
		c.log.Warn("disconnect: %v", err)
		e.finishDisconnect(c, InitiativeDisconnectFail)
	}
}

// finishDisconnect is the common end of every disconnect path
func (e *Engine) finishDisconnect(c *connection, reason DisconnectReason) {
	c.alarm.cancel()
	c.inflight = nil
	if n := e.drainPending(c); n > 0 {
		c.log.Debug("dropped %d queued PDUs", n)
	}
	info := c.info()

	if lw := c.longWrite; lw != nil {
		c.longWrite = nil
		e.deliverClient(Event{
			Handle: c.handle,
			ID:     EventLongWriteComplete,
			Status: StatusNotConnected,
			Err:    ErrNotConnected,
		})
	}
	e.reg.clearConnected(c.handle)
	e.notifyDisconnected(info, reason)
}

// OnDisconnectInd is the peer closing a BR/EDR channel
func (e *Engine) OnDisconnectInd(lcid uint16, id uint8) {
	e.postLower("disconnect indication", func() {
		if err := e.lower.DisconnectRsp(lcid, id); err != nil {
			e.log.Debug("disconnect response lcid 0x%04X: %v", lcid, err)
		}
		if c, ok := e.reg.connectedByChannel(l2cap.TransportBREDR, lcid); ok {
			e.finishDisconnect(c, PassiveDisconnectSuccess)
			return
		}
		if h, c, ok := e.reg.connectingByChannel(l2cap.TransportBREDR, lcid); ok {
			e.failConnect(h, c, BredrConnectFail)
			return
		}
		e.log.Debug("disconnect indication for unknown lcid 0x%04X", lcid)
	})
}

// OnDisconnectRsp confirms our DisconnectReq
func (e *Engine) OnDisconnectRsp(lcid uint16) {
	e.postLower("disconnect response", func() {
		if c, ok := e.reg.connectedByChannel(l2cap.TransportBREDR, lcid); ok {
			e.finishDisconnect(c, InitiativeDisconnectSuccess)
			return
		}
		e.log.Debug("disconnect response for lcid 0x%04X", lcid)
	})
}

// OnDisconnectAbnormal reports a channel lost without a disconnect exchange.
// A state collision means both sides opened a channel at once; our attempt
// starts over from the security request.
func (e *Engine) OnDisconnectAbnormal(lcid uint16, reason l2cap.DisconnectReason) {
	e.postLower("abnormal disconnect", func() {
		if h, c, ok := e.reg.connectingByChannel(l2cap.TransportBREDR, lcid); ok {
			if hs, initiator := c.role.(*initiatorHandshake); initiator && reason == l2cap.ReasonStateCollision {
				e.log.Info("channel collision with %s, retrying", c.addr)
				hs.reset()
				c.lcid = 0
				c.remoteCfg = l2cap.Config{}
				e.requestSecurity(h, c, gap.Outgoing)
				return
			}
			e.log.Warn("lcid 0x%04X lost while connecting: %s", lcid, reason)
			e.failConnect(h, c, BredrConnectFail)
			return
		}
		if c, ok := e.reg.connectedByChannel(l2cap.TransportBREDR, lcid); ok {
			c.log.Warn("channel lost: %s", reason)
			e.finishDisconnect(c, DisconnectAbnormal)
			return
		}
		e.log.Debug("abnormal disconnect of unknown lcid 0x%04X: %s", lcid, reason)
	})
}
