package wire

import (
	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/l2cap"
)

// LE needs no channel handshake: the fixed ATT channel exists as soon as the
// ACL link does.

func (e *Engine) connectLE(addr l2cap.BDAddr) {
	attempt := ConnectInfo{Addr: addr, Transport: l2cap.TransportLE, Flag: Initiative}
	if e.fixed == nil {
		e.log.Warn("connect to %s: no LE fixed channel", addr)
		e.notifyConnected(attempt, LEConnectFail)
		return
	}
	if c, ok := e.reg.connectedByAddr(addr, l2cap.TransportLE); ok {
		e.log.Warn("connect to %s: already connected as handle %d", addr, c.handle)
		e.notifyConnected(attempt, LEConnectFail)
		return
	}
	if _, _, ok := e.reg.connectingByAddr(addr, l2cap.TransportLE); ok {
		e.log.Warn("connect to %s: attempt already in progress", addr)
		e.notifyConnected(attempt, LEConnectFail)
		return
	}

	c := &connecting{
		transport: l2cap.TransportLE,
		addr:      addr,
		role:      newInitiatorHandshake(),
	}
	h, err := e.reg.allocConnecting(c)
	if err != nil {
		e.log.Warn("connect to %s: %v", addr, err)
		e.notifyConnected(attempt, LEConnectFail)
		return
	}
	if err := e.fixed.Connect(addr); err != nil {
		e.log.Warn("le connect to %s: %v", addr, err)
		e.failConnect(h, c, LEConnectFail)
		return
	}
	e.armHandshake(h, c)
}

// OnLeConnected reports a new ACL link, or a failed attempt at one
func (e *Engine) OnLeConnected(addr l2cap.BDAddr, aclHandle uint16, role l2cap.Role, status uint8) {
	e.postLower("le connected", func() {
		h, c, pending := e.reg.connectingByAddr(addr, l2cap.TransportLE)

		if status != l2cap.StatusSuccess {
			if pending {
				e.log.Warn("le connect to %s failed with status 0x%02X", addr, status)
				e.failConnect(h, c, LEConnectFail)
			} else {
				e.log.Debug("incoming le link from %s failed with status 0x%02X", addr, status)
			}
			return
		}
		if _, ok := e.reg.connectedByChannel(l2cap.TransportLE, aclHandle); ok {
			e.log.Warn("acl handle 0x%04X already connected", aclHandle)
			return
		}

		flag := Initiative
		if role == l2cap.RolePeripheral {
			flag = Passive
		}
		conn := newConnection(l2cap.TransportLE, aclHandle, addr, flag, att.MinMTULE, att.MinMTULE)
		if pending {
			e.reg.promote(h, conn)
		} else if _, err := e.reg.allocConnected(conn); err != nil {
			e.log.Warn("incoming le link from %s: %v", addr, err)
			if err := e.fixed.Disconnect(aclHandle, l2cap.StatusRemoteUserTerminated); err != nil {
				e.log.Debug("disconnect acl 0x%04X: %v", aclHandle, err)
			}
			return
		}
		conn.bindLogger()
		e.notifyConnected(conn.info(), LEConnectSuccess)
	})
}

// OnLeDisconnected reports the end of an ACL link
func (e *Engine) OnLeDisconnected(aclHandle uint16, status uint8, reason uint8) {
	e.postLower("le disconnected", func() {
		c, ok := e.reg.connectedByChannel(l2cap.TransportLE, aclHandle)
		if !ok {
			e.log.Debug("disconnect of unknown acl handle 0x%04X", aclHandle)
			return
		}
		var why DisconnectReason
		switch {
		case c.disconnecting && status == l2cap.StatusSuccess:
			why = InitiativeDisconnectSuccess
		case c.disconnecting:
			why = InitiativeDisconnectFail
		case reason == l2cap.StatusConnectionTimeout:
			why = DisconnectAbnormal
		default:
			why = PassiveDisconnectSuccess
		}
		e.finishDisconnect(c, why)
	})
}
