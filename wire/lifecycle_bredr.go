package wire

import (
	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/gap"
	"github.com/user/attengine/wire/l2cap"
)

// ConnectReq opens an ATT bearer to addr. On BR/EDR cfg is the local channel
// configuration (zero value for the default); LE ignores it. The outcome
// arrives through ConnectCallbacks.Connected.
func (e *Engine) ConnectReq(addr l2cap.BDAddr, transport l2cap.Transport, cfg l2cap.Config) error {
	return e.post(func() {
		switch transport {
		case l2cap.TransportBREDR:
			e.connectBredr(addr, cfg)
		case l2cap.TransportLE:
			e.connectLE(addr)
		default:
			e.log.Warn("connect to %s: %v %d", addr, ErrUnsupported, transport)
		}
	}, nil)
}

// ConnectRsp answers a ConnectIndication for an incoming BR/EDR channel
func (e *Engine) ConnectRsp(handle uint16, accept bool, cfg l2cap.Config) error {
	return e.post(func() {
		e.connectRsp(handle, accept, cfg)
	}, nil)
}

func (e *Engine) localConfig(cfg l2cap.Config) l2cap.Config {
	if cfg.MTU == 0 {
		cfg.MTU = uint16(e.opts.localMTU)
	}
	if cfg.FlushTimeout == 0 {
		cfg.FlushTimeout = l2cap.FlushTimeoutInfinite
	}
	return cfg
}

func (e *Engine) connectBredr(addr l2cap.BDAddr, cfg l2cap.Config) {
	attempt := ConnectInfo{Addr: addr, Transport: l2cap.TransportBREDR, Flag: Initiative}
	if e.lower == nil {
		e.log.Warn("connect to %s: no BR/EDR channel service", addr)
		e.notifyConnected(attempt, BredrConnectFail)
		return
	}
	cfg = e.localConfig(cfg)
	if err := cfg.Validate(); err != nil {
		e.log.Warn("connect to %s: %v", addr, err)
		e.notifyConnected(attempt, BredrConnectFail)
		return
	}
	if c, ok := e.reg.connectedByAddr(addr, l2cap.TransportBREDR); ok {
		e.log.Warn("connect to %s: already connected as handle %d", addr, c.handle)
		e.notifyConnected(attempt, BredrConnectFail)
		return
	}
	if _, c, ok := e.reg.connectingByAddr(addr, l2cap.TransportBREDR); ok && c.role.initiator() {
		e.log.Warn("connect to %s: attempt already in progress (%s)", addr, c.role)
		e.notifyConnected(attempt, BredrConnectFail)
		return
	}

	c := &connecting{
		transport: l2cap.TransportBREDR,
		addr:      addr,
		localCfg:  cfg,
		role:      newInitiatorHandshake(),
	}
	h, err := e.reg.allocConnecting(c)
	if err != nil {
		e.log.Warn("connect to %s: %v", addr, err)
		e.notifyConnected(attempt, BredrConnectFail)
		return
	}
	e.armHandshake(h, c)
	e.requestSecurity(h, c, gap.Outgoing)
}

// armHandshake bounds the whole connect attempt
func (e *Engine) armHandshake(h uint16, c *connecting) {
	ref := e.reg.ref(h)
	c.alarm = e.setAlarm(e.opts.connectTimeout, func() {
		if h, c, ok := e.reg.resolveConnecting(ref); ok {
			e.onHandshakeTimeout(h, c)
		}
	})
}

func (e *Engine) onHandshakeTimeout(h uint16, c *connecting) {
	e.log.Warn("connect handshake with %s timed out in state %s", c.addr, c.role)
	if c.transport == l2cap.TransportBREDR && c.lcid != 0 {
		e.lowerDisconnect(c.lcid)
	}
	e.failConnect(h, c, ConnectTimeout)
}

// failConnect ends a connect attempt. The upper layer hears about it unless
// it never learned of the attempt: an incoming channel that was not yet
// indicated.
func (e *Engine) failConnect(h uint16, c *connecting, status ConnectStatus) {
	info := ConnectInfo{Handle: h, Addr: c.addr, Transport: c.transport, Flag: Initiative}
	notify := true
	if !c.role.initiator() {
		info.Flag = Passive
		notify = c.accepted
	}
	e.reg.clearConnecting(h)
	if notify {
		e.notifyConnected(info, status)
	} else {
		e.log.Info("incoming channel from %s dropped: %s", c.addr, status)
	}
}

func (e *Engine) requestSecurity(h uint16, c *connecting, dir gap.Direction) {
	ref := e.reg.ref(h)
	req := gap.SecurityRequest{Addr: c.addr, Direction: dir, PSM: l2cap.PSMATT}
	err := e.sec.RequestSecurityAsync(req, func(res gap.SecurityResult) {
		if err := e.postInternal(func() { e.onSecurityResult(ref, res) }); err != nil {
			e.log.Debug("security result for %s after stop: %v", req.Addr, err)
		}
	})
	if err != nil {
		e.log.Warn("security request for %s: %v", c.addr, err)
		e.onSecurityResult(ref, gap.SecurityAuthenticationFailure)
	}
}

func (e *Engine) onSecurityResult(ref slotRef, res gap.SecurityResult) {
	h, c, ok := e.reg.resolveConnecting(ref)
	if !ok {
		e.log.Debug("security result %s for a cleared attempt", res)
		return
	}

	if c.role.initiator() {
		if res != gap.SecuritySuccess {
			e.failConnect(h, c, ConnectSecurityFail)
			return
		}
		lcid, err := e.lower.ConnectReq(c.addr, l2cap.PSMATT)
		if err != nil {
			e.log.Warn("l2cap connect to %s: %v", c.addr, err)
			e.failConnect(h, c, BredrConnectFail)
			return
		}
		c.lcid = lcid
		e.log.Debug("connecting to %s on lcid 0x%04X", c.addr, lcid)
		return
	}

	if res != gap.SecuritySuccess {
		if err := e.lower.ConnectRsp(c.addr, c.lcid, c.signalID, l2cap.ConnectRefusedSecurity); err != nil {
			e.log.Debug("refuse lcid 0x%04X: %v", c.lcid, err)
		}
		e.failConnect(h, c, ConnectSecurityFail)
		return
	}

	_, _, cbs := e.callbacks()
	if cbs.ConnectIndication == nil {
		e.log.Debug("no connect indication handler, accepting %s", c.addr)
		e.connectRsp(h, true, l2cap.Config{})
		return
	}
	cbs.ConnectIndication(h, c.addr)
}

func (e *Engine) connectRsp(h uint16, accept bool, cfg l2cap.Config) {
	c, ok := e.reg.connectingByHandle(h)
	if !ok || c.role.initiator() || c.accepted {
		e.log.Warn("connect response for handle %d with no pending indication", h)
		return
	}

	if !accept {
		if err := e.lower.ConnectRsp(c.addr, c.lcid, c.signalID, l2cap.ConnectRefusedResources); err != nil {
			e.log.Debug("refuse lcid 0x%04X: %v", c.lcid, err)
		}
		e.log.Info("rejected incoming channel from %s", c.addr)
		e.reg.clearConnecting(h)
		return
	}

	c.accepted = true
	c.localCfg = e.localConfig(cfg)
	if err := c.localCfg.Validate(); err != nil {
		e.log.Warn("accept %s: %v", c.addr, err)
		if err := e.lower.ConnectRsp(c.addr, c.lcid, c.signalID, l2cap.ConnectRefusedResources); err != nil {
			e.log.Debug("refuse lcid 0x%04X: %v", c.lcid, err)
		}
		e.failConnect(h, c, BredrConnectFail)
		return
	}
	if err := e.lower.ConnectRsp(c.addr, c.lcid, c.signalID, l2cap.ConnectSuccess); err != nil {
		e.log.Warn("accept lcid 0x%04X: %v", c.lcid, err)
		e.failConnect(h, c, BredrConnectFail)
		return
	}
	if err := e.lower.ConfigReq(c.lcid, c.localCfg); err != nil {
		e.log.Warn("config lcid 0x%04X: %v", c.lcid, err)
		e.lowerDisconnect(c.lcid)
		e.failConnect(h, c, BredrConnectFail)
	}
}

// OnConnectInd is a peer's request for a channel
func (e *Engine) OnConnectInd(addr l2cap.BDAddr, lcid uint16, id uint8, psm uint16) {
	e.postLower("connect indication", func() {
		if psm != l2cap.PSMATT {
			e.log.Warn("connect indication from %s for psm 0x%04X", addr, psm)
			if err := e.lower.ConnectRsp(addr, lcid, id, l2cap.ConnectRefusedPSM); err != nil {
				e.log.Debug("refuse lcid 0x%04X: %v", lcid, err)
			}
			return
		}
		c := &connecting{
			transport: l2cap.TransportBREDR,
			lcid:      lcid,
			signalID:  id,
			addr:      addr,
			role:      newAcceptorHandshake(),
		}
		h, err := e.reg.allocConnecting(c)
		if err != nil {
			e.log.Warn("incoming channel from %s: %v", addr, err)
			if err := e.lower.ConnectRsp(addr, lcid, id, l2cap.ConnectRefusedResources); err != nil {
				e.log.Debug("refuse lcid 0x%04X: %v", lcid, err)
			}
			return
		}
		e.log.Debug("incoming channel from %s on lcid 0x%04X", addr, lcid)
		e.armHandshake(h, c)
		e.requestSecurity(h, c, gap.Incoming)
	})
}

// OnConnectRsp is the peer's answer to our ConnectReq
func (e *Engine) OnConnectRsp(lcid uint16, result l2cap.ConnectResult) {
	e.postLower("connect response", func() {
		h, c, ok := e.reg.connectingByChannel(l2cap.TransportBREDR, lcid)
		if !ok || !c.role.initiator() {
			e.log.Warn("connect response for unknown lcid 0x%04X", lcid)
			return
		}
		switch result {
		case l2cap.ConnectPending:
			e.log.Debug("lcid 0x%04X pending", lcid)
		case l2cap.ConnectSuccess:
			if err := e.lower.ConfigReq(lcid, c.localCfg); err != nil {
				e.log.Warn("config lcid 0x%04X: %v", lcid, err)
				e.lowerDisconnect(lcid)
				e.failConnect(h, c, BredrConnectFail)
			}
		default:
			e.log.Warn("lcid 0x%04X refused (result %d)", lcid, result)
			e.failConnect(h, c, BredrConnectFail)
		}
	})
}

// OnConfigInd is the peer's configuration of its receive direction
func (e *Engine) OnConfigInd(lcid uint16, id uint8, cfg l2cap.Config) {
	e.postLower("config indication", func() {
		h, c, ok := e.reg.connectingByChannel(l2cap.TransportBREDR, lcid)
		if !ok {
			if _, ok := e.reg.connectedByChannel(l2cap.TransportBREDR, lcid); ok {
				e.log.Debug("ignoring reconfiguration of lcid 0x%04X", lcid)
				if err := e.lower.ConfigRsp(lcid, id, cfg, l2cap.ConfigRejected); err != nil {
					e.log.Debug("config response lcid 0x%04X: %v", lcid, err)
				}
				return
			}
			e.log.Warn("config indication for unknown lcid 0x%04X", lcid)
			return
		}
		if cfg.MTU == 0 {
			cfg.MTU = l2cap.DefaultMTU
		}
		if err := cfg.Validate(); err != nil {
			e.log.Warn("lcid 0x%04X: peer %v", lcid, err)
			if err := e.lower.ConfigRsp(lcid, id, cfg, l2cap.ConfigUnacceptable); err != nil {
				e.log.Debug("config response lcid 0x%04X: %v", lcid, err)
			}
			e.lowerDisconnect(lcid)
			e.failConnect(h, c, BredrConnectFail)
			return
		}
		c.remoteCfg = cfg
		if err := e.lower.ConfigRsp(lcid, id, cfg, l2cap.ConfigSuccess); err != nil {
			e.log.Warn("config response lcid 0x%04X: %v", lcid, err)
			e.lowerDisconnect(lcid)
			e.failConnect(h, c, BredrConnectFail)
			return
		}
		e.advance(h, c, remoteConfig)
	})
}

// OnConfigRsp is the peer's answer to our configuration
func (e *Engine) OnConfigRsp(lcid uint16, cfg l2cap.Config, result l2cap.ConfigResult) {
	e.postLower("config response", func() {
		h, c, ok := e.reg.connectingByChannel(l2cap.TransportBREDR, lcid)
		if !ok {
			e.log.Warn("config response for unknown lcid 0x%04X", lcid)
			return
		}
		switch result {
		case l2cap.ConfigSuccess:
			e.advance(h, c, localConfig)
		case l2cap.ConfigPending:
			e.log.Debug("lcid 0x%04X config pending", lcid)
		default:
			e.log.Warn("lcid 0x%04X config rejected (result %d)", lcid, result)
			e.lowerDisconnect(lcid)
			e.failConnect(h, c, BredrConnectFail)
		}
	})
}

// advance records one configured direction; once both are done the channel
// is usable
func (e *Engine) advance(h uint16, c *connecting, d configDir) {
	if c.role.disconnected() {
		return
	}
	if !c.role.advance(d) {
		e.log.Warn("handle %d: unexpected %s configuration in state %s", h, d, c.role)
		return
	}
	if !c.role.connected() {
		return
	}

	flag := Initiative
	if !c.role.initiator() {
		flag = Passive
	}
	conn := newConnection(l2cap.TransportBREDR, c.lcid, c.addr, flag,
		clampMTU(int(c.remoteCfg.MTU)), clampMTU(int(c.localCfg.MTU)))
	if !e.reg.promote(h, conn) {
		e.log.Error("handle %d vanished while connecting", h)
		return
	}
	conn.bindLogger()
	e.notifyConnected(conn.info(), BredrConnectSuccess)
}

// lowerDisconnect closes lcid. There is nothing to undo when the channel
// service fails, so the error is only logged.
func (e *Engine) lowerDisconnect(lcid uint16) {
	if err := e.lower.DisconnectReq(lcid); err != nil {
		e.log.Debug("disconnect lcid 0x%04X: %v", lcid, err)
	}
}

// clampMTU limits an L2CAP MTU to what an ATT PDU may use
func clampMTU(mtu int) int {
	if mtu > att.MaxMTU {
		return att.MaxMTU
	}
	return mtu
}

// postLower posts a lower layer callback; there is nobody to return an error
// to, so a dropped callback is only logged
func (e *Engine) postLower(what string, work func()) {
	if err := e.post(work, nil); err != nil {
		e.log.Warn("%s dropped: %v", what, err)
	}
}
