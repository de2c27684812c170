package wire

import "fmt"

// initiatorState tracks a BR/EDR channel we asked for
type initiatorState uint8

const (
	initiatorDisconnected initiatorState = iota
	initiatorConnecting
	initiatorConfigured // one configuration direction done
	initiatorConnected
)

// acceptorState tracks a BR/EDR channel the peer asked for
type acceptorState uint8

const (
	acceptorDisconnected acceptorState = iota
	acceptorConnectInd
	acceptorConfigured
	acceptorConnected
)

// configDir is one direction of the BR/EDR configuration exchange
type configDir uint8

const (
	localConfig  configDir = iota // the peer accepted our configuration
	remoteConfig                  // we accepted the peer's configuration
)

func (d configDir) String() string {
	if d == localConfig {
		return "local"
	}
	return "remote"
}

// configPair records which directions are done. A repeat of one direction
// never counts for the other.
type configPair struct {
	local  bool
	remote bool
}

func (p *configPair) mark(d configDir) bool {
	done := &p.local
	if d == remoteConfig {
		done = &p.remote
	}
	if *done {
		return false
	}
	*done = true
	return true
}

func (p *configPair) both() bool { return p.local && p.remote }

// handshakeRole is either an initiator or an acceptor handshake, never both.
// Each variant only moves forward through its own states.
type handshakeRole interface {
	// advance records one configured direction and reports whether it was
	// new; a disconnected or connected handshake does not move
	advance(d configDir) bool
	connected() bool
	disconnected() bool
	initiator() bool
	fmt.Stringer
}

type initiatorHandshake struct {
	state initiatorState
	cfg   configPair
}

func newInitiatorHandshake() *initiatorHandshake {
	return &initiatorHandshake{state: initiatorConnecting}
}

func (h *initiatorHandshake) advance(d configDir) bool {
	if h.state != initiatorConnecting && h.state != initiatorConfigured {
		return false
	}
	if !h.cfg.mark(d) {
		return false
	}
	h.state = initiatorConfigured
	if h.cfg.both() {
		h.state = initiatorConnected
	}
	return true
}

// reset puts a collided handshake back to the start
func (h *initiatorHandshake) reset() {
	h.state = initiatorConnecting
	h.cfg = configPair{}
}

func (h *initiatorHandshake) connected() bool    { return h.state == initiatorConnected }
func (h *initiatorHandshake) disconnected() bool { return h.state == initiatorDisconnected }
func (h *initiatorHandshake) initiator() bool    { return true }

func (h *initiatorHandshake) String() string {
	switch h.state {
	case initiatorConnecting:
		return "initiator/connecting"
	case initiatorConfigured:
		return "initiator/configured"
	case initiatorConnected:
		return "initiator/connected"
	default:
		return "initiator/disconnected"
	}
}

type acceptorHandshake struct {
	state acceptorState
	cfg   configPair
}

func newAcceptorHandshake() *acceptorHandshake {
	return &acceptorHandshake{state: acceptorConnectInd}
}

func (h *acceptorHandshake) advance(d configDir) bool {
	if h.state != acceptorConnectInd && h.state != acceptorConfigured {
		return false
	}
	if !h.cfg.mark(d) {
		return false
	}
	h.state = acceptorConfigured
	if h.cfg.both() {
		h.state = acceptorConnected
	}
	return true
}

func (h *acceptorHandshake) connected() bool    { return h.state == acceptorConnected }
func (h *acceptorHandshake) disconnected() bool { return h.state == acceptorDisconnected }
func (h *acceptorHandshake) initiator() bool    { return false }

func (h *acceptorHandshake) String() string {
	switch h.state {
	case acceptorConnectInd:
		return "acceptor/connect-ind"
	case acceptorConfigured:
		return "acceptor/configured"
	case acceptorConnected:
		return "acceptor/connected"
	default:
		return "acceptor/disconnected"
	}
}
