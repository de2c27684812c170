// Package wire is the ATT engine: it owns every ATT bearer on a host, runs the
// BR/EDR and LE connection handshakes, serializes transactions per
// connection, and routes decoded PDUs to the client and server callbacks.
//
// All engine state belongs to one goroutine. Public methods and lower layer
// callbacks post work to it and return at once; results arrive through the
// registered callbacks, which run on that goroutine and must not block.
package wire

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/user/attengine/logger"
	"github.com/user/attengine/wire/debug"
	"github.com/user/attengine/wire/gap"
	"github.com/user/attengine/wire/l2cap"
)

// Engine is one ATT engine instance
type Engine struct {
	opts  options
	lower l2cap.Channel
	fixed l2cap.FixedChannel
	sec   gap.Security
	log   *logger.Entry
	trace *debug.Recorder

	// Dispatch
	mu      sync.RWMutex
	running bool
	tasks   chan task
	quit    chan struct{}
	done    chan struct{}

	// Timer expiries and security completions; never dropped
	internalMu sync.Mutex
	internal   []task
	wake       chan struct{}

	// Upper layer callbacks
	client     ClientCallback
	server     ServerCallback
	connect    ConnectCallbacks
	callbackMu sync.RWMutex

	// Owned by the engine goroutine
	reg *registry
}

var (
	_ l2cap.Handler      = (*Engine)(nil)
	_ l2cap.FixedHandler = (*Engine)(nil)
)

// New creates an engine over the BR/EDR channel service, the LE fixed channel
// and the security service. Either transport may be nil if the host lacks it.
func New(lower l2cap.Channel, fixed l2cap.FixedChannel, sec gap.Security, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		opts:  o,
		lower: lower,
		fixed: fixed,
		sec:   sec,
		log:   logger.WithFields("wire", logrus.Fields{"engine": o.name}),
		reg:   newRegistry(o.maxConnections),
	}

	if o.trace {
		rec, err := debug.OpenRecorder(o.name)
		if err != nil {
			e.log.Warn("packet trace disabled: %v", err)
		} else {
			e.trace = rec
		}
	}
	return e
}

// Name returns the name the engine logs under
func (e *Engine) Name() string {
	return e.opts.name
}

// Start launches the engine goroutine. Starting a running engine does nothing.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.tasks = make(chan task, e.opts.queueDepth)
	e.quit = make(chan struct{})
	e.done = make(chan struct{})
	e.wake = make(chan struct{}, 1)
	e.internal = nil
	e.running = true
	go e.loop()
	e.log.Debug("started (max connections %d, queue depth %d)", e.opts.maxConnections, e.opts.queueDepth)
}

// Stop halts the engine goroutine, destroys queued work and clears every
// record. It must not be called from a callback. Stopping a stopped engine
// does nothing.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.quit)
	e.mu.Unlock()

	<-e.done
	dropped := e.drain()

	for _, h := range e.reg.handles() {
		if c, ok := e.reg.connectedByHandle(h); ok {
			e.drainPending(c)
		}
		i, _ := e.reg.index(h)
		e.reg.clear(i)
	}
	if err := e.trace.Close(); err != nil {
		e.log.Warn("closing trace: %v", err)
	}
	e.log.Debug("stopped (%d queued tasks dropped)", dropped)
}

// ClientDataRegister installs the client callback, replacing any previous one
func (e *Engine) ClientDataRegister(cb ClientCallback) {
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.client = cb
}

// ServerDataRegister installs the server callback
func (e *Engine) ServerDataRegister(cb ServerCallback) {
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.server = cb
}

// ConnectRegister installs the connection callbacks
func (e *Engine) ConnectRegister(cbs ConnectCallbacks) {
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.connect = cbs
}

func (e *Engine) callbacks() (ClientCallback, ServerCallback, ConnectCallbacks) {
	e.callbackMu.RLock()
	defer e.callbackMu.RUnlock()
	return e.client, e.server, e.connect
}

func (e *Engine) deliverClient(ev Event) {
	client, _, _ := e.callbacks()
	if client == nil {
		e.log.Debug("no client callback for %s on handle %d", ev.ID, ev.Handle)
		return
	}
	client(ev)
}

func (e *Engine) deliverServer(ev Event) {
	_, server, _ := e.callbacks()
	if server == nil {
		e.log.Debug("no server callback for %s on handle %d", ev.ID, ev.Handle)
		return
	}
	server(ev)
}

// clientFail reports a client API call that could not be carried out
func (e *Engine) clientFail(handle uint16, opcode uint8, err error) {
	e.log.Warn("%s on handle %d failed: %v", EventID(opcode), handle, err)
	e.deliverClient(Event{
		Handle: handle,
		ID:     EventRequestFailed,
		Status: statusOf(err),
		Opcode: opcode,
		Err:    err,
	})
}

func (e *Engine) notifyConnected(info ConnectInfo, status ConnectStatus) {
	if status.Success() {
		e.log.Info("connected handle %d to %s over %s (mtu %d, %s)", info.Handle, info.Addr, info.Transport, info.MTU, info.Flag)
	} else {
		e.log.Warn("connect to %s over %s: %s", info.Addr, info.Transport, status)
	}
	_, _, cbs := e.callbacks()
	if cbs.Connected != nil {
		cbs.Connected(info, status)
	}
}

func (e *Engine) notifyDisconnected(info ConnectInfo, reason DisconnectReason) {
	e.log.Info("disconnected handle %d from %s: %s", info.Handle, info.Addr, reason)
	_, _, cbs := e.callbacks()
	if cbs.Disconnected != nil {
		cbs.Disconnected(info, reason)
	}
}

// Connections returns a snapshot of the established connections. It runs on
// the engine goroutine and blocks until it has.
func (e *Engine) Connections() ([]ConnectInfo, error) {
	out := make(chan []ConnectInfo, 1)
	err := e.post(func() {
		var infos []ConnectInfo
		for _, h := range e.reg.handles() {
			if c, ok := e.reg.connectedByHandle(h); ok {
				infos = append(infos, c.info())
			}
		}
		out <- infos
	}, func() {
		close(out)
	})
	if err != nil {
		return nil, err
	}
	infos, ok := <-out
	if !ok {
		return nil, ErrEngineStopped
	}
	return infos, nil
}
