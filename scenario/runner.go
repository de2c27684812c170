package scenario

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/user/attengine/logger"
	"github.com/user/attengine/wire"
	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/gatt"
	"github.com/user/attengine/wire/l2cap"
	"github.com/user/attengine/wire/sim"
)

const defaultSettle = 300 * time.Millisecond

// Runner executes a scenario
type Runner struct {
	scenario         *Scenario
	link             *sim.Link
	devices          map[string]*SimulatedDevice
	peers            map[string]*SimulatedDevice
	eventLog         []EventLogEntry
	startTime        time.Time
	assertionResults []AssertionResult
	log              *logger.Entry
}

// EventLogEntry records an action the runner took
type EventLogEntry struct {
	TimeMs  int
	Device  string
	Action  string
	Message string
}

// AssertionResult records the outcome of an assertion
type AssertionResult struct {
	Assertion Assertion
	Passed    bool
	Message   string
}

// NewRunner creates a runner for a scenario
func NewRunner(scenario *Scenario) *Runner {
	return &Runner{
		scenario: scenario,
		devices:  make(map[string]*SimulatedDevice),
		peers:    make(map[string]*SimulatedDevice),
		log:      logger.WithFields("scenario", logrus.Fields{"scenario": scenario.Name}),
	}
}

// Setup validates the scenario, builds the link and starts both engines
func (r *Runner) Setup() error {
	if problems := r.scenario.Validate(); len(problems) > 0 {
		return errors.Errorf("invalid scenario: %s", strings.Join(problems, "; "))
	}

	drop, _ := r.scenario.Sim.dropOpcodes()
	cfg := &sim.Config{
		MinLatency:     r.scenario.Sim.MinLatencyMs,
		MaxLatency:     r.scenario.Sim.MaxLatencyMs,
		PacketLossRate: r.scenario.Sim.PacketLossRate,
		MaxRetries:     3,
		RetryDelay:     5,
		DropOpcodes:    drop,
		Deterministic:  true,
		Seed:           r.scenario.Sim.Seed,
	}

	addrs := make([]l2cap.BDAddr, 2)
	for i, dc := range r.scenario.Devices {
		if dc.Address == "" {
			addrs[i] = l2cap.BDAddr{0xC0, 0xFF, 0xEE, 0x00, 0x00, byte(i + 1)}
			continue
		}
		addrs[i], _ = l2cap.ParseBDAddr(dc.Address)
	}
	r.link = sim.NewLink(cfg, addrs[0], addrs[1])

	var opts []wire.Option
	opts = append(opts, wire.WithTrace(r.scenario.Trace))
	if ms := r.scenario.Sim.TransactionTimeoutMs; ms > 0 {
		opts = append(opts, wire.WithTransactionTimeout(time.Duration(ms)*time.Millisecond))
	}

	sims := []*sim.Device{r.link.A, r.link.B}
	devs := make([]*SimulatedDevice, 2)
	for i, dc := range r.scenario.Devices {
		key, _ := dc.signingKey()
		signer, err := sim.NewSigner(key)
		if err != nil {
			return err
		}
		dev, err := newSimulatedDevice(dc, sims[i], signer, opts...)
		if err != nil {
			return err
		}
		devs[i] = dev
		r.devices[dc.ID] = dev
	}
	r.peers[devs[0].ID] = devs[1]
	r.peers[devs[1].ID] = devs[0]

	for _, dev := range devs {
		dev.Engine.Start()
	}
	r.link.Start()
	r.log.Info("set up %s over %s", r.scenario.Name, r.scenario.Transport)
	return nil
}

// Run plays the timeline, then waits for the link to settle
func (r *Runner) Run() error {
	if r.link == nil {
		return errors.New("runner is not set up")
	}
	r.startTime = time.Now()

	timeline := make([]TimelineEvent, len(r.scenario.Timeline))
	copy(timeline, r.scenario.Timeline)
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].TimeMs < timeline[j].TimeMs
	})

	for _, event := range timeline {
		at := r.startTime.Add(time.Duration(event.TimeMs) * time.Millisecond)
		if wait := time.Until(at); wait > 0 {
			time.Sleep(wait)
		}
		msg := "ok"
		if err := r.executeEvent(event); err != nil {
			msg = err.Error()
			r.log.Warn("%s on %s at %dms: %v", event.Action, event.Device, event.TimeMs, err)
		}
		r.logEvent(event.Device, event.Action, msg)
	}

	settle := defaultSettle
	if r.scenario.SettleMs > 0 {
		settle = time.Duration(r.scenario.SettleMs) * time.Millisecond
	}
	time.Sleep(settle)
	return nil
}

// Close stops the link and both engines
func (r *Runner) Close() {
	if r.link != nil {
		r.link.Close()
	}
	for _, dev := range r.devices {
		dev.Engine.Stop()
	}
}

// Device returns a device by ID
func (r *Runner) Device(id string) *SimulatedDevice {
	return r.devices[id]
}

func (r *Runner) executeEvent(event TimelineEvent) error {
	if event.Action == ActionBreakLink {
		r.link.Break()
		return nil
	}

	dev := r.devices[event.Device]
	value, _ := decodeValue(event.Value, event.Text)
	e := dev.Engine

	switch event.Action {
	case ActionConnect:
		transport := l2cap.TransportLE
		if r.scenario.Transport == "bredr" {
			transport = l2cap.TransportBREDR
		}
		return e.ConnectReq(r.peers[dev.ID].Addr, transport, l2cap.Config{})
	case ActionSetAttribute:
		dev.SetAttribute(event.Handle, value)
		return nil
	}

	handle := dev.Handle()
	if handle == 0 {
		return errors.Errorf("%s is not connected", dev.ID)
	}

	switch event.Action {
	case ActionDisconnect:
		return e.DisconnectReq(handle)
	case ActionExchangeMTU:
		mtu := event.MTU
		if mtu == 0 {
			mtu = uint16(dev.localMTU)
		}
		return e.ExchangeMTURequest(handle, mtu)
	case ActionRead:
		dev.expectRead(event.Handle)
		if err := e.ReadRequest(handle, event.Handle); err != nil {
			dev.cancelRead()
			return err
		}
		return nil
	case ActionReadBlob:
		dev.expectRead(event.Handle)
		if err := e.ReadBlobRequest(handle, event.Handle, event.Offset); err != nil {
			dev.cancelRead()
			return err
		}
		return nil
	case ActionWrite:
		return e.WriteRequest(handle, event.Handle, value)
	case ActionWriteCommand:
		return e.WriteCommand(handle, event.Handle, value)
	case ActionSignedWrite:
		return e.SignedWriteCommand(handle, event.Handle, value)
	case ActionLongWrite:
		return e.LongWrite(handle, event.Handle, value)
	case ActionNotify:
		dev.SetAttribute(event.Handle, value)
		return e.HandleValueNotification(handle, event.Handle, value)
	case ActionIndicate:
		dev.SetAttribute(event.Handle, value)
		return e.HandleValueIndication(handle, event.Handle, value)
	case ActionReadMultiple:
		dev.expectRead(event.Handles[0])
		if err := e.ReadMultipleRequest(handle, event.Handles); err != nil {
			dev.cancelRead()
			return err
		}
		return nil
	case ActionDiscoverServices:
		return e.ReadByGroupTypeRequest(handle, startHandle(event), 0xFFFF, gatt.UUIDPrimaryService)
	case ActionDiscoverCharacteristics:
		return e.ReadByTypeRequest(handle, startHandle(event), 0xFFFF, gatt.UUIDCharacteristic)
	case ActionDiscoverDescriptors:
		return e.FindInformationRequest(handle, startHandle(event), 0xFFFF)
	case ActionFindService:
		u, err := att.ParseUUID(event.UUID)
		if err != nil {
			return err
		}
		dev.startFind(u)
		return e.FindByTypeValueRequest(handle, startHandle(event), 0xFFFF, gatt.UUIDPrimaryService.Uint16(), u.Bytes())
	case ActionSubscribe:
		return r.subscribe(dev, handle, event)
	}
	return errors.Errorf("unknown action %q", event.Action)
}

// startHandle is where a discovery action begins, 0x0001 by default
func startHandle(event TimelineEvent) uint16 {
	if event.Handle == 0 {
		return 0x0001
	}
	return event.Handle
}

// subscribe writes the configuration descriptor at the event's handle, or
// the one discovered after the characteristic named by its uuid
func (r *Runner) subscribe(dev *SimulatedDevice, handle uint16, event TimelineEvent) error {
	cccd := event.Handle
	if cccd == 0 {
		u, err := att.ParseUUID(event.UUID)
		if err != nil {
			return err
		}
		dev.mu.Lock()
		c, ok := dev.discovery.FindCharacteristic(u)
		if ok {
			cccd, ok = dev.discovery.FindDescriptor(c.ValueHandle, gatt.UUIDClientCharacteristicConfig)
		}
		dev.mu.Unlock()
		if !ok {
			return errors.Errorf("no configuration descriptor discovered for %s", u)
		}
	}
	value := gatt.EncodeCCCDValue(event.Text != "indicate", event.Text == "indicate")
	if event.Value != "" {
		value, _ = decodeValue(event.Value, "")
	}
	return dev.Engine.WriteRequest(handle, cccd, value)
}

func (r *Runner) logEvent(device, action, message string) {
	entry := EventLogEntry{
		TimeMs:  int(time.Since(r.startTime).Milliseconds()),
		Device:  device,
		Action:  action,
		Message: message,
	}
	r.eventLog = append(r.eventLog, entry)
	r.log.Debug("[%dms] [%s] %s: %s", entry.TimeMs, device, action, message)
}

// CheckAssertions evaluates every assertion and reports whether all passed
func (r *Runner) CheckAssertions() bool {
	r.assertionResults = r.assertionResults[:0]
	allPassed := true

	for _, assertion := range r.scenario.Assertions {
		result := r.checkAssertion(assertion)
		r.assertionResults = append(r.assertionResults, result)
		if !result.Passed {
			allPassed = false
		}
	}
	return allPassed
}

// Results returns the outcome of the last CheckAssertions
func (r *Runner) Results() []AssertionResult {
	return r.assertionResults
}

func (r *Runner) checkAssertion(a Assertion) AssertionResult {
	dev := r.devices[a.Device]
	want, _ := decodeValue(a.Value, a.Text)
	pass := func(format string, args ...interface{}) AssertionResult {
		return AssertionResult{Assertion: a, Passed: true, Message: fmt.Sprintf(format, args...)}
	}
	fail := func(format string, args ...interface{}) AssertionResult {
		return AssertionResult{Assertion: a, Passed: false, Message: fmt.Sprintf(format, args...)}
	}

	if a.Type == AssertionMTU {
		if got := dev.MTU(); got != a.MTU {
			return fail("%s mtu = %d, want %d", dev.ID, got, a.MTU)
		}
		return pass("%s mtu %d", dev.ID, a.MTU)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	switch a.Type {
	case AssertionConnected:
		if dev.connected {
			return pass("%s connected on handle %d", dev.ID, dev.handle)
		}
		return fail("%s is not connected", dev.ID)

	case AssertionDisconnected:
		if dev.connected || len(dev.disconnected) == 0 {
			return fail("%s never disconnected", dev.ID)
		}
		last := dev.disconnected[len(dev.disconnected)-1]
		if a.Reason != "" && last.String() != a.Reason {
			return fail("%s disconnected with %q, want %q", dev.ID, last, a.Reason)
		}
		return pass("%s disconnected: %s", dev.ID, last)

	case AssertionReadValue:
		got, ok := dev.reads[a.Handle]
		if !ok {
			return fail("%s never read 0x%04X", dev.ID, a.Handle)
		}
		return compareValue(pass, fail, fmt.Sprintf("read 0x%04X", a.Handle), got, want)

	case AssertionAttributeValue:
		got, ok := dev.Attribute(a.Handle)
		if !ok {
			return fail("%s has no attribute 0x%04X", dev.ID, a.Handle)
		}
		return compareValue(pass, fail, fmt.Sprintf("attribute 0x%04X", a.Handle), got, want)

	case AssertionNotified:
		got, ok := dev.notified[a.Handle]
		if !ok {
			return fail("%s was never notified of 0x%04X", dev.ID, a.Handle)
		}
		return compareValue(pass, fail, fmt.Sprintf("notification 0x%04X", a.Handle), got, want)

	case AssertionTimeout:
		return compareCount(pass, fail, "transaction timeouts", dev.timeouts, a.Count)

	case AssertionSignatureFailure:
		return compareCount(pass, fail, "rejected signatures", dev.badSigs, a.Count)

	case AssertionErrorResponse:
		return compareCount(pass, fail, "error responses", len(dev.errors), a.Count)

	case AssertionDiscoveredService:
		u, _ := att.ParseUUID(a.UUID)
		if dev.discovery.HasService(u) {
			return pass("%s discovered service %s", dev.ID, u)
		}
		return fail("%s never discovered service %s (%d services)", dev.ID, u, len(dev.discovery.Services))

	case AssertionDiscoveredCharacteristic:
		u, _ := att.ParseUUID(a.UUID)
		c, ok := dev.discovery.FindCharacteristic(u)
		if !ok {
			return fail("%s never discovered characteristic %s", dev.ID, u)
		}
		if a.Handle != 0 && c.ValueHandle != a.Handle {
			return fail("characteristic %s at 0x%04X, want 0x%04X", u, c.ValueHandle, a.Handle)
		}
		return pass("%s discovered characteristic %s at 0x%04X", dev.ID, u, c.ValueHandle)

	case AssertionSubscribed:
		state, ok := dev.subs.Get(a.Handle)
		if !ok {
			return fail("%s has no subscription on 0x%04X", dev.ID, a.Handle)
		}
		return pass("%s subscription on 0x%04X: notify %v, indicate %v", dev.ID, a.Handle, state.NotifyEnabled, state.IndicateEnabled)

	case AssertionLongWriteDone:
		for _, st := range dev.longWrites {
			if st == wire.StatusSuccess {
				return pass("%s completed a long write", dev.ID)
			}
		}
		return fail("%s long writes: %v", dev.ID, dev.longWrites)
	}

	return fail("Unknown assertion type: %s", a.Type)
}

type resultFunc func(format string, args ...interface{}) AssertionResult

func compareValue(pass, fail resultFunc, what string, got, want []byte) AssertionResult {
	if !bytes.Equal(got, want) {
		return fail("%s = %x, want %x", what, got, want)
	}
	return pass("%s = %x", what, got)
}

// compareCount matches an exact count, or at least one when want is 0
func compareCount(pass, fail resultFunc, what string, got, want int) AssertionResult {
	if want == 0 {
		if got > 0 {
			return pass("%d %s", got, what)
		}
		return fail("no %s", what)
	}
	if got != want {
		return fail("%d %s, want %d", got, what, want)
	}
	return pass("%d %s", got, what)
}

// PrintReport writes the event log and assertion results
func (r *Runner) PrintReport(w io.Writer) {
	fmt.Fprintln(w, "\n=== Scenario Report ===")
	fmt.Fprintf(w, "Name: %s\n", r.scenario.Name)
	fmt.Fprintf(w, "Description: %s\n", r.scenario.Description)
	fmt.Fprintf(w, "Transport: %s\n", r.scenario.Transport)
	fmt.Fprintf(w, "Duration: %v\n", r.scenario.Duration())

	fmt.Fprintln(w, "\n--- Event Log ---")
	for _, entry := range r.eventLog {
		fmt.Fprintf(w, "[%dms] [%s] %s: %s\n", entry.TimeMs, entry.Device, entry.Action, entry.Message)
	}

	fmt.Fprintln(w, "\n--- Assertion Results ---")
	passed := 0
	for _, result := range r.assertionResults {
		status := "FAIL"
		if result.Passed {
			status = "PASS"
			passed++
		}
		fmt.Fprintf(w, "%s - %s: %s\n", status, result.Assertion.Type, result.Message)
	}

	fmt.Fprintf(w, "\nTotal: %d/%d assertions passed\n", passed, len(r.assertionResults))
}

// RunScenario sets up, runs and checks a scenario in one go
func RunScenario(scenario *Scenario) (*Runner, bool, error) {
	r := NewRunner(scenario)
	if err := r.Setup(); err != nil {
		r.Close()
		return r, false, err
	}
	defer r.Close()
	if err := r.Run(); err != nil {
		return r, false, err
	}
	return r, r.CheckAssertions(), nil
}
