// Package scenario runs scripted ATT conversations between two engines over
// the in-memory simulator. A scenario is a JSON file: two devices with their
// attribute values, a timeline of client and server actions, and assertions
// checked once the timeline has played out.
package scenario

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/gatt"
	"github.com/user/attengine/wire/l2cap"
)

// Scenario defines a complete ATT interaction test case
type Scenario struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Transport   string          `json:"transport"` // "le" or "bredr"
	Sim         SimConfig       `json:"sim"`
	Devices     []DeviceConfig  `json:"devices"`
	Timeline    []TimelineEvent `json:"timeline"`
	Assertions  []Assertion     `json:"assertions"`
	SettleMs    int             `json:"settle_ms,omitempty"` // wait after the last event, default 300
	Trace       bool            `json:"trace,omitempty"`
}

// SimConfig tunes the simulated radio and the engines on it
type SimConfig struct {
	MinLatencyMs         int      `json:"min_latency_ms"`
	MaxLatencyMs         int      `json:"max_latency_ms"`
	PacketLossRate       float64  `json:"packet_loss_rate"`
	DropOpcodes          []string `json:"drop_opcodes,omitempty"` // e.g. "0x0B"
	Seed                 int64    `json:"seed"`
	TransactionTimeoutMs int      `json:"transaction_timeout_ms,omitempty"`
}

// DeviceConfig defines one of the two devices
type DeviceConfig struct {
	ID         string            `json:"id"`
	Address    string            `json:"address"`
	LocalMTU   int               `json:"local_mtu,omitempty"`
	SigningKey string            `json:"signing_key,omitempty"` // hex, 16 bytes; both devices default to the same key
	Attributes map[string]string `json:"attributes,omitempty"`  // "0x0003" -> hex value
	DeviceName string            `json:"device_name,omitempty"` // adds a Generic Access service
	Services   []ServiceConfig   `json:"services,omitempty"`    // placed after the highest attribute handle
}

// ServiceConfig declares a service in the device's attribute table
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Secondary       bool                   `json:"secondary,omitempty"`
	Characteristics []CharacteristicConfig `json:"characteristics"`
}

// CharacteristicConfig declares one characteristic of a service
type CharacteristicConfig struct {
	UUID        string   `json:"uuid"`
	Properties  []string `json:"properties"` // read, write, write_without_response, notify, indicate, signed_write
	Value       string   `json:"value,omitempty"`
	Text        string   `json:"text,omitempty"`
	Description string   `json:"description,omitempty"` // adds a user description descriptor
}

// TimelineEvent is one action at a point in time
type TimelineEvent struct {
	TimeMs  int      `json:"time_ms"`
	Action  string   `json:"action"`
	Device  string   `json:"device"`
	Handle  uint16   `json:"handle,omitempty"`
	Offset  uint16   `json:"offset,omitempty"`
	Value   string   `json:"value,omitempty"` // hex
	Text    string   `json:"text,omitempty"`  // used when value is empty
	MTU     uint16   `json:"mtu,omitempty"`
	UUID    string   `json:"uuid,omitempty"`    // find_service, subscribe
	Handles []uint16 `json:"handles,omitempty"` // read_multiple
	Comment string   `json:"comment,omitempty"`
}

// Action types
const (
	ActionConnect      = "connect"
	ActionDisconnect   = "disconnect"
	ActionExchangeMTU  = "exchange_mtu"
	ActionRead         = "read"
	ActionReadBlob     = "read_blob"
	ActionWrite        = "write"
	ActionWriteCommand = "write_command"
	ActionSignedWrite  = "signed_write"
	ActionLongWrite    = "long_write"
	ActionNotify       = "notify"
	ActionIndicate     = "indicate"
	ActionBreakLink    = "break_link" // both devices move out of range
	ActionSetAttribute = "set_attribute"

	ActionReadMultiple            = "read_multiple"
	ActionDiscoverServices        = "discover_services"
	ActionDiscoverCharacteristics = "discover_characteristics"
	ActionDiscoverDescriptors     = "discover_descriptors"
	ActionFindService             = "find_service"
	ActionSubscribe               = "subscribe" // text "indicate" asks for indications
)

// Assertion defines an expected outcome
type Assertion struct {
	Type    string `json:"type"`
	Device  string `json:"device"`
	Handle  uint16 `json:"handle,omitempty"`
	Value   string `json:"value,omitempty"`
	Text    string `json:"text,omitempty"`
	Reason  string `json:"reason,omitempty"`
	MTU     int    `json:"mtu,omitempty"`
	Count   int    `json:"count,omitempty"`
	UUID    string `json:"uuid,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// Assertion types
const (
	AssertionConnected        = "connected"
	AssertionDisconnected     = "disconnected"
	AssertionReadValue        = "read_value"      // client read handle and got value
	AssertionAttributeValue   = "attribute_value" // server now holds value at handle
	AssertionNotified         = "notified"        // client saw a notification or indication
	AssertionMTU              = "mtu"
	AssertionTimeout          = "timeout"            // client saw count transaction timeouts
	AssertionLongWriteDone    = "long_write_complete" // client saw a successful long write
	AssertionSignatureFailure = "signature_rejected"  // server saw count bad signatures
	AssertionErrorResponse    = "error_response"      // client saw count error responses

	AssertionDiscoveredService        = "discovered_service"        // client found a service with uuid
	AssertionDiscoveredCharacteristic = "discovered_characteristic" // client found uuid, at value handle if given
	AssertionSubscribed               = "subscribed"                // server has a subscription on handle
)

// LoadScenario loads a scenario from a JSON file
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a scenario
func Parse(data []byte) (*Scenario, error) {
	var scenario Scenario
	if err := json.Unmarshal(data, &scenario); err != nil {
		return nil, errors.Wrap(err, "scenario")
	}
	return &scenario, nil
}

// Save writes the scenario to a JSON file
func (s *Scenario) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// GetDeviceByID returns a device config by ID
func (s *Scenario) GetDeviceByID(id string) *DeviceConfig {
	for i, device := range s.Devices {
		if device.ID == id {
			return &s.Devices[i]
		}
	}
	return nil
}

// Duration returns the time of the last timeline event
func (s *Scenario) Duration() time.Duration {
	maxTime := 0
	for _, event := range s.Timeline {
		if event.TimeMs > maxTime {
			maxTime = event.TimeMs
		}
	}
	return time.Duration(maxTime) * time.Millisecond
}

// Validate checks the scenario and returns every problem found
func (s *Scenario) Validate() []string {
	var problems []string

	if len(s.Devices) != 2 {
		problems = append(problems, fmt.Sprintf("Scenario needs exactly 2 devices, has %d", len(s.Devices)))
	}
	switch s.Transport {
	case "le", "bredr":
	default:
		problems = append(problems, fmt.Sprintf("Unknown transport %q", s.Transport))
	}
	if _, err := s.Sim.dropOpcodes(); err != nil {
		problems = append(problems, err.Error())
	}

	deviceIDs := make(map[string]bool)
	for _, device := range s.Devices {
		if deviceIDs[device.ID] {
			problems = append(problems, "Duplicate device: "+device.ID)
		}
		deviceIDs[device.ID] = true
		if _, err := device.attributes(); err != nil {
			problems = append(problems, err.Error())
		}
		if _, err := device.services(); err != nil {
			problems = append(problems, err.Error())
		}
		if _, err := device.signingKey(); err != nil {
			problems = append(problems, err.Error())
		}
		if device.Address != "" {
			if _, err := l2cap.ParseBDAddr(device.Address); err != nil {
				problems = append(problems, fmt.Sprintf("Device %s: %v", device.ID, err))
			}
		}
	}

	for _, event := range s.Timeline {
		if !deviceIDs[event.Device] && event.Action != ActionBreakLink {
			problems = append(problems, "Event references unknown device: "+event.Device)
		}
		if _, err := decodeValue(event.Value, event.Text); err != nil {
			problems = append(problems, fmt.Sprintf("Event at %dms: %v", event.TimeMs, err))
		}
		if !knownAction[event.Action] {
			problems = append(problems, "Unknown action: "+event.Action)
		}
		if event.UUID != "" {
			if _, err := att.ParseUUID(event.UUID); err != nil {
				problems = append(problems, fmt.Sprintf("Event at %dms: %v", event.TimeMs, err))
			}
		}
		if event.Action == ActionFindService && event.UUID == "" {
			problems = append(problems, fmt.Sprintf("Event at %dms: find_service needs a uuid", event.TimeMs))
		}
		if event.Action == ActionReadMultiple && len(event.Handles) < 2 {
			problems = append(problems, fmt.Sprintf("Event at %dms: read_multiple needs at least 2 handles", event.TimeMs))
		}
	}

	for _, assertion := range s.Assertions {
		if !deviceIDs[assertion.Device] {
			problems = append(problems, "Assertion references unknown device: "+assertion.Device)
		}
		if _, err := decodeValue(assertion.Value, assertion.Text); err != nil {
			problems = append(problems, fmt.Sprintf("Assertion %s: %v", assertion.Type, err))
		}
		if assertion.UUID != "" {
			if _, err := att.ParseUUID(assertion.UUID); err != nil {
				problems = append(problems, fmt.Sprintf("Assertion %s: %v", assertion.Type, err))
			}
		}
	}

	return problems
}

var knownAction = map[string]bool{
	ActionConnect:      true,
	ActionDisconnect:   true,
	ActionExchangeMTU:  true,
	ActionRead:         true,
	ActionReadBlob:     true,
	ActionWrite:        true,
	ActionWriteCommand: true,
	ActionSignedWrite:  true,
	ActionLongWrite:    true,
	ActionNotify:       true,
	ActionIndicate:     true,
	ActionBreakLink:    true,
	ActionSetAttribute: true,

	ActionReadMultiple:            true,
	ActionDiscoverServices:        true,
	ActionDiscoverCharacteristics: true,
	ActionDiscoverDescriptors:     true,
	ActionFindService:             true,
	ActionSubscribe:               true,
}

func (c SimConfig) dropOpcodes() ([]uint8, error) {
	var ops []uint8
	for _, s := range c.DropOpcodes {
		v, err := strconv.ParseUint(s, 0, 8)
		if err != nil {
			return nil, errors.Errorf("Bad opcode %q in drop_opcodes", s)
		}
		if att.KindOf(uint8(v)) == att.KindUnknown {
			return nil, errors.Errorf("Unknown opcode %q in drop_opcodes", s)
		}
		ops = append(ops, uint8(v))
	}
	return ops, nil
}

func (d DeviceConfig) attributes() (map[uint16][]byte, error) {
	attrs := make(map[uint16][]byte, len(d.Attributes))
	for k, v := range d.Attributes {
		h, err := strconv.ParseUint(k, 0, 16)
		if err != nil || h == 0 {
			return nil, errors.Errorf("Device %s: bad attribute handle %q", d.ID, k)
		}
		value, err := hex.DecodeString(v)
		if err != nil {
			return nil, errors.Errorf("Device %s: bad value for %s: %v", d.ID, k, err)
		}
		attrs[uint16(h)] = value
	}
	return attrs, nil
}

var propertyBits = map[string]uint8{
	"broadcast":              gatt.PropBroadcast,
	"read":                   gatt.PropRead,
	"write_without_response": gatt.PropWriteWithoutResponse,
	"write":                  gatt.PropWrite,
	"notify":                 gatt.PropNotify,
	"indicate":               gatt.PropIndicate,
	"signed_write":           gatt.PropAuthenticatedSignedWrites,
}

// services turns the declared services into table definitions, Generic
// Access first when a device name is set
func (d DeviceConfig) services() ([]gatt.Service, error) {
	var out []gatt.Service
	if d.DeviceName != "" {
		out = append(out, gatt.NewGenericAccessService(d.DeviceName, 0))
	}
	for _, sc := range d.Services {
		u, err := att.ParseUUID(sc.UUID)
		if err != nil {
			return nil, errors.Errorf("Device %s: bad service uuid %q", d.ID, sc.UUID)
		}
		svc := gatt.Service{UUID: u, Primary: !sc.Secondary}
		for _, cc := range sc.Characteristics {
			cu, err := att.ParseUUID(cc.UUID)
			if err != nil {
				return nil, errors.Errorf("Device %s: bad characteristic uuid %q", d.ID, cc.UUID)
			}
			value, err := decodeValue(cc.Value, cc.Text)
			if err != nil {
				return nil, errors.Wrapf(err, "Device %s: characteristic %s", d.ID, cc.UUID)
			}
			c := gatt.Characteristic{UUID: cu, Value: value}
			for _, name := range cc.Properties {
				bit, ok := propertyBits[name]
				if !ok {
					return nil, errors.Errorf("Device %s: unknown property %q", d.ID, name)
				}
				c.Properties |= bit
			}
			if cc.Description != "" {
				c.Descriptors = append(c.Descriptors, gatt.Descriptor{
					UUID:  gatt.UUIDCharUserDescription,
					Value: []byte(cc.Description),
				})
			}
			svc.Characteristics = append(svc.Characteristics, c)
		}
		out = append(out, svc)
	}
	return out, nil
}

// defaultSigningKey is shared by both devices unless one overrides it
var defaultSigningKey = []byte{
	0x2b, 0x7e, 0x15, 0x16, 0x28, 0xae, 0xd2, 0xa6,
	0xab, 0xf7, 0x15, 0x88, 0x09, 0xcf, 0x4f, 0x3c,
}

func (d DeviceConfig) signingKey() ([]byte, error) {
	if d.SigningKey == "" {
		return defaultSigningKey, nil
	}
	key, err := hex.DecodeString(d.SigningKey)
	if err != nil || len(key) != 16 {
		return nil, errors.Errorf("Device %s: signing key must be 16 hex bytes", d.ID)
	}
	return key, nil
}

// decodeValue returns the hex value, or the text when no hex is given
func decodeValue(hexValue, text string) ([]byte, error) {
	if hexValue == "" {
		return []byte(text), nil
	}
	v, err := hex.DecodeString(hexValue)
	if err != nil {
		return nil, errors.Wrapf(err, "bad hex value %q", hexValue)
	}
	return v, nil
}
