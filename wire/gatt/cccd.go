package gatt

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/user/attengine/wire/att"
)

// Client characteristic configuration values
const (
	CCCDNotificationsDisabled = 0x0000
	CCCDNotificationsEnabled  = 0x0001
	CCCDIndicationsEnabled    = 0x0002
	CCCDBothEnabled           = 0x0003
)

// SubscriptionState is what one client asked for on one characteristic
type SubscriptionState struct {
	Handle          uint16 // characteristic value handle
	NotifyEnabled   bool
	IndicateEnabled bool
}

// Subscriptions tracks client characteristic configuration for one
// connection. Nothing is shared across connections and everything is
// forgotten on disconnect.
type Subscriptions struct {
	mu   sync.RWMutex
	subs map[uint16]*SubscriptionState
}

// NewSubscriptions creates an empty set
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{subs: make(map[uint16]*SubscriptionState)}
}

// Set applies a configuration value written for the characteristic whose
// value lives at valueHandle
func (s *Subscriptions) Set(valueHandle uint16, cccd []byte) error {
	notify, indicate, err := DecodeCCCDValue(cccd)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !notify && !indicate {
		delete(s.subs, valueHandle)
		return nil
	}
	s.subs[valueHandle] = &SubscriptionState{
		Handle:          valueHandle,
		NotifyEnabled:   notify,
		IndicateEnabled: indicate,
	}
	return nil
}

// Get returns the state for a characteristic
func (s *Subscriptions) Get(valueHandle uint16) (SubscriptionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.subs[valueHandle]
	if !ok {
		return SubscriptionState{}, false
	}
	return *state, true
}

// IsNotifyEnabled reports whether notifications are on for a characteristic
func (s *Subscriptions) IsNotifyEnabled(valueHandle uint16) bool {
	state, ok := s.Get(valueHandle)
	return ok && state.NotifyEnabled
}

// IsIndicateEnabled reports whether indications are on for a characteristic
func (s *Subscriptions) IsIndicateEnabled(valueHandle uint16) bool {
	state, ok := s.Get(valueHandle)
	return ok && state.IndicateEnabled
}

// Clear drops every subscription
func (s *Subscriptions) Clear() {
	s.mu.Lock()
	s.subs = make(map[uint16]*SubscriptionState)
	s.mu.Unlock()
}

// Count returns the number of subscribed characteristics
func (s *Subscriptions) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// EncodeCCCDValue builds the two-byte configuration value
func EncodeCCCDValue(notify, indicate bool) []byte {
	var value uint16
	if notify {
		value |= CCCDNotificationsEnabled
	}
	if indicate {
		value |= CCCDIndicationsEnabled
	}
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, value)
	return out
}

// DecodeCCCDValue parses a two-byte configuration value
func DecodeCCCDValue(cccd []byte) (notify, indicate bool, err error) {
	if len(cccd) != 2 {
		return false, false, &Error{Code: att.ErrInvalidAttributeValueLength}
	}
	value := binary.LittleEndian.Uint16(cccd)
	return value&CCCDNotificationsEnabled != 0, value&CCCDIndicationsEnabled != 0, nil
}

// Error carries the ATT error code a server should answer with
type Error struct {
	Code   uint8
	Handle uint16
}

func (e *Error) Error() string {
	return fmt.Sprintf("gatt: %s (handle 0x%04X)", att.ErrorName(e.Code), e.Handle)
}

// ErrorCode extracts the ATT error code from err, or Unlikely Error when err
// did not come from this package
func ErrorCode(err error) (uint8, uint16) {
	if e, ok := err.(*Error); ok {
		return e.Code, e.Handle
	}
	return att.ErrUnlikelyError, 0
}
