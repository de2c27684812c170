package gatt

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/user/attengine/wire/att"
)

func checkRange(start, end uint16) error {
	if start == 0 || start > end {
		return &Error{Code: att.ErrInvalidHandle, Handle: start}
	}
	return nil
}

func isServiceDecl(typ att.UUID) bool {
	return typ.Equal(UUIDPrimaryService) || typ.Equal(UUIDSecondaryService)
}

// groupEnd returns the last handle of the group a service declaration at
// handle opens. The caller holds db.mu.
func (db *Database) groupEnd(handle uint16) uint16 {
	end := handle
	db.each(handle+1, 0xFFFF, func(a *Attribute) bool {
		if isServiceDecl(a.Type) {
			return false
		}
		end = a.Handle
		return true
	})
	return end
}

// FindInformation lists handles and types in [start, end]. Entries stop at
// the first one whose UUID size differs from the first entry.
func (db *Database) FindInformation(start, end uint16) ([]att.HandleUUID, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []att.HandleUUID
	db.each(start, end, func(a *Attribute) bool {
		if len(out) > 0 && a.Type.Len() != out[0].UUID.Len() {
			return false
		}
		out = append(out, att.HandleUUID{Handle: a.Handle, UUID: a.Type})
		return true
	})
	if len(out) == 0 {
		return nil, &Error{Code: att.ErrAttributeNotFound, Handle: start}
	}
	return out, nil
}

// FindByTypeValue finds attributes of a 16-bit type holding value. A service
// declaration reports its whole group; anything else is a group of one.
func (db *Database) FindByTypeValue(start, end, typ uint16, value []byte) ([]att.HandleRange, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	want := att.UUID16(typ)
	var out []att.HandleRange
	db.each(start, end, func(a *Attribute) bool {
		if !a.Type.Equal(want) || !bytes.Equal(a.Value, value) {
			return true
		}
		r := att.HandleRange{Found: a.Handle, GroupEnd: a.Handle}
		if isServiceDecl(a.Type) {
			r.GroupEnd = db.groupEnd(a.Handle)
		}
		out = append(out, r)
		return true
	})
	if len(out) == 0 {
		return nil, &Error{Code: att.ErrAttributeNotFound, Handle: start}
	}
	return out, nil
}

// ReadByType returns the readable attributes of typ in [start, end].
// Entries stop at the first value whose length differs from the first one.
// An unreadable first match fails the request with its handle.
func (db *Database) ReadByType(start, end uint16, typ att.UUID) ([]att.HandleValue, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []att.HandleValue
	var failed error
	db.each(start, end, func(a *Attribute) bool {
		if !a.Type.Equal(typ) {
			return true
		}
		if a.Permissions&PermReadable == 0 {
			if len(out) == 0 {
				failed = &Error{Code: att.ErrReadNotPermitted, Handle: a.Handle}
			}
			return false
		}
		if len(out) > 0 && len(a.Value) != len(out[0].Value) {
			return false
		}
		out = append(out, att.HandleValue{Handle: a.Handle, Value: append([]byte(nil), a.Value...)})
		return true
	})
	if failed != nil {
		return nil, failed
	}
	if len(out) == 0 {
		return nil, &Error{Code: att.ErrAttributeNotFound, Handle: start}
	}
	return out, nil
}

// ReadByGroupType returns the service groups of typ in [start, end]. Only
// service declarations group.
func (db *Database) ReadByGroupType(start, end uint16, typ att.UUID) ([]att.GroupValue, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	if !isServiceDecl(typ) {
		return nil, &Error{Code: att.ErrUnsupportedGroupType, Handle: start}
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []att.GroupValue
	db.each(start, end, func(a *Attribute) bool {
		if !a.Type.Equal(typ) {
			return true
		}
		if len(out) > 0 && len(a.Value) != len(out[0].Value) {
			return false
		}
		out = append(out, att.GroupValue{
			Handle:   a.Handle,
			GroupEnd: db.groupEnd(a.Handle),
			Value:    append([]byte(nil), a.Value...),
		})
		return true
	})
	if len(out) == 0 {
		return nil, &Error{Code: att.ErrAttributeNotFound, Handle: start}
	}
	return out, nil
}

// CharacteristicOf returns the value handle of the characteristic a
// descriptor at handle belongs to
func (db *Database) CharacteristicOf(handle uint16) (uint16, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var value uint16
	db.each(1, handle, func(a *Attribute) bool {
		switch {
		case isServiceDecl(a.Type):
			value = 0
		case a.Type.Equal(UUIDCharacteristic) && len(a.Value) >= 3:
			value = binary.LittleEndian.Uint16(a.Value[1:3])
		}
		return true
	})
	return value, value != 0 && value < handle
}

// DiscoveredService is a service seen in a Read By Group Type response
type DiscoveredService struct {
	UUID        att.UUID
	StartHandle uint16
	EndHandle   uint16
}

// DiscoveredCharacteristic is a characteristic declaration seen in a Read By
// Type response
type DiscoveredCharacteristic struct {
	UUID              att.UUID
	Properties        uint8
	ValueHandle       uint16
	DeclarationHandle uint16
}

// DiscoveredDescriptor is an entry seen in a Find Information response
type DiscoveredDescriptor struct {
	UUID   att.UUID
	Handle uint16
}

// DiscoveryCache is what a client learned about one peer's table
type DiscoveryCache struct {
	Services        []DiscoveredService
	Characteristics []DiscoveredCharacteristic
	Descriptors     []DiscoveredDescriptor
}

// NewDiscoveryCache creates an empty cache
func NewDiscoveryCache() *DiscoveryCache {
	return &DiscoveryCache{}
}

// AddServices records a Read By Group Type response and returns the last
// group end, where the next request should continue from
func (dc *DiscoveryCache) AddServices(p *att.ReadByGroupTypeResponse) (uint16, error) {
	var last uint16
	for _, e := range p.Entries {
		u, err := att.UUIDFromBytes(e.Value)
		if err != nil {
			return last, errors.Wrapf(err, "service at 0x%04X", e.Handle)
		}
		dc.Services = append(dc.Services, DiscoveredService{UUID: u, StartHandle: e.Handle, EndHandle: e.GroupEnd})
		last = e.GroupEnd
	}
	return last, nil
}

// AddFoundServices records a Find By Type Value response for a service UUID
func (dc *DiscoveryCache) AddFoundServices(uuid att.UUID, p *att.FindByTypeValueResponse) uint16 {
	var last uint16
	for _, r := range p.Ranges {
		dc.Services = append(dc.Services, DiscoveredService{UUID: uuid, StartHandle: r.Found, EndHandle: r.GroupEnd})
		last = r.GroupEnd
	}
	return last
}

// AddCharacteristics records a Read By Type response for characteristic
// declarations and returns the last declaration handle
func (dc *DiscoveryCache) AddCharacteristics(p *att.ReadByTypeResponse) (uint16, error) {
	var last uint16
	for _, e := range p.Entries {
		c, err := ParseCharacteristicDeclaration(e.Handle, e.Value)
		if err != nil {
			return last, err
		}
		dc.Characteristics = append(dc.Characteristics, c)
		last = e.Handle
	}
	return last, nil
}

// AddDescriptors records a Find Information response and returns the last
// handle in it
func (dc *DiscoveryCache) AddDescriptors(p *att.FindInformationResponse) uint16 {
	var last uint16
	for _, e := range p.Entries {
		dc.Descriptors = append(dc.Descriptors, DiscoveredDescriptor{UUID: e.UUID, Handle: e.Handle})
		last = e.Handle
	}
	return last
}

// ParseCharacteristicDeclaration decodes properties, value handle and UUID
func ParseCharacteristicDeclaration(handle uint16, value []byte) (DiscoveredCharacteristic, error) {
	if len(value) != 5 && len(value) != 19 {
		return DiscoveredCharacteristic{}, errors.Wrapf(att.ErrMalformedPDU, "characteristic declaration of %d bytes", len(value))
	}
	u, err := att.UUIDFromBytes(value[3:])
	if err != nil {
		return DiscoveredCharacteristic{}, err
	}
	return DiscoveredCharacteristic{
		UUID:              u,
		Properties:        value[0],
		ValueHandle:       binary.LittleEndian.Uint16(value[1:3]),
		DeclarationHandle: handle,
	}, nil
}

// HasService reports whether a service with uuid was discovered
func (dc *DiscoveryCache) HasService(uuid att.UUID) bool {
	for _, s := range dc.Services {
		if s.UUID.Equal(uuid) {
			return true
		}
	}
	return false
}

// FindCharacteristic returns the first discovered characteristic with uuid
func (dc *DiscoveryCache) FindCharacteristic(uuid att.UUID) (DiscoveredCharacteristic, bool) {
	for _, c := range dc.Characteristics {
		if c.UUID.Equal(uuid) {
			return c, true
		}
	}
	return DiscoveredCharacteristic{}, false
}

// FindDescriptor returns the handle of the first descriptor of type uuid
// after valueHandle and before the next characteristic declaration
func (dc *DiscoveryCache) FindDescriptor(valueHandle uint16, uuid att.UUID) (uint16, bool) {
	limit := uint16(0xFFFF)
	for _, c := range dc.Characteristics {
		if c.DeclarationHandle > valueHandle && c.DeclarationHandle < limit {
			limit = c.DeclarationHandle
		}
	}
	for _, d := range dc.Descriptors {
		if d.Handle > valueHandle && d.Handle < limit && d.UUID.Equal(uuid) {
			return d.Handle, true
		}
	}
	return 0, false
}

// Reset forgets everything
func (dc *DiscoveryCache) Reset() {
	dc.Services = nil
	dc.Characteristics = nil
	dc.Descriptors = nil
}
