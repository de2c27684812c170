package gatt

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/user/attengine/wire/att"
)

// Service is a service definition before it has handles
type Service struct {
	UUID            att.UUID
	Primary         bool
	Characteristics []Characteristic
}

// Characteristic is a characteristic definition before it has handles
type Characteristic struct {
	UUID        att.UUID
	Properties  uint8
	Value       []byte
	Descriptors []Descriptor
}

// Descriptor is an extra attribute following a characteristic value
type Descriptor struct {
	UUID  att.UUID
	Value []byte
}

// ServiceHandles are the handles a built service landed on
type ServiceHandles struct {
	StartHandle uint16 // the service declaration
	EndHandle   uint16
	CharHandles map[string]uint16 // characteristic UUID -> value handle
	CCCDHandles map[uint16]uint16 // value handle -> configuration descriptor
}

// Build appends services to db in order. Each service starts right after
// the highest handle already in the table.
func Build(db *Database, services []Service) ([]*ServiceHandles, error) {
	out := make([]*ServiceHandles, 0, len(services))
	for _, s := range services {
		if !s.UUID.Valid() {
			return nil, errors.New("gatt: service without uuid")
		}
		info, err := buildService(db, s)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func buildService(db *Database, s Service) (*ServiceHandles, error) {
	info := &ServiceHandles{
		CharHandles: make(map[string]uint16),
		CCCDHandles: make(map[uint16]uint16),
	}

	declType := UUIDSecondaryService
	if s.Primary {
		declType = UUIDPrimaryService
	}
	info.StartHandle = db.Add(declType, s.UUID.Bytes(), PermReadable)

	for _, c := range s.Characteristics {
		if !c.UUID.Valid() {
			return nil, errors.Errorf("gatt: characteristic without uuid in service %s", s.UUID)
		}
		_, value, cccd := buildCharacteristic(db, c)
		info.CharHandles[c.UUID.Shorten().String()] = value
		if cccd != 0 {
			info.CCCDHandles[value] = cccd
		}
	}
	info.EndHandle = db.LastHandle()
	return info, nil
}

// buildCharacteristic adds the declaration, the value and the descriptors.
// The configuration descriptor is added for notify and indicate.
func buildCharacteristic(db *Database, c Characteristic) (decl, value, cccd uint16) {
	uuid := c.UUID.Bytes()
	declValue := make([]byte, 3+len(uuid))
	declValue[0] = c.Properties
	copy(declValue[3:], uuid)

	decl = db.Add(UUIDCharacteristic, declValue, PermReadable)
	value = db.Add(c.UUID, c.Value, permissionsFor(c.Properties))

	binary.LittleEndian.PutUint16(declValue[1:3], value)
	db.SetValue(decl, declValue)

	for _, d := range c.Descriptors {
		db.Add(d.UUID, d.Value, PermReadable|PermWritable)
	}
	if c.Properties&(PropNotify|PropIndicate) != 0 {
		cccd = db.Add(UUIDClientCharacteristicConfig, []byte{0x00, 0x00}, PermReadable|PermWritable)
	}
	return decl, value, cccd
}

func permissionsFor(properties uint8) uint8 {
	var perms uint8
	if properties&PropRead != 0 {
		perms |= PermReadable
	}
	if properties&(PropWrite|PropWriteWithoutResponse) != 0 {
		perms |= PermWritable
	}
	if properties&PropAuthenticatedSignedWrites != 0 {
		perms |= PermSignedWrite
	}
	return perms
}

// NewGenericAccessService creates the Generic Access service (0x1800)
func NewGenericAccessService(deviceName string, appearance uint16) Service {
	return Service{
		UUID:    att.UUID16(0x1800),
		Primary: true,
		Characteristics: []Characteristic{
			NewReadOnlyCharacteristic(att.UUID16(0x2A00), []byte(deviceName)),
			NewReadOnlyCharacteristic(att.UUID16(0x2A01), []byte{byte(appearance), byte(appearance >> 8)}),
		},
	}
}

// NewGenericAttributeService creates the Generic Attribute service (0x1801)
// with its Service Changed characteristic
func NewGenericAttributeService() Service {
	return Service{
		UUID:    att.UUID16(0x1801),
		Primary: true,
		Characteristics: []Characteristic{
			{UUID: att.UUID16(0x2A05), Properties: PropIndicate, Value: []byte{0, 0, 0, 0}},
		},
	}
}

// NewReadWriteCharacteristic creates a readable and writable characteristic
func NewReadWriteCharacteristic(uuid att.UUID, value []byte) Characteristic {
	return Characteristic{UUID: uuid, Properties: PropRead | PropWrite, Value: value}
}

// NewNotifyCharacteristic creates a readable characteristic that notifies
func NewNotifyCharacteristic(uuid att.UUID, value []byte) Characteristic {
	return Characteristic{UUID: uuid, Properties: PropRead | PropNotify, Value: value}
}

// NewReadOnlyCharacteristic creates a read-only characteristic
func NewReadOnlyCharacteristic(uuid att.UUID, value []byte) Characteristic {
	return Characteristic{UUID: uuid, Properties: PropRead, Value: value}
}

// FindCharacteristicHandle returns the value handle of a characteristic in a
// built service
func FindCharacteristicHandle(info *ServiceHandles, uuid att.UUID) (uint16, error) {
	h, ok := info.CharHandles[uuid.Shorten().String()]
	if !ok {
		return 0, errors.Errorf("gatt: characteristic %s not found in service", uuid)
	}
	return h, nil
}
