// Package gatt keeps a server's attribute table and answers the ATT queries
// a client runs against it: plain reads and writes, the discovery requests
// and client characteristic configuration. It also holds what a client
// learns from discovery responses.
package gatt

import (
	"sort"
	"sync"

	"github.com/user/attengine/wire/att"
)

// Declaration and descriptor types
var (
	UUIDPrimaryService   = att.UUID16(0x2800)
	UUIDSecondaryService = att.UUID16(0x2801)
	UUIDInclude          = att.UUID16(0x2802)
	UUIDCharacteristic   = att.UUID16(0x2803)

	UUIDCharExtProps               = att.UUID16(0x2900)
	UUIDCharUserDescription        = att.UUID16(0x2901)
	UUIDClientCharacteristicConfig = att.UUID16(0x2902)

	// UUIDString types attributes placed by handle without a declaration
	UUIDString = att.UUID16(0x2A3D)
)

// Characteristic properties
const (
	PropBroadcast                 = 0x01
	PropRead                      = 0x02
	PropWriteWithoutResponse      = 0x04
	PropWrite                     = 0x08
	PropNotify                    = 0x10
	PropIndicate                  = 0x20
	PropAuthenticatedSignedWrites = 0x40
	PropExtendedProperties        = 0x80
)

// Attribute permissions. These never go over the air.
const (
	PermReadable    = 0x01
	PermWritable    = 0x02
	PermSignedWrite = 0x04

	PermAll = PermReadable | PermWritable | PermSignedWrite
)

// Attribute is one row of the table
type Attribute struct {
	Handle      uint16
	Type        att.UUID
	Value       []byte
	Permissions uint8
}

// Database is a server's attribute table, ordered by handle
type Database struct {
	mu      sync.RWMutex
	attrs   map[uint16]*Attribute
	handles []uint16 // sorted
}

// NewDatabase creates an empty table
func NewDatabase() *Database {
	return &Database{attrs: make(map[uint16]*Attribute)}
}

// Add appends an attribute after the last handle and returns its handle
func (db *Database) Add(typ att.UUID, value []byte, perm uint8) uint16 {
	db.mu.Lock()
	defer db.mu.Unlock()

	handle := uint16(1)
	if n := len(db.handles); n > 0 {
		handle = db.handles[n-1] + 1
	}
	db.put(handle, typ, value, perm)
	return handle
}

// Put places an attribute at handle, replacing whatever was there
func (db *Database) Put(handle uint16, typ att.UUID, value []byte, perm uint8) error {
	if handle == 0 {
		return &Error{Code: att.ErrInvalidHandle}
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.put(handle, typ, value, perm)
	return nil
}

func (db *Database) put(handle uint16, typ att.UUID, value []byte, perm uint8) {
	if _, ok := db.attrs[handle]; !ok {
		i := sort.Search(len(db.handles), func(i int) bool { return db.handles[i] >= handle })
		db.handles = append(db.handles, 0)
		copy(db.handles[i+1:], db.handles[i:])
		db.handles[i] = handle
	}
	db.attrs[handle] = &Attribute{
		Handle:      handle,
		Type:        typ,
		Value:       append([]byte(nil), value...),
		Permissions: perm,
	}
}

// Get returns a copy of the attribute at handle
func (db *Database) Get(handle uint16) (Attribute, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	a, ok := db.attrs[handle]
	if !ok {
		return Attribute{}, false
	}
	out := *a
	out.Value = append([]byte(nil), a.Value...)
	return out, true
}

// Value returns a copy of the value at handle
func (db *Database) Value(handle uint16) ([]byte, bool) {
	a, ok := db.Get(handle)
	return a.Value, ok
}

// SetValue replaces the value at handle without checking permissions
func (db *Database) SetValue(handle uint16, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	a, ok := db.attrs[handle]
	if !ok {
		return &Error{Code: att.ErrInvalidHandle, Handle: handle}
	}
	a.Value = append([]byte(nil), value...)
	return nil
}

// Handles returns every handle in order
func (db *Database) Handles() []uint16 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return append([]uint16(nil), db.handles...)
}

// Len returns the number of attributes
func (db *Database) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.handles)
}

// LastHandle returns the highest handle in use, 0 for an empty table
func (db *Database) LastHandle() uint16 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if len(db.handles) == 0 {
		return 0
	}
	return db.handles[len(db.handles)-1]
}

// Read returns the value at handle from offset on. A Read Request is a read
// at offset 0.
func (db *Database) Read(handle, offset uint16) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	a, ok := db.attrs[handle]
	switch {
	case !ok:
		return nil, &Error{Code: att.ErrInvalidHandle, Handle: handle}
	case a.Permissions&PermReadable == 0:
		return nil, &Error{Code: att.ErrReadNotPermitted, Handle: handle}
	case int(offset) > len(a.Value):
		return nil, &Error{Code: att.ErrInvalidOffset, Handle: handle}
	}
	return append([]byte(nil), a.Value[offset:]...), nil
}

// ReadMultiple concatenates the values of handles. The first handle that
// cannot be read fails the whole request.
func (db *Database) ReadMultiple(handles []uint16) ([]byte, error) {
	var out []byte
	for _, h := range handles {
		v, err := db.Read(h, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, v...)
	}
	return out, nil
}

// Write stores value at handle if perm is granted. A client characteristic
// configuration value must be exactly two bytes.
func (db *Database) Write(handle uint16, value []byte, perm uint8) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	a, ok := db.attrs[handle]
	switch {
	case !ok:
		return &Error{Code: att.ErrInvalidHandle, Handle: handle}
	case a.Permissions&perm == 0:
		return &Error{Code: att.ErrWriteNotPermitted, Handle: handle}
	case a.Type.Equal(UUIDClientCharacteristicConfig) && len(value) != 2:
		return &Error{Code: att.ErrInvalidAttributeValueLength, Handle: handle}
	}
	a.Value = append([]byte(nil), value...)
	return nil
}

// WriteAt places value at offset inside the value at handle, growing it as
// needed. Used to execute queued prepared writes.
func (db *Database) WriteAt(handle, offset uint16, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	a, ok := db.attrs[handle]
	switch {
	case !ok:
		return &Error{Code: att.ErrInvalidHandle, Handle: handle}
	case a.Permissions&PermWritable == 0:
		return &Error{Code: att.ErrWriteNotPermitted, Handle: handle}
	case int(offset) > len(a.Value):
		return &Error{Code: att.ErrInvalidOffset, Handle: handle}
	}
	if end := int(offset) + len(value); end > len(a.Value) {
		grown := make([]byte, end)
		copy(grown, a.Value)
		a.Value = grown
	}
	copy(a.Value[offset:], value)
	return nil
}

// each calls fn for every attribute in [start, end] until fn returns false.
// The caller holds db.mu.
func (db *Database) each(start, end uint16, fn func(a *Attribute) bool) {
	i := sort.Search(len(db.handles), func(i int) bool { return db.handles[i] >= start })
	for ; i < len(db.handles) && db.handles[i] <= end; i++ {
		if !fn(db.attrs[db.handles[i]]) {
			return
		}
	}
}
