package gatt

import (
	"bytes"
	"testing"

	"github.com/user/attengine/wire/att"
)

func wantCode(t *testing.T, what string, err error, code uint8) {
	t.Helper()
	if err == nil {
		t.Errorf("%s: expected error 0x%02X, got none", what, code)
		return
	}
	if got, _ := ErrorCode(err); got != code {
		t.Errorf("%s: error = %v, want code 0x%02X", what, err, code)
	}
}

func TestReadByGroupType(t *testing.T) {
	db, _ := testTable(t)

	// The vendor service has a longer value, so it needs its own request.
	groups, err := db.ReadByGroupType(0x0001, 0xFFFF, UUIDPrimaryService)
	if err != nil {
		t.Fatalf("ReadByGroupType failed: %v", err)
	}
	if len(groups) != 1 || groups[0].Handle != 0x0001 || groups[0].GroupEnd != 0x0005 {
		t.Fatalf("groups = %+v", groups)
	}

	groups, err = db.ReadByGroupType(0x0006, 0xFFFF, UUIDPrimaryService)
	if err != nil {
		t.Fatalf("ReadByGroupType failed: %v", err)
	}
	if len(groups) != 1 || groups[0].Handle != 0x0006 || groups[0].GroupEnd != 0x000D {
		t.Fatalf("groups = %+v", groups)
	}
	if !bytes.Equal(groups[0].Value, vendorService.Bytes()) {
		t.Errorf("group value = %x, want %x", groups[0].Value, vendorService.Bytes())
	}

	_, err = db.ReadByGroupType(0x000E, 0xFFFF, UUIDPrimaryService)
	wantCode(t, "past the end", err, att.ErrAttributeNotFound)
	_, err = db.ReadByGroupType(0x0001, 0xFFFF, UUIDCharacteristic)
	wantCode(t, "characteristic group", err, att.ErrUnsupportedGroupType)
	_, err = db.ReadByGroupType(0x0005, 0x0001, UUIDPrimaryService)
	wantCode(t, "reversed range", err, att.ErrInvalidHandle)
}

func TestReadByType(t *testing.T) {
	db, _ := testTable(t)

	decls, err := db.ReadByType(0x0001, 0xFFFF, UUIDCharacteristic)
	if err != nil {
		t.Fatalf("ReadByType failed: %v", err)
	}
	want := []uint16{0x0002, 0x0004, 0x0007, 0x000A, 0x000C}
	if len(decls) != len(want) {
		t.Fatalf("Expected %d declarations, got %+v", len(want), decls)
	}
	for i, h := range want {
		if decls[i].Handle != h {
			t.Errorf("declaration %d at 0x%04X, want 0x%04X", i, decls[i].Handle, h)
		}
	}

	name, err := db.ReadByType(0x0001, 0x0005, att.UUID16(0x2A00))
	if err != nil || len(name) != 1 || string(name[0].Value) != "dev" {
		t.Errorf("device name = %+v, %v", name, err)
	}

	_, err = db.ReadByType(0x0001, 0xFFFF, att.UUID16(0x2A06))
	wantCode(t, "write-only value", err, att.ErrReadNotPermitted)
	_, err = db.ReadByType(0x0001, 0xFFFF, att.UUID16(0x2A19))
	wantCode(t, "absent type", err, att.ErrAttributeNotFound)
}

func TestFindInformation(t *testing.T) {
	db, _ := testTable(t)

	entries, err := db.FindInformation(0x0008, 0x0009)
	if err != nil {
		t.Fatalf("FindInformation failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %+v", entries)
	}
	if !entries[1].UUID.Equal(UUIDClientCharacteristicConfig) {
		t.Errorf("entry 1 = %s, want 2902", entries[1].UUID)
	}

	db.Put(0x0030, vendorService, nil, PermAll)
	all, err := db.FindInformation(0x0001, 0xFFFF)
	if err != nil {
		t.Fatalf("FindInformation failed: %v", err)
	}
	if len(all) != 13 {
		t.Errorf("Expected the 13 16-bit entries, got %d", len(all))
	}
	long, err := db.FindInformation(0x000E, 0xFFFF)
	if err != nil || len(long) != 1 || long[0].Handle != 0x0030 {
		t.Errorf("128-bit entry = %+v, %v", long, err)
	}

	_, err = db.FindInformation(0x0031, 0xFFFF)
	wantCode(t, "empty range", err, att.ErrAttributeNotFound)
	_, err = db.FindInformation(0, 0x0010)
	wantCode(t, "handle 0", err, att.ErrInvalidHandle)
}

func TestFindByTypeValue(t *testing.T) {
	db, _ := testTable(t)

	ranges, err := db.FindByTypeValue(0x0001, 0xFFFF, 0x2800, vendorService.Bytes())
	if err != nil {
		t.Fatalf("FindByTypeValue failed: %v", err)
	}
	if len(ranges) != 1 || ranges[0].Found != 0x0006 || ranges[0].GroupEnd != 0x000D {
		t.Errorf("ranges = %+v", ranges)
	}

	ranges, err = db.FindByTypeValue(0x0001, 0xFFFF, 0x2A39, []byte{0x01})
	if err != nil || len(ranges) != 1 || ranges[0].Found != 0x000B || ranges[0].GroupEnd != 0x000B {
		t.Errorf("non-grouping ranges = %+v, %v", ranges, err)
	}

	_, err = db.FindByTypeValue(0x0001, 0xFFFF, 0x2800, []byte{0x0F, 0x18})
	wantCode(t, "absent service", err, att.ErrAttributeNotFound)
}

func TestCharacteristicOf(t *testing.T) {
	db, _ := testTable(t)

	tests := []struct {
		handle uint16
		want   uint16
		ok     bool
	}{
		{0x0009, 0x0008, true},
		{0x0008, 0, false},
		{0x0006, 0, false},
		{0x000D, 0, false},
	}
	for _, tt := range tests {
		got, ok := db.CharacteristicOf(tt.handle)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("CharacteristicOf(0x%04X) = 0x%04X, %v, want 0x%04X, %v", tt.handle, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDiscoveryCacheFromResponses(t *testing.T) {
	db, _ := testTable(t)
	dc := NewDiscoveryCache()

	start := uint16(0x0001)
	for {
		groups, err := db.ReadByGroupType(start, 0xFFFF, UUIDPrimaryService)
		if err != nil {
			break
		}
		last, err := dc.AddServices(&att.ReadByGroupTypeResponse{Entries: groups})
		if err != nil {
			t.Fatalf("AddServices failed: %v", err)
		}
		start = last + 1
	}
	if len(dc.Services) != 2 || !dc.HasService(vendorService) || !dc.HasService(att.UUID16(0x1800)) {
		t.Fatalf("services = %+v", dc.Services)
	}

	decls, _ := db.ReadByType(0x0001, 0xFFFF, UUIDCharacteristic)
	if _, err := dc.AddCharacteristics(&att.ReadByTypeResponse{Entries: decls}); err != nil {
		t.Fatalf("AddCharacteristics failed: %v", err)
	}
	c, ok := dc.FindCharacteristic(att.UUID16(0x2A37))
	if !ok || c.ValueHandle != 0x0008 {
		t.Fatalf("FindCharacteristic(2A37) = %+v, %v", c, ok)
	}

	info, _ := db.FindInformation(c.ValueHandle+1, 0xFFFF)
	dc.AddDescriptors(&att.FindInformationResponse{Entries: info})
	if h, ok := dc.FindDescriptor(c.ValueHandle, UUIDClientCharacteristicConfig); !ok || h != 0x0009 {
		t.Errorf("FindDescriptor = 0x%04X, %v, want 0x0009", h, ok)
	}
	if _, ok := dc.FindDescriptor(0x000B, UUIDClientCharacteristicConfig); ok {
		t.Error("Expected no configuration descriptor after 0x000B")
	}

	if _, err := dc.AddCharacteristics(&att.ReadByTypeResponse{Entries: []att.HandleValue{{Handle: 2, Value: []byte{1, 2}}}}); err == nil {
		t.Error("Expected error for a short declaration")
	}

	dc.Reset()
	if len(dc.Services)+len(dc.Characteristics)+len(dc.Descriptors) != 0 {
		t.Error("Reset left entries behind")
	}
}
