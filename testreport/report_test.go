package testreport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/debug"
)

type tracedPDU struct {
	dir string
	pdu att.PDU
}

func writeTrace(t *testing.T, dataDir, name string, pdus []tracedPDU) {
	t.Helper()
	dir := filepath.Join(dataDir, "trace", name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	f, err := os.Create(filepath.Join(dir, debug.TraceFile))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()

	rec := debug.NewRecorder(f)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, p := range pdus {
		raw, err := att.Encode(p.pdu, att.MaxMTU)
		if err != nil {
			t.Fatalf("Encode(%T) failed: %v", p.pdu, err)
		}
		if err := rec.Log(debug.Record{
			Timestamp: base.Add(time.Duration(i) * 10 * time.Millisecond),
			Direction: p.dir,
			Session:   "s1",
			Handle:    1,
			Transport: "le",
			Raw:       raw,
		}); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}
}

func TestGenerateCleanTrace(t *testing.T) {
	dataDir := t.TempDir()
	writeTrace(t, dataDir, "central", []tracedPDU{
		{debug.TX, &att.ReadRequest{Handle: 3}},
		{debug.RX, &att.ReadResponse{Value: []byte("hi")}},
		{debug.RX, &att.HandleValueIndication{Handle: 3, Value: []byte{1}}},
		{debug.TX, &att.HandleValueConfirmation{}},
	})

	path, err := Generate(dataDir)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	report := string(data)
	if !strings.Contains(report, "**central** - 4 records in 1 sessions") {
		t.Errorf("Expected engine summary, got:\n%s", report)
	}
	if !strings.Contains(report, "## No Issues") {
		t.Errorf("Expected a clean report, got:\n%s", report)
	}
}

func TestGenerateFindsIssues(t *testing.T) {
	dataDir := t.TempDir()
	writeTrace(t, dataDir, "peripheral", []tracedPDU{
		{debug.RX, &att.ReadRequest{Handle: 0x42}},
		{debug.TX, &att.ErrorResponse{RequestOpcode: att.OpReadRequest, Handle: 0x42, ErrorCode: att.ErrInvalidHandle}},
		{debug.TX, &att.HandleValueIndication{Handle: 3, Value: []byte{1}}},
		{debug.TX, &att.WriteRequest{Handle: 5, Value: []byte{1}}},
	})

	path, err := Generate(dataDir)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	report := string(data)

	for _, want := range []string{
		"[ERROR] peer of peripheral never answered " + att.OpcodeName(att.OpWriteRequest),
		"[ERROR] indication from peripheral never confirmed",
		"[WARNING] 1 x " + att.ErrorName(att.ErrInvalidHandle),
	} {
		if !strings.Contains(report, want) {
			t.Errorf("Expected %q in report:\n%s", want, report)
		}
	}
}

func TestAnalyzeCounts(t *testing.T) {
	records := []debug.Record{
		{Direction: debug.TX, Session: "a", Raw: []byte{att.OpReadRequest, 0x03, 0x00}},
		{Direction: debug.RX, Session: "a", Raw: []byte{att.OpReadResponse}},
		{Direction: debug.RX, Session: "b", Raw: []byte{att.OpReadRequest}},
		{Direction: debug.RX, Session: "b"},
	}
	info := Analyze("x", "", records)
	if len(info.Sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(info.Sessions))
	}
	a := info.Sessions[0]
	if a.Counts[att.KindRequest] != 1 || a.Counts[att.KindResponse] != 1 || len(a.pendingOut) != 0 {
		t.Errorf("session a = %+v", a)
	}
	if b := info.Sessions[1]; b.Undecoded != 2 {
		t.Errorf("session b undecoded = %d, want 2", b.Undecoded)
	}
}

func TestGenerateWithoutTraces(t *testing.T) {
	if _, err := Generate(t.TempDir()); err == nil {
		t.Error("Expected error for a data directory without traces")
	}
}
