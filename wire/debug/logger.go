package debug

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/attengine/util"
	"github.com/user/attengine/wire/att"
)

// TraceFile is the file name a Recorder writes inside its trace directory
const TraceFile = "att_packets.jsonl"

// Directions
const (
	TX = "tx"
	RX = "rx"
)

// Record is one traced ATT PDU
type Record struct {
	Timestamp time.Time
	Direction string
	Session   string
	Handle    uint16
	Transport string
	Raw       []byte
}

// Recorder appends one JSON line per ATT PDU. Lines are protojson-encoded
// google.protobuf.Struct values so other tools can read them without this
// package. A nil or disabled Recorder discards everything.
type Recorder struct {
	mu      sync.Mutex
	out     io.Writer
	closer  io.Closer
	enabled bool
}

// NewRecorder writes to out
func NewRecorder(out io.Writer) *Recorder {
	return &Recorder{out: out, enabled: out != nil}
}

// OpenRecorder appends to the trace file of the named engine under the data
// directory
func OpenRecorder(name string) (*Recorder, error) {
	dir, err := util.GetTraceDir(name)
	if err != nil {
		return nil, errors.Wrap(err, "debug: trace dir")
	}
	path := filepath.Join(dir, TraceFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "debug: open %s", path)
	}
	return &Recorder{out: f, closer: f, enabled: true}, nil
}

// Enabled reports whether records are written
func (d *Recorder) Enabled() bool {
	return d != nil && d.enabled
}

// Log writes one record. Tracing is best-effort: write errors are returned for
// the caller to log but never stop the engine.
func (d *Recorder) Log(rec Record) error {
	if !d.Enabled() {
		return nil
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	line, err := rec.marshal()
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.out.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "debug: write record")
	}
	return nil
}

// Close closes the underlying file, if the Recorder opened one
func (d *Recorder) Close() error {
	if d == nil || d.closer == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = false
	return d.closer.Close()
}

func (rec Record) marshal() ([]byte, error) {
	fields := map[string]interface{}{
		"timestamp": rec.Timestamp.Format(time.RFC3339Nano),
		"direction": rec.Direction,
		"handle":    float64(rec.Handle),
		"raw_hex":   hex.EncodeToString(rec.Raw),
	}
	if rec.Session != "" {
		fields["session"] = rec.Session
	}
	if rec.Transport != "" {
		fields["transport"] = rec.Transport
	}
	if len(rec.Raw) > 0 {
		fields["opcode"] = fmt.Sprintf("0x%02X", rec.Raw[0])
		fields["opcode_name"] = att.OpcodeName(rec.Raw[0])
		fields["kind"] = att.KindOf(rec.Raw[0]).String()
		if pdu, err := att.Decode(rec.Raw); err == nil {
			fields["pdu"] = Describe(pdu)
		} else {
			fields["decode_error"] = err.Error()
		}
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, "debug: build record")
	}
	line, err := protojson.MarshalOptions{Multiline: false}.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "debug: marshal record")
	}
	return line, nil
}

// ReadRecords parses a trace written by a Recorder
func ReadRecords(r io.Reader) ([]Record, error) {
	var out []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		s := &structpb.Struct{}
		if err := protojson.Unmarshal(sc.Bytes(), s); err != nil {
			return out, errors.Wrapf(err, "debug: line %d", lineNo)
		}
		m := s.AsMap()

		rec := Record{}
		rec.Direction, _ = m["direction"].(string)
		rec.Session, _ = m["session"].(string)
		rec.Transport, _ = m["transport"].(string)
		if h, ok := m["handle"].(float64); ok {
			rec.Handle = uint16(h)
		}
		if ts, ok := m["timestamp"].(string); ok {
			rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		}
		if raw, ok := m["raw_hex"].(string); ok {
			b, err := hex.DecodeString(raw)
			if err != nil {
				return out, errors.Wrapf(err, "debug: line %d raw_hex", lineNo)
			}
			rec.Raw = b
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
