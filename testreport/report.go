// Package testreport turns the PDU traces engines leave under the data
// directory into a markdown report: traffic per engine and session, and the
// conversations that went wrong.
package testreport

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/user/attengine/util"
	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/debug"
)

// EngineInfo holds what one engine's trace file says
type EngineInfo struct {
	Name     string
	Path     string
	Records  int
	Sessions []*SessionInfo
}

// SessionInfo counts the PDUs of one connection
type SessionInfo struct {
	Session   string
	Transport string
	First     time.Time
	Last      time.Time
	Counts    map[att.Kind]int // by kind, both directions
	Errors    map[uint8]int    // error code -> count, both directions
	Undecoded int

	pendingOut []debug.Record // our requests waiting for a response
	pendingIn  []debug.Record // peer requests waiting for our response
	indicating []debug.Record // indications sent, waiting for confirmation
}

// TestIssue is a problem found in a trace
type TestIssue struct {
	Severity    string // "ERROR" or "WARNING"
	Engine      string
	Session     string
	Description string
	Timeline    []string
}

// Generate writes a report for every engine trace under the data directory
// and returns its path
func Generate(dataDir string) (string, error) {
	if dataDir == "" {
		dataDir = util.GetDataDir()
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	reportPath := filepath.Join(dataDir, fmt.Sprintf("trace_report_%s.md", timestamp))

	engines, err := discoverEngines(dataDir)
	if err != nil {
		return "", errors.Wrap(err, "error discovering traces")
	}
	if len(engines) == 0 {
		return "", errors.Errorf("no traces found in %s", filepath.Join(dataDir, "trace"))
	}

	issues := detectIssues(engines)
	report := generateReport(timestamp, engines, issues)
	if err := os.WriteFile(reportPath, []byte(report), 0644); err != nil {
		return "", errors.Wrap(err, "error writing report")
	}
	return reportPath, nil
}

func discoverEngines(dataDir string) ([]*EngineInfo, error) {
	traceDir := filepath.Join(dataDir, "trace")
	entries, err := os.ReadDir(traceDir)
	if err != nil {
		return nil, err
	}

	var engines []*EngineInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(traceDir, entry.Name(), debug.TraceFile)
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		records, err := debug.ReadRecords(f)
		f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
		engines = append(engines, Analyze(entry.Name(), path, records))
	}
	return engines, nil
}

// Analyze groups an engine's records by session
func Analyze(name, path string, records []debug.Record) *EngineInfo {
	info := &EngineInfo{Name: name, Path: path, Records: len(records)}
	bySession := make(map[string]*SessionInfo)

	for _, rec := range records {
		s, ok := bySession[rec.Session]
		if !ok {
			s = &SessionInfo{
				Session:   rec.Session,
				Transport: rec.Transport,
				First:     rec.Timestamp,
				Counts:    make(map[att.Kind]int),
				Errors:    make(map[uint8]int),
			}
			bySession[rec.Session] = s
			info.Sessions = append(info.Sessions, s)
		}
		s.Last = rec.Timestamp
		s.add(rec)
	}
	return info
}

func (s *SessionInfo) add(rec debug.Record) {
	if len(rec.Raw) == 0 {
		s.Undecoded++
		return
	}
	if _, err := att.Decode(rec.Raw); err != nil {
		s.Undecoded++
		return
	}

	op := rec.Raw[0]
	kind := att.KindOf(op)
	s.Counts[kind]++
	out := rec.Direction == debug.TX

	switch kind {
	case att.KindRequest:
		if out {
			s.pendingOut = append(s.pendingOut, rec)
		} else {
			s.pendingIn = append(s.pendingIn, rec)
		}
	case att.KindResponse:
		if op == att.OpErrorResponse && len(rec.Raw) >= 5 {
			s.Errors[rec.Raw[4]]++
		}
		// a response we send answers the peer, one we receive answers us
		if out {
			s.pendingIn = popFront(s.pendingIn)
		} else {
			s.pendingOut = popFront(s.pendingOut)
		}
	case att.KindIndication:
		if out {
			s.indicating = append(s.indicating, rec)
		}
	case att.KindConfirmation:
		if !out {
			s.indicating = popFront(s.indicating)
		}
	}
}

func popFront(q []debug.Record) []debug.Record {
	if len(q) == 0 {
		return q
	}
	return q[1:]
}

func detectIssues(engines []*EngineInfo) []TestIssue {
	var issues []TestIssue

	for _, e := range engines {
		for _, s := range e.Sessions {
			for _, rec := range s.pendingOut {
				issues = append(issues, TestIssue{
					Severity:    "ERROR",
					Engine:      e.Name,
					Session:     s.Session,
					Description: fmt.Sprintf("peer of %s never answered %s", e.Name, att.OpcodeName(rec.Raw[0])),
					Timeline:    investigate(s, rec),
				})
			}
			for _, rec := range s.indicating {
				issues = append(issues, TestIssue{
					Severity:    "ERROR",
					Engine:      e.Name,
					Session:     s.Session,
					Description: fmt.Sprintf("indication from %s never confirmed", e.Name),
					Timeline:    investigate(s, rec),
				})
			}
			for code, n := range s.Errors {
				issues = append(issues, TestIssue{
					Severity:    "WARNING",
					Engine:      e.Name,
					Session:     s.Session,
					Description: fmt.Sprintf("%d x %s in session %s of %s", n, att.ErrorName(code), s.Session, e.Name),
				})
			}
			if s.Undecoded > 0 {
				issues = append(issues, TestIssue{
					Severity:    "WARNING",
					Engine:      e.Name,
					Session:     s.Session,
					Description: fmt.Sprintf("%d undecodable records in session %s of %s", s.Undecoded, s.Session, e.Name),
				})
			}
		}
	}

	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].Severity < issues[j].Severity
	})
	return issues
}

func investigate(s *SessionInfo, rec debug.Record) []string {
	timeline := []string{
		fmt.Sprintf("%s - %s %s", rec.Timestamp.Format("15:04:05.000"), rec.Direction, att.OpcodeName(rec.Raw[0])),
	}
	if !s.Last.After(rec.Timestamp) {
		timeline = append(timeline, "last record of the session")
	} else {
		timeline = append(timeline, fmt.Sprintf("session went on for %v", s.Last.Sub(rec.Timestamp)))
	}
	return timeline
}

var kindOrder = []att.Kind{
	att.KindRequest, att.KindResponse, att.KindCommand,
	att.KindNotification, att.KindIndication, att.KindConfirmation,
}

func generateReport(timestamp string, engines []*EngineInfo, issues []TestIssue) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Trace Report: %s\n\n", timestamp))

	sb.WriteString("## Engines\n\n")
	for _, e := range engines {
		sb.WriteString(fmt.Sprintf("- **%s** - %d records in %d sessions (%s)\n", e.Name, e.Records, len(e.Sessions), e.Path))
	}
	sb.WriteString("\n")

	sb.WriteString("## Sessions\n\n")
	sb.WriteString("| engine | session | transport | duration |")
	for _, k := range kindOrder {
		sb.WriteString(fmt.Sprintf(" %s |", k))
	}
	sb.WriteString("\n|---|---|---|---|")
	for range kindOrder {
		sb.WriteString("---|")
	}
	sb.WriteString("\n")
	for _, e := range engines {
		for _, s := range e.Sessions {
			sb.WriteString(fmt.Sprintf("| %s | %s | %s | %v |", e.Name, s.Session, s.Transport, s.Last.Sub(s.First)))
			for _, k := range kindOrder {
				sb.WriteString(fmt.Sprintf(" %d |", s.Counts[k]))
			}
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\n")

	if len(issues) == 0 {
		sb.WriteString("## No Issues\n\n")
		sb.WriteString("Every request was answered and every indication confirmed.\n")
		return sb.String()
	}

	sb.WriteString("## Issues\n\n")
	for i, issue := range issues {
		sb.WriteString(fmt.Sprintf("### %d. [%s] %s\n", i+1, issue.Severity, issue.Description))
		for _, line := range issue.Timeline {
			sb.WriteString(fmt.Sprintf("- %s\n", line))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
