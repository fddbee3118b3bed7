// Package events carries what the gate engine did to its observers: a
// synchronous bus, and a JSONL audit log that subscribes to it.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/model"
)

const (
	DefaultMaxLogSize = 10 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// LogEntry is one line of the audit log.
type LogEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  string         `json:"event_type"`
	EventID    string         `json:"event_id"`
	InstanceID string         `json:"instance_id,omitempty"`
	UnitID     string         `json:"unit_id,omitempty"`
	Phase      string         `json:"phase,omitempty"`
	Step       string         `json:"step,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Checksum   string         `json:"checksum,omitempty"`
}

// AuditLogger appends checksummed entries to a JSONL file, rotating it into
// archive/ once it would exceed maxSize.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	logPath     string
	logger      *zap.Logger
}

func NewAuditLogger(logPath string, maxSize int64, logger *zap.Logger) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &AuditLogger{logPath: logPath, maxSize: maxSize, logger: logger}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record converts an event into a log entry and writes it.
func (l *AuditLogger) Record(e Event) error {
	id, err := model.GenerateID(model.IDTypeEvent)
	if err != nil {
		return err
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return l.WriteEntry(&LogEntry{
		Timestamp:  ts,
		EventType:  string(e.Type),
		EventID:    id,
		InstanceID: e.Key.InstanceID,
		UnitID:     e.Key.UnitID,
		Phase:      e.Key.Phase,
		Step:       e.Key.Step,
		Details:    e.Data,
	})
}

// Subscriber adapts Record to the bus. Write failures are logged, never
// propagated: the audit trail must not fail a gate decision.
func (l *AuditLogger) Subscriber() Subscriber {
	return func(e Event) {
		if err := l.Record(e); err != nil {
			l.logger.Warn("audit write failed", zap.String("event_type", string(e.Type)), zap.Error(err))
		}
	}
}

func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	details, err := normalizeDetails(entry.Details)
	if err != nil {
		return err
	}
	entry.Details = details
	entry.Checksum = ""
	sum, err := checksum(entry)
	if err != nil {
		return err
	}
	entry.Checksum = sum

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize > 0 && l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(l.logPath), LogFileExtension)
	archivePath := filepath.Join(archiveDir,
		fmt.Sprintf("%s.%s%s", base, time.Now().UTC().Format("20060102T150405.000000000"), LogFileExtension))
	if err := os.Rename(l.logPath, archivePath); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	l.logger.Info("audit log rotated", zap.String("archive", archivePath))
	return l.openLogFile()
}

// normalizeDetails round-trips details through JSON so the checksum computed
// at write time matches the one recomputed from the decoded line.
func normalizeDetails(details map[string]any) (map[string]any, error) {
	if len(details) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal audit details: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize audit details: %w", err)
	}
	return out, nil
}

func checksum(entry *LogEntry) (string, error) {
	cp := *entry
	cp.Checksum = ""
	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// ReadEntries returns the parseable entries of an audit log in file order.
// Malformed lines are skipped.
func ReadEntries(logPath string) ([]LogEntry, error) {
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []LogEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("scan audit log: %w", err)
	}
	return entries, nil
}

// VerifyLogIntegrity returns the number of parseable entries and how many of
// them carry a matching checksum.
func VerifyLogIntegrity(logPath string) (total, valid int, err error) {
	entries, err := ReadEntries(logPath)
	if err != nil {
		return 0, 0, err
	}
	for i := range entries {
		total++
		want := entries[i].Checksum
		got, err := checksum(&entries[i])
		if err == nil && want != "" && got == want {
			valid++
		}
	}
	return total, valid, nil
}

func (l *AuditLogger) Path() string { return l.logPath }

func (l *AuditLogger) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}
