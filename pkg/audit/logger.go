package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/newtron-network/metalnet/pkg/util"
)

// Logger is an audit backend
type Logger interface {
	Log(event *Event) error
	Query(filter Filter) ([]*Event, error)
	Close() error
}

// Filter selects events. Zero fields match everything; Nic is "node/nic".
type Filter struct {
	Kind         Kind
	User         string
	Operation    string
	Node         string
	Nic          string
	Switch       string
	Network      string
	Action       string
	Since        time.Time
	FailuresOnly bool
	// Limit keeps only the most recent events.
	Limit int
}

// Match reports whether e passes the filter
func (f Filter) Match(e *Event) bool {
	switch {
	case f.Kind != "" && e.Kind != f.Kind,
		f.User != "" && e.User != f.User,
		f.Operation != "" && e.Operation != f.Operation,
		f.Node != "" && e.Node != f.Node,
		f.Switch != "" && e.Switch != f.Switch,
		f.Network != "" && e.Network != f.Network,
		f.Action != "" && e.Action != f.Action,
		!f.Since.IsZero() && e.Timestamp.Before(f.Since),
		f.FailuresOnly && e.Success:
		return false
	}
	if f.Nic != "" {
		node, nic, ok := strings.Cut(f.Nic, "/")
		if !ok || e.Node != node || e.Nic != nic {
			return false
		}
	}
	return true
}

// RotationConfig bounds the audit file and its rotated backups
type RotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
}

// FileLogger appends events to a JSON-lines file. Rotated backups sit next
// to it and are read back by Query.
type FileLogger struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

// NewFileLogger opens the audit file at path, creating its directory
func NewFileLogger(path string, rotation RotationConfig) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	return &FileLogger{out: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
	}}, nil
}

// Log appends one event
func (l *FileLogger) Log(event *Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.out.Write(append(line, '\n'))
	return err
}

// Rotate starts a new audit file, keeping the current one as a backup
func (l *FileLogger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Rotate()
}

// Query returns matching events from the backups and the current file,
// oldest first. Lines that do not decode are skipped.
func (l *FileLogger) Query(filter Filter) ([]*Event, error) {
	l.mu.Lock()
	files, err := l.files()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	events := []*Event{}
	for _, path := range files {
		if events, err = scan(path, filter, events); err != nil {
			return nil, err
		}
	}
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[len(events)-filter.Limit:]
	}
	return events, nil
}

// files lists backups in rotation order followed by the current file.
// Backup names embed their rotation time, so they sort chronologically.
func (l *FileLogger) files() ([]string, error) {
	path := l.out.Filename
	ext := filepath.Ext(path)
	backups, err := filepath.Glob(strings.TrimSuffix(path, ext) + "-*" + ext)
	if err != nil {
		return nil, err
	}
	sort.Strings(backups)
	return append(backups, path), nil
}

func scan(path string, filter Filter, events []*Event) ([]*Event, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return events, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			util.WithField("file", path).Warnf("Skipping malformed audit entry at line %d: %v", line, err)
			continue
		}
		if filter.Match(&e) {
			events = append(events, &e)
		}
	}
	return events, sc.Err()
}

// Close closes the audit file
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger
)

// SetDefaultLogger installs the logger used by Log and Query; nil disables
// auditing.
func SetDefaultLogger(logger Logger) {
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

func current() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Log records an event with the default logger. Write failures are logged
// and otherwise ignored so auditing never fails a request.
func Log(event *Event) {
	l := current()
	if l == nil {
		return
	}
	if err := l.Log(event); err != nil {
		util.WithField("operation", event.Operation).WithError(err).Warn("Writing audit event failed")
	}
}

// Query queries the default logger
func Query(filter Filter) ([]*Event, error) {
	l := current()
	if l == nil {
		return []*Event{}, nil
	}
	return l.Query(filter)
}
