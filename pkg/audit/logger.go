// Package audit records every engine mutation as a JSON line.
//
// The audit log is the human-facing trail of a campaign: which collaborator
// stored which finding, who moved a target through the pipeline, which
// transitions were refused and what was recorded in the ROI ledger. It is
// separate from the transition log kept by the pipeline, which is the
// source of truth for recovery.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Finding events
	EventFindingStored    EventType = "finding_stored"
	EventFindingDuplicate EventType = "finding_duplicate"
	EventStatusChanged    EventType = "finding_status_changed"
	EventStatusRejected   EventType = "finding_status_rejected"

	// Pipeline events
	EventTargetInitialised  EventType = "target_initialised"
	EventTransitionApplied  EventType = "transition_applied"
	EventTransitionRejected EventType = "transition_rejected"
	EventTargetRecovered    EventType = "target_recovered"

	// Concurrency events
	EventConflict EventType = "conflict"

	// Derived artifacts
	EventGraphRebuilt      EventType = "graph_rebuilt"
	EventChainsSynthesized EventType = "chains_synthesized"
	EventSynthesisPartial  EventType = "synthesis_partial"

	// Ledger events
	EventROIRecorded EventType = "roi_recorded"

	// Intake and export
	EventIngestCompleted EventType = "ingest_completed"
	EventValidationError EventType = "validation_error"
	EventExported        EventType = "exported"
)

// Severity represents log severity level.
type Severity string

const (
	SeverityDebug   Severity = "DEBUG"
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARN"
	SeverityError   Severity = "ERROR"
)

// Event represents an audit event.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	Actor     string                 `json:"actor,omitempty"`
	Target    string                 `json:"target,omitempty"`
	FindingID string                 `json:"finding_id,omitempty"`
	ChainID   string                 `json:"chain_id,omitempty"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// LoggerConfig configures the audit logger.
type LoggerConfig struct {
	// Actor identifies the collaborator writing through this process.
	Actor string `yaml:"actor"`

	// LogFile is the path to the audit log file.
	// Default: ~/.chainhunt/audit.log
	LogFile string `yaml:"log_file"`

	// BufferSize is the number of events to buffer before flushing.
	// Default: 100
	BufferSize int `yaml:"buffer_size"`

	// FlushInterval is how often to flush buffered events.
	// Default: 5 seconds
	FlushInterval time.Duration `yaml:"flush_interval"`

	// Verbose enables console output of audit events.
	Verbose bool `yaml:"verbose"`

	// Console receives the verbose output. Default: os.Stderr, so it never
	// mixes with a command's own output.
	Console io.Writer `yaml:"-"`
}

// DefaultLoggerConfig returns sensible defaults.
func DefaultLoggerConfig() *LoggerConfig {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}

	return &LoggerConfig{
		LogFile:       filepath.Join(home, ".chainhunt", "audit.log"),
		BufferSize:    100,
		FlushInterval: 5 * time.Second,
	}
}

// Logger is the audit logger.
type Logger struct {
	config *LoggerConfig
	file   *os.File
	mu     sync.Mutex

	buffer   []Event
	bufferMu sync.Mutex

	consoleMu sync.Mutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewLogger creates a new audit logger.
func NewLogger(config *LoggerConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLoggerConfig()
	}

	// Apply defaults for zero values
	if config.LogFile == "" {
		config.LogFile = DefaultLoggerConfig().LogFile
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.Console == nil {
		config.Console = os.Stderr
	}

	dir := filepath.Dir(config.LogFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	// 0640 = owner read/write, group read
	file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		config: config,
		file:   file,
		buffer: make([]Event, 0, config.BufferSize),
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins background flushing.
func (l *Logger) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.mu.Unlock()

	l.wg.Add(1)
	go l.flushLoop()
}

// Stop stops the logger, flushes remaining events and closes the file.
func (l *Logger) Stop() error {
	l.mu.Lock()
	wasRunning := l.running
	if l.running {
		l.running = false
		close(l.stopCh)
	}
	l.mu.Unlock()

	if wasRunning {
		l.wg.Wait()
	}

	l.Flush()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Log records an audit event.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Actor == "" {
		event.Actor = l.config.Actor
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	l.bufferMu.Lock()
	l.buffer = append(l.buffer, event)
	shouldFlush := len(l.buffer) >= l.config.BufferSize
	l.bufferMu.Unlock()

	if l.config.Verbose {
		l.printEvent(event)
	}

	if shouldFlush {
		l.Flush()
	}
}

// Info logs an informational event.
func (l *Logger) Info(eventType EventType, target, message string, details map[string]interface{}) {
	l.Log(Event{
		Type:     eventType,
		Severity: SeverityInfo,
		Target:   target,
		Message:  message,
		Details:  details,
	})
}

// Warn logs a refused or degraded operation.
func (l *Logger) Warn(eventType EventType, target, message string, err error, details map[string]interface{}) {
	event := Event{
		Type:     eventType,
		Severity: SeverityWarning,
		Target:   target,
		Message:  message,
		Details:  details,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// FindingStored logs a stored finding or a duplicate submission.
func (l *Logger) FindingStored(target, findingID string, created bool, details map[string]interface{}) {
	event := Event{
		Type:      EventFindingStored,
		Severity:  SeverityInfo,
		Target:    target,
		FindingID: findingID,
		Message:   "Finding stored",
		Details:   details,
	}
	if !created {
		event.Type = EventFindingDuplicate
		event.Message = "Duplicate finding ignored"
	}
	l.Log(event)
}

// StatusChanged logs a finding status move.
func (l *Logger) StatusChanged(target, findingID, from, to string, version int64) {
	l.Log(Event{
		Type:      EventStatusChanged,
		Severity:  SeverityInfo,
		Target:    target,
		FindingID: findingID,
		Message:   fmt.Sprintf("Finding status %s -> %s", from, to),
		Details:   map[string]interface{}{"from": from, "to": to, "version": version},
	})
}

// TransitionApplied logs a committed pipeline transition.
func (l *Logger) TransitionApplied(target, from, to, kind string, version int64, reason string) {
	details := map[string]interface{}{"from": from, "to": to, "kind": kind, "version": version}
	if reason != "" {
		details["reason"] = reason
	}
	l.Log(Event{
		Type:     EventTransitionApplied,
		Severity: SeverityInfo,
		Target:   target,
		Message:  fmt.Sprintf("Pipeline %s -> %s", from, to),
		Details:  details,
	})
}

// TransitionRejected logs a refused pipeline transition.
func (l *Logger) TransitionRejected(target, from, to string, err error) {
	l.Warn(EventTransitionRejected, target, fmt.Sprintf("Pipeline %s -> %s refused", from, to), err,
		map[string]interface{}{"from": from, "to": to})
}

// ChainsSynthesized logs a synthesis run.
func (l *Logger) ChainsSynthesized(target string, chains int, partial bool, duration time.Duration) {
	event := Event{
		Type:     EventChainsSynthesized,
		Severity: SeverityInfo,
		Target:   target,
		Message:  fmt.Sprintf("%d chains synthesized", chains),
		Duration: duration,
		Details:  map[string]interface{}{"chains": chains},
	}
	if partial {
		event.Type = EventSynthesisPartial
		event.Severity = SeverityWarning
		event.Message = fmt.Sprintf("Synthesis cancelled after %d chains", chains)
	}
	l.Log(event)
}

// ROIRecorded logs a ledger entry.
func (l *Logger) ROIRecorded(target, entryID, subjectID string, hours, payout float64, currency string) {
	l.Log(Event{
		Type:     EventROIRecorded,
		Severity: SeverityInfo,
		Target:   target,
		Message:  fmt.Sprintf("ROI %.2fh / %.2f %s", hours, payout, currency),
		Details: map[string]interface{}{
			"entry_id":   entryID,
			"subject_id": subjectID,
			"hours":      hours,
			"payout":     payout,
			"currency":   currency,
		},
	})
}

// Flush writes buffered events to disk.
func (l *Logger) Flush() {
	l.bufferMu.Lock()
	if len(l.buffer) == 0 {
		l.bufferMu.Unlock()
		return
	}
	events := l.buffer
	l.buffer = make([]Event, 0, l.config.BufferSize)
	l.bufferMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = l.file.Write(append(data, '\n'))
	}

	_ = l.file.Sync()
}

// flushLoop periodically flushes buffered events.
func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Flush()
		}
	}
}

// printEvent prints an event to console in human-readable format.
func (l *Logger) printEvent(event Event) {
	timestamp := event.Timestamp.Format("2006-01-02 15:04:05")

	l.consoleMu.Lock()
	defer l.consoleMu.Unlock()
	fmt.Fprintf(l.config.Console, "[%s] [%s] %s: %s\n", timestamp, event.Severity, event.Type, event.Message)
	if event.Error != "" {
		fmt.Fprintf(l.config.Console, "  Error: %s\n", event.Error)
	}
}
