// Package rclone drives the external rclone CLI and turns its JSON log
// output into typed sync events.
//
// The package has two halves: LogParser classifies individual log lines
// into events, and Runner builds rclone invocations, executes them to
// completion, and aggregates the parsed events into a Result. Remote
// management helpers (connection probes, folder listing, size estimation,
// credential passthrough) live on Runner as well since they are all thin
// wrappers over rclone subcommands.
package rclone

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Action classifies what rclone did to a file.
type Action string

const (
	ActionAdded    Action = "added"
	ActionUpdated  Action = "updated"
	ActionSkipped  Action = "skipped"
	ActionError    Action = "error"
	ActionConflict Action = "conflict"
)

// Event is one per-file sync event parsed from the rclone JSON log.
// Events are immutable once created.
type Event struct {
	Timestamp time.Time
	Action    Action
	FilePath  string
	FileSize  int64
	Message   string
	FileHash  string
}

// Stats is the aggregate summary extracted from an rclone stats line,
// used as a fallback when per-file events are absent from the log.
type Stats struct {
	Transferred int64 // bytes moved so far
	Total       int64 // bytes expected
	Files       int   // files transferred
	Errors      int   // errors encountered
}

// actionRule maps a message phrase to an action. Rules are evaluated in
// order, first match wins, so specific phrases must precede generic ones
// ("Copied (new)" before "Copied").
type actionRule struct {
	phrase string
	action Action
}

var actionTable = []actionRule{
	{"Copied (new)", ActionAdded},
	{"Copied (replaced)", ActionUpdated},
	{"Copied", ActionAdded},
	{"Transferred (new)", ActionAdded},
	{"Transferred (replaced)", ActionUpdated},
	{"Transferred", ActionAdded},
	{"Skipped", ActionSkipped},
	{"Skipping", ActionSkipped},
	{"Can't copy", ActionError},
	{"Failed to copy", ActionError},
	{"ERROR", ActionError},
}

var statsPattern = regexp.MustCompile(`Transferred:\s+(\d+)\s+/\s+(\d+),\s+(\d+)\s+files,\s+(\d+)\s+errors`)

// logLine is the shape of one rclone --use-json-log record.
type logLine struct {
	Level  string  `json:"level"`
	Msg    string  `json:"msg"`
	Object string  `json:"object"`
	Size   float64 `json:"size"`
	Time   string  `json:"time"`
	Hash   string  `json:"hash"`
}

// LogParser classifies rclone JSON log lines into events.
type LogParser struct {
	log zerolog.Logger
}

// NewLogParser returns a parser that traces dropped lines to the given logger.
func NewLogParser(log zerolog.Logger) *LogParser {
	return &LogParser{log: log}
}

// ParseLine parses a single JSON log line. Lines that aren't valid JSON
// records, and records whose message matches no known phrase, are
// intentionally dropped (nil, no error): rclone interleaves plenty of
// diagnostic chatter that is not a file operation.
func (p *LogParser) ParseLine(line string) *Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var obj logLine
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return nil
	}

	timestamp := time.Now().UTC()
	if obj.Time != "" {
		if t, err := time.Parse(time.RFC3339Nano, obj.Time); err == nil {
			timestamp = t
		}
	}

	var action Action
	if strings.EqualFold(obj.Level, "error") {
		action = ActionError
	} else {
		for _, rule := range actionTable {
			if strings.Contains(obj.Msg, rule.phrase) {
				action = rule.action
				break
			}
		}
	}

	if action == "" {
		// Unclassified, ignored. Trace so coverage gaps stay observable.
		if obj.Object != "" {
			p.log.Trace().Str("object", obj.Object).Str("msg", obj.Msg).Msg("no action matched for log line")
		}
		return nil
	}

	// Conflict phrasing wins over whatever classified above.
	lower := strings.ToLower(obj.Msg)
	if strings.Contains(lower, "already exists") || strings.Contains(lower, "conflict") {
		action = ActionConflict
	}

	return &Event{
		Timestamp: timestamp,
		Action:    action,
		FilePath:  obj.Object,
		FileSize:  int64(obj.Size),
		Message:   obj.Msg,
		FileHash:  obj.Hash,
	}
}

// ParseStatsLine extracts an aggregate stats summary from a free-text
// "Transferred: X / Y, N files, M errors" line. Returns nil if the line
// is not a stats line.
func (p *LogParser) ParseStatsLine(line string) *Stats {
	m := statsPattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}

	transferred, _ := strconv.ParseInt(m[1], 10, 64)
	total, _ := strconv.ParseInt(m[2], 10, 64)
	files, _ := strconv.Atoi(m[3])
	errors, _ := strconv.Atoi(m[4])

	return &Stats{
		Transferred: transferred,
		Total:       total,
		Files:       files,
		Errors:      errors,
	}
}
