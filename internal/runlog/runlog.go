// Package runlog records one line per task attempt to a plain-text, append-only run log at
// .ralphy/logs/<run-id>.log, and a structured JSON record alongside it for programmatic
// inspection (SPEC_FULL.md §10.6).
package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal classification of one task attempt.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeFailed         Outcome = "failed"
	OutcomeBudgetExceeded Outcome = "budget-exceeded"
	OutcomeGutter         Outcome = "gutter"
)

// Record is the audit record for a single task's execution within a run.
type Record struct {
	RunID     string    `json:"run_id"`
	TaskTitle string    `json:"task_title"`
	Engine    string    `json:"engine"`
	Attempts  int       `json:"attempts"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	Command      []string `json:"command,omitempty"`
	BaseCommit   string   `json:"base_commit,omitempty"`
	ResultCommit string   `json:"result_commit,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`

	InputTokens  int      `json:"input_tokens,omitempty"`
	OutputTokens int      `json:"output_tokens,omitempty"`
	CostUSD      *float64 `json:"cost_usd,omitempty"`

	Outcome  Outcome `json:"outcome"`
	Feedback string  `json:"feedback,omitempty"`
}

// NewRunID generates a short, unique run identifier.
func NewRunID() string {
	return uuid.New().String()[:8]
}

// Duration returns the wall time the attempt took.
func (r *Record) Duration() time.Duration {
	if r.StartTime.IsZero() || r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Complete stamps the record's end time and outcome.
func (r *Record) Complete(outcome Outcome) {
	r.EndTime = time.Now()
	r.Outcome = outcome
}

// Line renders one run-log line: timestamp, task, engine, outcome, attempts, duration, usage.
func (r *Record) Line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s task=%q engine=%s outcome=%s attempts=%d duration=%s tokens_in=%d tokens_out=%d",
		r.EndTime.Format(time.RFC3339), r.TaskTitle, r.Engine, r.Outcome, r.Attempts, r.Duration(), r.InputTokens, r.OutputTokens)
	if r.CostUSD != nil {
		fmt.Fprintf(&b, " cost_usd=%.4f", *r.CostUSD)
	}
	if r.ResultCommit != "" {
		fmt.Fprintf(&b, " commit=%s", r.ResultCommit)
	}
	if r.Feedback != "" {
		fmt.Fprintf(&b, " feedback=%q", r.Feedback)
	}
	return b.String()
}

// Writer appends Records to a single run's text log file, creating it on first use.
type Writer struct {
	path string
}

// NewWriter opens (lazily, on first Append) the run log at logsDir/<runID>.log.
func NewWriter(logsDir, runID string) *Writer {
	return &Writer{path: filepath.Join(logsDir, runID+".log")}
}

// Append writes one line for record and returns the log file path.
func (w *Writer) Append(record *Record) (string, error) {
	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return "", fmt.Errorf("creating logs directory: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("opening run log: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(record.Line() + "\n"); err != nil {
		return "", fmt.Errorf("writing run log line: %w", err)
	}
	return w.path, nil
}

// SaveJSON writes the full structured record as indented JSON next to the text log, at
// logsDir/<runID>-<index>.json, for callers that want more than the one-line summary.
func SaveJSON(logsDir, runID string, index int, record *Record) (string, error) {
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return "", fmt.Errorf("creating logs directory: %w", err)
	}
	path := filepath.Join(logsDir, fmt.Sprintf("%s-%03d.json", runID, index))
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling run record: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing run record: %w", err)
	}
	return path, nil
}
