// Package budget tracks iteration/token/cost consumption against optional caps for the PRD
// Sequential Loop, and reports a reason code when a cap is exceeded.
package budget

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ReasonCode identifies why a budget check failed.
type ReasonCode string

const (
	ReasonNone       ReasonCode = "none"
	ReasonIterations ReasonCode = "max-iterations"
	ReasonTokens     ReasonCode = "max-tokens"
	ReasonCost       ReasonCode = "max-cost"
)

// Limits defines the configurable caps; zero means unlimited.
type Limits struct {
	MaxIterations int     `json:"max_iterations"`
	MaxTokens     int     `json:"max_tokens"`
	MaxCostUSD    float64 `json:"max_cost_usd"`
}

// State tracks current consumption, persisted to .ralphy/state.json between runs.
type State struct {
	Iterations   int       `json:"iterations"`
	TokensUsed   int       `json:"tokens_used"`
	CostUsedUSD  float64   `json:"cost_used_usd"`
	StartTime    time.Time `json:"start_time"`
}

// Status is the result of a budget check.
type Status struct {
	CanContinue bool
	Reason      string
	ReasonCode  ReasonCode
}

// Tracker enforces Limits against an accumulating State.
type Tracker struct {
	limits Limits
	state  State
}

// DefaultLimits mirrors the teacher's conservative default: bound iterations, leave
// token/cost unlimited unless the caller configures otherwise.
func DefaultLimits() Limits {
	return Limits{MaxIterations: 50}
}

// NewTracker creates a Tracker with the given limits.
func NewTracker(limits Limits) *Tracker {
	return &Tracker{limits: limits}
}

// RecordIteration folds one completed loop iteration's usage into the running totals.
func (t *Tracker) RecordIteration(tokens int, costUSD float64) {
	if t.state.StartTime.IsZero() {
		t.state.StartTime = time.Now()
	}
	t.state.Iterations++
	t.state.TokensUsed += tokens
	t.state.CostUsedUSD += costUSD
}

// Check reports whether the loop may continue, consulted before each iteration per
// SPEC_FULL.md §4.7.
func (t *Tracker) Check() Status {
	if t.limits.MaxIterations > 0 && t.state.Iterations >= t.limits.MaxIterations {
		return Status{
			Reason:     fmt.Sprintf("max iterations reached (%d/%d)", t.state.Iterations, t.limits.MaxIterations),
			ReasonCode: ReasonIterations,
		}
	}
	if t.limits.MaxTokens > 0 && t.state.TokensUsed >= t.limits.MaxTokens {
		return Status{
			Reason:     fmt.Sprintf("max tokens reached (%d/%d)", t.state.TokensUsed, t.limits.MaxTokens),
			ReasonCode: ReasonTokens,
		}
	}
	if t.limits.MaxCostUSD > 0 && t.state.CostUsedUSD >= t.limits.MaxCostUSD {
		return Status{
			Reason:     fmt.Sprintf("max cost reached ($%.2f/$%.2f)", t.state.CostUsedUSD, t.limits.MaxCostUSD),
			ReasonCode: ReasonCost,
		}
	}
	return Status{CanContinue: true, ReasonCode: ReasonNone}
}

// GetState returns a copy of the current state for persistence.
func (t *Tracker) GetState() State { return t.state }

// SetState restores a persisted state, e.g. after resuming a paused run.
func (t *Tracker) SetState(state State) { t.state = state }

// Save writes state to path as indented JSON, creating parent directories as needed.
func Save(path string, state *State) error {
	if state == nil {
		return errors.New("state cannot be nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating budget state directory: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling budget state: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing budget state: %w", err)
	}
	return nil
}

// Load reads a persisted state. A missing file yields a zero-value State, not an error.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("reading budget state: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshaling budget state: %w", err)
	}
	return &state, nil
}
