// Package taskstore implements the task-source adapters: Markdown checklist, structured
// YAML, and remote issue tracker, each exposing the same next/complete contract over a
// backlog of natural-language tasks.
package taskstore

import (
	"errors"
	"fmt"
)

// Source identifies which backend a Task or adapter came from.
type Source string

const (
	SourceMarkdown Source = "markdown"
	SourceYAML     Source = "yaml"
	SourceGitHub   Source = "github"
)

// Task is the observed tuple the rest of the system operates on. Identity is the trimmed
// Text; there is no separate UUID. Group is only meaningful to the parallel scheduler.
type Task struct {
	Source    Source
	Text      string
	Line      int    // 1-indexed; zero value means "not applicable" (e.g. GitHub tasks)
	URL       string // set for GitHub tasks
	Number    int    // GitHub issue number; zero when not applicable
	Group     string // "default" for Markdown, parallel_group for YAML, "" for GitHub
	Completed bool

	// Index is the task's position in source order as observed by a single parse pass.
	// Populated by ParseAll; used by the parallel scheduler to restore source order.
	Index int
}

// CompleteStatus is the outcome of a complete() call.
type CompleteStatus string

const (
	StatusUpdated        CompleteStatus = "updated"
	StatusAlreadyComplete CompleteStatus = "already-complete"
	StatusNotFound        CompleteStatus = "not-found"
)

// CompleteResult is returned by every adapter's Complete method.
type CompleteResult struct {
	Status CompleteStatus
	Source Source
}

// NotFoundError describes a task title that matches nothing in a source. The adapters'
// Complete methods do not return it; they report that case as StatusNotFound with a nil error.
type NotFoundError struct {
	Title  string
	Source Source
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task not found in %s source: %q", e.Source, e.Title)
}

// SourceError wraps an infrastructure failure (I/O, subprocess, decode) encountered while
// reading or writing a task source, tagging it with the source it came from.
type SourceError struct {
	Source Source
	Op     string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s adapter: %s: %v", e.Source, e.Op, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// ErrEmpty is a sentinel signaling "no incomplete task remains" from Next.
var ErrEmpty = errors.New("no incomplete tasks")

// Adapter is the capability interface every task-source backend implements.
type Adapter interface {
	// Next returns the first incomplete task in source order, or ErrEmpty if none remain.
	Next() (Task, error)

	// Complete marks the task whose trimmed title exactly equals title as done.
	Complete(title string) (CompleteResult, error)

	// ParseAll returns every task in source order, completed or not, with Index populated.
	ParseAll() ([]Task, error)

	// Source identifies which backend this adapter is.
	Source() Source
}
