package taskstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// checklistLine matches a Markdown checkbox list item:
// leading whitespace, a "-" or "*" marker, one or more spaces or tabs, "[ ]"/"[x]"/"[X]",
// one or more spaces or tabs, then text.
var checklistLine = regexp.MustCompile(`^([\t ]*[-*][\t ]+\[)( |x|X)(\][\t ]+)(.*)$`)

// MarkdownAdapter implements Adapter over a Markdown checklist file (conventionally PRD.md).
// All tasks parsed from a Markdown file live in group "default" (see Glossary: "Group").
type MarkdownAdapter struct {
	Path string
}

// NewMarkdownAdapter returns an adapter rooted at path.
func NewMarkdownAdapter(path string) *MarkdownAdapter {
	return &MarkdownAdapter{Path: path}
}

func (a *MarkdownAdapter) Source() Source { return SourceMarkdown }

func (a *MarkdownAdapter) ParseAll() ([]Task, error) {
	lines, _, err := readLines(a.Path)
	if err != nil {
		return nil, &SourceError{Source: SourceMarkdown, Op: "read", Err: err}
	}

	var tasks []Task
	for i, line := range lines {
		m := checklistLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		status := m[2]
		text := strings.TrimSpace(m[4])
		tasks = append(tasks, Task{
			Source:    SourceMarkdown,
			Text:      text,
			Line:      i + 1,
			Group:     "default",
			Completed: status == "x" || status == "X",
			Index:     len(tasks),
		})
	}
	return tasks, nil
}

func (a *MarkdownAdapter) Next() (Task, error) {
	tasks, err := a.ParseAll()
	if err != nil {
		return Task{}, err
	}
	for _, t := range tasks {
		if !t.Completed {
			return t, nil
		}
	}
	return Task{}, ErrEmpty
}

func (a *MarkdownAdapter) Complete(title string) (CompleteResult, error) {
	target := strings.TrimSpace(title)

	lines, trailingNewline, err := readLines(a.Path)
	if err != nil {
		return CompleteResult{}, &SourceError{Source: SourceMarkdown, Op: "read", Err: err}
	}

	found := false
	alreadyComplete := false
	for i, line := range lines {
		m := checklistLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if strings.TrimSpace(m[4]) != target {
			continue
		}
		found = true
		status := m[2]
		if status == "x" || status == "X" {
			alreadyComplete = true
			break
		}
		// Preserve the marker/indent prefix and suffix verbatim; only flip the status letter.
		lines[i] = m[1] + "x" + m[3] + m[4]
		break
	}

	if !found {
		return CompleteResult{Status: StatusNotFound, Source: SourceMarkdown}, nil
	}
	if alreadyComplete {
		return CompleteResult{Status: StatusAlreadyComplete, Source: SourceMarkdown}, nil
	}

	if err := writeLines(a.Path, lines, trailingNewline); err != nil {
		return CompleteResult{}, &SourceError{Source: SourceMarkdown, Op: "write", Err: err}
	}
	return CompleteResult{Status: StatusUpdated, Source: SourceMarkdown}, nil
}

// readLines reads path and splits it into lines without a trailing empty element when the
// file ends with a newline, so rewriting can restore the original terminator exactly.
func readLines(path string) (lines []string, trailingNewline bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	content := string(data)
	trailingNewline = strings.HasSuffix(content, "\n")
	lines = strings.Split(content, "\n")
	if trailingNewline {
		lines = lines[:len(lines)-1]
	}
	return lines, trailingNewline, nil
}

// writeLines writes lines back to path atomically (temp file + rename), joined with "\n",
// restoring a trailing newline only if the original file had one.
func writeLines(path string, lines []string, trailingNewline bool) error {
	content := strings.Join(lines, "\n")
	if trailingNewline {
		content += "\n"
	}
	return atomicWriteFile(path, []byte(content))
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if info, statErr := os.Stat(path); statErr == nil {
		_ = os.Chmod(tmpPath, info.Mode())
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming %s into place: %w", path, err)
	}
	return nil
}
