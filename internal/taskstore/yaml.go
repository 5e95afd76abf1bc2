package taskstore

import (
	"regexp"
	"strconv"
	"strings"
)

// YAMLAdapter implements Adapter over a structured YAML task file without using a full
// YAML parser: it locates the "tasks:" block and walks list items by indentation, so any
// content outside the touched line is preserved byte-for-byte.
type YAMLAdapter struct {
	Path string
}

func NewYAMLAdapter(path string) *YAMLAdapter {
	return &YAMLAdapter{Path: path}
}

func (a *YAMLAdapter) Source() Source { return SourceYAML }

var (
	tasksHeaderRe = regexp.MustCompile(`^(\s*)tasks:\s*$`)
	listItemRe    = regexp.MustCompile(`^(\s*)-\s+(.*)$`)
	propertyRe    = regexp.MustCompile(`^(\s*)([A-Za-z_][A-Za-z0-9_]*):\s*(.*)$`)
)

// yamlBlock is one parsed "- title: ..." list item and the line range it occupies.
type yamlBlock struct {
	startLine    int // 0-indexed, inclusive
	endLine      int // 0-indexed, exclusive
	indent       string
	titleLine    int // 0-indexed line holding "title:"
	title        string
	completed    bool
	completedLine int // 0-indexed line holding "completed:", -1 if absent
	group        string
}

// parseBlocks locates the tasks: header and returns each list item beneath it.
func parseBlocks(lines []string) []yamlBlock {
	headerIndent := -1
	headerLine := -1
	for i, line := range lines {
		if m := tasksHeaderRe.FindStringSubmatch(line); m != nil {
			headerIndent = len(m[1])
			headerLine = i
			break
		}
	}
	if headerLine == -1 {
		return nil
	}

	var blocks []yamlBlock
	var current *yamlBlock

	for i := headerLine + 1; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if indent <= headerIndent {
			break // dedented out of the tasks: block entirely
		}

		if m := listItemRe.FindStringSubmatch(line); m != nil && len(m[1]) == indentOfFirstItem(lines, headerLine, headerIndent) {
			if current != nil {
				current.endLine = i
				blocks = append(blocks, *current)
			}
			current = &yamlBlock{startLine: i, indent: m[1], completedLine: -1, group: "0"}
			// The remainder of the list-item line may itself be "title: X" (inline).
			rest := m[2]
			if pm := propertyRe.FindStringSubmatch(m[1] + rest); pm != nil {
				applyProperty(current, i, pm[2], pm[3])
			}
			continue
		}

		if current == nil {
			continue
		}
		if m := propertyRe.FindStringSubmatch(line); m != nil {
			applyProperty(current, i, m[2], m[3])
		}
	}
	if current != nil {
		current.endLine = len(lines)
		blocks = append(blocks, *current)
	}
	return blocks
}

// indentOfFirstItem returns the indentation of the first "- " item found after the tasks:
// header, which defines the indentation level all sibling items must share.
func indentOfFirstItem(lines []string, headerLine, headerIndent int) int {
	for i := headerLine + 1; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if indent <= headerIndent {
			break
		}
		if m := listItemRe.FindStringSubmatch(line); m != nil {
			return len(m[1])
		}
	}
	return headerIndent + 2
}

func applyProperty(b *yamlBlock, lineNo int, key, rawValue string) {
	value := unquote(strings.TrimSpace(stripComment(rawValue)))
	switch key {
	case "title":
		b.title = value
		b.titleLine = lineNo
	case "completed":
		b.completed = value == "true"
		b.completedLine = lineNo
	case "parallel_group":
		if _, err := strconv.Atoi(value); err == nil {
			b.group = value
		}
	}
}

func stripComment(s string) string {
	if idx := strings.Index(s, " #"); idx >= 0 {
		return s[:idx]
	}
	return s
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func (a *YAMLAdapter) ParseAll() ([]Task, error) {
	lines, _, err := readLines(a.Path)
	if err != nil {
		return nil, &SourceError{Source: SourceYAML, Op: "read", Err: err}
	}
	blocks := parseBlocks(lines)

	tasks := make([]Task, 0, len(blocks))
	for _, b := range blocks {
		tasks = append(tasks, Task{
			Source:    SourceYAML,
			Text:      b.title,
			Line:      b.titleLine + 1,
			Group:     b.group,
			Completed: b.completed,
			Index:     len(tasks),
		})
	}
	return tasks, nil
}

func (a *YAMLAdapter) Next() (Task, error) {
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

func (a *YAMLAdapter) Complete(title string) (CompleteResult, error) {
	target := strings.TrimSpace(title)

	lines, trailingNewline, err := readLines(a.Path)
	if err != nil {
		return CompleteResult{}, &SourceError{Source: SourceYAML, Op: "read", Err: err}
	}
	blocks := parseBlocks(lines)

	var match *yamlBlock
	for i := range blocks {
		if strings.TrimSpace(blocks[i].title) == target {
			match = &blocks[i]
			break
		}
	}
	if match == nil {
		return CompleteResult{Status: StatusNotFound, Source: SourceYAML}, nil
	}
	if match.completed {
		return CompleteResult{Status: StatusAlreadyComplete, Source: SourceYAML}, nil
	}

	if match.completedLine >= 0 {
		lines[match.completedLine] = rewriteCompletedValue(lines[match.completedLine])
	} else {
		itemIndent := match.indent
		propIndent := itemIndent + "  "
		newLine := propIndent + "completed: true"
		insertAt := match.titleLine + 1
		lines = append(lines[:insertAt], append([]string{newLine}, lines[insertAt:]...)...)
	}

	if err := writeLines(a.Path, lines, trailingNewline); err != nil {
		return CompleteResult{}, &SourceError{Source: SourceYAML, Op: "write", Err: err}
	}
	return CompleteResult{Status: StatusUpdated, Source: SourceYAML}, nil
}

// rewriteCompletedValue flips a "completed: false" (or similar) line to "completed: true",
// preserving indentation and any trailing comment.
func rewriteCompletedValue(line string) string {
	m := propertyRe.FindStringSubmatch(line)
	if m == nil {
		return line
	}
	rest := m[3]
	comment := ""
	if idx := strings.Index(rest, " #"); idx >= 0 {
		comment = rest[idx:]
	}
	return m[1] + m[2] + ": true" + comment
}
