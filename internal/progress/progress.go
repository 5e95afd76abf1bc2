// Package progress appends one-line completion records to .ralphy/progress.txt.
package progress

import (
	"fmt"
	"os"
	"time"
)

// Writer appends lines to a progress file at path. It never creates the file: per §4.7 a
// run only writes when the operator has already created progress.txt, and otherwise stays
// silent (unlike the teacher's memory.ProgressFile, which always creates one via Init).
type Writer struct {
	path string
}

// NewWriter returns a Writer for the given progress file path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// AppendCompleted appends a "- [✓] <ts> - <task>" line if the progress file already exists.
func (w *Writer) AppendCompleted(task string) error {
	return w.append("✓", task)
}

// AppendFailed appends a "- [✗] <ts> - <task>" line if the progress file already exists.
func (w *Writer) AppendFailed(task string) error {
	return w.append("✗", task)
}

func (w *Writer) append(mark, task string) error {
	if _, err := os.Stat(w.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat progress file: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening progress file: %w", err)
	}
	defer func() { _ = f.Close() }()

	line := fmt.Sprintf("- [%s] %s - %s\n", mark, time.Now().Format("2006-01-02 15:04"), task)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("appending to progress file: %w", err)
	}
	return nil
}
