package agent

import "github.com/yarlson/ralphy/internal/stream"

// stripANSI removes ANSI escape sequences and control characters from a live-streamed line,
// so a Request.Stream feed stays readable in a plain log file or redirected output.
func stripANSI(line string) string {
	return stream.Sanitize(line)
}
