package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Parse decodes an agent's captured stdout into a canonical Outcome, per engine-specific
// dispatch (§4.3). lastMessagePath is only consulted for EngineCodex.
func Parse(e Engine, stdout string, lastMessagePath string) (Outcome, error) {
	events, errEvent := decodeEvents(stdout)
	if errEvent != "" {
		return Outcome{Error: errEvent}, nil
	}

	switch e {
	case EngineOpenCode:
		return parseOpenCode(events), nil
	case EngineCodex:
		return parseCodex(lastMessagePath)
	default:
		return parseResultEvent(e, events), nil
	}
}

// Classify applies §4.3's success definition — no error event, exit code zero, non-empty
// response after trimming — and returns a retry-eligible error describing the first
// violation, or nil on success.
func Classify(result InvokeResult, outcome Outcome) error {
	if outcome.Error != "" {
		return fmt.Errorf("%s", outcome.Error)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("Agent exited with code %d", result.ExitCode)
	}
	if strings.TrimSpace(outcome.Response) == "" {
		return fmt.Errorf("Empty response from agent")
	}
	return nil
}

// rawEvent is a lenient decode target: callers pick out only the fields relevant to their
// engine's dispatch branch.
type rawEvent map[string]any

// decodeEvents JSON-decodes each non-empty line, silently skipping malformed ones, and
// returns the agent-reported error message if any event carries type == "error".
func decodeEvents(stdout string) ([]rawEvent, string) {
	var events []rawEvent
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev rawEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}

	for _, ev := range events {
		if getString(ev, "type") == "error" {
			if inner, ok := ev["error"].(map[string]any); ok {
				if msg := getString(inner, "message"); msg != "" {
					return events, msg
				}
			}
			if msg := getString(ev, "message"); msg != "" {
				return events, msg
			}
			return events, "Agent error"
		}
	}
	return events, ""
}

// parseResultEvent handles every engine whose NDJSON carries a terminal `type == "result"`
// event (claude, cursor, qwen, droid): run the same decode for all four and apply
// engine-specific fallbacks afterward.
func parseResultEvent(e Engine, events []rawEvent) Outcome {
	var out Outcome
	var found bool

	for _, ev := range events {
		switch getString(ev, "type") {
		case "result":
			found = true
			out.Response = strings.TrimSpace(getString(ev, "result"))
			if usage, ok := ev["usage"].(map[string]any); ok {
				out.Usage.InputTokens = getInt(usage["input_tokens"])
				out.Usage.OutputTokens = getInt(usage["output_tokens"])
			}
			if dur, ok := ev["duration_ms"]; ok {
				ms := int64(getInt(dur))
				out.Usage.DurationMs = &ms
			}
			if cost, ok := ev["total_cost_usd"]; ok {
				if f, ok := cost.(float64); ok {
					out.Usage.Cost = &f
				}
			}
		case "completion":
			// droid: a completion event may supply finalText/durationMs when no
			// result event carried them.
			if out.Response == "" {
				if s := getString(ev, "finalText"); s != "" {
					out.Response = strings.TrimSpace(s)
					found = true
				}
			}
			if out.Usage.DurationMs == nil {
				if dur, ok := ev["durationMs"]; ok {
					ms := int64(getInt(dur))
					out.Usage.DurationMs = &ms
				}
			}
		}
	}

	if e == EngineCursor && out.Response == "" {
		out.Response = strings.TrimSpace(lastAssistantText(events))
	}

	if !found && out.Response == "" {
		out.Response = strings.TrimSpace(lastAssistantText(events))
	}

	return out
}

// lastAssistantText recovers text from the last assistant-role message, used as cursor's
// fallback when the result event carried no response.
func lastAssistantText(events []rawEvent) string {
	var last string
	for _, ev := range events {
		if getString(ev, "type") != "assistant" {
			continue
		}
		msg, ok := ev["message"].(map[string]any)
		if !ok {
			continue
		}
		content, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		var b strings.Builder
		for _, item := range content {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if block["type"] == "text" {
				b.WriteString(getString(block, "text"))
			}
		}
		if b.Len() > 0 {
			last = b.String()
		}
	}
	return last
}

// parseOpenCode concatenates part.text of type == "text" events; the last step_finish
// supplies token and cost usage.
func parseOpenCode(events []rawEvent) Outcome {
	var out Outcome
	var b strings.Builder

	for _, ev := range events {
		switch getString(ev, "type") {
		case "text":
			if part, ok := ev["part"].(map[string]any); ok {
				b.WriteString(getString(part, "text"))
			}
		case "step_finish":
			if tokens, ok := ev["tokens"].(map[string]any); ok {
				out.Usage.InputTokens = getInt(tokens["input"])
				out.Usage.OutputTokens = getInt(tokens["output"])
			}
			if cost, ok := ev["cost"]; ok {
				if f, ok := cost.(float64); ok {
					out.Usage.Cost = &f
				}
			}
		}
	}

	out.Response = strings.TrimSpace(b.String())
	return out
}

// parseCodex reads the last-message scratch file codex was told to write via
// --output-last-message, stripping the leading "Task completed successfully." banner line.
func parseCodex(lastMessagePath string) (Outcome, error) {
	if lastMessagePath == "" {
		return Outcome{}, fmt.Errorf("codex requires a last-message path")
	}
	data, err := os.ReadFile(lastMessagePath)
	if err != nil {
		return Outcome{}, fmt.Errorf("reading codex last-message file: %w", err)
	}

	text := string(data)
	const banner = "Task completed successfully."
	if rest, ok := strings.CutPrefix(strings.TrimLeft(text, "\n"), banner); ok {
		text = strings.TrimLeft(rest, "\n")
	}

	return Outcome{Response: strings.TrimSpace(text)}, nil
}

func getString(m rawEvent, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getInt(v any) int {
	switch value := v.(type) {
	case float64:
		return int(value)
	case int:
		return value
	case int64:
		return int(value)
	case json.Number:
		if parsed, err := value.Int64(); err == nil {
			return int(parsed)
		}
	}
	return 0
}
