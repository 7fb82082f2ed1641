package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/anima/internal/clock"
	"github.com/hugo-lorenzo-mato/anima/internal/core"
)

// EventKind classifies parsed stream events.
type EventKind string

const (
	EventText      EventKind = "text"
	EventToolUse   EventKind = "tool_use"
	EventVerdict   EventKind = "verdict"
	EventTelemetry EventKind = "telemetry"
	EventQuota     EventKind = "quota"
	EventResult    EventKind = "result"
)

// Event is a structured agent stream event. Raw text is preserved in Text
// for UI passthrough regardless of kind.
type Event struct {
	Kind      EventKind
	Text      string
	Tool      string
	Brief     string
	Verdict   *core.Verdict
	Telemetry *core.Telemetry
	Quota     *core.QuotaSignal
}

// Parser converts stream-json NDJSON lines into events. One parser serves
// one session; it is not safe for concurrent use.
type Parser struct {
	clk clock.Clock
}

// NewParser creates a parser. The clock anchors relative quota reset times.
func NewParser(clk clock.Clock) *Parser {
	return &Parser{clk: clk}
}

// ParseLine converts one output line into zero or more events. Non-JSON
// lines are the raw-text fallback for CLIs without stream-json framing; they
// pass through as text and, lacking a structured error channel, also get the
// quota scan.
func (p *Parser) ParseLine(line string) []Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(trimmed), &data); err != nil {
		return p.eventsFromText(trimmed, true)
	}

	eventType, _ := data["type"].(string)
	switch eventType {
	case "assistant":
		return p.parseAssistant(data)
	case "user":
		return p.parseToolResults(data)
	case "result":
		return p.parseResult(data)
	case "system":
		if subtype, _ := data["subtype"].(string); subtype == "init" {
			return []Event{{Kind: EventText, Text: "[system] session initialized"}}
		}
		return nil
	case "content_block_delta":
		if delta, ok := data["delta"].(map[string]any); ok {
			if text, ok := delta["text"].(string); ok && text != "" {
				return p.eventsFromText(text, false)
			}
		}
		return nil
	default:
		return nil
	}
}

func (p *Parser) parseAssistant(data map[string]any) []Event {
	var events []Event
	for _, block := range contentBlocks(data) {
		switch blockType(block) {
		case "text":
			if text, ok := block["text"].(string); ok && text != "" {
				events = append(events, p.eventsFromText(text, false)...)
			}
		case "thinking":
			if text, ok := block["thinking"].(string); ok && text != "" {
				events = append(events, Event{Kind: EventText, Text: "[thinking] " + text})
			}
		case "tool_use":
			name, _ := block["name"].(string)
			if name == "" {
				name = "tool"
			}
			events = append(events, Event{
				Kind:  EventToolUse,
				Tool:  name,
				Brief: summarizeToolInput(name, block["input"]),
				Text:  fmt.Sprintf("[tool:call] %s", name),
			})
		}
	}
	return events
}

func (p *Parser) parseToolResults(data map[string]any) []Event {
	var events []Event
	for _, block := range contentBlocks(data) {
		if blockType(block) != "tool_result" {
			continue
		}
		raw := fmt.Sprintf("%v", block["content"])
		summary := summarizeResult(raw)
		isError, _ := block["is_error"].(bool)
		if isError {
			events = append(events, Event{Kind: EventText, Text: "[tool:error] " + summary})
			// Failed tool output is an error surface; quota mentions here
			// count as real signals.
			if quota := p.extractQuota(raw); quota != nil {
				events = append(events, Event{Kind: EventQuota, Quota: quota, Text: summary})
			}
		} else {
			events = append(events, Event{Kind: EventText, Text: "[tool:done] " + summary})
		}
	}
	return events
}

func (p *Parser) parseResult(data map[string]any) []Event {
	var events []Event

	if text, ok := data["result"].(string); ok && text != "" {
		isError, _ := data["is_error"].(bool)
		subtype, _ := data["subtype"].(string)
		events = append(events, p.eventsFromText(text, isError || strings.HasPrefix(subtype, "error"))...)
	}

	if usage := extractTelemetry(data); usage != nil {
		events = append(events, Event{Kind: EventTelemetry, Telemetry: usage})
	}

	events = append(events, Event{Kind: EventResult})
	return events
}

// eventsFromText emits the passthrough text event plus any verdicts, and,
// on error surfaces only, quota signals.
func (p *Parser) eventsFromText(text string, errorSurface bool) []Event {
	events := []Event{{Kind: EventText, Text: text}}
	for _, v := range ExtractVerdicts(text) {
		verdict := v
		events = append(events, Event{Kind: EventVerdict, Verdict: &verdict})
	}
	if errorSurface {
		if quota := p.extractQuota(text); quota != nil {
			events = append(events, Event{Kind: EventQuota, Quota: quota})
		}
	}
	return events
}

func contentBlocks(data map[string]any) []map[string]any {
	message, ok := data["message"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := message["content"].([]any)
	if !ok {
		return nil
	}
	blocks := make([]map[string]any, 0, len(raw))
	for _, b := range raw {
		if m, ok := b.(map[string]any); ok {
			blocks = append(blocks, m)
		}
	}
	return blocks
}

func blockType(block map[string]any) string {
	t, _ := block["type"].(string)
	return t
}

func extractTelemetry(data map[string]any) *core.Telemetry {
	usage := &core.Telemetry{}
	found := false

	if cost, ok := data["total_cost_usd"].(float64); ok {
		usage.CostUSD = cost
		found = true
	}
	if u, ok := data["usage"].(map[string]any); ok {
		for _, key := range []string{"input_tokens", "output_tokens", "cache_creation_input_tokens", "cache_read_input_tokens"} {
			if v, ok := u[key].(float64); ok {
				usage.Tokens += int64(v)
				found = true
			}
		}
	}
	if !found {
		return nil
	}
	return usage
}

func summarizeResult(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "OK"
	}
	firstLine := text
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		firstLine = strings.TrimSpace(text[:idx])
	}
	if len(firstLine) > 120 {
		firstLine = firstLine[:120] + "..."
	}
	if total := strings.Count(text, "\n") + 1; total > 1 {
		return fmt.Sprintf("%s  (%d lines)", firstLine, total)
	}
	return firstLine
}

func summarizeToolInput(name string, input any) string {
	m, ok := input.(map[string]any)
	if !ok {
		return name
	}
	for _, key := range []string{"file_path", "path", "command", "pattern", "url"} {
		if v, ok := m[key].(string); ok && v != "" {
			if len(v) > 80 {
				v = v[:80] + "..."
			}
			return v
		}
	}
	return name
}

// verdictLine matches a verdict at the start of a line, tolerating markdown
// emphasis around the keyword.
var verdictLine = regexp.MustCompile(`(?mi)^\s*\**(ACCEPTED|REJECTED|ALL_FEATURES_COMPLETE)\**:?\s*(.*)$`)

var commitHash = regexp.MustCompile(`\b[0-9a-f]{7,40}\b`)

// ExtractVerdicts returns every verdict found in a text block, in order.
// Callers keep the last one; a stream may contain restated verdicts.
func ExtractVerdicts(text string) []core.Verdict {
	lines := strings.Split(text, "\n")
	var verdicts []core.Verdict

	for i, line := range lines {
		m := verdictLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		kind := core.VerdictKind(strings.ToUpper(m[1]))
		rest := strings.TrimSpace(m[2])

		switch kind {
		case core.VerdictAccepted:
			verdicts = append(verdicts, core.Verdict{Kind: core.VerdictAccepted})
		case core.VerdictRejected:
			reason := collectUntilBreak(rest, lines[i+1:])
			verdicts = append(verdicts, core.Verdict{Kind: core.VerdictRejected, Reason: reason})
		case core.VerdictAllComplete:
			summary, commits := collectCompletion(rest, lines[i+1:])
			verdicts = append(verdicts, core.Verdict{
				Kind:    core.VerdictAllComplete,
				Summary: summary,
				Commits: commits,
			})
		}
	}
	return verdicts
}

// collectUntilBreak gathers reason text up to the next blank line or the
// next verdict-like line.
func collectUntilBreak(first string, following []string) string {
	parts := []string{}
	if first != "" {
		parts = append(parts, first)
	}
	for _, line := range following {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || verdictLine.MatchString(line) {
			break
		}
		parts = append(parts, trimmed)
	}
	return strings.Join(parts, "\n")
}

// collectCompletion gathers the summary and the hashes of a trailing
// "Commits" list.
func collectCompletion(first string, following []string) (string, []string) {
	var summaryParts []string
	if first != "" {
		summaryParts = append(summaryParts, first)
	}
	var commits []string
	inCommits := false

	for _, line := range following {
		trimmed := strings.TrimSpace(line)
		if verdictLine.MatchString(line) {
			break
		}
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "commits") {
			inCommits = true
			continue
		}
		if inCommits {
			if hash := commitHash.FindString(trimmed); hash != "" {
				commits = append(commits, hash)
			}
			continue
		}
		if trimmed != "" {
			summaryParts = append(summaryParts, trimmed)
		}
	}
	return strings.Join(summaryParts, "\n"), commits
}

var (
	quotaMention  = regexp.MustCompile(`(?i)rate limit|quota|usage limit`)
	retryAfterRel = regexp.MustCompile(`(?i)try again in\s+(\d+)\s*(minute|hour)s?`)
	retryAfterAbs = regexp.MustCompile(`(?i)resets? at\s+(\d{1,2}):(\d{2})`)
	exhausted     = regexp.MustCompile(`(?i)quota|usage limit`)
)

// extractQuota detects a rate-limit or quota signal. Callers invoke it on
// error surfaces and on raw-text fallback lines; structured assistant text
// is exempt so a passing mention of "rate limit" never trips it.
func (p *Parser) extractQuota(text string) *core.QuotaSignal {
	if !quotaMention.MatchString(text) {
		return nil
	}

	status := core.QuotaRateLimited
	if exhausted.MatchString(text) {
		status = core.QuotaExhausted
	}

	signal := &core.QuotaSignal{Status: status}

	if m := retryAfterRel.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		unit := time.Minute
		if strings.EqualFold(m[2], "hour") {
			unit = time.Hour
		}
		at := core.NewTimestamp(p.clk.Now().Add(time.Duration(n) * unit))
		signal.ResetAt = &at
	} else if m := retryAfterAbs.FindStringSubmatch(text); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		now := p.clk.Now()
		reset := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !reset.After(now) {
			reset = reset.Add(24 * time.Hour)
		}
		at := core.NewTimestamp(reset)
		signal.ResetAt = &at
	}
	return signal
}
