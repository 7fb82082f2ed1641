// Package agenttest provides a scripted agent session for tests.
package agenttest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hugo-lorenzo-mato/anima/internal/agent"
	"github.com/hugo-lorenzo-mato/anima/internal/core"
)

// Exchange scripts the output lines replayed for one received message.
type Exchange struct {
	Lines []string
	// DieAfter makes the session report child death (with ExitCode) after
	// replaying Lines, instead of staying alive.
	DieAfter bool
	ExitCode int
}

// ScriptedSession replays canned exchanges in order. Each Send consumes the
// next exchange and queues its lines on the output channel.
type ScriptedSession struct {
	mu        sync.Mutex
	exchanges []Exchange
	out       chan agent.Chunk
	sent      []string
	closed    bool
	dead      bool
	exitCode  int
}

// NewScriptedSession creates a session that replays the given exchanges.
func NewScriptedSession(exchanges ...Exchange) *ScriptedSession {
	return &ScriptedSession{
		exchanges: exchanges,
		out:       make(chan agent.Chunk, 256),
	}
}

// Sent returns every message received so far.
func (s *ScriptedSession) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// Send records the message and replays the next scripted exchange.
func (s *ScriptedSession) Send(_ context.Context, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead || s.closed {
		return core.ErrTransientAgent(core.CodeSessionDead, "scripted session is dead")
	}
	s.sent = append(s.sent, content)

	if len(s.exchanges) == 0 {
		return nil
	}
	next := s.exchanges[0]
	s.exchanges = s.exchanges[1:]

	for _, line := range next.Lines {
		s.out <- agent.Chunk{Line: line}
	}
	if next.DieAfter {
		s.dead = true
		s.exitCode = next.ExitCode
		s.out <- agent.Chunk{Terminal: true, ExitCode: next.ExitCode}
	}
	return nil
}

// Output returns the scripted output channel.
func (s *ScriptedSession) Output() <-chan agent.Chunk {
	return s.out
}

// Close marks the session closed.
func (s *ScriptedSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

// Kill behaves like Close for the scripted session.
func (s *ScriptedSession) Kill() error {
	return s.Close()
}

// Health reports scripted liveness.
func (s *ScriptedSession) Health() agent.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || s.closed {
		return agent.Health{Alive: false, ExitCode: s.exitCode}
	}
	return agent.Health{Alive: true}
}

// AssistantText renders a stream-json assistant frame containing one text
// block, for building scripted exchanges.
func AssistantText(text string) string {
	frame := map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
		},
	}
	data, _ := json.Marshal(frame)
	return string(data)
}

// ResultFrame renders a stream-json result frame with usage totals.
func ResultFrame(resultText string, tokens int64, costUSD float64) string {
	frame := map[string]any{
		"type":           "result",
		"subtype":        "success",
		"result":         resultText,
		"total_cost_usd": costUSD,
		"usage": map[string]any{
			"input_tokens":  tokens / 2,
			"output_tokens": tokens - tokens/2,
		},
	}
	data, _ := json.Marshal(frame)
	return string(data)
}

// ErrorResultFrame renders a failed result frame, the error surface used for
// quota detection.
func ErrorResultFrame(resultText string) string {
	frame := map[string]any{
		"type":     "result",
		"subtype":  "error_during_execution",
		"is_error": true,
		"result":   resultText,
	}
	data, _ := json.Marshal(frame)
	return string(data)
}

var _ agent.Session = (*ScriptedSession)(nil)
