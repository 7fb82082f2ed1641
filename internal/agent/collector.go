package agent

import (
	"context"
	"time"

	"github.com/hugo-lorenzo-mato/anima/internal/clock"
	"github.com/hugo-lorenzo-mato/anima/internal/core"
)

// Response is the structured outcome of one request/response exchange with
// an agent session.
type Response struct {
	Verdict  *core.Verdict
	Quota    *core.QuotaSignal
	Usage    core.Telemetry
	Died     bool
	ExitCode int
}

// Collect sends a message and drains the session's output until the
// response completes. Completion is the stream-json result frame followed by
// an idle window; if more verdicts arrive inside the window the last one
// wins. onEvent observes every parsed event for UI streaming.
func Collect(ctx context.Context, session Session, parser *Parser, clk clock.Clock,
	idle time.Duration, message string, onEvent func(Event)) (*Response, error) {

	if err := session.Send(ctx, message); err != nil {
		return nil, err
	}

	resp := &Response{}
	resultSeen := false

	var idleTimer clock.Timer
	var idleC <-chan time.Time
	armIdle := func() {
		if idleTimer != nil {
			idleTimer.Stop()
		}
		idleTimer = clk.NewTimer(idle)
		idleC = idleTimer.C()
	}
	defer func() {
		if idleTimer != nil {
			idleTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, core.ErrTransientAgent(core.CodeRoundTimeout, "agent response deadline exceeded")

		case <-idleC:
			return resp, nil

		case chunk, ok := <-session.Output():
			if !ok || chunk.Terminal {
				resp.Died = true
				resp.ExitCode = chunk.ExitCode
				if resultSeen {
					return resp, nil
				}
				return resp, core.ErrTransientAgent(core.CodeSessionDead, "agent exited mid-response")
			}

			for _, event := range parser.ParseLine(chunk.Line) {
				if onEvent != nil {
					onEvent(event)
				}
				switch event.Kind {
				case EventVerdict:
					resp.Verdict = event.Verdict
				case EventTelemetry:
					resp.Usage.Tokens += event.Telemetry.Tokens
					resp.Usage.CostUSD += event.Telemetry.CostUSD
				case EventQuota:
					resp.Quota = event.Quota
				case EventResult:
					resultSeen = true
				}
			}
			if resultSeen {
				armIdle()
			}
		}
	}
}
