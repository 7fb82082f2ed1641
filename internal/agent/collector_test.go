package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/anima/internal/agent"
	"github.com/hugo-lorenzo-mato/anima/internal/agent/agenttest"
	"github.com/hugo-lorenzo-mato/anima/internal/clock"
	"github.com/hugo-lorenzo-mato/anima/internal/core"
)

const testIdle = 20 * time.Millisecond

func collect(t *testing.T, session agent.Session, message string) (*agent.Response, error) {
	t.Helper()
	clk := clock.NewSystem()
	parser := agent.NewParser(clk)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return agent.Collect(ctx, session, parser, clk, testIdle, message, nil)
}

func TestCollectAcceptedVerdict(t *testing.T) {
	session := agenttest.NewScriptedSession(agenttest.Exchange{Lines: []string{
		agenttest.AssistantText("ACCEPTED\nAll criteria hold."),
		agenttest.ResultFrame("done", 500, 0.02),
	}})
	defer session.Close()

	resp, err := collect(t, session, "review commit abc")
	require.NoError(t, err)
	require.NotNil(t, resp.Verdict)
	assert.Equal(t, core.VerdictAccepted, resp.Verdict.Kind)
	assert.Equal(t, int64(500), resp.Usage.Tokens)
	assert.Equal(t, []string{"review commit abc"}, session.Sent())
}

func TestCollectLastVerdictWins(t *testing.T) {
	session := agenttest.NewScriptedSession(agenttest.Exchange{Lines: []string{
		agenttest.AssistantText("REJECTED: missing edge case"),
		agenttest.AssistantText("On second look the edge case is covered.\nACCEPTED"),
		agenttest.ResultFrame("", 100, 0.01),
	}})
	defer session.Close()

	resp, err := collect(t, session, "review")
	require.NoError(t, err)
	require.NotNil(t, resp.Verdict)
	assert.Equal(t, core.VerdictAccepted, resp.Verdict.Kind)
}

func TestCollectSessionDeathMidResponse(t *testing.T) {
	session := agenttest.NewScriptedSession(agenttest.Exchange{
		Lines:    []string{agenttest.AssistantText("starting work")},
		DieAfter: true,
		ExitCode: 137,
	})

	resp, err := collect(t, session, "implement")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindTransientAgent))
	require.NotNil(t, resp)
	assert.True(t, resp.Died)
	assert.Equal(t, 137, resp.ExitCode)
}

func TestCollectDeadline(t *testing.T) {
	// No result frame ever arrives.
	session := agenttest.NewScriptedSession(agenttest.Exchange{Lines: []string{
		agenttest.AssistantText("thinking..."),
	}})
	defer session.Close()

	clk := clock.NewSystem()
	parser := agent.NewParser(clk)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := agent.Collect(ctx, session, parser, clk, testIdle, "implement", nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindTransientAgent))

	var domainErr *core.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, core.CodeRoundTimeout, domainErr.Code)
}

func TestCollectQuotaSignal(t *testing.T) {
	session := agenttest.NewScriptedSession(agenttest.Exchange{Lines: []string{
		agenttest.ErrorResultFrame("rate limit exceeded, try again in 30 minutes"),
	}})
	defer session.Close()

	resp, err := collect(t, session, "implement")
	require.NoError(t, err)
	require.NotNil(t, resp.Quota)
	assert.Equal(t, core.QuotaRateLimited, resp.Quota.Status)
	require.NotNil(t, resp.Quota.ResetAt)
}

func TestCollectSendToDeadSession(t *testing.T) {
	session := agenttest.NewScriptedSession(agenttest.Exchange{DieAfter: true})
	_, err := collect(t, session, "first")
	require.Error(t, err)

	_, err = collect(t, session, "second")
	require.Error(t, err)
	var domainErr *core.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, core.CodeSessionDead, domainErr.Code)
}

func TestCollectStreamsEventsToObserver(t *testing.T) {
	session := agenttest.NewScriptedSession(agenttest.Exchange{Lines: []string{
		agenttest.AssistantText("working on it"),
		agenttest.ResultFrame("done", 10, 0),
	}})
	defer session.Close()

	var texts []string
	clk := clock.NewSystem()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := agent.Collect(ctx, session, agent.NewParser(clk), clk, testIdle, "go",
		func(e agent.Event) {
			if e.Kind == agent.EventText {
				texts = append(texts, e.Text)
			}
		})
	require.NoError(t, err)
	assert.Contains(t, texts, "working on it")
}
