package runtime

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentTide/pkg/engine/api"
	"AgentTide/pkg/engine/approval"
	"AgentTide/pkg/engine/scheduler"
	"AgentTide/pkg/engine/store"
	"AgentTide/pkg/engine/tools"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Test Fixtures
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// scriptedLLM replays one scripted response per Stream call.
type scriptedLLM struct {
	mu        sync.Mutex
	responses [][]LLMChunk
	call      int
	requests  []LLMRequest
}

func (s *scriptedLLM) Stream(ctx context.Context, req LLMRequest) (LLMStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.call >= len(s.responses) {
		return &scriptedStream{}, nil
	}
	chunks := s.responses[s.call]
	s.call++
	return &scriptedStream{chunks: chunks}, nil
}

type scriptedStream struct {
	chunks []LLMChunk
	pos    int
}

func (s *scriptedStream) Recv(ctx context.Context) (LLMChunk, error) {
	if s.pos >= len(s.chunks) {
		return LLMChunk{}, io.EOF
	}
	ch := s.chunks[s.pos]
	s.pos++
	return ch, nil
}

func (s *scriptedStream) Close() error { return nil }

type echoTool struct {
	tools.BaseTool
	tools.NoConfirm
}

func newEchoTool() *echoTool {
	return &echoTool{
		BaseTool: tools.NewBaseTool("echo", "Echoes input back.", []tools.ParameterDef{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		}, api.RiskNone),
	}
}

func (t *echoTool) Execute(ctx context.Context, args api.Args, onOutput tools.OutputFunc, svcs tools.Services) (api.ToolResult, error) {
	return api.ToolResult{Content: "echo: " + tools.GetStringArg(args, "text", "")}, nil
}

func newTestAgent(t *testing.T, llm LLM) (*Agent, *api.Session) {
	t.Helper()
	approvals, err := approval.NewStore(t.TempDir(), api.ModeDefault)
	require.NoError(t, err)
	sessions, err := store.NewFileSessionStore(t.TempDir())
	require.NoError(t, err)

	reg := tools.NewRegistry()
	reg.MustRegister(newEchoTool())

	agent := New(Config{
		LLM:       llm,
		Registry:  reg,
		Sessions:  sessions,
		Approvals: approvals,
	})
	session := &api.Session{SessionID: "s1", CreatedAt: time.Now()}
	return agent, session
}

func drainEvents(t *testing.T, stream api.EventStream) []api.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []api.Event
	for {
		e, err := stream.Recv(ctx)
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, e)
	}
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Agent Turn Tests
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func TestAgentTextOnlyTurn(t *testing.T) {
	llm := &scriptedLLM{responses: [][]LLMChunk{
		{
			{Delta: "Hello "},
			{Delta: "there"},
			{FinishReason: "stop"},
		},
	}}
	agent, session := newTestAgent(t, llm)

	stream, err := agent.Send(context.Background(), session, "hi")
	require.NoError(t, err)

	events := drainEvents(t, stream)

	var text string
	var doneReason string
	for _, e := range events {
		if e.Type == api.EventDelta {
			text += e.Delta.Text
		}
		if e.Type == api.EventDone {
			doneReason = e.Done.Reason
		}
	}
	assert.Equal(t, "Hello there", text)
	assert.Equal(t, "completed", doneReason)

	// user + assistant persisted
	require.Len(t, session.Messages, 2)
	assert.Equal(t, "assistant", session.Messages[1].Role)
	assert.Equal(t, "Hello there", session.Messages[1].Content)
}

func TestAgentToolCallTurn(t *testing.T) {
	llm := &scriptedLLM{responses: [][]LLMChunk{
		{
			{ToolCall: &api.LLMToolCall{ID: "tc-1", Name: "echo", Args: `{"text":"ping"}`}},
			{FinishReason: "tool_calls"},
		},
		{
			{Delta: "The tool said: echo: ping"},
			{FinishReason: "stop"},
		},
	}}
	agent, session := newTestAgent(t, llm)

	stream, err := agent.Send(context.Background(), session, "run echo")
	require.NoError(t, err)

	events := drainEvents(t, stream)

	var sawSnapshot, sawDone bool
	for _, e := range events {
		if e.Type == api.EventToolSnapshot {
			sawSnapshot = true
		}
		if e.Type == api.EventDone {
			sawDone = true
			assert.Equal(t, "completed", e.Done.Reason)
		}
	}
	assert.True(t, sawSnapshot, "expected tool snapshot events")
	assert.True(t, sawDone)

	// user, assistant(tool_calls), tool, assistant
	require.Len(t, session.Messages, 4)
	assert.Equal(t, "tool", session.Messages[2].Role)
	assert.Equal(t, "echo: ping", session.Messages[2].Content)
	assert.Equal(t, "tc-1", session.Messages[2].ToolCallID)

	// The model saw the registered tool schema.
	require.NotEmpty(t, llm.requests)
	require.Len(t, llm.requests[0].Tools, 1)
	assert.Equal(t, "echo", llm.requests[0].Tools[0].Name)
}

func TestAgentRejectsConcurrentTurn(t *testing.T) {
	block := make(chan struct{})
	llm := &blockingLLM{release: block}
	agent, session := newTestAgent(t, llm)

	_, err := agent.Send(context.Background(), session, "first")
	require.NoError(t, err)

	_, err = agent.Send(context.Background(), session, "second")
	require.Error(t, err)
	assert.Contains(t, err.Error(), api.ErrBatchActive)

	close(block)
}

type blockingLLM struct {
	release chan struct{}
}

func (b *blockingLLM) Stream(ctx context.Context, req LLMRequest) (LLMStream, error) {
	<-b.release
	return &scriptedStream{}, nil
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Sub-Agent Tests
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func TestSubAgentToolRunsNestedBatch(t *testing.T) {
	llm := &scriptedLLM{responses: [][]LLMChunk{
		{
			{ToolCall: &api.LLMToolCall{ID: "sub-tc-1", Name: "echo", Args: `{"text":"nested"}`}},
			{FinishReason: "tool_calls"},
		},
		{
			{Delta: "Task finished: echo: nested"},
			{FinishReason: "stop"},
		},
	}}

	approvals, err := approval.NewStore(t.TempDir(), api.ModeDefault)
	require.NoError(t, err)
	reg := tools.NewRegistry()
	reg.MustRegister(newEchoTool())

	tool := NewSubAgentTool(SubAgentConfig{
		LLM:       llm,
		Registry:  reg,
		Approvals: approvals,
	})
	require.True(t, tool.SpawnsSubAgent())

	var mu sync.Mutex
	var forwarded []any
	var chunks []string
	svcs := tools.Services{StatusUpdate: func(snapshot any) {
		mu.Lock()
		forwarded = append(forwarded, snapshot)
		mu.Unlock()
	}}

	result, err := tool.Execute(context.Background(), api.Args{"task": "echo nested"},
		func(chunk string) {
			mu.Lock()
			chunks = append(chunks, chunk)
			mu.Unlock()
		}, svcs)
	require.NoError(t, err)
	assert.Equal(t, "Task finished: echo: nested", result.Content)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, forwarded, "expected nested snapshots forwarded upstream")
	if snap, ok := forwarded[0].([]scheduler.ToolCall); assert.True(t, ok) {
		require.NotEmpty(t, snap)
		assert.Equal(t, api.AgentSub, snap[0].Agent.Type)
	}
	assert.NotEmpty(t, chunks, "expected progress output")
}

func TestSubAgentToolRequiresTask(t *testing.T) {
	tool := NewSubAgentTool(SubAgentConfig{LLM: &scriptedLLM{}, Registry: tools.NewRegistry()})
	_, err := tool.Execute(context.Background(), api.Args{}, nil, tools.Services{})
	require.Error(t, err)
}
