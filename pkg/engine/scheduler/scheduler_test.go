package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentTide/pkg/engine/api"
	"AgentTide/pkg/engine/approval"
	"AgentTide/pkg/engine/editor"
	"AgentTide/pkg/engine/tools"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Test Fixtures
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

type fakeTool struct {
	name      string
	confirm   func(ctx context.Context, args api.Args) (*api.ConfirmationDetails, error)
	execute   func(ctx context.Context, args api.Args, onOutput tools.OutputFunc, svcs tools.Services) (api.ToolResult, error)
	spawnsSub bool
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Risk() api.RiskLevel { return api.RiskLow }
func (f *fakeTool) Schema() api.ToolSchema {
	return api.ToolSchema{Name: f.name, Description: "test tool"}
}

func (f *fakeTool) ShouldConfirmExecute(ctx context.Context, args api.Args) (*api.ConfirmationDetails, error) {
	if f.confirm == nil {
		return nil, nil
	}
	return f.confirm(ctx, args)
}

func (f *fakeTool) Execute(ctx context.Context, args api.Args, onOutput tools.OutputFunc, svcs tools.Services) (api.ToolResult, error) {
	if f.execute == nil {
		return api.ToolResult{Content: "ok"}, nil
	}
	return f.execute(ctx, args, onOutput, svcs)
}

func (f *fakeTool) SpawnsSubAgent() bool { return f.spawnsSub }

type modifiableTool struct {
	fakeTool
}

func (m *modifiableTool) ModifyContext(args api.Args) *editor.ModifyContext {
	return &editor.ModifyContext{FileExt: ".txt", Content: tools.GetStringArg(args, "content", "")}
}

type validatingTool struct {
	fakeTool
	validateErr error
}

func (v *validatingTool) ValidateArgs(args api.Args) error { return v.validateErr }

type fakeRegistry map[string]tools.Tool

func (r fakeRegistry) Get(name string) (tools.Tool, bool) {
	t, ok := r[name]
	return t, ok
}

type fakeAdapter struct {
	mu             sync.Mutex
	statusChanges  []Status
	snapshots      [][]ToolCall
	outputChunks   []string
	completed      []CompletedToolCall
	completeFired  int
	preHookErr     map[string]error
	preHookOrder   []string
	editorKind     editor.Kind
	editorOK       bool
	statusUpdateCb StatusUpdateFn
}

func (a *fakeAdapter) OnToolStatusChanged(callID string, status Status, call ToolCall) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusChanges = append(a.statusChanges, status)
}

func (a *fakeAdapter) OnOutputUpdate(callID string, chunk string, agent api.AgentContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outputChunks = append(a.outputChunks, chunk)
}

func (a *fakeAdapter) OnPreToolExecution(ctx context.Context, call ToolCall) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.preHookOrder = append(a.preHookOrder, call.Request.CallID)
	if a.preHookErr == nil {
		return nil
	}
	return a.preHookErr[call.Request.CallID]
}

func (a *fakeAdapter) OnAllToolsComplete(completed []CompletedToolCall, agent api.AgentContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completed = completed
	a.completeFired++
}

func (a *fakeAdapter) OnToolCallsUpdate(snapshot []ToolCall, agent api.AgentContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshots = append(a.snapshots, snapshot)
}

func (a *fakeAdapter) GetPreferredEditor() (editor.Kind, bool) {
	return a.editorKind, a.editorOK
}

func (a *fakeAdapter) GetStatusUpdateCallback() StatusUpdateFn {
	return a.statusUpdateCb
}

func (a *fakeAdapter) completeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completeFired
}

func mainAgent() api.AgentContext {
	return api.AgentContext{AgentID: "main", Type: api.AgentMain}
}

func newTestScheduler(t *testing.T, reg fakeRegistry, mode api.ApprovalMode) (*Scheduler, *fakeAdapter) {
	t.Helper()
	store, err := approval.NewStore(t.TempDir(), mode)
	require.NoError(t, err)
	adapter := &fakeAdapter{}
	return New(Config{Registry: reg, Adapter: adapter, Approvals: store}), adapter
}

func request(id, name string, args api.Args) api.ToolCallRequest {
	return api.ToolCallRequest{CallID: id, Name: name, Args: args}
}

func awaitBatch(t *testing.T, done <-chan []CompletedToolCall) []CompletedToolCall {
	t.Helper()
	select {
	case completed := <-done:
		return completed
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not complete")
		return nil
	}
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Batch Lifecycle
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func TestExecuteMixedResults(t *testing.T) {
	reg := fakeRegistry{
		"good": &fakeTool{name: "good"},
		"bad": &fakeTool{name: "bad", execute: func(ctx context.Context, args api.Args, onOutput tools.OutputFunc, svcs tools.Services) (api.ToolResult, error) {
			return api.ToolResult{}, errors.New("boom")
		}},
	}
	s, adapter := newTestScheduler(t, reg, api.ModeDefault)

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{
		request("c1", "good", nil),
		request("c2", "bad", nil),
		request("c3", "missing", nil),
	}, mainAgent())
	require.NoError(t, err)

	completed := awaitBatch(t, done)
	require.Len(t, completed, 3)

	byID := map[string]CompletedToolCall{}
	for _, c := range completed {
		byID[c.Request.CallID] = c
	}
	assert.Equal(t, StatusSuccess, byID["c1"].Status)
	assert.Equal(t, "ok", byID["c1"].Response.Content)
	assert.Equal(t, StatusError, byID["c2"].Status)
	assert.Contains(t, byID["c2"].Response.Error, "boom")
	assert.Equal(t, StatusError, byID["c3"].Status)
	assert.Contains(t, byID["c3"].Response.Error, "not found")

	assert.Equal(t, 1, adapter.completeCount())
	assert.False(t, s.IsRunning())
	assert.Empty(t, s.Snapshot())
}

func TestExecuteRejectsSecondBatch(t *testing.T) {
	block := make(chan struct{})
	reg := fakeRegistry{
		"slow": &fakeTool{name: "slow", execute: func(ctx context.Context, args api.Args, onOutput tools.OutputFunc, svcs tools.Services) (api.ToolResult, error) {
			<-block
			return api.ToolResult{Content: "done"}, nil
		}},
	}
	s, _ := newTestScheduler(t, reg, api.ModeDefault)

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{request("c1", "slow", nil)}, mainAgent())
	require.NoError(t, err)
	require.True(t, s.IsRunning())

	_, err = s.Execute(context.Background(), []api.ToolCallRequest{request("c2", "slow", nil)}, mainAgent())
	require.ErrorIs(t, err, ErrBatchActive)

	close(block)
	completed := awaitBatch(t, done)
	require.Len(t, completed, 1)

	// A finished engine accepts the next batch.
	done2, err := s.Execute(context.Background(), []api.ToolCallRequest{request("c3", "slow", nil)}, mainAgent())
	require.NoError(t, err)
	awaitBatch(t, done2)
}

func TestValidationFailureIsolated(t *testing.T) {
	reg := fakeRegistry{
		"strict": &validatingTool{
			fakeTool:    fakeTool{name: "strict"},
			validateErr: errors.New("missing required field path"),
		},
		"loose": &fakeTool{name: "loose"},
	}
	s, _ := newTestScheduler(t, reg, api.ModeDefault)

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{
		request("c1", "strict", nil),
		request("c2", "loose", nil),
	}, mainAgent())
	require.NoError(t, err)

	completed := awaitBatch(t, done)
	assert.Equal(t, StatusError, completed[0].Status)
	assert.Contains(t, completed[0].Response.Error, "missing required field")
	assert.Equal(t, StatusSuccess, completed[1].Status)
}

func TestPreExecutionHookOrderAndFailure(t *testing.T) {
	reg := fakeRegistry{
		"a": &fakeTool{name: "a"},
		"b": &fakeTool{name: "b"},
	}
	s, adapter := newTestScheduler(t, reg, api.ModeDefault)
	adapter.preHookErr = map[string]error{"c2": errors.New("hook rejected")}

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{
		request("c1", "a", nil),
		request("c2", "b", nil),
	}, mainAgent())
	require.NoError(t, err)

	completed := awaitBatch(t, done)
	assert.Equal(t, StatusSuccess, completed[0].Status)
	assert.Equal(t, StatusError, completed[1].Status)
	assert.Contains(t, completed[1].Response.Error, "hook rejected")
	assert.Equal(t, []string{"c1", "c2"}, adapter.preHookOrder)
}

func TestPanicIsolation(t *testing.T) {
	reg := fakeRegistry{
		"panicky": &fakeTool{name: "panicky", execute: func(ctx context.Context, args api.Args, onOutput tools.OutputFunc, svcs tools.Services) (api.ToolResult, error) {
			panic("unexpected state")
		}},
		"calm": &fakeTool{name: "calm"},
	}
	s, _ := newTestScheduler(t, reg, api.ModeDefault)

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{
		request("c1", "panicky", nil),
		request("c2", "calm", nil),
	}, mainAgent())
	require.NoError(t, err)

	completed := awaitBatch(t, done)
	assert.Equal(t, StatusError, completed[0].Status)
	assert.Contains(t, completed[0].Response.Error, "panicked")
	assert.Equal(t, StatusSuccess, completed[1].Status)
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Confirmation Flow
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func confirmingTool(name string, external api.ConfirmFunc) *fakeTool {
	return &fakeTool{
		name: name,
		confirm: func(ctx context.Context, args api.Args) (*api.ConfirmationDetails, error) {
			return &api.ConfirmationDetails{
				Kind:      api.ConfirmExec,
				Title:     "Run " + name,
				OnConfirm: external,
			}, nil
		},
	}
}

func TestConfirmationProceedOnce(t *testing.T) {
	var externalOutcomes []api.ConfirmationOutcome
	reg := fakeRegistry{"risky": confirmingTool("risky", func(o api.ConfirmationOutcome) error {
		externalOutcomes = append(externalOutcomes, o)
		return nil
	})}
	s, _ := newTestScheduler(t, reg, api.ModeDefault)

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{request("c1", "risky", nil)}, mainAgent())
	require.NoError(t, err)

	pending, ok := s.ActiveConfirmation()
	require.True(t, ok)
	assert.Equal(t, "c1", pending.Request.CallID)
	assert.Equal(t, StatusAwaitingApproval, pending.Status)
	assert.Equal(t, "Run risky", pending.Confirmation.Details.Title)
	// The engine strips the tool's callback from the published details.
	assert.Nil(t, pending.Confirmation.Details.OnConfirm)

	require.NoError(t, pending.Confirmation.Respond(context.Background(), api.OutcomeProceedOnce, nil))

	completed := awaitBatch(t, done)
	assert.Equal(t, StatusSuccess, completed[0].Status)
	assert.Equal(t, api.OutcomeProceedOnce, completed[0].Outcome)
	assert.Equal(t, []api.ConfirmationOutcome{api.OutcomeProceedOnce}, externalOutcomes)
}

func TestConfirmationCancel(t *testing.T) {
	executed := false
	tool := confirmingTool("risky", nil)
	tool.execute = func(ctx context.Context, args api.Args, onOutput tools.OutputFunc, svcs tools.Services) (api.ToolResult, error) {
		executed = true
		return api.ToolResult{}, nil
	}
	s, _ := newTestScheduler(t, fakeRegistry{"risky": tool}, api.ModeDefault)

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{request("c1", "risky", nil)}, mainAgent())
	require.NoError(t, err)

	require.NoError(t, s.HandleConfirmationResponse(context.Background(), "c1", api.OutcomeCancel, nil))

	completed := awaitBatch(t, done)
	assert.Equal(t, StatusCancelled, completed[0].Status)
	assert.Equal(t, "user cancelled", completed[0].Response.CancelReason)
	assert.False(t, executed)
}

func TestConfirmationProceedAlwaysProjectPersists(t *testing.T) {
	reg := fakeRegistry{"risky": confirmingTool("risky", nil)}
	store, err := approval.NewStore(t.TempDir(), api.ModeDefault)
	require.NoError(t, err)
	adapter := &fakeAdapter{}
	s := New(Config{Registry: reg, Adapter: adapter, Approvals: store})

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{request("c1", "risky", nil)}, mainAgent())
	require.NoError(t, err)

	require.NoError(t, s.HandleConfirmationResponse(context.Background(), "c1", api.OutcomeProceedAlwaysProject, nil))

	completed := awaitBatch(t, done)
	assert.Equal(t, StatusSuccess, completed[0].Status)
	assert.True(t, store.IsAlwaysAllowed("risky"))
}

func TestStaleConfirmationResponseIgnored(t *testing.T) {
	reg := fakeRegistry{"risky": confirmingTool("risky", nil)}
	s, _ := newTestScheduler(t, reg, api.ModeDefault)

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{request("c1", "risky", nil)}, mainAgent())
	require.NoError(t, err)

	require.NoError(t, s.HandleConfirmationResponse(context.Background(), "c1", api.OutcomeProceedOnce, nil))
	completed := awaitBatch(t, done)
	assert.Equal(t, StatusSuccess, completed[0].Status)

	// Late duplicate and unknown ids are no-ops.
	assert.NoError(t, s.HandleConfirmationResponse(context.Background(), "c1", api.OutcomeCancel, nil))
	assert.NoError(t, s.HandleConfirmationResponse(context.Background(), "ghost", api.OutcomeCancel, nil))
}

func TestYOLOSkipsConfirmation(t *testing.T) {
	confirmCalled := false
	reg := fakeRegistry{"risky": &fakeTool{
		name: "risky",
		confirm: func(ctx context.Context, args api.Args) (*api.ConfirmationDetails, error) {
			confirmCalled = true
			return &api.ConfirmationDetails{Kind: api.ConfirmExec, Title: "never shown"}, nil
		},
	}}
	s, _ := newTestScheduler(t, reg, api.ModeYOLO)

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{request("c1", "risky", nil)}, mainAgent())
	require.NoError(t, err)

	completed := awaitBatch(t, done)
	assert.Equal(t, StatusSuccess, completed[0].Status)
	assert.False(t, confirmCalled)
}

func TestModifyWithEditor(t *testing.T) {
	var gotArgs api.Args
	tool := &modifiableTool{fakeTool: *confirmingTool("edit", nil)}
	tool.execute = func(ctx context.Context, args api.Args, onOutput tools.OutputFunc, svcs tools.Services) (api.ToolResult, error) {
		gotArgs = args
		return api.ToolResult{Content: "written"}, nil
	}
	s, adapter := newTestScheduler(t, fakeRegistry{"edit": tool}, api.ModeDefault)
	adapter.editorKind = editor.KindVim
	adapter.editorOK = true
	s.cfg.LaunchEditor = func(ctx context.Context, kind editor.Kind, mc *editor.ModifyContext) (api.Args, error) {
		assert.Equal(t, editor.KindVim, kind)
		return api.Args{"content": "edited"}, nil
	}

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{
		request("c1", "edit", api.Args{"content": "original"}),
	}, mainAgent())
	require.NoError(t, err)

	require.NoError(t, s.HandleConfirmationResponse(context.Background(), "c1", api.OutcomeModifyWithEditor, nil))

	completed := awaitBatch(t, done)
	assert.Equal(t, StatusSuccess, completed[0].Status)
	assert.Equal(t, api.OutcomeModifyWithEditor, completed[0].Outcome)
	assert.Equal(t, "edited", gotArgs["content"])
	assert.Equal(t, "edited", completed[0].Request.Args["content"])
}

func TestModifyWithoutEditorKeepsAwaiting(t *testing.T) {
	tool := &modifiableTool{fakeTool: *confirmingTool("edit", nil)}
	s, adapter := newTestScheduler(t, fakeRegistry{"edit": tool}, api.ModeDefault)
	adapter.editorOK = false

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{request("c1", "edit", nil)}, mainAgent())
	require.NoError(t, err)

	err = s.HandleConfirmationResponse(context.Background(), "c1", api.OutcomeModifyWithEditor, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), api.ErrEditorUnavailable)

	// The call still awaits approval and can be resolved normally.
	pending, ok := s.ActiveConfirmation()
	require.True(t, ok)
	assert.Equal(t, StatusAwaitingApproval, pending.Status)

	require.NoError(t, s.HandleConfirmationResponse(context.Background(), "c1", api.OutcomeProceedOnce, nil))
	completed := awaitBatch(t, done)
	assert.Equal(t, StatusSuccess, completed[0].Status)
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Cancellation
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func TestCancellationOverridesLateSuccess(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	reg := fakeRegistry{"slow": &fakeTool{name: "slow", execute: func(ctx context.Context, args api.Args, onOutput tools.OutputFunc, svcs tools.Services) (api.ToolResult, error) {
		close(started)
		<-release
		// Returns success even though the context was cancelled.
		return api.ToolResult{Content: "too late"}, nil
	}}}
	s, _ := newTestScheduler(t, reg, api.ModeDefault)

	ctx, cancel := context.WithCancel(context.Background())
	done, err := s.Execute(ctx, []api.ToolCallRequest{request("c1", "slow", nil)}, mainAgent())
	require.NoError(t, err)

	<-started
	cancel()
	close(release)

	completed := awaitBatch(t, done)
	assert.Equal(t, StatusCancelled, completed[0].Status)
	assert.Equal(t, "user cancelled", completed[0].Response.CancelReason)
	assert.Empty(t, completed[0].Response.Content)
}

func TestAbortDuringAwaitingApproval(t *testing.T) {
	reg := fakeRegistry{"risky": confirmingTool("risky", nil)}
	s, _ := newTestScheduler(t, reg, api.ModeDefault)

	ctx, cancel := context.WithCancel(context.Background())
	done, err := s.Execute(ctx, []api.ToolCallRequest{request("c1", "risky", nil)}, mainAgent())
	require.NoError(t, err)

	_, ok := s.ActiveConfirmation()
	require.True(t, ok)

	cancel()

	completed := awaitBatch(t, done)
	assert.Equal(t, StatusCancelled, completed[0].Status)
	assert.Equal(t, api.OutcomeCancel, completed[0].Outcome)
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Snapshots & Live Output
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func TestLiveOutputStreaming(t *testing.T) {
	reg := fakeRegistry{"chatty": &fakeTool{name: "chatty", execute: func(ctx context.Context, args api.Args, onOutput tools.OutputFunc, svcs tools.Services) (api.ToolResult, error) {
		onOutput("line one\n")
		onOutput("line two\n")
		return api.ToolResult{Content: "done"}, nil
	}}}
	s, adapter := newTestScheduler(t, reg, api.ModeDefault)

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{request("c1", "chatty", nil)}, mainAgent())
	require.NoError(t, err)
	awaitBatch(t, done)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Equal(t, []string{"line one\n", "line two\n"}, adapter.outputChunks)

	// Some intermediate snapshot carries the accumulated output.
	var sawAccumulated bool
	for _, snap := range adapter.snapshots {
		for _, c := range snap {
			if c.LiveOutput == "line one\nline two\n" {
				sawAccumulated = true
			}
		}
	}
	assert.True(t, sawAccumulated)
}

func TestSnapshotsAreDetached(t *testing.T) {
	block := make(chan struct{})
	reg := fakeRegistry{"slow": &fakeTool{name: "slow", execute: func(ctx context.Context, args api.Args, onOutput tools.OutputFunc, svcs tools.Services) (api.ToolResult, error) {
		<-block
		return api.ToolResult{}, nil
	}}}
	s, _ := newTestScheduler(t, reg, api.ModeDefault)

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{
		request("c1", "slow", api.Args{"key": "value"}),
	}, mainAgent())
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Status = StatusError
	snap[0].Request.Args["key"] = "mutated"

	inner := s.Snapshot()
	assert.Equal(t, StatusExecuting, inner[0].Status)
	assert.Equal(t, "value", inner[0].Request.Args["key"])

	close(block)
	awaitBatch(t, done)
}

func TestSnapshotsDetachResponses(t *testing.T) {
	block := make(chan struct{})
	reg := fakeRegistry{"slow": &fakeTool{name: "slow", execute: func(ctx context.Context, args api.Args, onOutput tools.OutputFunc, svcs tools.Services) (api.ToolResult, error) {
		<-block
		return api.ToolResult{}, nil
	}}}
	s, _ := newTestScheduler(t, reg, api.ModeDefault)

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{
		request("c1", "slow", nil),
		request("c2", "missing", nil),
	}, mainAgent())
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	require.NotNil(t, snap[1].Response)
	snap[1].Response.Error = "mutated"

	inner := s.Snapshot()
	require.NotNil(t, inner[1].Response)
	assert.Contains(t, inner[1].Response.Error, "not found")

	close(block)
	awaitBatch(t, done)
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Sub-Agent Hierarchy
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func TestSubAgentBridge(t *testing.T) {
	childSnapshot := []ToolCall{{
		Request: request("child-1", "read_file", nil),
		Agent:   api.AgentContext{AgentID: "sub-1", Type: api.AgentSub},
		Status:  StatusExecuting,
	}}
	reg := fakeRegistry{"run_subagent": &fakeTool{
		name:      "run_subagent",
		spawnsSub: true,
		execute: func(ctx context.Context, args api.Args, onOutput tools.OutputFunc, svcs tools.Services) (api.ToolResult, error) {
			require.NotNil(t, svcs.StatusUpdate)
			svcs.StatusUpdate(childSnapshot)
			onOutput(`{"step":"reading"}`)
			return api.ToolResult{Content: "sub done"}, nil
		},
	}}
	s, adapter := newTestScheduler(t, reg, api.ModeDefault)

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{request("c1", "run_subagent", nil)}, mainAgent())
	require.NoError(t, err)
	awaitBatch(t, done)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	var sawChild, sawParsed bool
	for _, snap := range adapter.snapshots {
		for _, c := range snap {
			if len(c.SubToolCalls) == 1 {
				sub := c.SubToolCalls[0]
				assert.Equal(t, "child-1", sub.Request.CallID)
				assert.Equal(t, "c1", sub.Agent.ParentAgentID)
				sawChild = true
			}
			if m, ok := c.LiveData.(map[string]any); ok && m["step"] == "reading" {
				sawParsed = true
			}
		}
	}
	assert.True(t, sawChild, "child snapshot never surfaced on parent record")
	assert.True(t, sawParsed, "structured live output never parsed")
}

func TestActiveConfirmationPrefersSubAgent(t *testing.T) {
	s, _ := newTestScheduler(t, fakeRegistry{}, api.ModeDefault)

	s.mu.Lock()
	s.calls = []ToolCall{
		{
			Request:      request("main-1", "shell", nil),
			Agent:        mainAgent(),
			Status:       StatusAwaitingApproval,
			Confirmation: &PendingConfirmation{Details: api.ConfirmationDetails{Title: "main prompt"}},
		},
		{
			Request: request("parent-1", "run_subagent", nil),
			Agent:   mainAgent(),
			Status:  StatusExecuting,
			SubToolCalls: []ToolCall{{
				Request:      request("sub-1", "shell", nil),
				Agent:        api.AgentContext{AgentID: "sub", Type: api.AgentSub, ParentAgentID: "parent-1"},
				Status:       StatusAwaitingApproval,
				Confirmation: &PendingConfirmation{Details: api.ConfirmationDetails{Title: "sub prompt"}},
			}},
		},
	}
	s.mu.Unlock()

	active, ok := s.ActiveConfirmation()
	require.True(t, ok)
	assert.Equal(t, "sub-1", active.Request.CallID)
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// State Machine
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func TestIllegalTransitionPanics(t *testing.T) {
	assert.Panics(t, func() { assertTransition(StatusSuccess, StatusExecuting) })
	assert.Panics(t, func() { assertTransition(StatusValidating, StatusExecuting) })
	assert.Panics(t, func() { assertTransition(StatusCancelled, StatusScheduled) })
	assert.NotPanics(t, func() { assertTransition(StatusValidating, StatusScheduled) })
	assert.NotPanics(t, func() { assertTransition(StatusAwaitingApproval, StatusAwaitingApproval) })
}

func TestStatusUpdateCallbackForwarding(t *testing.T) {
	reg := fakeRegistry{"tool": &fakeTool{name: "tool"}}
	s, adapter := newTestScheduler(t, reg, api.ModeDefault)

	var mu sync.Mutex
	var forwarded [][]ToolCall
	adapter.statusUpdateCb = func(snapshot []ToolCall) {
		mu.Lock()
		forwarded = append(forwarded, snapshot)
		mu.Unlock()
	}

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{request("c1", "tool", nil)}, mainAgent())
	require.NoError(t, err)
	awaitBatch(t, done)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, forwarded)
	last := forwarded[len(forwarded)-1]
	assert.Equal(t, StatusSuccess, last[0].Status)
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Concurrent Resolution
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func TestEmptyBatchResolvesImmediately(t *testing.T) {
	reg := fakeRegistry{"tool": &fakeTool{name: "tool"}}
	s, adapter := newTestScheduler(t, reg, api.ModeDefault)

	done, err := s.Execute(context.Background(), nil, mainAgent())
	require.NoError(t, err)

	completed := awaitBatch(t, done)
	assert.Empty(t, completed)
	assert.False(t, s.IsRunning())
	assert.Equal(t, 1, adapter.completeCount())

	// The engine accepts a fresh batch afterwards.
	done, err = s.Execute(context.Background(), []api.ToolCallRequest{request("c1", "tool", nil)}, mainAgent())
	require.NoError(t, err)
	completed = awaitBatch(t, done)
	require.Len(t, completed, 1)
	assert.Equal(t, StatusSuccess, completed[0].Status)
}

func TestRacingResolutionsRunCallbackOnce(t *testing.T) {
	var mu sync.Mutex
	callbackRuns := 0
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	reg := fakeRegistry{"risky": confirmingTool("risky", func(o api.ConfirmationOutcome) error {
		mu.Lock()
		callbackRuns++
		mu.Unlock()
		entered <- struct{}{}
		<-release
		return nil
	})}
	s, _ := newTestScheduler(t, reg, api.ModeDefault)

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{request("c1", "risky", nil)}, mainAgent())
	require.NoError(t, err)

	go func() {
		_ = s.HandleConfirmationResponse(context.Background(), "c1", api.OutcomeProceedOnce, nil)
	}()
	<-entered // first resolution holds the claim inside the callback

	// A competing resolution for the same call must be a silent no-op.
	require.NoError(t, s.HandleConfirmationResponse(context.Background(), "c1", api.OutcomeCancel, nil))
	mu.Lock()
	assert.Equal(t, 1, callbackRuns)
	mu.Unlock()

	close(release)
	completed := awaitBatch(t, done)
	assert.Equal(t, StatusSuccess, completed[0].Status)
	assert.Equal(t, api.OutcomeProceedOnce, completed[0].Outcome)
	mu.Lock()
	assert.Equal(t, 1, callbackRuns)
	mu.Unlock()
}

func TestRacingResolutionsRunHookOncePerCall(t *testing.T) {
	reg := fakeRegistry{
		"r1": confirmingTool("r1", nil),
		"r2": confirmingTool("r2", nil),
	}
	s, adapter := newTestScheduler(t, reg, api.ModeDefault)

	done, err := s.Execute(context.Background(), []api.ToolCallRequest{
		request("c1", "r1", nil),
		request("c2", "r2", nil),
	}, mainAgent())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, id := range []string{"c1", "c2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, s.HandleConfirmationResponse(context.Background(), id, api.OutcomeProceedOnce, nil))
		}(id)
	}
	wg.Wait()

	completed := awaitBatch(t, done)
	for _, c := range completed {
		assert.Equal(t, StatusSuccess, c.Status)
	}

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	runs := map[string]int{}
	for _, id := range adapter.preHookOrder {
		runs[id]++
	}
	assert.Equal(t, 1, runs["c1"])
	assert.Equal(t, 1, runs["c2"])
}

func TestAbortDuringEditorSessionCancelsCall(t *testing.T) {
	tool := &modifiableTool{fakeTool: *confirmingTool("edit", nil)}
	s, adapter := newTestScheduler(t, fakeRegistry{"edit": tool}, api.ModeDefault)
	adapter.editorKind = editor.KindVim
	adapter.editorOK = true

	editorStarted := make(chan struct{})
	editorRelease := make(chan struct{})
	s.cfg.LaunchEditor = func(ctx context.Context, kind editor.Kind, mc *editor.ModifyContext) (api.Args, error) {
		close(editorStarted)
		<-editorRelease
		return nil, errors.New("editor crashed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done, err := s.Execute(ctx, []api.ToolCallRequest{request("c1", "edit", nil)}, mainAgent())
	require.NoError(t, err)

	go func() {
		_ = s.HandleConfirmationResponse(context.Background(), "c1", api.OutcomeModifyWithEditor, nil)
	}()
	<-editorStarted

	// Abort mid-editor-session. The failed modify drops the call back to
	// awaiting approval, where the abort watcher cancels it.
	cancel()
	close(editorRelease)

	completed := awaitBatch(t, done)
	require.Len(t, completed, 1)
	assert.Equal(t, StatusCancelled, completed[0].Status)
	assert.Equal(t, "user cancelled", completed[0].Response.CancelReason)
}
