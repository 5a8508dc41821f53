package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"AgentTide/cmd/ui"
	"AgentTide/pkg/engine/api"
	"AgentTide/pkg/engine/runtime"
)

// runTurn sends one user message and consumes the event stream until the
// turn finishes, routing confirmation prompts through the approver.
func runTurn(ctx context.Context, agent *runtime.Agent, session *api.Session, message string, approver *ui.CLIApprover) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := agent.Send(ctx, session, message)
	if err != nil {
		return err
	}
	defer stream.Close()

	return consumeEventStream(ctx, cancel, stream, agent, approver)
}

// renderState tracks which tool-call statuses have already been printed,
// so snapshot events only produce output on transitions.
type renderState struct {
	printed map[string]string // call ID -> last printed status
}

func newRenderState() *renderState {
	return &renderState{printed: make(map[string]string)}
}

func consumeEventStream(ctx context.Context, cancel context.CancelFunc, stream api.EventStream, agent *runtime.Agent, approver *ui.CLIApprover) error {
	// Start input monitor for cancellation (switch to raw mode)
	cleanup := monitorCancellation(ctx, cancel)
	defer func() { cleanup() }()

	stopSpinner, spinnerDone := ui.StartLoading("Thinking...")
	spinnerStopped := false
	stopLoading := func() {
		if !spinnerStopped {
			close(stopSpinner)
			<-spinnerDone
			spinnerStopped = true
		}
	}
	defer stopLoading()

	prefixPrinted := false
	calls := newRenderState()

	for {
		e, err := stream.Recv(ctx)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		stopLoading()

		switch e.Type {
		case api.EventDelta:
			if e.Delta == nil || e.Delta.Text == "" {
				continue
			}
			if !prefixPrinted {
				ui.Print("\n🤖 Agent: ")
				prefixPrinted = true
			}
			ui.Print(e.Delta.Text)

		case api.EventToolSnapshot:
			if e.ToolSnapshot == nil {
				continue
			}
			renderSnapshot(calls, e.ToolSnapshot.Calls, 0)
			prefixPrinted = false
			fallthrough

		case api.EventConfirmation:
			// Both event kinds just signal that a confirmation may be
			// pending; the engine's arbitration decides which one.
			// Approval prompts need the terminal back in cooked mode.
			cleanup()
			err := drainConfirmations(ctx, agent, approver)
			cleanup = monitorCancellation(ctx, cancel)
			if err != nil {
				return err
			}

		case api.EventError:
			if e.Error != nil {
				return fmt.Errorf("%s: %s", e.Error.Code, e.Error.Message)
			}
			return fmt.Errorf("unknown error")

		case api.EventDone:
			if prefixPrinted {
				ui.Print("\n")
			}
			if e.Done != nil && e.Done.Reason == "canceled" {
				ui.Print("\n⏹  Turn cancelled.\n")
			}
			return nil
		}
	}
}

// drainConfirmations prompts for every confirmation the engine ranks as
// active, one at a time. Sub-agent confirmations surface before
// main-agent ones; responses route into whichever engine owns the record.
func drainConfirmations(ctx context.Context, agent *runtime.Agent, approver *ui.CLIApprover) error {
	for {
		rec, ok := agent.Scheduler().ActiveConfirmation()
		if !ok || rec.Confirmation == nil {
			return nil
		}

		ev := api.ConfirmationEvent{
			CallID:   rec.Request.CallID,
			ToolName: rec.Request.Name,
			Agent:    rec.Agent,
			Details:  rec.Confirmation.Details,
		}

		// A failed editor modification leaves the call pending, so the
		// prompt repeats until a non-modify outcome lands.
		for {
			outcome, err := approver.RequestOutcome(ctx, ev)
			if err != nil {
				return err
			}
			err = rec.Confirmation.Respond(ctx, outcome, nil)
			if err == nil {
				break
			}
			if outcome == api.OutcomeModifyWithEditor {
				ui.Printf("\n❌ Editor unavailable: %v\n", err)
				continue
			}
			return err
		}
	}
}

// renderSnapshot prints status transitions for a batch, recursing into
// sub-agent calls with indentation.
func renderSnapshot(state *renderState, calls []api.ToolCallView, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, c := range calls {
		if state.printed[c.CallID] != c.Status {
			state.printed[c.CallID] = c.Status
			switch c.Status {
			case "executing":
				ui.Printf("\n%s🔧 tool_call %s\n", indent, c.Name)
			case "awaiting_approval":
				ui.Printf("\n%s⏸  %s awaiting approval\n", indent, c.Name)
			case "success":
				ui.Printf("%s✅ %s (%dms)\n", indent, c.Name, c.DurationMs)
				if c.Response != nil && c.Response.Display != "" {
					printBlock(indent, c.Response.Display)
				}
			case "error":
				msg := ""
				if c.Response != nil {
					msg = c.Response.Error
				}
				ui.Printf("%s❌ %s failed: %s\n", indent, c.Name, msg)
			case "cancelled":
				ui.Printf("%s⏹  %s cancelled\n", indent, c.Name)
			}
		}
		if len(c.SubCalls) > 0 {
			renderSnapshot(state, c.SubCalls, depth+1)
		}
	}
}

func printBlock(indent, s string) {
	s = strings.TrimRight(s, "\n")
	for _, line := range strings.Split(s, "\n") {
		ui.Printf("%s   %s\n", indent, line)
	}
}
