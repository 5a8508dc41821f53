package ui

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"AgentTide/pkg/engine/api"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/muesli/reflow/wordwrap"
	"golang.org/x/term"
)

// CLIApprover prompts the user for a decision on a pending tool call.
type CLIApprover struct {
	// Reader for input (defaults to os.Stdin)
	Reader *bufio.Reader
}

// NewCLIApprover creates a new CLI approver
func NewCLIApprover() *CLIApprover {
	return &CLIApprover{
		Reader: bufio.NewReader(os.Stdin),
	}
}

// RequestOutcome prompts the user with an interactive approval UI and
// returns the chosen outcome for the pending call.
func (c *CLIApprover) RequestOutcome(ctx context.Context, ev api.ConfirmationEvent) (api.ConfirmationOutcome, error) {
	// Print approval panel
	fmt.Println()
	fmt.Println("\033[33m╭──────────────────────────────────────────────────────────╮\033[0m")
	fmt.Println("\033[33m│\033[0m  \033[1;33m⚠️  Tool Action Requires Approval\033[0m                        \033[33m│\033[0m")
	fmt.Println("\033[33m╰──────────────────────────────────────────────────────────╯\033[0m")
	fmt.Println()

	if ev.Agent.Type == api.AgentSub {
		fmt.Printf("\033[1mSub-agent:\033[0m %s\n", ev.Agent.AgentID)
		if ev.Agent.TaskDescription != "" {
			fmt.Printf("\033[1mTask:\033[0m %s\n", ev.Agent.TaskDescription)
		}
	}

	fmt.Printf("\033[1mTool:\033[0m %s\n", ev.ToolName)
	if ev.Details.Title != "" {
		fmt.Printf("\033[1mAction:\033[0m %s\n", ev.Details.Title)
	}

	// Show preview if available
	if p := ev.Details.Preview; p != nil {
		if p.Summary != "" {
			fmt.Printf("\033[1mPreview:\033[0m %s\n", p.Summary)
		}
		if p.RiskHint != "" {
			fmt.Printf("\033[1mRisk:\033[0m %s\n", p.RiskHint)
		}
		if len(p.Affected) > 0 {
			fmt.Printf("\033[1mAffected:\033[0m %s\n", strings.Join(p.Affected, ", "))
		}
		if p.Content != "" {
			fmt.Println()
			fmt.Println(renderPreviewContent(*p))
		}
	}

	fmt.Println()

	// Try interactive mode first
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return c.interactiveApproval(ev)
	}

	// Fallback to simple prompt
	return c.simpleApproval(ev)
}

// renderPreviewContent colors diff lines and quotes command text.
func renderPreviewContent(p api.Preview) string {
	switch p.Kind {
	case api.PreviewDiff:
		var b strings.Builder
		for _, line := range strings.Split(p.Content, "\n") {
			switch {
			case strings.HasPrefix(line, "+"):
				b.WriteString("\033[32m" + line + "\033[0m\n")
			case strings.HasPrefix(line, "-"):
				b.WriteString("\033[31m" + line + "\033[0m\n")
			default:
				b.WriteString(line + "\n")
			}
		}
		return strings.TrimRight(b.String(), "\n")
	case api.PreviewCommand:
		return "  $ " + strings.ReplaceAll(p.Content, "\n", "\n    ")
	default:
		return wordwrap.String(p.Content, 76)
	}
}

// interactiveApproval uses bubbletea for selection
func (c *CLIApprover) interactiveApproval(ev api.ConfirmationEvent) (api.ConfirmationOutcome, error) {
	model := initialApprovalModel(ev)
	p := tea.NewProgram(model)

	// Run the program
	finalModel, err := p.Run()
	if err != nil {
		return c.simpleApproval(ev)
	}

	m, ok := finalModel.(approvalModel)
	if !ok || m.cancelled {
		fmt.Println("\033[31m✗ Cancelled\033[0m")
		return api.OutcomeCancel, nil
	}

	return c.announce(m.options[m.selected].outcome), nil
}

// approvalOption pairs a menu label with the outcome it resolves to.
type approvalOption struct {
	label   string
	outcome api.ConfirmationOutcome
}

func approvalOptions(toolName string) []approvalOption {
	return []approvalOption{
		{"Approve once", api.OutcomeProceedOnce},
		{fmt.Sprintf("Always allow %q (this session)", toolName), api.OutcomeProceedAlways},
		{fmt.Sprintf("Always allow %q (this project)", toolName), api.OutcomeProceedAlwaysProject},
		{"Modify in editor", api.OutcomeModifyWithEditor},
		{"Cancel", api.OutcomeCancel},
	}
}

// approvalModel is the bubbletea model for the approval prompt
type approvalModel struct {
	ev        api.ConfirmationEvent
	options   []approvalOption
	selected  int
	cancelled bool
	chosen    bool
}

func initialApprovalModel(ev api.ConfirmationEvent) approvalModel {
	return approvalModel{
		ev:       ev,
		options:  approvalOptions(ev.ToolName),
		selected: 0,
	}
}

func (m approvalModel) Init() tea.Cmd {
	return nil
}

func (m approvalModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.cancelled = true
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			} else {
				m.selected = len(m.options) - 1
			}
		case "down", "j":
			if m.selected < len(m.options)-1 {
				m.selected++
			} else {
				m.selected = 0
			}
		case "enter":
			m.chosen = true
			return m, tea.Quit
		case "a", "A", "y", "Y":
			m.selected = 0
			m.chosen = true
			return m, tea.Quit
		case "s", "S":
			m.selected = 1
			m.chosen = true
			return m, tea.Quit
		case "p", "P":
			m.selected = 2
			m.chosen = true
			return m, tea.Quit
		case "m", "M", "e", "E":
			m.selected = 3
			m.chosen = true
			return m, tea.Quit
		case "c", "C", "n", "N":
			m.selected = 4
			m.chosen = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m approvalModel) View() string {
	s := strings.Builder{}

	for i, opt := range m.options {
		cursor := " " // no cursor
		if m.selected == i {
			cursor = "❯"
		}

		checked := "☐"
		if m.selected == i {
			checked = "☑"
		}

		// Style based on option
		var line string
		if m.selected == i {
			switch opt.outcome {
			case api.OutcomeProceedOnce:
				line = fmt.Sprintf("%s \033[1;32m%s %s\033[0m", cursor, checked, opt.label)
			case api.OutcomeProceedAlways, api.OutcomeProceedAlwaysProject:
				line = fmt.Sprintf("%s \033[1;34m%s %s\033[0m", cursor, checked, opt.label)
			case api.OutcomeModifyWithEditor:
				line = fmt.Sprintf("%s \033[1;36m%s %s\033[0m", cursor, checked, opt.label)
			case api.OutcomeCancel:
				line = fmt.Sprintf("%s \033[1;31m%s %s\033[0m", cursor, checked, opt.label)
			default:
				line = fmt.Sprintf("%s %s %s", cursor, checked, opt.label)
			}
		} else {
			line = fmt.Sprintf("  \033[2m%s %s\033[0m", checked, opt.label)
		}

		s.WriteString(line + "\n")
	}

	return s.String()
}

// announce prints a one-line confirmation of the decision.
func (c *CLIApprover) announce(outcome api.ConfirmationOutcome) api.ConfirmationOutcome {
	switch outcome {
	case api.OutcomeProceedOnce:
		fmt.Println("\033[32m✓ Approved\033[0m")
	case api.OutcomeProceedAlways:
		fmt.Println("\033[34m✓ Always allowing for this session\033[0m")
	case api.OutcomeProceedAlwaysProject:
		fmt.Println("\033[34m✓ Always allowing for this project\033[0m")
	case api.OutcomeModifyWithEditor:
		fmt.Println("\033[36m✎ Opening editor...\033[0m")
	case api.OutcomeCancel:
		fmt.Println("\033[31m✗ Cancelled\033[0m")
	}
	return outcome
}

// simpleApproval for non-interactive terminals
func (c *CLIApprover) simpleApproval(ev api.ConfirmationEvent) (api.ConfirmationOutcome, error) {
	fmt.Println("  (A)pprove  |  (S)ession always  |  (P)roject always  |  (M)odify  |  (C)ancel")
	fmt.Print("\nChoice [A/s/p/m/c]: ")

	input, err := c.Reader.ReadString('\n')
	if err != nil {
		return api.OutcomeCancel, err
	}

	input = strings.TrimSpace(strings.ToLower(input))

	switch input {
	case "", "a", "approve", "y", "yes":
		return c.announce(api.OutcomeProceedOnce), nil
	case "s", "session", "always":
		return c.announce(api.OutcomeProceedAlways), nil
	case "p", "project":
		return c.announce(api.OutcomeProceedAlwaysProject), nil
	case "m", "modify", "e", "edit":
		return c.announce(api.OutcomeModifyWithEditor), nil
	case "c", "cancel", "r", "reject", "n", "no":
		return c.announce(api.OutcomeCancel), nil
	default:
		fmt.Println("\033[33m? Defaulting to Approve\033[0m")
		return api.OutcomeProceedOnce, nil
	}
}
