package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"AgentTide/cmd/ui"
	"AgentTide/pkg/engine/api"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <prompt...>",
	Short: "Run a single prompt non-interactively and exit",
	Args:  cobra.MinimumNArgs(1),
	Run:   runOnce,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		fmt.Println("Nothing to do: empty prompt.")
		return
	}

	workspaceRoot, err := resolveWorkspaceRoot()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	sessionID := uuid.NewString()[:8]
	agent, _, err := newAgent(workspaceRoot, sessionID)
	if err != nil {
		fmt.Printf("Error initializing engine: %v\n", err)
		return
	}

	session := &api.Session{
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}

	fmt.Printf("Session=%s\n", sessionID)

	ctx := context.Background()
	approver := ui.NewCLIApprover()
	if err := runTurn(ctx, agent, session, prompt, approver); err != nil {
		fmt.Printf("\n❌ Error: %v\n", err)
	}
}
