package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"AgentTide/cmd/ui"
	"AgentTide/pkg/engine/api"
	"AgentTide/pkg/engine/store"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var listSessionsFlag bool

var chatCmd = &cobra.Command{
	Use:   "chat [session-id]",
	Short: "Start an interactive chat session",
	Run:   runChat,
}

func init() {
	chatCmd.Flags().BoolVarP(&listSessionsFlag, "list", "l", false, "List all sessions")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) {
	workspaceRoot, err := resolveWorkspaceRoot()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	ctx := context.Background()

	sessionID := ""
	if len(args) > 0 {
		sessionID = args[0]
	}
	if sessionID == "" {
		sessionID = uuid.NewString()[:8]
	}

	agent, sessions, err := newAgent(workspaceRoot, sessionID)
	if err != nil {
		fmt.Printf("Error initializing engine: %v\n", err)
		return
	}

	if listSessionsFlag {
		listSessions(ctx, sessions)
		return
	}

	session, err := sessions.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			fmt.Printf("Error loading session: %v\n", err)
			return
		}
		session = &api.Session{
			SessionID: sessionID,
			CreatedAt: time.Now(),
		}
	}

	printChatBanner(sessionID)

	approver := ui.NewCLIApprover()

	// Initialize history manager
	historyMgr, err := NewHistoryManager(workspaceRoot)
	if err != nil {
		fmt.Printf("Warning: Failed to initialize history: %v\n", err)
	}

	// Load history
	var inputHistory []string
	if historyMgr != nil {
		if stored, err := historyMgr.Load(); err == nil {
			inputHistory = stored
		}
	}

	for {
		in, err := ui.ReadInputWithHistory("\n💬 You: ", inputHistory)
		if err != nil {
			fmt.Printf("Input error: %v\n", err)
			return
		}
		if in.Cancelled {
			return
		}

		text := strings.TrimSpace(in.Value)
		if text == "" {
			continue
		}

		// Update memory history and persist
		if len(inputHistory) == 0 || inputHistory[len(inputHistory)-1] != text {
			inputHistory = append(inputHistory, text)
			if historyMgr != nil {
				// Fire and forget persistence
				go func(t string) {
					_ = historyMgr.Append(t)
				}(text)
			}
		}

		switch strings.ToLower(text) {
		case "/quit", "/exit", "/q":
			fmt.Println("\nGoodbye.")
			return
		case "/help", "/?":
			fmt.Println("\nCommands:")
			fmt.Println("  /help   Show help")
			fmt.Println("  /quit   Exit")
			fmt.Println("\nKeys during a turn:")
			fmt.Println("  ESC ESC   Cancel the running turn")
			continue
		}

		if err := runTurn(ctx, agent, session, text, approver); err != nil {
			fmt.Printf("\n❌ Error: %v\n", err)
		}
	}
}

func listSessions(ctx context.Context, sessions store.SessionStore) {
	ids, err := sessions.List(ctx)
	if err != nil {
		fmt.Printf("Error listing sessions: %v\n", err)
		return
	}
	if len(ids) == 0 {
		fmt.Println("No sessions found.")
		return
	}

	var loaded []*api.Session
	for _, id := range ids {
		if s, err := sessions.Get(ctx, id); err == nil {
			loaded = append(loaded, s)
		}
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].UpdatedAt.After(loaded[j].UpdatedAt) })

	fmt.Println("\n📂 Sessions:")
	for _, s := range loaded {
		fmt.Printf("  %s - %d messages - %s\n", s.SessionID, len(s.Messages), s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Println("\nResume with: tide chat <session-id>")
}

func printChatBanner(sessionID string) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                    🌊 Agent Tide Chat                         ║")
	fmt.Println("╠═══════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  Session: %-52s ║\n", sessionID)
	fmt.Println("╠═══════════════════════════════════════════════════════════════╣")
	fmt.Println("║  Commands:                                                    ║")
	fmt.Println("║    /help      Show all commands                               ║")
	fmt.Println("║    /quit      Exit session                                    ║")
	fmt.Println("╠═══════════════════════════════════════════════════════════════╣")
	fmt.Println("║  Tips:                                                        ║")
	fmt.Println("║    • Ctrl+J to insert newline, Enter to send                  ║")
	fmt.Println("║    • Double ESC cancels a running turn                        ║")
	fmt.Println("║    • --yolo skips approval prompts (trusted dirs only)        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
}
