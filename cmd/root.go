package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"AgentTide/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Global flags
var (
	modelFlag   string
	baseURLFlag string
	yoloFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "tide",
	Short: "Agent Tide - an LLM coding agent with a concurrent tool execution engine",
	Long: `Agent Tide is a coding agent CLI built around a tool execution engine:
the model proposes batches of tool calls, the engine validates them,
routes risky ones through interactive approval, runs the rest
concurrently, and streams live output back to the terminal.

Global Flags:
  --model     LLM model to use (auto-detects provider from env)
  --base-url  OpenAI-compatible API base URL
  --yolo      Skip all approval prompts (trusted environments only)

Smart Invocation:
  If the binary is renamed or symlinked, it auto-detects the command:
  - ./chat  → starts chat mode
  - ./tide  → normal CLI mode`,
}

func init() {
	// Global persistent flags
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "LLM model to use (e.g., gpt-4o)")
	rootCmd.PersistentFlags().StringVar(&baseURLFlag, "base-url", "", "OpenAI-compatible API base URL")
	rootCmd.PersistentFlags().BoolVar(&yoloFlag, "yolo", false, "Skip all approval prompts")
}

// Execute runs the root command with smart detection
func Execute() {
	// .env values never override the shell environment.
	_ = godotenv.Load()

	// Initialize Logger
	logPath := fmt.Sprintf("workspace/logs/%s.log", time.Now().Format("20060102"))
	logLevelStr := os.Getenv("LOG_LEVEL")
	level := logger.INFO
	switch strings.ToUpper(logLevelStr) {
	case "DEBUG":
		level = logger.DEBUG
	case "WARN":
		level = logger.WARN
	case "ERROR":
		level = logger.ERROR
	}
	if err := logger.Init(logPath, level, "agenttide"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize logger: %v\n", err)
	}

	logger.Info("System", "Agent Tide Starting", map[string]interface{}{
		"version": "1.0.0",
		"os":      runtime.GOOS,
	})

	// Get the program name (how we were invoked)
	progName := filepath.Base(os.Args[0])

	// Strip common extensions
	progName = strings.TrimSuffix(progName, ".exe")

	// Smart routing based on program name
	switch progName {
	case "chat":
		// Direct chat mode
		runSmartChat()

	default:
		// Default to chat when no subcommand is provided.
		if len(os.Args) == 1 {
			runSmartChat()
			return
		}
		// Normal CLI mode - just run cobra
		if err := rootCmd.Execute(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}

// runSmartChat starts chat mode directly.
func runSmartChat() {
	// Inject "chat" as the command
	os.Args = append([]string{os.Args[0], "chat"}, os.Args[1:]...)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
