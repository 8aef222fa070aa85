package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/internal/agents"
	"github.com/loomlabs/loom/internal/chat"
	"github.com/loomlabs/loom/internal/config"
	"github.com/loomlabs/loom/internal/events"
	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/logging"
	"github.com/loomlabs/loom/internal/thread"
	"github.com/loomlabs/loom/internal/tokens"
	"github.com/loomlabs/loom/internal/tools"
)

var (
	flagThreadID string
	flagRoot     string
	flagYes      bool
)

func init() {
	chatCmd.Flags().StringVar(&flagThreadID, "thread", "", "Resume a stored thread by id")
	chatCmd.Flags().StringVar(&flagRoot, "root", "", "Project root for file and shell tools (default: cwd)")
	chatCmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "Auto-approve every tool call")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat thread",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
}

func runChat(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.ApplyOverrides(flagProvider, flagModel)

	level := cfg.Log.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	log := logging.New(os.Stderr, level)

	providerCfg, providerName, err := cfg.ActiveProvider()
	if err != nil {
		return err
	}
	provider := llm.ProviderConfig{
		ID:      providerName,
		Name:    providerName,
		BaseURL: providerCfg.BaseURL,
		APIKey:  providerCfg.APIKey,
		Model:   providerCfg.Model,
	}

	root := flagRoot
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return err
		}
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var th *chat.Thread
	if flagThreadID != "" {
		if th, err = store.LoadThread(ctx, flagThreadID); err != nil {
			return fmt.Errorf("resume thread %s: %w", flagThreadID, err)
		}
	}

	policy, err := tools.NewApprovalPolicy(
		flagYes || cfg.Approval.AutoApproveAll,
		cfg.Approval.ApproveReadOnly,
		cfg.Approval.ShellAllowlist,
	)
	if err != nil {
		return err
	}

	bus := events.NewBus(log)
	est := tokens.NewEstimator()
	eng := chat.NewEngine(chat.EngineConfig{
		Provider:      provider,
		ProjectRoot:   root,
		EnableTools:   true,
		StreamTimeout: time.Duration(cfg.Turns.StreamTimeoutSeconds) * time.Second,
		TurnPolicy:    chat.TurnPolicy(cfg.Turns.Policy),
		LoopGuard: chat.LoopGuardConfig{
			Window:    cfg.LoopGuard.Window,
			Threshold: cfg.LoopGuard.Threshold,
		},
	}, th, chat.EngineDeps{
		Bus:     bus,
		Invoker: llm.NewClient(bus, log),
		Runner: &tools.Runner{
			FS:          &tools.LocalFS{},
			Shell:       &tools.LocalShell{Timeout: time.Duration(cfg.Shell.TimeoutSeconds) * time.Second},
			Agents:      agents.NewRegistry(provider, llm.NewCompletionClient(), log, agentDirs(root)...),
			ProjectRoot: root,
			Log:         log.Component("tools"),
		},
		Policy: policy,
		Selector: chat.NewContextSelector(est, chat.SelectorConfig{
			MaxTokens:   cfg.Context.MaxTokens,
			MaxMessages: cfg.Context.MaxMessages,
		}),
		Compactor: chat.NewCompactor(est, llm.NewCompletionClient(), chat.CompactorConfig{
			MaxTokens:   cfg.Compact.MaxTokens,
			MaxMessages: cfg.Compact.MaxMessages,
			KeepRecent:  cfg.Compact.KeepRecent,
		}, log),
		Saver: store,
		Log:   log,
	})

	return replLoop(ctx, eng)
}

// agentDirs lists where delegate profiles may live. Later entries win
// on collisions, so the project-local directory goes last.
func agentDirs(root string) []string {
	var dirs []string
	if configDir, err := config.GetConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(configDir, "agents"))
	}
	return append(dirs, filepath.Join(root, "loom-agents"))
}

func openStore(cfg *config.Config) (thread.Store, error) {
	if !cfg.Threads.Enabled {
		return thread.NoopStore{}, nil
	}
	dbPath := cfg.Threads.DBPath
	if dbPath == "" {
		var err error
		if dbPath, err = config.DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	return thread.NewSQLiteStore(dbPath)
}

// replLoop reads user turns from stdin and renders the streamed reply.
func replLoop(ctx context.Context, eng *chat.Engine) error {
	printer := newStreamPrinter(os.Stdout)
	rounds := make(chan roundOutcome, 4)

	eng.OnThreadUpdate = func(t *chat.Thread) { printer.Render(t) }
	eng.OnRoundDone = func(m *chat.Message, failed bool) {
		rounds <- roundOutcome{msg: m, failed: failed}
	}

	fmt.Printf("thread %s - type a message, /help for commands\n", eng.Thread().ID)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if line == "/help" {
			fmt.Println("/quit to exit; answer y/n/a when asked to approve tool calls")
			continue
		}

		if _, err := eng.SendMessage(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		if err := waitForTurn(ctx, eng, scanner, rounds); err != nil {
			return err
		}
	}
}

type roundOutcome struct {
	msg    *chat.Message
	failed bool
}

// waitForTurn blocks until the assistant's turn fully settles, prompting
// for approvals between generation rounds.
func waitForTurn(ctx context.Context, eng *chat.Engine, scanner *bufio.Scanner, rounds <-chan roundOutcome) error {
	for {
		var outcome roundOutcome
		select {
		case <-ctx.Done():
			return ctx.Err()
		case outcome = <-rounds:
		}
		msg := outcome.msg

		if outcome.failed {
			fmt.Fprintln(os.Stderr, "\n(response failed; see logs)")
			return nil
		}
		if len(msg.ToolCalls) == 0 {
			return nil // plain answer, turn over
		}

		pending := pendingCalls(msg)
		if len(pending) == 0 {
			// Everything auto-approved or failed; the engine resumes on
			// its own, keep waiting for the follow-up round.
			continue
		}

		// Rejections never restart generation, so a resumption round is
		// only on its way if an approval settled the last open call.
		resumed := false
		for _, tc := range pending {
			fmt.Printf("\napprove %s %s? [y/n/a] ", tc.Name, tc.Arguments)
			if !scanner.Scan() {
				return scanner.Err()
			}
			answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
			var err error
			approved := false
			switch answer {
			case "a":
				err = eng.ApproveAllToolCalls(ctx, msg.ID)
				approved = true
			case "y", "yes":
				err = eng.ApproveToolCall(ctx, msg.ID, tc.ID)
				approved = true
			default:
				err = eng.RejectToolCall(ctx, msg.ID, tc.ID)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			if approved && msg.AllToolCallsTerminal() {
				resumed = true
			}
			if answer == "a" {
				break
			}
		}
		if !resumed {
			return nil
		}
	}
}

func pendingCalls(msg *chat.Message) []*chat.ToolCall {
	var out []*chat.ToolCall
	for _, tc := range msg.ToolCalls {
		if tc.Status == chat.StatusPending && !tc.IsPartial {
			out = append(out, tc)
		}
	}
	return out
}
