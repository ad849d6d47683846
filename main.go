package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mudler/xlog"
	"github.com/spf13/cobra"

	"github.com/semanticarchitectures/multi-agent-collab/core/agent"
	"github.com/semanticarchitectures/multi-agent-collab/core/channel"
	"github.com/semanticarchitectures/multi-agent-collab/core/mcptools"
	"github.com/semanticarchitectures/multi-agent-collab/core/orchestrator"
	"github.com/semanticarchitectures/multi-agent-collab/core/state"
	"github.com/semanticarchitectures/multi-agent-collab/llm"
	"github.com/semanticarchitectures/multi-agent-collab/pkg/circuitbreaker"
	"github.com/semanticarchitectures/multi-agent-collab/pkg/config"
	"github.com/semanticarchitectures/multi-agent-collab/pkg/retry"
)

var (
	configPath string
	sessionID  string
)

func main() {
	root := &cobra.Command{
		Use:   "multi-agent-collab",
		Short: "Multi-agent voice-net collaboration engine",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to engine config")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run an interactive session on the shared channel",
		RunE:  runSession,
	}
	runCmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id to restore and checkpoint")

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored sessions",
	}
	sessionsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored sessions",
			RunE:  listSessions,
		},
		&cobra.Command{
			Use:   "export <session-id>",
			Short: "Export a session transcript",
			Args:  cobra.ExactArgs(1),
			RunE:  exportSession,
		},
		&cobra.Command{
			Use:   "delete <session-id>",
			Short: "Delete a stored session",
			Args:  cobra.ExactArgs(1),
			RunE:  deleteSession,
		},
	)

	root.AddCommand(runCmd, sessionsCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildEngine assembles the orchestrator, agents and tool pool from the
// validated config.
func buildEngine(ctx context.Context, cfg *config.Config) (*orchestrator.Orchestrator, *mcptools.Manager, error) {
	retryCfg := retry.Config{
		MaxAttempts:  cfg.Retry.Attempts,
		InitialDelay: cfg.RetryInitialDelay(),
		MaxDelay:     cfg.RetryMaxDelay(),
		Base:         cfg.Retry.Base,
		Jitter:       cfg.RetryJitter(),
	}

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout(),
		CallTimeout:      cfg.ToolTimeout(),
	})

	tools := mcptools.NewManager(breakers, retryCfg, cfg.ToolTimeout())
	for _, srv := range cfg.Servers {
		err := tools.ConnectServer(ctx, mcptools.ServerConfig{
			Name:    srv.Name,
			Command: srv.Command,
			Args:    srv.Args,
			Env:     srv.Env,
		})
		if err != nil {
			tools.Shutdown()
			return nil, nil, err
		}
	}

	client := llm.NewClient(cfg.APIKey(), cfg.APIURL)
	orch := orchestrator.New(
		channel.NewSharedChannel(cfg.MaxHistory),
		orchestrator.Config{MaxResponses: cfg.MaxResponses},
	)
	orch.AttachTools(tools)

	for _, ac := range cfg.Agents {
		opts := []agent.Option{
			agent.WithAgentID(ac.ID),
			agent.WithCallsign(ac.Callsign),
			agent.WithSystemPrompt(ac.SystemPrompt),
			agent.WithLLMClient(client),
			agent.WithLLMTimeout(cfg.LLMTimeout()),
			agent.WithRetryConfig(retryCfg),
			agent.WithMaxToolIterations(cfg.MaxToolIterations),
			agent.WithContextWindow(cfg.ContextWindow),
			agent.WithTools(tools),
		}
		if ac.Model != "" {
			opts = append(opts, agent.WithModel(ac.Model))
		}
		if ac.Temperature != nil {
			opts = append(opts, agent.WithTemperature(*ac.Temperature))
		}
		if ac.MaxTokens > 0 {
			opts = append(opts, agent.WithMaxTokens(ac.MaxTokens))
		}
		if ac.Role == "squad_leader" {
			opts = append(opts, agent.AsSquadLeader)
		} else {
			opts = append(opts, agent.WithSpeakingCriteria(specialistCriteria(ac)))
		}

		a, err := agent.New(opts...)
		if err != nil {
			tools.Shutdown()
			return nil, nil, err
		}
		if err := orch.AddAgent(a); err != nil {
			tools.Shutdown()
			return nil, nil, err
		}
	}

	return orch, tools, nil
}

func specialistCriteria(ac config.AgentConfig) agent.SpeakingCriteria {
	criteria := []agent.SpeakingCriteria{agent.DirectAddress{}}
	if len(ac.Keywords) > 0 {
		criteria = append(criteria, agent.Keywords{Words: ac.Keywords})
	}
	if ac.RespondToQuestions {
		criteria = append(criteria, agent.Question{})
	}
	return agent.Composite{Criteria: criteria}
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch, tools, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer orch.Shutdown()

	store, err := state.Open(cfg.SessionStorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	if sessionID != "" {
		if snap, err := store.Load(sessionID); err == nil {
			restored := state.RestoreChannel(snap, cfg.MaxHistory)
			for _, msg := range restored.All() {
				orch.Channel().Append(msg)
			}
			state.ApplyMemories(snap, orch.Agents())
			fmt.Printf("Restored session %s (%d messages)\n", sessionID, len(snap.Messages))
		}
	}

	fmt.Printf("Session started with %d agents and %d tool servers. Ctrl-D to end.\n",
		len(orch.Agents()), len(tools.ServerNames()))

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		for _, msg := range orch.RunTurn(ctx, "COMMAND", line) {
			fmt.Println(msg.FormatForDisplay())
		}

		if sessionID != "" {
			if err := store.Save(sessionID, orch.Channel(), orch.Agents(), nil); err != nil {
				xlog.Error("failed to checkpoint session", "session_id", sessionID, "error", err)
			}
		}
	}

	return nil
}

func openStore() (*state.Manager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return state.Open(cfg.SessionStorePath)
}

func listSessions(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.List(0, 0)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		fmt.Printf("%s  created=%s  messages=%d  agents=%d\n",
			s.SessionID, s.CreatedAt.Format("2006-01-02 15:04:05"), s.MessageCount, s.AgentCount)
	}
	return nil
}

func exportSession(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	out, err := store.Export(args[0], state.ExportText)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func deleteSession(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Delete(args[0])
}
