package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loomrun/loom/internal/agentmgr"
	"github.com/loomrun/loom/internal/loop"
	"github.com/loomrun/loom/internal/obs"
	"github.com/loomrun/loom/pkg/conversation"
)

// buildServeCmd starts an interactive stdin/stdout turn loop against one
// session, grounded on the donor's cmd/nexus/commands_serve.go (flags for
// config path and a foreground run loop) but scoped to the ambient
// spec's single local agent rather than a multi-channel gateway.
func buildServeCmd() *cobra.Command {
	var sessionID string
	var workingDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an interactive reply-loop session against stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), sessionID, workingDir)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session id instead of creating a new one")
	cmd.Flags().StringVar(&workingDir, "workdir", ".", "working directory recorded on a freshly created session")
	return cmd
}

func runServe(ctx context.Context, sessionID, workingDir string) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	session, err := resolveSession(a, sessionID, workingDir)
	if err != nil {
		return err
	}
	session.Provider = a.provider.Metadata().Name
	session.Model = a.provider.ModelConfig().Name

	rawAgent, err := a.agents.GetAgent(session.ID, agentmgr.InteractiveMode())
	if err != nil {
		return fmt.Errorf("acquire agent: %w", err)
	}
	ag := rawAgent.(*agent)

	fmt.Printf("session %s ready (provider=%s model=%s)\n", session.ID, session.Provider, session.Model)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if line == "" {
			continue
		}

		turnCtx := obs.WithSessionID(ctx, session.ID)
		userMsg := conversation.NewMessage(uuid.NewString(), conversation.RoleUser, conversation.Text{Value: line})
		events, err := ag.loop.Run(turnCtx, session, userMsg)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		if !drainEvents(events) {
			break
		}

		if err := a.sessions.Save(session); err != nil {
			a.logger.Error("save session", "error", err)
		}
		if err := ctx.Err(); err != nil {
			break
		}
	}
	return scanner.Err()
}

func resolveSession(a *app, sessionID, workingDir string) (*conversation.Session, error) {
	if sessionID != "" {
		return a.sessions.Load(sessionID)
	}
	return a.sessions.Create(workingDir)
}

// drainEvents prints a Run's event stream to stdout as it arrives,
// returning false if the caller should stop the REPL (fatal error or
// cancellation).
func drainEvents(events <-chan loop.Event) bool {
	for ev := range events {
		switch e := ev.(type) {
		case loop.MessageEvent:
			printMessageEvent(e)
		case loop.McpNotificationEvent:
			fmt.Printf("\n[notification %s]\n", e.RequestID)
		case loop.HistoryReplacedEvent:
			fmt.Println("\n[context compacted]")
		case loop.CancelledEvent:
			fmt.Println("\n[cancelled]")
			return false
		case loop.FatalEvent:
			fmt.Fprintln(os.Stderr, "\n[fatal]", e.Err)
			return false
		}
	}
	return true
}

func printMessageEvent(e loop.MessageEvent) {
	switch {
	case e.ToolStatus != nil:
		ts := e.ToolStatus
		fmt.Printf("\n[tool %s %s: %s]", ts.ToolName, ts.ToolCallID, ts.Stage)
		if ts.Error != "" {
			fmt.Printf(" error=%s", ts.Error)
		}
	case e.Text != "":
		fmt.Print(e.Text)
	case e.Thinking != "":
		// Thinking deltas are not rendered to the terminal by default; a
		// future --verbose flag could surface them.
	case e.Final:
		fmt.Println()
	}
}
