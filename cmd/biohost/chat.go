package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/helixlab/biohost/pkg/host"
)

func newChatCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a chat message, or start the interactive shell",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.stop()

			if len(args) == 1 {
				_, err := runChatTurn(cmd.Context(), rt, session, args[0])
				return err
			}
			return interactiveShell(cmd.Context(), rt, session)
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "session ID (generated if empty)")
	return cmd
}

// runChatTurn streams one turn to stdout and returns the session ID so
// follow-up turns can continue the conversation.
func runChatTurn(ctx context.Context, rt *runtime, sessionID, text string) (string, error) {
	sess, ch, err := rt.coord.Chat(ctx, sessionID, text)
	if err != nil {
		return sessionID, err
	}

	for chunk := range ch {
		switch chunk.Kind {
		case host.ChunkText:
			fmt.Print(chunk.Text)
		case host.ChunkToolCall:
			fmt.Printf("\n[tool] %s ...\n", chunk.Tool)
		case host.ChunkToolResult:
			fmt.Printf("[tool] %s done\n", chunk.Tool)
		case host.ChunkError:
			fmt.Fprintf(os.Stderr, "\n%s\n", chunk.Text)
		}
	}
	fmt.Println()
	return sess.ID, nil
}

func interactiveShell(ctx context.Context, rt *runtime, sessionID string) error {
	fmt.Println("biohost interactive shell (Ctrl+D to exit)")
	fmt.Println("  /status  /tools  /clients  /files  /upload <path>  /switch <client> <model>  /health  /quit")
	fmt.Println()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".biohost_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("Goodbye!")
				return nil
			}
			fmt.Fprintln(os.Stderr, "read error:", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "quit" || input == "exit" {
			fmt.Println("Goodbye!")
			return nil
		}

		if strings.HasPrefix(input, "/") {
			if err := runShellCommand(ctx, rt, sessionID, input); err != nil {
				fmt.Fprintln(os.Stderr, "Error:", err)
			}
			continue
		}

		next, err := runChatTurn(ctx, rt, sessionID, input)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			continue
		}
		sessionID = next
	}
}

func runShellCommand(ctx context.Context, rt *runtime, sessionID, input string) error {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/status":
		return printJSON(rt.coord.Status())
	case "/tools":
		for _, tool := range rt.coord.Tools() {
			fmt.Printf("  %-24s %s\n", tool.Name, tool.Description)
		}
		return nil
	case "/clients":
		for _, info := range rt.coord.Clients() {
			marker := " "
			if info.IsDefault {
				marker = "*"
			}
			fmt.Printf("%s %-12s %s\n", marker, info.Name, info.Model)
		}
		return nil
	case "/files":
		for _, rec := range rt.coord.ListFiles("") {
			fmt.Printf("%-32s %-14s %8d  %s\n", rec.ID, rec.Category, rec.Size, rec.Summary())
		}
		return nil
	case "/upload":
		if len(fields) != 2 {
			return fmt.Errorf("usage: /upload <path>")
		}
		record, err := rt.coord.Upload(fields[1], sessionID)
		if err != nil {
			return err
		}
		fmt.Printf("Uploaded %s as %s (%s)\n", record.Name, record.ID, record.Category)
		return nil
	case "/switch":
		if len(fields) != 3 {
			return fmt.Errorf("usage: /switch <client> <model>")
		}
		return rt.coord.SwitchModel(fields[1], fields[2])
	case "/health":
		return printJSON(rt.coord.HealthCheck(ctx))
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}
