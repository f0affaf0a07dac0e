package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/adytum-sh/adytum/internal/config"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		sessionID string
		agentID   string
		role      string
		model     string
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the running gateway from the terminal",
		Long: "Chat connects to the local gateway over WebSocket. With a message\n" +
			"argument it sends one turn and prints the answer; without one it opens\n" +
			"an interactive session. Tool approvals are answered inline.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			message := ""
			if len(args) == 1 {
				message = args[0]
			}
			return runChat(cmd.Context(), cfg, chatOpts{
				sessionID: sessionID,
				agentID:   agentID,
				role:      role,
				model:     model,
				message:   message,
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to continue (default: a fresh one)")
	cmd.Flags().StringVar(&agentID, "agent", "", "target agent id (default: the root agent)")
	cmd.Flags().StringVar(&role, "role", "", "model role override for this session")
	cmd.Flags().StringVar(&model, "model", "", "exact model id override for this session")
	return cmd
}

type chatOpts struct {
	sessionID string
	agentID   string
	role      string
	model     string
	message   string
}

type chatReply struct {
	SessionID  string `json:"sessionId"`
	Status     string `json:"status"`
	Response   string `json:"response"`
	Silent     bool   `json:"silent"`
	TraceID    string `json:"traceId"`
	Iterations int    `json:"iterations"`
}

func runChat(ctx context.Context, cfg *config.Config, opts chatOpts) error {
	client, err := dialGateway(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w\nIs the gateway running? Start it with `adytum start`.", err)
	}
	defer client.Close()

	sessionID := opts.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	client.onFrame = func(frameType string, raw []byte) {
		handleChatFrame(ctx, client, sessionID, frameType, raw)
	}

	send := func(text string) error {
		var reply chatReply
		err := client.callInto(ctx, protocol.MethodChatSend, map[string]interface{}{
			"message":     text,
			"sessionId":   sessionID,
			"agentId":     opts.agentID,
			"role":        opts.role,
			"model":       opts.model,
			"temperature": 0.0,
		}, &reply)
		if err != nil {
			return err
		}
		if reply.Status == "cancelled" {
			fmt.Fprintln(os.Stderr, "(turn cancelled)")
			return nil
		}
		if !reply.Silent && reply.Response != "" {
			fmt.Printf("\n%s\n", reply.Response)
		}
		return nil
	}

	if opts.message != "" {
		return send(opts.message)
	}

	fmt.Fprintf(os.Stderr, "Adytum chat — session %s\n", sessionID)
	fmt.Fprintln(os.Stderr, "Type \"exit\" to quit, \"/new\" for a fresh session.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(os.Stderr, "\nYou: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			return nil
		case input == "/new":
			sessionID = uuid.NewString()
			fmt.Fprintf(os.Stderr, "New session: %s\n", sessionID)
			continue
		}
		if err := send(input); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

// handleChatFrame renders agent progress events and answers approval
// requests while a chat.send call is in flight. The gateway mirrors bus
// events onto every socket; only this session's are shown.
func handleChatFrame(ctx context.Context, client *gatewayClient, sessionID, frameType string, raw []byte) {
	switch frameType {
	case protocol.FrameTypeEvent:
		var frame struct {
			Event   string `json:"event"`
			Payload struct {
				Type       string `json:"type"`
				SessionKey string `json:"sessionKey"`
				Payload    struct {
					Message string `json:"message"`
					Name    string `json:"name"`
					IsError bool   `json:"isError"`
				} `json:"payload"`
			} `json:"payload"`
		}
		if json.Unmarshal(raw, &frame) != nil || frame.Event != protocol.EventAgent {
			return
		}
		if frame.Payload.SessionKey != sessionID {
			return
		}
		switch frame.Payload.Type {
		case protocol.AgentEventStatus:
			fmt.Fprintf(os.Stderr, "  · %s\n", frame.Payload.Payload.Message)
		case protocol.AgentEventToolCall:
			fmt.Fprintf(os.Stderr, "  → %s\n", frame.Payload.Payload.Name)
		case protocol.AgentEventToolResult:
			mark := "ok"
			if frame.Payload.Payload.IsError {
				mark = "error"
			}
			fmt.Fprintf(os.Stderr, "  ← %s (%s)\n", frame.Payload.Payload.Name, mark)
		}
	case protocol.FrameTypeApprovalRequest:
		var req protocol.ApprovalRequestFrame
		if json.Unmarshal(raw, &req) != nil {
			return
		}
		fmt.Fprintf(os.Stderr, "\nApproval needed (%s): %s\nAllow? [y/N] ", req.Kind, req.Description)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		approved := strings.EqualFold(strings.TrimSpace(answer), "y")
		client.write(ctx, protocol.ApprovalResponseFrame{
			Type:     protocol.FrameTypeApprovalResponse,
			ID:       req.ID,
			Approved: approved,
		})
	}
}
