package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/dispatch"
	"github.com/strandlabs/strand/internal/engine"
	"github.com/strandlabs/strand/pkg/models"
)

func buildTurnCmd() *cobra.Command {
	var (
		configPath string
		threadID   string
		binding    string
		userID     string
		asJSON     bool
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "turn [message]",
		Short: "Run one agent turn from the terminal",
		Long: `Run one agent turn and stream its events to stdout.

Without --thread a new thread is created and its id printed, so a follow-up
turn can continue the conversation. An interrupted turn prints the checkpoint
id to pass to "strand resume".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := buildLogger(cfg, debug)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			events := rt.dispatcher.StartTurn(ctx, dispatch.StartTurnRequest{
				ThreadID:     threadID,
				UserMessage:  args[0],
				Principal:    models.Principal{UserID: userID},
				AgentBinding: binding,
			})
			return printEvents(events, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&threadID, "thread", "", "Continue an existing thread")
	cmd.Flags().StringVar(&binding, "binding", "", "Agent binding for a new thread")
	cmd.Flags().StringVar(&userID, "user", "local", "Principal user id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw events as JSON lines")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildResumeCmd() *cobra.Command {
	var (
		configPath   string
		threadID     string
		checkpointID string
		decision     string
		reason       string
		newArgs      []string
		userID       string
		asJSON       bool
		debug        bool
	)

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume an interrupted turn with a decision",
		Long: `Resume an interrupted turn.

--decision approve runs the pending tool calls as issued; reject feeds the
rejection back to the model; modify rewrites arguments first, given as
--arg <tool_call_id>=<json>.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dec, err := parseDecision(decision, reason, newArgs)
			if err != nil {
				return err
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := buildLogger(cfg, debug)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			events := rt.dispatcher.ResumeTurn(ctx, dispatch.ResumeTurnRequest{
				ThreadID:     threadID,
				CheckpointID: checkpointID,
				Principal:    models.Principal{UserID: userID},
				Decision:     dec,
			})
			return printEvents(events, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread id (required)")
	cmd.Flags().StringVar(&checkpointID, "checkpoint", "", "Interrupted checkpoint id (required)")
	cmd.Flags().StringVar(&decision, "decision", "approve", "approve, reject, or modify")
	cmd.Flags().StringVar(&reason, "reason", "", "Rejection reason")
	cmd.Flags().StringArrayVar(&newArgs, "arg", nil, "Modified arguments, <tool_call_id>=<json>")
	cmd.Flags().StringVar(&userID, "user", "local", "Principal user id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw events as JSON lines")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	_ = cmd.MarkFlagRequired("thread")
	_ = cmd.MarkFlagRequired("checkpoint")
	return cmd
}

func parseDecision(action, reason string, newArgs []string) (engine.Decision, error) {
	dec := engine.Decision{Action: engine.DecisionAction(action), Reason: reason}
	switch dec.Action {
	case engine.DecisionApprove, engine.DecisionReject:
	case engine.DecisionModify:
		dec.NewArguments = make(map[string]json.RawMessage, len(newArgs))
		for _, pair := range newArgs {
			id, raw, ok := strings.Cut(pair, "=")
			if !ok || id == "" {
				return dec, fmt.Errorf("invalid --arg %q, want <tool_call_id>=<json>", pair)
			}
			if !json.Valid([]byte(raw)) {
				return dec, fmt.Errorf("arguments for %s are not valid JSON", id)
			}
			dec.NewArguments[id] = json.RawMessage(raw)
		}
	default:
		return dec, fmt.Errorf("unknown decision %q", action)
	}
	return dec, nil
}

// printEvents renders the turn's event stream. JSON mode emits one event per
// line; the default mode streams assistant text and annotates everything else.
func printEvents(events <-chan models.Event, asJSON bool) error {
	var streaming bool
	endStream := func() {
		if streaming {
			fmt.Println()
			streaming = false
		}
	}

	for ev := range events {
		if asJSON {
			line, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
			continue
		}

		switch ev.Type {
		case models.EventSessionCreated:
			data := ev.Data.(models.SessionCreatedData)
			fmt.Printf("thread: %s\n", data.ThreadID)
		case models.EventTokenDelta:
			fmt.Print(ev.Data.(models.TokenDeltaData).Text)
			streaming = true
		case models.EventToolCall:
			endStream()
			data := ev.Data.(models.ToolCallData)
			fmt.Printf("[tool] %s %s\n", data.Name, string(data.Arguments))
		case models.EventToolResult:
			data := ev.Data.(models.ToolResultData)
			if data.Success {
				fmt.Printf("[result] %s\n", data.Output)
			} else {
				fmt.Printf("[result] error: %s\n", data.Error)
			}
		case models.EventInterrupt:
			endStream()
			data := ev.Data.(models.InterruptData)
			fmt.Printf("interrupted: %d tool call(s) await approval\n", len(data.PendingToolCalls))
			fmt.Printf("resume with: strand resume --thread <id> --checkpoint %s\n", data.CheckpointID)
		case models.EventDone:
			endStream()
		case models.EventError:
			endStream()
			data := ev.Data.(models.ErrorData)
			return fmt.Errorf("%s: %s", data.Kind, data.Message)
		}
	}
	endStream()
	return nil
}
