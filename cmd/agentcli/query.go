package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/config"
)

// buildQueryCmd creates the "query" command: run one turn of the loop
// against a configured model transport and print every emitted message.
func buildQueryCmd() *cobra.Command {
	var opts sessionOptions
	var prompt string
	cmd := &cobra.Command{
		Use:   "query [prompt]",
		Short: "Run the query loop once against a configured model",
		Long: `Run the query loop to completion for a single user turn, streaming every
emitted message (assistant text, progress, and tool results) to stdout.

The prompt is taken from the first positional argument, or read from stdin
if omitted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				prompt = args[0]
			} else {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read prompt from stdin: %w", err)
				}
				prompt = strings.TrimSpace(string(raw))
			}
			if prompt == "" {
				return fmt.Errorf("no prompt given (pass one as an argument or pipe it on stdin)")
			}
			return runQuery(cmd, opts, prompt)
		},
	}
	cmd.Flags().StringVarP(&opts.provider, "provider", "p", "anthropic", "model provider: anthropic or openai")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "model name sent to the provider")
	cmd.Flags().StringVarP(&opts.workspace, "workspace", "w", ".", "workspace directory to scan for skills/")
	cmd.Flags().StringVar(&opts.recordTape, "record", "", "record HTTP traffic to this tape file")
	cmd.Flags().StringVar(&opts.replayTape, "replay", "", "replay HTTP traffic from this tape file instead of calling the provider")
	return cmd
}

func runQuery(cmd *cobra.Command, opts sessionOptions, prompt string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(configPathFlag)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	transport, flush, err := buildTransport(opts)
	if err != nil {
		return err
	}

	registry, _, err := buildRegistry(ctx, opts)
	if err != nil {
		return err
	}

	loop := buildLoop(cfg, transport, registry)
	loop.Config.Model = opts.model

	scope := agent.NewScope(ctx, cfg.RequestTimeout)
	out := cmd.OutOrStdout()

	emit := func(msg agent.Message) {
		printMessage(out, msg)
	}

	messages := []agent.Message{agent.NewUserText(prompt)}
	if err := loop.Query(scope, messages, emit); err != nil {
		return fmt.Errorf("query: %w", err)
	}
	return flush()
}

func printMessage(out io.Writer, msg agent.Message) {
	switch msg.Role {
	case agent.RoleAssistant:
		for _, block := range msg.Content {
			switch block.Type {
			case agent.BlockText:
				fmt.Fprintln(out, block.Text)
			case agent.BlockToolUse:
				fmt.Fprintf(out, "[tool_use %s: %s]\n", block.ToolName, string(block.ToolInput))
			}
		}
	case agent.RoleUser:
		for _, block := range msg.Content {
			if block.Type == agent.BlockToolResult {
				fmt.Fprintf(out, "[tool_result %s]: %s\n", block.ToolResultForID, block.ToolResultText)
			}
		}
	}
}
