package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/toolconv"
)

// buildToolsCmd creates the "tools" command group.
func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and export the tool set a query loop would offer a model",
	}
	cmd.AddCommand(buildToolsExportCmd())
	return cmd
}

func buildToolsExportCmd() *cobra.Command {
	var workspace, provider string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the effective tool set in a provider's wire schema",
		Long: `Export the tool declarations a query loop would send to a model provider.

Tools come from every skill discovered under --workspace/skills/; this
repository registers no built-in tools on its own, so a bare --workspace
with no skills/ directory prints an empty set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsExport(cmd, workspace, provider)
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory to scan for skills/")
	cmd.Flags().StringVarP(&provider, "provider", "p", "anthropic", "target schema: anthropic, anthropic-beta, bedrock, gemini, or openai")
	return cmd
}

func runToolsExport(cmd *cobra.Command, workspace, provider string) error {
	registry, _, err := buildRegistry(context.Background(), sessionOptions{workspace: workspace})
	if err != nil {
		return err
	}

	declarations := make([]agent.ToolDeclaration, 0, len(registry.Names()))
	for _, name := range registry.Names() {
		tool, ok := registry.Get(name)
		if !ok {
			continue
		}
		desc := ""
		if tool.Description != nil {
			desc = tool.Description()
		}
		declarations = append(declarations, agent.ToolDeclaration{Name: tool.Name, Description: desc, Schema: tool.Schema})
	}

	var payload any
	switch provider {
	case "anthropic":
		payload, err = toolconv.ToAnthropicTools(declarations)
	case "anthropic-beta":
		payload, err = toolconv.ToAnthropicBetaTools(declarations)
	case "bedrock":
		payload = toolconv.ToBedrockTools(declarations)
	case "gemini":
		payload = toolconv.ToGeminiTools(declarations)
	case "openai":
		payload = toolconv.ToOpenAITools(declarations)
	default:
		return fmt.Errorf("unknown provider schema %q (want anthropic, anthropic-beta, bedrock, gemini, or openai)", provider)
	}
	if err != nil {
		return fmt.Errorf("convert tools: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
