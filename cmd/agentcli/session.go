package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/providers"
	"github.com/haasonsaas/nexus/internal/agent/tape"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/retry"
	"github.com/haasonsaas/nexus/internal/skills"
)

// sessionOptions carries the flags shared by every command that builds a
// working QueryLoop.
type sessionOptions struct {
	provider   string
	model      string
	workspace  string
	recordTape string
	replayTape string
}

// buildTransport resolves a model transport from provider name and API key
// environment variables, optionally wrapping the HTTP client with a tape
// Recorder so the session's traffic can be replayed later.
func buildTransport(opts sessionOptions) (*agent.Transport, func() error, error) {
	var client agent.HTTPDoer = http.DefaultClient
	var flush func() error = func() error { return nil }

	if opts.replayTape != "" {
		raw, err := os.ReadFile(opts.replayTape)
		if err != nil {
			return nil, nil, fmt.Errorf("read tape: %w", err)
		}
		tp, err := tape.Unmarshal(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("parse tape: %w", err)
		}
		client = tape.NewReplayer(tp)
	} else if opts.recordTape != "" {
		rec := tape.NewRecorder(client).WithModel(opts.model)
		client = rec
		flush = func() error {
			raw, err := rec.Tape().Marshal()
			if err != nil {
				return fmt.Errorf("marshal tape: %w", err)
			}
			return os.WriteFile(opts.recordTape, raw, 0o644)
		}
	}

	switch opts.provider {
	case "", "anthropic":
		return providers.NewAnthropicTransport(client, providers.AnthropicConfig{
			APIKey: os.Getenv("ANTHROPIC_API_KEY"),
		}), flush, nil
	case "openai":
		return providers.NewOpenAITransport(client, providers.OpenAIConfig{
			APIKey: os.Getenv("OPENAI_API_KEY"),
		}), flush, nil
	default:
		return nil, nil, fmt.Errorf("unknown provider %q (want anthropic or openai)", opts.provider)
	}
}

// buildRegistry assembles a Registry from built-in capabilities (none are
// registered here; a host embedding this package registers its own) plus
// every eligible skill's declared tools.
func buildRegistry(ctx context.Context, opts sessionOptions) (*agent.Registry, *skills.Manager, error) {
	registry := agent.NewRegistry()

	mgr, err := skills.NewManager(nil, opts.workspace, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create skill manager: %w", err)
	}
	if err := mgr.Discover(ctx); err != nil {
		return nil, nil, fmt.Errorf("discover skills: %w", err)
	}
	for _, skill := range mgr.ListEligible() {
		for _, tool := range skills.BuildSkillTools(skill) {
			registry.Register(tool)
		}
	}
	return registry, mgr, nil
}

// buildLoop assembles a QueryLoop from resolved Config, a Transport and a
// Registry, wiring the permission engine, dispatcher and journal the same
// way a host application would.
func buildLoop(cfg *config.Config, transport *agent.Transport, registry *agent.Registry) *agent.QueryLoop {
	store := agent.NewPermissionStore(cfg.AllowListPath)
	engine := agent.NewEngine(agent.PermissionEngineConfig{
		Mode:        string(cfg.PermissionMode),
		SafeMode:    cfg.SafeMode,
		Store:       store,
		ProductName: "agentcli",
	})
	dispatcher := agent.NewDispatcher(registry, engine, nil)
	journal := agent.NewJournal(cfg.JournalPath)
	gating := agent.NewGatingContext(nil)

	loopCfg := agent.LoopConfig{
		ConfiguredTools: cfg.Tools,
		PermissionMode:  string(cfg.PermissionMode),
		ConcurrencyCap:  cfg.ConcurrencyCap,
		RetryConfig: retry.Config{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.BaseDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Factor:       2,
		},
		RetryJitterCap: cfg.Retry.JitterCap,
	}

	transport.RequestTimeout = cfg.RequestTimeout
	transport.StreamIdleTimeout = cfg.StreamIdleTimeout

	return agent.NewQueryLoop(transport, registry, dispatcher, gating, nil, journal, loopCfg)
}
