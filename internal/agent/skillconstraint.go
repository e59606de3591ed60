package agent

import (
	"os"
	"os/exec"
	"runtime"
)

// SkillConstraint restricts the model to a named subset of tools for the
// duration of a sub-task, derived from a prior tool_result's side-channel
// data. A nil constraint, or one with Unrestricted set, imposes no
// restriction.
type SkillConstraint struct {
	Unrestricted bool
	AllowedTools map[string]bool
	Banner       string
}

// SkillMetadata is the shape a tool_result's ToolResultData must carry (as
// the concrete type or via the SkillMetadataProvider interface below) for
// ParseSkillConstraint to recognise it as skill-constraining.
type SkillMetadata struct {
	// AllowedTools is the explicit tool allow-list, or ["*"] for
	// unrestricted.
	AllowedTools []string
	Banner       string
}

// SkillMetadataProvider lets a tool_result's opaque ToolResultData declare
// skill metadata without this package needing to import the tool's own
// package.
type SkillMetadataProvider interface {
	SkillMetadata() SkillMetadata
}

// ParseSkillConstraint scans history for the most recent user message
// carrying a tool_result with skill metadata, and derives the active
// constraint from it. Returns nil if no message in history carries skill
// metadata.
func ParseSkillConstraint(history []Message) *SkillConstraint {
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Role != RoleUser {
			continue
		}
		for j := len(msg.Content) - 1; j >= 0; j-- {
			block := msg.Content[j]
			if block.Type != BlockToolResult || block.ToolResultData == nil {
				continue
			}
			provider, ok := block.ToolResultData.(SkillMetadataProvider)
			if !ok {
				continue
			}
			return constraintFromMetadata(provider.SkillMetadata())
		}
	}
	return nil
}

func constraintFromMetadata(meta SkillMetadata) *SkillConstraint {
	for _, t := range meta.AllowedTools {
		if t == "*" {
			return &SkillConstraint{Unrestricted: true, Banner: meta.Banner}
		}
	}
	allowed := make(map[string]bool, len(meta.AllowedTools))
	for _, t := range meta.AllowedTools {
		allowed[t] = true
	}
	return &SkillConstraint{AllowedTools: allowed, Banner: meta.Banner}
}

// Permits reports whether name is permitted under the constraint.
func (c *SkillConstraint) Permits(name string) bool {
	if c == nil || c.Unrestricted {
		return true
	}
	return c.AllowedTools[name]
}

// GatingRequirements names the environment preconditions a capability needs
// to be eligible, beyond appearing in a flat tool-name allow-list: required
// binaries on PATH, environment variables, and truthy config paths.
type GatingRequirements struct {
	Bins    []string
	AnyBins []string
	Env     []string
	Config  []string
}

// GatingContext caches the environment probes CheckEligible needs, so
// repeated lookups for the same binary or env var across many capabilities
// in one turn cost one syscall each.
type GatingContext struct {
	OS           string
	PathBins     map[string]bool
	EnvVars      map[string]bool
	ConfigValues map[string]any
}

// NewGatingContext creates a GatingContext bound to the current process
// environment, with configValues supplying the truthiness lookups for
// GatingRequirements.Config paths.
func NewGatingContext(configValues map[string]any) *GatingContext {
	return &GatingContext{
		OS:           runtime.GOOS,
		PathBins:     make(map[string]bool),
		EnvVars:      make(map[string]bool),
		ConfigValues: configValues,
	}
}

func (g *GatingContext) checkBinary(name string) bool {
	if v, ok := g.PathBins[name]; ok {
		return v
	}
	_, err := exec.LookPath(name)
	g.PathBins[name] = err == nil
	return err == nil
}

func (g *GatingContext) checkEnv(name string) bool {
	if v, ok := g.EnvVars[name]; ok {
		return v
	}
	_, ok := os.LookupEnv(name)
	g.EnvVars[name] = ok
	return ok
}

func (g *GatingContext) checkConfig(path string) bool {
	v, ok := g.ConfigValues[path]
	return ok && isTruthy(v)
}

func isTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	case int:
		return val != 0
	default:
		return true
	}
}

// CheckEligible reports whether capability's GatingRequirements (if any) are
// satisfied in the current environment. A capability with no requirements is
// always eligible.
func (g *GatingContext) CheckEligible(c *Capability) bool {
	if c.Requires == nil {
		return true
	}
	req := c.Requires

	for _, bin := range req.Bins {
		if !g.checkBinary(bin) {
			return false
		}
	}
	if len(req.AnyBins) > 0 {
		found := false
		for _, bin := range req.AnyBins {
			if g.checkBinary(bin) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, env := range req.Env {
		if !g.checkEnv(env) {
			return false
		}
	}
	for _, path := range req.Config {
		if !g.checkConfig(path) {
			return false
		}
	}
	return true
}

// EffectiveToolSet computes the configured tool list, intersected with any
// active skill constraint, further filtered to
// capabilities whose gating requirements are satisfied in the current
// environment.
func EffectiveToolSet(registry *Registry, configuredTools []string, constraint *SkillConstraint, gating *GatingContext) []*Capability {
	candidates := registry.EffectiveSet(configuredTools)
	out := make([]*Capability, 0, len(candidates))
	for _, c := range candidates {
		if !constraint.Permits(c.Name) {
			continue
		}
		if gating != nil && !gating.CheckEligible(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}
