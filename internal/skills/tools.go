package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/exec"
)

// BuildSkillTools creates dispatcher capabilities from a skill's declared
// tools, each backed by a command or script run in the skill's directory.
func BuildSkillTools(skill *SkillEntry) []*agent.Capability {
	if skill == nil || skill.Metadata == nil || len(skill.Metadata.Tools) == 0 {
		return nil
	}

	caps := make([]*agent.Capability, 0, len(skill.Metadata.Tools))
	for _, spec := range skill.Metadata.Tools {
		if strings.TrimSpace(spec.Name) == "" {
			continue
		}
		caps = append(caps, newSkillToolCapability(skill, spec))
	}
	return caps
}

func newSkillToolCapability(skill *SkillEntry, spec SkillToolSpec) *agent.Capability {
	t := &skillTool{skill: skill, spec: spec}

	description := spec.Description
	if description == "" {
		description = "Skill tool: " + spec.Name
	}

	return &agent.Capability{
		Name:              spec.Name,
		Schema:            t.schema(),
		Description:       func() string { return description },
		IsReadOnly:        false,
		IsConcurrencySafe: false,
		NeedsPermissions:  func(json.RawMessage, *agent.InvocationContext) bool { return true },
		Invoke:            t.invoke,
	}
}

// skillTool runs one SkillToolSpec's command or script as a subprocess,
// rejecting an unsafe executable or argument list up front rather than
// handing it to os/exec.
type skillTool struct {
	skill *SkillEntry
	spec  SkillToolSpec
}

func (t *skillTool) schema() json.RawMessage {
	if t.spec.Schema == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	payload, err := json.Marshal(t.spec.Schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *skillTool) invoke(input json.RawMessage, ctx *agent.InvocationContext) func(yield func(agent.Yield) bool) {
	return func(yield func(agent.Yield) bool) {
		text, isError := t.run(ctx, input)
		yield(agent.ResultYield(nil, text, isError))
	}
}

func (t *skillTool) run(ctx *agent.InvocationContext, params json.RawMessage) (string, bool) {
	command := strings.TrimSpace(t.spec.Command)
	if command == "" {
		command = "bash"
	}
	command, err := exec.SanitizeExecutableValue(command)
	if err != nil {
		return fmt.Sprintf("unsafe command %q: %v", t.spec.Command, err), true
	}

	args, err := exec.SanitizeArguments(t.spec.Args)
	if err != nil {
		return fmt.Sprintf("unsafe argument in skill tool %q: %v", t.spec.Name, err), true
	}

	stdin := string(params)
	if script := strings.TrimSpace(t.spec.Script); script != "" {
		content, err := os.ReadFile(filepath.Join(t.skill.Path, script))
		if err != nil {
			return fmt.Sprintf("read script: %v", err), true
		}
		stdin = string(content)
	}

	cwd := strings.TrimSpace(t.spec.WorkingDir)
	if cwd == "" {
		cwd = t.skill.Path
	}

	timeout := time.Duration(t.spec.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	runCtx := context.Background()
	if ctx != nil && ctx.Scope != nil {
		runCtx = ctx.Scope.Context()
	}
	runCtx, cancel := context.WithTimeout(runCtx, timeout)
	defer cancel()

	cmd := osexec.CommandContext(runCtx, command, args...)
	cmd.Dir = cwd
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Env = append(os.Environ(),
		"NEXUS_TOOL_INPUT="+string(params),
		"NEXUS_TOOL_NAME="+t.spec.Name,
		"NEXUS_SKILL_NAME="+t.skill.Name,
		"NEXUS_SKILL_DIR="+t.skill.Path,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Sprintf("skill tool %q timed out after %s", t.spec.Name, timeout), true
		}
		return fmt.Sprintf("%s\n%s", err, output), true
	}
	return string(output), false
}
