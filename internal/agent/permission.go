package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Decision is the outcome of a permission check: either granted, or denied
// with a human-readable reason surfaced to the model as an error
// tool_result.
type Decision struct {
	Granted bool
	Reason  string
}

func granted() Decision             { return Decision{Granted: true} }
func denied(reason string) Decision { return Decision{Granted: false, Reason: reason} }

const canonicalDenialFormat = "%s requested permissions to use %s, but you haven't granted it yet."

// ModeRestriction describes one permission mode's policy knobs.
type ModeRestriction struct {
	// AllowedTools lists tool names this mode may invoke at all; "*"
	// matches every tool.
	AllowedTools []string

	// BypassValidation, when set, grants every call whose needs_permissions
	// check passed, skipping confirmation and allow-list consultation
	// entirely (used by the bypass mode).
	BypassValidation bool

	// RequireConfirmation, when false, grants every call without
	// consulting the allow-list at all (used by modes that never prompt).
	RequireConfirmation bool
}

// ModeRegistry maps a normalized permission mode name to its restriction.
type ModeRegistry map[string]ModeRestriction

// DefaultModeRegistry returns the standard default/safe/bypass/restricted
// mode set.
func DefaultModeRegistry() ModeRegistry {
	return ModeRegistry{
		"default": {
			AllowedTools:        []string{"*"},
			RequireConfirmation: true,
		},
		"safe": {
			AllowedTools:        []string{"*"},
			RequireConfirmation: true,
		},
		"bypass": {
			AllowedTools:     []string{"*"},
			BypassValidation: true,
		},
		"restricted": {
			AllowedTools:        []string{"Read", "Grep", "LS", "Glob"},
			RequireConfirmation: true,
		},
	}
}

func normalizeMode(mode string) string {
	switch mode {
	case "default", "safe", "bypass", "restricted":
		return mode
	default:
		return "default"
	}
}

func toolAllowedInMode(restriction ModeRestriction, toolName string) bool {
	for _, allowed := range restriction.AllowedTools {
		if allowed == "*" || allowed == toolName {
			return true
		}
	}
	return false
}

// shellHighRiskPatterns classifies a shell command as high-risk: these
// always deny, regardless of any allow-list grant. Grounded in the same
// metacharacter/pattern style used elsewhere to flag unsafe executable
// input, extended to the handful of recognizably destructive command
// shapes.
var shellHighRiskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*|-[a-zA-Z]*f[a-zA-Z]*r[a-zA-Z]*)\s+/`),
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*|-[a-zA-Z]*f[a-zA-Z]*r[a-zA-Z]*)\s+~`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+.*of=/dev/`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|\s*:\s*&\s*\}\s*;`), // fork bomb
	regexp.MustCompile(`\bchmod\s+-R\s+777\s+/`),
	regexp.MustCompile(`\bcurl\b.*\|\s*sh\b`),
	regexp.MustCompile(`\bwget\b.*\|\s*sh\b`),
}

// IsHighRiskShellCommand classifies a rendered shell command as high-risk.
func IsHighRiskShellCommand(command string) bool {
	for _, re := range shellHighRiskPatterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

const shellToolName = "Bash"
const highRiskDenialMessage = "dangerous command requires explicit confirmation every time"

// stripLeadingCD strips a "cd <dir> && " prefix before a rendered shell
// command is used to build a permission key, so that repeated invocations
// from different working directories still collapse to the same allow-list
// key for the command itself.
var cdPrefixPattern = regexp.MustCompile(`^cd\s+\S+\s*&&\s*`)

func stripLeadingCD(rendered string) string {
	return cdPrefixPattern.ReplaceAllString(rendered, "")
}

// AllowListStore is the persistent+session allow-list surface the
// permission engine consults. Implemented by PermissionStore.
type AllowListStore interface {
	HasProjectGrant(key string) bool
	HasSessionGrant(key string) bool
	SaveProjectGrant(key string) error
	SaveSessionGrant(key string)
}

// PermissionEngineConfig carries the resolved, host-supplied settings the
// engine needs: the mode registry, the active mode, whether session-level
// "safe mode" is on, and the allow-list store.
type PermissionEngineConfig struct {
	Modes    ModeRegistry
	Mode     string
	SafeMode bool
	Store    AllowListStore
	// ProductName is substituted into the canonical denial message.
	ProductName string
}

// Engine implements the permission decision algorithm.
type Engine struct {
	cfg PermissionEngineConfig
}

// NewEngine creates a permission Engine.
func NewEngine(cfg PermissionEngineConfig) *Engine {
	if cfg.Modes == nil {
		cfg.Modes = DefaultModeRegistry()
	}
	if cfg.ProductName == "" {
		cfg.ProductName = "the assistant"
	}
	return &Engine{cfg: cfg}
}

// Check runs the full decision algorithm for one (capability, input) pair.
func (e *Engine) Check(capability *Capability, input json.RawMessage, ctx *InvocationContext) Decision {
	// 1. Abort check.
	if ctx.Scope != nil && ctx.Scope.Aborted() {
		return denied("aborted")
	}

	// 2. Normalize mode.
	mode := normalizeMode(e.cfg.Mode)
	restriction, ok := e.cfg.Modes[mode]
	if !ok {
		restriction = e.cfg.Modes["default"]
	}

	// 3. Mode allow-list / wildcard check.
	if !toolAllowedInMode(restriction, capability.Name) {
		return denied(fmt.Sprintf("tool not available in %s mode", mode))
	}

	// 4. needs_permissions check.
	if !capability.NeedsPermissionsFor(input, ctx) {
		return granted()
	}

	rendered := capability.RenderInput(input, ctx.Verbose)

	// 5. Shell high-risk special case always denies.
	if capability.Name == shellToolName && IsHighRiskShellCommand(stripLeadingCD(rendered)) {
		return denied(highRiskDenialMessage)
	}

	// 6. bypass_validation.
	if restriction.BypassValidation {
		return granted()
	}

	// 7. require_confirmation not set.
	if !restriction.RequireConfirmation {
		return granted()
	}

	// 8. default mode + safe mode not set => permissive default.
	if mode == "default" && !e.cfg.SafeMode {
		return granted()
	}

	// 9. Consult effective allow-list.
	key := e.permissionKey(capability, rendered)
	if e.hasGrant(key) {
		return granted()
	}
	if prefixKey, ok := prefixGrantKey(capability, rendered); ok && e.hasGrant(prefixKey) {
		return granted()
	}

	// 10. File-editing tools: re-check needs_permissions after any
	// directory-scope grant the store may have already applied.
	if isFileEditingTool(capability.Name) && !capability.NeedsPermissionsFor(input, ctx) {
		return granted()
	}

	// 11. Canonical denial.
	return denied(fmt.Sprintf(canonicalDenialFormat, e.cfg.ProductName, capability.Name))
}

func (e *Engine) hasGrant(key string) bool {
	if e.cfg.Store == nil {
		return false
	}
	return e.cfg.Store.HasProjectGrant(key) || e.cfg.Store.HasSessionGrant(key)
}

func (e *Engine) permissionKey(capability *Capability, rendered string) string {
	if capability.Name == shellToolName {
		return fmt.Sprintf("Bash(%s)", stripLeadingCD(rendered))
	}
	return capability.Name
}

func prefixGrantKey(capability *Capability, rendered string) (string, bool) {
	if capability.Name != shellToolName {
		return "", false
	}
	cmd := stripLeadingCD(rendered)
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "", false
	}
	return fmt.Sprintf("Bash(%s:*)", fields[0]), true
}

var fileEditingTools = map[string]bool{
	"Write": true,
	"Edit":  true,
}

func isFileEditingTool(name string) bool {
	return fileEditingTools[name]
}

// SavePermission persists a grant for (capability, input) to the project
// allow-list. File-editing tools only ever grant a process-wide
// directory-scoped write permission, handled by the caller supplying the
// appropriate scoped key rather than the rendered input itself.
func SavePermission(store AllowListStore, capability *Capability, rendered string, prefix bool) error {
	if store == nil {
		return nil
	}
	key := fmt.Sprintf("Bash(%s)", stripLeadingCD(rendered))
	if capability.Name != shellToolName {
		key = capability.Name
	} else if prefix {
		fields := strings.Fields(stripLeadingCD(rendered))
		if len(fields) > 0 {
			key = fmt.Sprintf("Bash(%s:*)", fields[0])
		}
	}
	return store.SaveProjectGrant(key)
}

// SaveSessionPermission mirrors SavePermission but stores the grant in the
// process-wide in-memory session set instead of on disk.
func SaveSessionPermission(store AllowListStore, capability *Capability, rendered string, prefix bool) {
	if store == nil {
		return
	}
	key := fmt.Sprintf("Bash(%s)", stripLeadingCD(rendered))
	if capability.Name != shellToolName {
		key = capability.Name
	} else if prefix {
		fields := strings.Fields(stripLeadingCD(rendered))
		if len(fields) > 0 {
			key = fmt.Sprintf("Bash(%s:*)", fields[0])
		}
	}
	store.SaveSessionGrant(key)
}
