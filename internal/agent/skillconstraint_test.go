package agent

import "testing"

type fakeSkillMetadata struct {
	meta SkillMetadata
}

func (f fakeSkillMetadata) SkillMetadata() SkillMetadata { return f.meta }

func TestParseSkillConstraintFindsMostRecent(t *testing.T) {
	older := NewUserMessage(withData(ToolResultBlock("t1", "ok", false), fakeSkillMetadata{SkillMetadata{AllowedTools: []string{"Read"}}}))
	newer := NewUserMessage(withData(ToolResultBlock("t2", "ok", false), fakeSkillMetadata{SkillMetadata{AllowedTools: []string{"Bash", "Read"}}}))

	c := ParseSkillConstraint([]Message{older, newer})
	if c == nil {
		t.Fatal("expected a constraint")
	}
	if !c.Permits("Bash") || !c.Permits("Read") || c.Permits("Write") {
		t.Errorf("unexpected permits: %+v", c.AllowedTools)
	}
}

func TestParseSkillConstraintWildcardIsUnrestricted(t *testing.T) {
	msg := NewUserMessage(withData(ToolResultBlock("t1", "ok", false), fakeSkillMetadata{SkillMetadata{AllowedTools: []string{"*"}}}))
	c := ParseSkillConstraint([]Message{msg})
	if c == nil || !c.Unrestricted {
		t.Fatalf("expected unrestricted constraint, got %+v", c)
	}
	if !c.Permits("AnythingAtAll") {
		t.Error("unrestricted constraint should permit any tool")
	}
}

func TestParseSkillConstraintNilWhenNoMetadata(t *testing.T) {
	msg := NewUserMessage(ToolResultBlock("t1", "ok", false))
	if c := ParseSkillConstraint([]Message{msg}); c != nil {
		t.Errorf("expected nil constraint, got %+v", c)
	}
}

func TestNilConstraintPermitsEverything(t *testing.T) {
	var c *SkillConstraint
	if !c.Permits("anything") {
		t.Error("nil constraint should permit everything")
	}
}

func withData(block Block, data any) Block {
	block.ToolResultData = data
	return block
}

func TestGatingContextCheckEligibleNoRequirements(t *testing.T) {
	g := NewGatingContext(nil)
	c := &Capability{Name: "Read"}
	if !g.CheckEligible(c) {
		t.Error("capability with no requirements should always be eligible")
	}
}

func TestGatingContextCheckEligibleBinary(t *testing.T) {
	g := NewGatingContext(nil)
	present := &Capability{Name: "Shell", Requires: &GatingRequirements{Bins: []string{"sh"}}}
	if !g.CheckEligible(present) {
		t.Error("expected sh to be found on PATH in a standard test environment")
	}

	missing := &Capability{Name: "Nope", Requires: &GatingRequirements{Bins: []string{"definitely-not-a-real-binary-xyz"}}}
	if g.CheckEligible(missing) {
		t.Error("expected missing binary requirement to make capability ineligible")
	}
}

func TestGatingContextCheckEligibleConfig(t *testing.T) {
	g := NewGatingContext(map[string]any{"tools.browser.enabled": true})
	c := &Capability{Name: "Browser", Requires: &GatingRequirements{Config: []string{"tools.browser.enabled"}}}
	if !g.CheckEligible(c) {
		t.Error("expected truthy config path to satisfy requirement")
	}

	disabled := &Capability{Name: "Other", Requires: &GatingRequirements{Config: []string{"tools.other.enabled"}}}
	if g.CheckEligible(disabled) {
		t.Error("expected missing config path to fail requirement")
	}
}

func TestEffectiveToolSetIntersectsConfigConstraintAndGating(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&Capability{Name: "Read"})
	registry.Register(&Capability{Name: "Bash"})
	registry.Register(&Capability{Name: "Browser", Requires: &GatingRequirements{Config: []string{"tools.browser.enabled"}}})

	constraint := &SkillConstraint{AllowedTools: map[string]bool{"Read": true, "Browser": true}}
	gating := NewGatingContext(nil)

	out := EffectiveToolSet(registry, nil, constraint, gating)
	if len(out) != 1 || out[0].Name != "Read" {
		t.Fatalf("expected only Read to survive constraint+gating, got %+v", out)
	}
}
