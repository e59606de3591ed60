package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/skills"
)

// buildSkillsCmd creates the "skills" command group.
func buildSkillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect SKILL.md-based skills",
		Long: `Inspect skills that extend the tool set available to a query loop.

Skills are discovered from <workspace>/skills/, a directory of subdirectories
each containing a SKILL.md file with YAML frontmatter describing the tools
the skill declares and the conditions under which it is eligible to load.`,
	}
	cmd.AddCommand(
		buildSkillsListCmd(),
		buildSkillsShowCmd(),
		buildSkillsCheckCmd(),
	)
	return cmd
}

func buildSkillsListCmd() *cobra.Command {
	var workspace string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List discovered skills",
		Long: `List all discovered skills and their eligibility status.

By default, only eligible skills are shown. Use --all to include ineligible skills.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillsList(cmd, workspace, all)
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory to scan for skills/")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include ineligible skills")
	return cmd
}

func buildSkillsShowCmd() *cobra.Command {
	var workspace string
	var showContent bool
	cmd := &cobra.Command{
		Use:   "show [name]",
		Short: "Show skill details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillsShow(cmd, workspace, args[0], showContent)
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory to scan for skills/")
	cmd.Flags().BoolVar(&showContent, "content", false, "print the skill's full SKILL.md body")
	return cmd
}

func buildSkillsCheckCmd() *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:   "check [name]",
		Short: "Check skill eligibility",
		Long:  "Check whether a skill is eligible to load and print the reason if not.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillsCheck(cmd, workspace, args[0])
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory to scan for skills/")
	return cmd
}

func newSkillManager(cmd *cobra.Command, workspace string) (*skills.Manager, error) {
	mgr, err := skills.NewManager(nil, workspace, nil)
	if err != nil {
		return nil, fmt.Errorf("create skill manager: %w", err)
	}
	if err := mgr.Discover(cmd.Context()); err != nil {
		return nil, fmt.Errorf("discover skills: %w", err)
	}
	return mgr, nil
}

func runSkillsList(cmd *cobra.Command, workspace string, all bool) error {
	mgr, err := newSkillManager(cmd, workspace)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var entries []*skills.SkillEntry
	if all {
		entries = mgr.ListAll()
	} else {
		entries = mgr.ListEligible()
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No skills found.")
		return nil
	}

	fmt.Fprintln(out, "Skills:")
	for _, skill := range entries {
		status := "eligible"
		if all {
			if result, err := mgr.CheckEligibility(skill.Name); err != nil {
				status = "unknown"
			} else if !result.Eligible {
				status = "ineligible: " + result.Reason
			}
		}
		fmt.Fprintf(out, "  %-24s %s\n", skill.Name, status)
	}
	return nil
}

func runSkillsShow(cmd *cobra.Command, workspace, name string, showContent bool) error {
	mgr, err := newSkillManager(cmd, workspace)
	if err != nil {
		return err
	}

	skill, ok := mgr.GetSkill(name)
	if !ok {
		return fmt.Errorf("skill %q not found", name)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Name:      %s\n", skill.Name)
	fmt.Fprintf(out, "Source:    %s\n", skill.Path)
	if skill.Metadata != nil {
		fmt.Fprintf(out, "Execution: %s\n", orAny(string(skill.ExecutionLocation())))
		if len(skill.RequiredToolGroups()) > 0 {
			fmt.Fprintf(out, "Groups:    %v\n", skill.RequiredToolGroups())
		}
		if len(skill.Metadata.Tools) > 0 {
			fmt.Fprintln(out, "Tools:")
			for _, t := range skill.Metadata.Tools {
				fmt.Fprintf(out, "  - %s\n", t.Name)
			}
		}
	}

	if showContent {
		content, err := mgr.LoadContent(name)
		if err != nil {
			return fmt.Errorf("load content: %w", err)
		}
		fmt.Fprintln(out, "\n---")
		fmt.Fprintln(out, content)
	}
	return nil
}

func runSkillsCheck(cmd *cobra.Command, workspace, name string) error {
	mgr, err := newSkillManager(cmd, workspace)
	if err != nil {
		return err
	}

	result, err := mgr.CheckEligibility(name)
	if err != nil {
		return fmt.Errorf("check eligibility: %w", err)
	}

	out := cmd.OutOrStdout()
	if result.Eligible {
		fmt.Fprintf(out, "%s: eligible\n", name)
		return nil
	}
	fmt.Fprintf(out, "%s: ineligible (%s)\n", name, result.Reason)
	return nil
}

func orAny(s string) string {
	if s == "" {
		return "any"
	}
	return s
}
