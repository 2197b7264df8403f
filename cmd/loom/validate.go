package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/capability"
	"github.com/ShayCichocki/loom/internal/graph"
	"github.com/ShayCichocki/loom/pkg/models"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plan.yaml>",
	Short: "Check a plan file without running it",
	Long: `Validate parses a plan, builds its graph and checks every capability's
arguments. Plans referenced by delegate nodes are checked as well.`,
	Args: cobra.ExactArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		problems := validatePlan(args[0], map[string]bool{}, "")
		if problems > 0 {
			return fmt.Errorf("%d problem(s) found", problems)
		}
		return nil
	},
}

// validatePlan reports on one plan file and any child plans it references.
// It returns the number of problems found.
func validatePlan(path string, seen map[string]bool, indent string) int {
	if seen[path] {
		printStatus(indent+"✗", fmt.Sprintf("%s: delegation cycle", path), color.FgRed)
		return 1
	}
	seen[path] = true
	defer delete(seen, path)

	desc, err := models.LoadDagDescription(path)
	if err != nil {
		printStatus(indent+"✗", err.Error(), color.FgRed)
		return 1
	}
	g, err := graph.Build(desc)
	if err != nil {
		printStatus(indent+"✗", fmt.Sprintf("%s: %v", path, err), color.FgRed)
		return 1
	}

	problems := 0
	var children []string
	for _, n := range desc.Nodes {
		c, err := capability.Parse(n.Capability)
		if err != nil {
			printStatus(indent+"  ✗", fmt.Sprintf("%s: %v", n.ID, err), color.FgRed)
			problems++
			continue
		}
		if d, ok := c.(capability.Delegate); ok && d.Plan != "" {
			children = append(children, d.Plan)
		}
	}

	var roots []string
	for _, id := range g.Order() {
		if len(g.Upstream(id)) == 0 {
			roots = append(roots, id)
		}
	}
	if problems == 0 {
		printStatus(indent+"✓", fmt.Sprintf("%s: %d nodes, roots [%s], sinks [%s]",
			path, g.Size(), strings.Join(roots, ", "), strings.Join(g.Sinks(), ", ")), color.FgGreen)
	}

	for _, child := range children {
		problems += validatePlan(child, seen, indent+"  ")
	}
	return problems
}
