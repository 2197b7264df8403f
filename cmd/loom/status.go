package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/state"
	"github.com/ShayCichocki/loom/pkg/models"
)

// childRunFactor widens the run query so child loops do not crowd out
// top-level runs.
const childRunFactor = 5

var (
	statusLimit int
	statusPurge time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show recorded runs",
	Long: `Status lists recent runs from the state database. Given a run ID it
shows that run's nodes and delegations.

Shows:
  - Run state, goal and age
  - Node states per DAG
  - Delegation review phases and feedback`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "Number of runs to list")
	statusCmd.Flags().DurationVar(&statusPurge, "purge", 0, "Delete finished runs older than this before listing")
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openState()
	if err != nil {
		return err
	}
	defer db.Close()
	ctx := cmd.Context()

	if statusPurge > 0 {
		n, err := db.PurgeOldRuns(ctx, statusPurge)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d run(s) older than %s\n\n", n, formatDuration(statusPurge))
	}

	if len(args) == 1 {
		return displayRun(cmd, db, args[0])
	}

	all, err := db.ListRuns(ctx, "", statusLimit*childRunFactor)
	if err != nil {
		return err
	}
	var runs []state.Run
	for _, r := range all {
		if !state.IsChildRun(r.ID) && len(runs) < statusLimit {
			runs = append(runs, r)
		}
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded. Run 'loom run <plan.yaml>' to start.")
		return nil
	}

	fmt.Println("Recent Runs:")
	for _, r := range runs {
		fmt.Printf("  %s  %-11s  %s ago  %s\n",
			r.ID,
			stateColor(r.State).Sprint(r.State),
			formatDuration(time.Since(r.StartedAt)),
			truncateLine(r.Goal, 60))
	}
	return nil
}

func displayRun(cmd *cobra.Command, db *state.DB, id string) error {
	ctx := cmd.Context()
	run, err := db.GetRun(ctx, id)
	if errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("no run with id %s", id)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Run: %s\n", run.ID)
	fmt.Printf("  Goal: %s\n", run.Goal)
	fmt.Printf("  State: %s\n", stateColor(run.State).Sprint(run.State))
	if run.FinishedAt != nil {
		fmt.Printf("  Duration: %s\n", formatDuration(run.FinishedAt.Sub(run.StartedAt)))
	} else {
		fmt.Printf("  Started: %s ago (pid %d)\n", formatDuration(time.Since(run.StartedAt)), run.PID)
	}
	if run.Error != "" {
		fmt.Printf("  Error: %s\n", run.Error)
	}

	nodes, err := db.NodeStates(ctx, id)
	if err != nil {
		return err
	}
	if len(nodes) > 0 {
		fmt.Println()
		fmt.Println("Nodes:")
		dag := ""
		for _, n := range nodes {
			if n.DagID != dag {
				dag = n.DagID
				fmt.Printf("  %s\n", dag)
			}
			line := fmt.Sprintf("    %-20s %s", n.NodeID, stateColor(string(n.State)).Sprint(n.State))
			if n.Error != "" {
				line += "  " + truncateLine(n.Error, 60)
			}
			fmt.Println(line)
		}
	}

	dels, err := db.ListDelegations(ctx, id)
	if err != nil {
		return err
	}
	if len(dels) > 0 {
		fmt.Println()
		fmt.Println("Delegations:")
		for _, d := range dels {
			displayDelegation(d)
			displayChildRuns(cmd, db, d.ChildID)
		}
	}
	return nil
}

func displayDelegation(d models.DelegationState) {
	phase := string(d.Phase)
	fmt.Printf("  %s  %s  round %d  %s\n", d.ID, stateColor(phase).Sprint(phase), d.Round, truncateLine(d.Objective, 50))
	if d.Feedback != "" {
		fmt.Printf("    feedback: %s\n", truncateLine(d.Feedback, 70))
	}
	if d.Error != "" {
		fmt.Printf("    error: %s\n", truncateLine(d.Error, 70))
	}
}

// displayChildRuns lists the loops a child ran, one per review round.
func displayChildRuns(cmd *cobra.Command, db *state.DB, childID string) {
	runs, err := db.ListRuns(cmd.Context(), "", 200)
	if err != nil {
		return
	}
	for i := len(runs) - 1; i >= 0; i-- {
		r := runs[i]
		if !strings.HasPrefix(r.ID, childID+"-r") {
			continue
		}
		line := fmt.Sprintf("    loop %s  %s", r.ID[len(childID)+1:], stateColor(r.State).Sprint(r.State))
		if r.Error != "" {
			line += "  " + truncateLine(r.Error, 50)
		}
		fmt.Println(line)
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		if m := int(d.Minutes()) % 60; m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dd", int(d.Hours())/24)
}

// truncateLine collapses s to one line of at most n runes.
func truncateLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
