package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/kristinday/ace/internal/config"
	"github.com/kristinday/ace/internal/pool"
	"github.com/kristinday/ace/internal/style"
	"github.com/kristinday/ace/internal/tracker"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the backlog by status",
	Long: `Show every open issue across the configured repos, grouped by
status, with dependency eligibility for ready ones.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

var statusOrder = []tracker.Status{
	tracker.StatusReady,
	tracker.StatusInProgress,
	tracker.StatusBlocked,
	tracker.StatusInReview,
	tracker.StatusBacklog,
}

type statusRow struct {
	Issue    string `json:"issue"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Assignee string `json:"assignee,omitempty"`
	Eligible bool   `json:"eligible"`
}

func showStatus() error {
	// Status only reads the tracker; a backend command is not required.
	if len(settings.Repos) == 0 {
		return config.ErrNoRepos
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gh := tracker.NewGitHub(settings.Repos)
	sel := &pool.Selector{Tracker: gh, Target: pool.TargetAny}

	eligible := map[tracker.IssueID]bool{}
	if ready, _, err := sel.Ready(ctx); err == nil {
		for _, c := range ready {
			eligible[c.Issue.ID] = true
		}
	}

	var rows []statusRow
	titler := cases.Title(language.English)
	for _, st := range statusOrder {
		issues, err := gh.ListIssues(ctx, st, nil)
		if err != nil {
			return fmt.Errorf("listing %s issues: %w", st, err)
		}
		for _, issue := range issues {
			rows = append(rows, statusRow{
				Issue:    issue.ID.String(),
				Title:    issue.Title,
				Status:   titler.String(string(issue.Status)),
				Assignee: issue.Assignee,
				Eligible: issue.Status == tracker.StatusReady && eligible[issue.ID],
			})
		}
	}

	if statusJSON {
		return json.NewEncoder(os.Stdout).Encode(rows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, style.Render(style.Header, "ISSUE\tSTATUS\tASSIGNEE\tTITLE"))
	for _, r := range rows {
		marker := ""
		if r.Eligible {
			marker = " " + style.Render(style.Accent, "*")
		}
		fmt.Fprintf(w, "%s\t%s%s\t%s\t%s\n", r.Issue, r.Status, marker, r.Assignee, r.Title)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Println(style.Render(style.Dim, "* ready and dependency-eligible"))
	return nil
}
