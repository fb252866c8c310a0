package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kristinday/ace/internal/session"
	"github.com/kristinday/ace/internal/style"
	"github.com/kristinday/ace/internal/tmux"
	"github.com/kristinday/ace/internal/tracker"
	"github.com/kristinday/ace/internal/workspace"
)

var cleanupMaxAgeHours int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove workspaces of finished issues",
	Long: `Remove workspaces whose issues reached a terminal status and whose
retention age has passed. Workspaces with a live session, a blocked
issue, or a failed attempt are kept for inspection and resume.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCleanup()
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().IntVar(&cleanupMaxAgeHours, "max-age", 0, "Override retention age in hours")
}

func runCleanup() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gh := tracker.NewGitHub(settings.Repos)
	workspaces := workspace.NewManager(settings.Root, settings.BaseBranch)
	mux := tmux.NewTmux()

	maxAge := settings.Timeouts.RetentionAge()
	if cleanupMaxAgeHours > 0 {
		maxAge = time.Duration(cleanupMaxAgeHours) * time.Hour
	}

	policy := workspace.CleanupPolicy{
		MaxAge: maxAge,
		Live: func(id tracker.IssueID) bool {
			alive, err := mux.HasSession(session.SessionName(id))
			return err == nil && alive
		},
		Terminal: func(id tracker.IssueID) bool {
			issue, err := gh.GetIssue(ctx, id)
			if err != nil {
				// Unreachable or deleted issues keep their workspaces.
				return false
			}
			// Blocked is terminal for the claim but not for the
			// workspace: a resume re-enters it.
			return issue.Status == tracker.StatusDone || issue.Status == tracker.StatusInReview
		},
	}

	report, err := workspaces.Cleanup(policy)
	if err != nil {
		return err
	}
	fmt.Printf("%s removed %d workspace(s), kept %d\n",
		style.Render(style.Header, "cleanup:"), len(report.Removed), report.Kept)
	for _, p := range report.Removed {
		fmt.Println(style.Render(style.Dim, "  removed "+p))
	}
	return nil
}
