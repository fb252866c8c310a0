package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kristinday/ace/internal/claim"
	"github.com/kristinday/ace/internal/lifecycle"
	"github.com/kristinday/ace/internal/protocol"
	"github.com/kristinday/ace/internal/session"
	"github.com/kristinday/ace/internal/style"
	"github.com/kristinday/ace/internal/tmux"
	"github.com/kristinday/ace/internal/tracker"
	"github.com/kristinday/ace/internal/workspace"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <owner/repo#number>",
	Short: "Resume one blocked issue after its questions were answered",
	Long: `Resume a blocked issue immediately instead of waiting for the next
run sweep. The issue must carry an answer comment newer than its last
blocked comment; the previous workspace is reused.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runResume(args[0])
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

// parseIssueRef parses "owner/repo#number".
func parseIssueRef(ref string) (tracker.IssueID, error) {
	repo, num, ok := strings.Cut(ref, "#")
	if !ok || strings.Count(repo, "/") != 1 {
		return tracker.IssueID{}, fmt.Errorf("issue ref %q must be owner/repo#number", ref)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return tracker.IssueID{}, fmt.Errorf("issue ref %q has an invalid number", ref)
	}
	return tracker.IssueID{Repo: repo, Number: n}, nil
}

func runResume(ref string) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	id, err := parseIssueRef(ref)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gh := tracker.NewGitHub(settings.Repos)
	issue, err := gh.GetIssue(ctx, id)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", id, err)
	}
	if issue.Status != tracker.StatusBlocked && issue.Status != tracker.StatusInProgress {
		return fmt.Errorf("%s is %s, not resumable", id, issue.Status)
	}

	comments, err := gh.ListComments(ctx, id)
	if err != nil {
		return fmt.Errorf("reading comments on %s: %w", id, err)
	}
	var answers []string
	for _, c := range comments {
		switch protocol.Kind(c.Body) {
		case protocol.MarkerBlocked:
			answers = nil
		case protocol.MarkerAnswer:
			if a, err := protocol.ParseAnswer(c.Body); err == nil {
				answers = append(answers, a.Body)
			}
		}
	}
	// A blocked issue needs its questions answered first; an InProgress one
	// with a dead owner is resumed as-is.
	if issue.Status == tracker.StatusBlocked && len(answers) == 0 {
		return fmt.Errorf("%s has no answer newer than its blocked comment", id)
	}

	workspaces := workspace.NewManager(settings.Root, settings.BaseBranch)
	mux := tmux.NewTmux()
	if !mux.IsAvailable() {
		return fmt.Errorf("tmux not found in PATH")
	}
	sessions := session.NewController(mux, progressSig(workspaces, mux))
	sessions.IdleWindow = settings.Timeouts.IdleWindow()

	runner := &lifecycle.Runner{
		Tracker:     gh,
		Claims:      claim.NewManager(gh),
		Workspaces:  workspaces,
		Sessions:    sessions,
		Backend:     settings.Backend,
		Reviewer:    settings.Reviewer,
		MaxNudges:   settings.Timeouts.MaxNudges,
		MaxRestarts: settings.Timeouts.MaxRestarts,
		Logf: func(format string, args ...any) {
			fmt.Fprintln(os.Stderr, style.Render(style.Dim, fmt.Sprintf(format, args...)))
		},
	}

	res, err := runner.ResumeRun(ctx, issue, answers)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s finished %s\n", style.Render(style.Header, "resume:"), id, res)
	return nil
}
