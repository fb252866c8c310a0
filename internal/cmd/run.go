package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/kristinday/ace/internal/claim"
	"github.com/kristinday/ace/internal/lifecycle"
	"github.com/kristinday/ace/internal/pool"
	"github.com/kristinday/ace/internal/session"
	"github.com/kristinday/ace/internal/style"
	"github.com/kristinday/ace/internal/tmux"
	"github.com/kristinday/ace/internal/tracker"
	"github.com/kristinday/ace/internal/workspace"
)

var (
	runDrain       bool
	runLimit       int
	runConcurrency int
	runTarget      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Select, claim and work ready issues",
	Long: `Run the orchestrator loop.

By default run polls the tracker continuously, dispatching each eligible
issue to a supervised backend session. With --drain it works the current
backlog to empty and exits; the exit code is non-zero if any dependency
cycle was found.

Only one run may be active per workspace root; a second invocation
exits immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOrchestrator()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runDrain, "drain", false, "Work the backlog to empty, then exit")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "Stop after this many issues (0 = unlimited)")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "Override configured concurrency")
	runCmd.Flags().StringVar(&runTarget, "target", "", "Override configured target (local|remote|any)")
}

// progressSig builds the activity signature for idle detection: git state
// plus the pane tail, so a backend that only prints (long test runs) still
// reads as active.
func progressSig(workspaces *workspace.Manager, mux *tmux.Tmux) func(workspace.Workspace) string {
	return func(ws workspace.Workspace) string {
		sig := workspaces.ProgressSignature(context.Background(), ws)
		if out, err := mux.CapturePane(session.SessionName(ws.IssueID), 30); err == nil {
			sig += "\n" + out
		}
		return sig
	}
}

// dispatchOutcome maps a lifecycle result to the pool's accounting. Only
// losing the claim race or a cancelled context count as skips; any other
// abort is a real failure that must show up in the report.
func dispatchOutcome(res lifecycle.Result, err error) pool.Outcome {
	if err != nil && res == lifecycle.ResultAborted {
		if errors.Is(err, claim.ErrAlreadyClaimed) || errors.Is(err, claim.ErrClaimLive) || errors.Is(err, context.Canceled) {
			return pool.OutcomeSkipped
		}
		return pool.OutcomeFailed
	}
	switch res {
	case lifecycle.ResultDone:
		return pool.OutcomeDone
	case lifecycle.ResultBlocked:
		return pool.OutcomeBlocked
	default:
		return pool.OutcomeFailed
	}
}

func runOrchestrator() error {
	if runConcurrency > 0 {
		settings.Concurrency = runConcurrency
	}
	if runTarget != "" {
		settings.Target = runTarget
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	target, err := pool.ParseTarget(settings.Target)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(settings.Root, 0755); err != nil {
		return fmt.Errorf("creating root %s: %w", settings.Root, err)
	}
	lock := flock.New(filepath.Join(settings.Root, "run.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring run lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another run is active in %s", settings.Root)
	}
	defer func() { _ = lock.Unlock() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gh := tracker.NewGitHub(settings.Repos)
	workspaces := workspace.NewManager(settings.Root, settings.BaseBranch)
	mux := tmux.NewTmux()
	if !mux.IsAvailable() {
		return fmt.Errorf("tmux not found in PATH")
	}
	sessions := session.NewController(mux, progressSig(workspaces, mux))
	sessions.IdleWindow = settings.Timeouts.IdleWindow()

	logf := func(format string, args ...any) {
		fmt.Fprintln(os.Stderr, style.Render(style.Dim, fmt.Sprintf(format, args...)))
	}

	runner := &lifecycle.Runner{
		Tracker:     gh,
		Claims:      claim.NewManager(gh),
		Workspaces:  workspaces,
		Sessions:    sessions,
		Backend:     settings.Backend,
		Reviewer:    settings.Reviewer,
		MaxNudges:   settings.Timeouts.MaxNudges,
		MaxRestarts: settings.Timeouts.MaxRestarts,
		Logf:        logf,
	}

	p := &pool.Pool{
		Selector:    &pool.Selector{Tracker: gh, Target: target},
		Concurrency: settings.Concurrency,
		Drain:       runDrain,
		Limit:       runLimit,
		Logf:        logf,
		Execute: func(ctx context.Context, c pool.Candidate) pool.Outcome {
			var res lifecycle.Result
			var err error
			if c.Resume {
				res, err = runner.ResumeRun(ctx, c.Issue, c.Answers)
			} else {
				res, err = runner.Run(ctx, c.Issue)
			}
			out := dispatchOutcome(res, err)
			if out == pool.OutcomeFailed && err != nil {
				logf("%s: %v", c.Issue.ID, err)
			}
			return out
		},
	}

	report, err := p.Run(ctx)
	printReport(report)
	if err != nil && ctx.Err() == nil {
		return err
	}
	if len(report.CycleErrors) > 0 {
		return fmt.Errorf("%d dependency cycle(s) in the backlog", len(report.CycleErrors))
	}
	return nil
}

func printReport(r pool.Report) {
	fmt.Printf("%s %d dispatched, %d done, %d blocked, %d failed\n",
		style.Render(style.Header, "run:"), r.Dispatched, r.Done, r.Blocked, r.Failed)
	for _, err := range r.CycleErrors {
		fmt.Printf("%s %v\n", style.Render(style.Error, "cycle:"), err)
	}
}
