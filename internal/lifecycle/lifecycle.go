// Package lifecycle drives one issue from claim to terminal state.
//
// The run loop owns exactly one issue at a time: claim it, materialize a
// workspace, start a backend session, then supervise. Supervision is
// escalation with budgets: an idle session is nudged, a session that
// exhausts its nudges is restarted in the same workspace, and a session
// that exhausts its restarts fails the attempt. Every terminal state
// releases the claim with an explanatory comment before the run returns.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kristinday/ace/internal/claim"
	"github.com/kristinday/ace/internal/constants"
	"github.com/kristinday/ace/internal/protocol"
	"github.com/kristinday/ace/internal/session"
	"github.com/kristinday/ace/internal/tracker"
	"github.com/kristinday/ace/internal/workspace"
)

// Result is the terminal state of one run.
type Result int

const (
	// ResultDone means the work merged path is open: branch pushed, PR
	// created, issue marked done.
	ResultDone Result = iota
	// ResultBlocked means the backend stopped on questions and the issue
	// now waits on a human.
	ResultBlocked
	// ResultFailed means the attempt was abandoned after exhausting its
	// restart budget or hitting an unrecoverable error.
	ResultFailed
	// ResultAborted means the run was cancelled from outside; the issue
	// went back to ready.
	ResultAborted
)

func (r Result) String() string {
	switch r {
	case ResultDone:
		return "done"
	case ResultBlocked:
		return "blocked"
	case ResultFailed:
		return "failed"
	case ResultAborted:
		return "aborted"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Runner executes issue attempts. All collaborators are interfaces or
// structs with injectable behavior so runs are testable end to end
// without a tracker, a git remote, or tmux.
type Runner struct {
	Tracker    tracker.Tracker
	Claims     *claim.Manager
	Workspaces *workspace.Manager
	Sessions   *session.Controller

	// Backend is the command launched in each session.
	Backend string
	// Reviewer is assigned when a human has to step in. Empty skips
	// assignment.
	Reviewer string

	MaxNudges   int
	MaxRestarts int

	// PollInterval between supervision ticks. Tests shrink it.
	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	Logf func(format string, args ...any)
}

func (r *Runner) logf(format string, args ...any) {
	if r.Logf != nil {
		r.Logf(format, args...)
	}
}

func (r *Runner) pollInterval() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return constants.PollInterval
}

func (r *Runner) heartbeatInterval() time.Duration {
	if r.HeartbeatInterval > 0 {
		return r.HeartbeatInterval
	}
	return constants.HeartbeatInterval
}

func (r *Runner) maxNudges() int {
	if r.MaxNudges > 0 {
		return r.MaxNudges
	}
	return constants.MaxNudges
}

func (r *Runner) maxRestarts() int {
	if r.MaxRestarts > 0 {
		return r.MaxRestarts
	}
	return constants.MaxRestarts
}

// Run attempts one ready issue end to end. ErrAlreadyClaimed from the
// claim step is returned as-is so callers can move on to the next
// candidate without noise.
func (r *Runner) Run(ctx context.Context, issue tracker.Issue) (Result, error) {
	branch := r.Workspaces.BranchFor(issue)

	if err := r.Claims.Claim(ctx, issue.ID, branch); err != nil {
		return ResultAborted, err
	}
	r.logf("claimed %s: %s", issue.ID, issue.Title)

	ws, err := r.Workspaces.Materialize(ctx, issue)
	if err != nil {
		return r.fail(ctx, issue.ID, nil, fmt.Sprintf("workspace setup failed: %v", err))
	}
	if err := r.Workspaces.WriteInstructions(ws, Instructions(issue, ws)); err != nil {
		return r.fail(ctx, issue.ID, nil, fmt.Sprintf("writing instructions failed: %v", err))
	}
	// A marker left by an earlier attempt must not read as completion.
	_ = os.Remove(ws.MarkerPath())

	sess, err := r.Sessions.Start(issue.ID, ws, r.Backend)
	if err != nil {
		return r.fail(ctx, issue.ID, nil, fmt.Sprintf("starting backend failed: %v", err))
	}
	r.logf("session %s started in %s", sess.Name, ws.Root)

	return r.supervise(ctx, issue, sess)
}

// ResumeRun continues a blocked issue after a human answered. The
// existing workspace is reused so the backend picks up where it left
// off; the answers are appended to the instruction file.
func (r *Runner) ResumeRun(ctx context.Context, issue tracker.Issue, answers []string) (Result, error) {
	branch := r.Workspaces.BranchFor(issue)

	if err := r.Claims.Resume(ctx, issue.ID, branch); err != nil {
		return ResultAborted, err
	}
	r.logf("resumed %s", issue.ID)

	ws, err := r.Workspaces.Materialize(ctx, issue)
	if err != nil {
		return r.fail(ctx, issue.ID, nil, fmt.Sprintf("workspace refresh failed: %v", err))
	}
	body := Instructions(issue, ws)
	if len(answers) > 0 {
		body += "\n\n" + AnswerSection(answers)
	}
	if err := r.Workspaces.WriteInstructions(ws, body); err != nil {
		return r.fail(ctx, issue.ID, nil, fmt.Sprintf("writing instructions failed: %v", err))
	}
	_ = os.Remove(ws.MarkerPath())

	sess, err := r.Sessions.Start(issue.ID, ws, r.Backend)
	if err != nil {
		return r.fail(ctx, issue.ID, nil, fmt.Sprintf("starting backend failed: %v", err))
	}
	return r.supervise(ctx, issue, sess)
}

// supervise polls the session until it completes, dies past its restart
// budget, or the context is cancelled.
func (r *Runner) supervise(ctx context.Context, issue tracker.Issue, sess *session.Session) (Result, error) {
	ticker := time.NewTicker(r.pollInterval())
	defer ticker.Stop()
	heartbeat := time.NewTicker(r.heartbeatInterval())
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.abort(issue.ID, sess)
		case <-heartbeat.C:
			if err := r.Claims.Heartbeat(ctx, issue.ID); err != nil {
				r.logf("heartbeat for %s: %v", issue.ID, err)
			}
		case <-ticker.C:
		}

		state, err := r.Sessions.Poll(sess)
		if err != nil {
			r.logf("poll %s: %v", sess.Name, err)
			continue
		}

		switch state {
		case session.StateCompleted:
			return r.finish(ctx, issue, sess)

		case session.StateDead:
			if sess.RestartCount >= r.maxRestarts() {
				tail := r.Sessions.Output(sess, 50)
				return r.fail(ctx, issue.ID, sess,
					fmt.Sprintf("backend died %d times without completing", sess.RestartCount+1), tailOpt(tail)...)
			}
			r.logf("session %s died, restarting (%d/%d)", sess.Name, sess.RestartCount+1, r.maxRestarts())
			if err := r.Sessions.Restart(sess); err != nil {
				return r.fail(ctx, issue.ID, sess, fmt.Sprintf("restart failed: %v", err))
			}

		case session.StateRunning:
			if !r.Sessions.Idle(sess) {
				continue
			}
			if sess.NudgeCount < r.maxNudges() {
				r.logf("session %s idle, nudging (%d/%d)", sess.Name, sess.NudgeCount+1, r.maxNudges())
				if err := r.Sessions.Nudge(sess, nudgeMessage); err != nil {
					r.logf("nudge %s: %v", sess.Name, err)
				}
				continue
			}
			if sess.RestartCount >= r.maxRestarts() {
				tail := r.Sessions.Output(sess, 50)
				return r.fail(ctx, issue.ID, sess,
					"backend stalled past its nudge and restart budget", tailOpt(tail)...)
			}
			r.logf("session %s stalled, restarting (%d/%d)", sess.Name, sess.RestartCount+1, r.maxRestarts())
			if err := r.Sessions.Restart(sess); err != nil {
				return r.fail(ctx, issue.ID, sess, fmt.Sprintf("restart failed: %v", err))
			}
		}
	}
}

// finish handles a completed session: read the marker and land the
// outcome the backend reported.
func (r *Runner) finish(ctx context.Context, issue tracker.Issue, sess *session.Session) (Result, error) {
	m, err := session.ReadMarker(sess.Workspace.MarkerPath())
	if err != nil {
		return r.fail(ctx, issue.ID, sess, fmt.Sprintf("completion marker unreadable: %v", err))
	}
	_ = r.Sessions.Stop(sess)

	if m.Outcome() == session.OutcomeBlocked {
		return r.block(ctx, issue.ID, m)
	}
	return r.complete(ctx, issue, sess.Workspace, m)
}

// complete pushes the branch, opens a pull request, and closes out the
// issue. Push or PR failure is a failed attempt, not a silent done: work
// that never reached review must not be marked finished.
func (r *Runner) complete(ctx context.Context, issue tracker.Issue, ws workspace.Workspace, m *session.Marker) (Result, error) {
	if err := r.Workspaces.Push(ctx, ws); err != nil {
		return r.fail(ctx, issue.ID, nil, fmt.Sprintf("pushing %s failed: %v", ws.Branch, err))
	}

	title := fmt.Sprintf("%s (#%d)", issue.Title, issue.ID.Number)
	prBody := fmt.Sprintf("%s\n\nCloses #%d", strings.TrimSpace(m.Summary), issue.ID.Number)
	prURL, err := r.Tracker.CreatePullRequest(ctx, issue.ID.Repo, title, prBody, ws.Branch, r.Workspaces.BaseBranch)
	if err != nil {
		return r.fail(ctx, issue.ID, nil, fmt.Sprintf("opening pull request failed: %v", err))
	}
	r.logf("opened %s for %s", prURL, issue.ID)

	comment := protocol.FormatDone(m.Summary+"\n\nPull request: "+prURL, ws.Branch, m.FilesChanged)
	if err := r.Claims.Release(ctx, issue.ID, comment, tracker.StatusDone); err != nil {
		return ResultFailed, fmt.Errorf("releasing %s: %w", issue.ID, err)
	}
	return ResultDone, nil
}

// block parks the issue for a human: blocked comment with the questions,
// reviewer assigned, workspace preserved for the resume.
func (r *Runner) block(ctx context.Context, id tracker.IssueID, m *session.Marker) (Result, error) {
	bl := protocol.Blocked{Summary: m.Summary, Questions: m.BlockedQuestions}
	if err := r.Claims.Release(ctx, id, bl.Format(), tracker.StatusBlocked); err != nil {
		return ResultFailed, fmt.Errorf("parking %s: %w", id, err)
	}
	r.assignReviewer(ctx, id)
	r.logf("%s blocked on %d question(s)", id, len(m.BlockedQuestions))
	return ResultBlocked, nil
}

// fail abandons the attempt: stop the session if any, post the
// diagnostic, park the issue as blocked for a human. The workspace is
// left on disk for inspection.
func (r *Runner) fail(ctx context.Context, id tracker.IssueID, sess *session.Session, reason string, tail ...string) (Result, error) {
	if sess != nil {
		_ = r.Sessions.Stop(sess)
	}
	t := ""
	if len(tail) > 0 {
		t = tail[0]
	}
	comment := protocol.FormatFailed(reason, t)
	if err := r.Claims.Release(ctx, id, comment, tracker.StatusBlocked); err != nil {
		return ResultFailed, fmt.Errorf("failing %s: %w", id, err)
	}
	r.assignReviewer(ctx, id)
	r.logf("%s failed: %s", id, reason)
	return ResultFailed, errors.New(reason)
}

// abort stops the session and puts the issue back in the ready pool.
// Uses a fresh context because the caller's is already cancelled.
func (r *Runner) abort(id tracker.IssueID, sess *session.Session) (Result, error) {
	_ = r.Sessions.Stop(sess)
	ctx, cancel := context.WithTimeout(context.Background(), constants.TrackerTimeout)
	defer cancel()
	if err := r.Tracker.SetStatus(ctx, id, tracker.StatusReady); err != nil {
		r.logf("returning %s to ready: %v", id, err)
	}
	r.logf("%s aborted", id)
	return ResultAborted, context.Canceled
}

func (r *Runner) assignReviewer(ctx context.Context, id tracker.IssueID) {
	if r.Reviewer == "" {
		return
	}
	if err := r.Tracker.Assign(ctx, id, r.Reviewer); err != nil {
		r.logf("assigning %s to %s: %v", id, r.Reviewer, err)
	}
}

func tailOpt(tail string) []string {
	if tail == "" {
		return nil
	}
	return []string{tail}
}

const nudgeMessage = "You appear to be idle. Continue working on the task in ACE_TASK.md; when finished, write ACE_TASK_DONE.json as instructed."
