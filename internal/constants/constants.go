// Package constants defines shared constant values used throughout ace.
// Centralizing these magic strings improves maintainability and consistency.
package constants

import "time"

// Timing constants for session supervision and tracker access.
//
// These are compiled-in defaults. Per-install overrides live in the
// settings file loaded by the config package; the defaults there match
// these values.
const (
	// PollInterval is how often a worker polls its session for progress.
	PollInterval = 5 * time.Second

	// TrackerPollInterval is how often the pool re-lists ready issues.
	TrackerPollInterval = 60 * time.Second

	// IdleWindow is how long a session may show no activity before the
	// worker sends a liveness nudge.
	IdleWindow = 10 * time.Minute

	// MaxNudges is how many nudges an idle session gets before the worker
	// escalates to a restart.
	MaxNudges = 2

	// MaxRestarts bounds restarts per claim. Exhausting the budget without
	// a completion marker is a terminal failure, not another retry.
	MaxRestarts = 2

	// HeartbeatInterval is how often a claim heartbeat is refreshed.
	HeartbeatInterval = 5 * time.Minute

	// HeartbeatStale is the age past which another owner's heartbeat no
	// longer blocks a resume. Kept well above HeartbeatInterval so a slow
	// but live owner is never stepped on.
	HeartbeatStale = 20 * time.Minute

	// RetentionAge is how old a terminal workspace must be before cleanup
	// may remove it.
	RetentionAge = 72 * time.Hour

	// TrackerTimeout is the per-call timeout for tracker CLI invocations.
	TrackerTimeout = 30 * time.Second

	// CloneTimeout is the timeout for the initial repository clone.
	CloneTimeout = 5 * time.Minute

	// RetryBaseDelay is the initial backoff for transient tracker errors.
	RetryBaseDelay = 500 * time.Millisecond

	// RetryMaxDelay caps the backoff growth between tracker retries.
	RetryMaxDelay = 8 * time.Second

	// RetryAttempts is the tracker retry budget. Exhaustion escalates the
	// transient fault to a real failure.
	RetryAttempts = 4

	// GracefulStopTimeout is how long to wait after Ctrl-C before a
	// session is force-killed.
	GracefulStopTimeout = 3 * time.Second

	// DefaultDebounceMs is the pause between pasted text and Enter when
	// nudging a session.
	DefaultDebounceMs = 500
)

// Well-known file names inside a workspace.
const (
	// InstructionFile is the immutable task instruction written before a
	// session starts. Read-only to the backend.
	InstructionFile = "ACE_TASK.md"

	// DoneMarkerFile is the completion marker the backend writes into the
	// workspace root. Its presence plus parseability is the sole
	// Completed signal.
	DoneMarkerFile = "ACE_TASK_DONE.json"
)

// Naming conventions.
const (
	// SessionPrefix prefixes every tmux session the orchestrator owns.
	SessionPrefix = "ace"

	// BranchPrefix prefixes every working branch.
	BranchPrefix = "agent"

	// WorktreesDir is the directory under the workspace root holding
	// per-issue clones.
	WorktreesDir = "worktrees"
)

// Label vocabulary. Target and difficulty labels are opaque tags the
// orchestrator filters on but does not interpret further.
const (
	// LabelTargetLocal marks issues that need local machine access.
	LabelTargetLocal = "target:local"

	// LabelTargetRemote marks issues that can run on a remote machine.
	LabelTargetRemote = "target:remote"
)

// DefaultConcurrency is the default number of pool slots.
const DefaultConcurrency = 4
