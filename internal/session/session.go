// Package session supervises agent backends running inside tmux sessions.
//
// One session per claimed issue. The controller never parses backend
// output to decide liveness or completion: completion is the presence of
// a well-formed done marker in the workspace, liveness is whether the
// tmux session still exists. Everything else on the pane is opaque.
package session

import (
	"fmt"
	"time"

	"github.com/kristinday/ace/internal/constants"
	"github.com/kristinday/ace/internal/tracker"
	"github.com/kristinday/ace/internal/workspace"
)

// Multiplexer is the subset of tmux operations the controller needs.
// Satisfied by *tmux.Tmux; faked in tests.
type Multiplexer interface {
	HasSession(name string) (bool, error)
	NewSessionWithCommand(name, workDir, command string) error
	KillSessionWithProcesses(name string) error
	NudgeSession(name, message string) error
	CapturePane(name string, lines int) (string, error)
	SendCtrlC(name string) error
}

// State is the coarse observed status of a supervised session.
type State int

const (
	// StateRunning means the tmux session exists and no marker is present.
	StateRunning State = iota
	// StateCompleted means a well-formed done marker exists. The session
	// itself may or may not still be alive.
	StateCompleted
	// StateDead means the tmux session is gone and no marker was written.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session tracks one supervised backend.
type Session struct {
	Name           string
	Workspace      workspace.Workspace
	Backend        string // command line launched in the session
	StartedAt      time.Time
	LastActivityAt time.Time
	NudgeCount     int
	RestartCount   int

	// lastSignature is the workspace progress signature at the last poll,
	// used to distinguish idle from working.
	lastSignature string
}

// SessionName derives the tmux session name for an issue. Slug already
// restricts to [a-z0-9-], which keeps the name valid for tmux targets.
func SessionName(id tracker.IssueID) string {
	return constants.SessionPrefix + "-" + id.Slug()
}

// Controller starts, polls, nudges, and stops sessions.
type Controller struct {
	Mux Multiplexer

	// Sig reads the workspace progress signature. Injectable so tests
	// can drive idle detection without a real git repo.
	Sig func(ws workspace.Workspace) string

	// IdleWindow is how long without progress counts as idle. Zero means
	// the default.
	IdleWindow time.Duration

	now func() time.Time
}

// NewController builds a controller over the given multiplexer. sig may be
// nil, in which case idle detection always reports activity.
func NewController(mux Multiplexer, sig func(workspace.Workspace) string) *Controller {
	return &Controller{Mux: mux, Sig: sig, now: time.Now}
}

// Start launches the backend in a fresh tmux session rooted at the
// workspace. Idempotent: if the session already exists it is adopted, not
// duplicated, so a crashed orchestrator can reattach to live work.
func (c *Controller) Start(id tracker.IssueID, ws workspace.Workspace, backend string) (*Session, error) {
	name := SessionName(id)
	exists, err := c.Mux.HasSession(name)
	if err != nil {
		return nil, fmt.Errorf("checking session %s: %w", name, err)
	}
	now := c.now()
	s := &Session{
		Name:           name,
		Workspace:      ws,
		Backend:        backend,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if exists {
		return s, nil
	}
	if err := c.Mux.NewSessionWithCommand(name, ws.Root, backend); err != nil {
		return nil, fmt.Errorf("starting session %s: %w", name, err)
	}
	return s, nil
}

// Poll observes the session and returns its coarse state. A marker wins
// over session liveness: a backend that wrote its marker and exited is
// completed, not dead. A malformed marker is ignored entirely, so the
// session keeps running (or reads as dead) until a valid one appears.
func (c *Controller) Poll(s *Session) (State, error) {
	if _, err := ReadMarker(s.Workspace.MarkerPath()); err == nil {
		return StateCompleted, nil
	}

	alive, err := c.Mux.HasSession(s.Name)
	if err != nil {
		return StateRunning, fmt.Errorf("polling session %s: %w", s.Name, err)
	}
	if !alive {
		return StateDead, nil
	}

	c.observeActivity(s)
	return StateRunning, nil
}

// observeActivity compares the workspace progress signature against the
// previous poll and advances LastActivityAt when it changed.
func (c *Controller) observeActivity(s *Session) {
	if c.Sig == nil {
		s.LastActivityAt = c.now()
		return
	}
	sig := c.Sig(s.Workspace)
	if sig != s.lastSignature {
		s.lastSignature = sig
		s.LastActivityAt = c.now()
	}
}

// Idle reports whether the session has shown no progress for at least the
// idle window.
func (c *Controller) Idle(s *Session) bool {
	window := c.IdleWindow
	if window <= 0 {
		window = constants.IdleWindow
	}
	return c.now().Sub(s.LastActivityAt) >= window
}

// Nudge injects a reminder message into the session and bumps the nudge
// counter. The activity clock resets so the backend gets a full idle
// window to react.
func (c *Controller) Nudge(s *Session, message string) error {
	if err := c.Mux.NudgeSession(s.Name, message); err != nil {
		return fmt.Errorf("nudging session %s: %w", s.Name, err)
	}
	s.NudgeCount++
	s.LastActivityAt = c.now()
	return nil
}

// Restart kills the session and relaunches the backend in the same
// workspace, preserving whatever progress is on disk. Nudge count resets;
// restart count accumulates across the attempt.
func (c *Controller) Restart(s *Session) error {
	if err := c.Mux.KillSessionWithProcesses(s.Name); err != nil {
		return fmt.Errorf("killing session %s for restart: %w", s.Name, err)
	}
	if err := c.Mux.NewSessionWithCommand(s.Name, s.Workspace.Root, s.Backend); err != nil {
		return fmt.Errorf("restarting session %s: %w", s.Name, err)
	}
	s.RestartCount++
	s.NudgeCount = 0
	now := c.now()
	s.StartedAt = now
	s.LastActivityAt = now
	s.lastSignature = ""
	return nil
}

// Stop attempts a graceful interrupt, waits briefly, then kills the
// session and every process in it. Safe to call on an already-dead
// session.
func (c *Controller) Stop(s *Session) error {
	alive, err := c.Mux.HasSession(s.Name)
	if err == nil && alive {
		_ = c.Mux.SendCtrlC(s.Name)
		time.Sleep(constants.GracefulStopTimeout)
	}
	if err := c.Mux.KillSessionWithProcesses(s.Name); err != nil {
		return fmt.Errorf("stopping session %s: %w", s.Name, err)
	}
	return nil
}

// Output returns the tail of the session's pane, for diagnostic comments
// when a backend dies without explanation.
func (c *Controller) Output(s *Session, lines int) string {
	out, err := c.Mux.CapturePane(s.Name, lines)
	if err != nil {
		return ""
	}
	return out
}
