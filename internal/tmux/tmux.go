// Package tmux provides a wrapper for tmux session operations via subprocess.
//
// Sessions run on a dedicated socket so the orchestrator's backends never
// collide with the user's personal tmux server.
package tmux

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/kristinday/ace/internal/constants"
)

// Common errors
var (
	ErrNoServer           = errors.New("no tmux server running")
	ErrSessionExists      = errors.New("session already exists")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidSessionName = errors.New("invalid session name")
)

// validSessionNameRe validates session names to prevent shell injection.
// Dots and colons make tmux silently misparse targets, so they are banned.
var validSessionNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func validateSessionName(name string) error {
	if name == "" || !validSessionNameRe.MatchString(name) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidSessionName, name, validSessionNameRe.String())
	}
	return nil
}

// Tmux wraps tmux operations on one socket.
type Tmux struct {
	socketName string // tmux socket name (-L flag), empty = default socket
}

// NewTmux creates a wrapper on the orchestrator's dedicated socket.
func NewTmux() *Tmux {
	return &Tmux{socketName: constants.SessionPrefix}
}

// NewTmuxWithSocket creates a wrapper targeting a named socket. Used in
// tests to isolate from any real server.
func NewTmuxWithSocket(socket string) *Tmux {
	return &Tmux{socketName: socket}
}

// run executes a tmux command and returns stdout. All commands include -u
// for UTF-8 support regardless of locale.
func (t *Tmux) run(args ...string) (string, error) {
	allArgs := []string{"-u"}
	if t.socketName != "" {
		allArgs = append(allArgs, "-L", t.socketName)
	}
	allArgs = append(allArgs, args...)
	cmd := exec.Command("tmux", allArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", t.wrapError(err, stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// wrapError maps tmux stderr onto the package's sentinel errors.
func (t *Tmux) wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") ||
		strings.Contains(stderr, "server exited unexpectedly") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "duplicate session") {
		return ErrSessionExists
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") {
		return ErrSessionNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// IsAvailable checks if tmux is installed and can be invoked.
func (t *Tmux) IsAvailable() bool {
	return exec.Command("tmux", "-V").Run() == nil
}

// HasSession checks if a session exists. The "=" prefix forces exact
// matching so "ace-repo-12" never matches a check for "ace-repo-1".
func (t *Tmux) HasSession(name string) (bool, error) {
	_, err := t.run("has-session", "-t", "="+name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListSessions returns all session names on this socket.
func (t *Tmux) ListSessions() ([]string, error) {
	out, err := t.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// NewSessionWithCommand creates a detached session running command as the
// pane's initial process. Two-step creation: the session starts with the
// default shell, remain-on-exit is enabled, then the shell is replaced via
// respawn-pane. This closes the race between command exit and the health
// check below, and lets us read the exit status of fast failures.
func (t *Tmux) NewSessionWithCommand(name, workDir, command string) error {
	if err := validateSessionName(name); err != nil {
		return err
	}
	if workDir != "" {
		info, err := os.Stat(workDir)
		if err != nil {
			return fmt.Errorf("invalid work directory %q: %w", workDir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("work directory %q is not a directory", workDir)
		}
	}

	args := []string{"new-session", "-d", "-s", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	if _, err := t.run(args...); err != nil {
		return err
	}
	// Detached sessions get window-size=manual on tmux 3.3+, locking the
	// window at 80x24 even after a client attaches. "latest" restores
	// auto-resize for anyone who attaches to watch the backend.
	_, _ = t.run("set-option", "-wt", name, "window-size", "latest")

	_, _ = t.run("set-option", "-t", name, "remain-on-exit", "on")

	respawnArgs := []string{"respawn-pane", "-k", "-t", name}
	if workDir != "" {
		respawnArgs = append(respawnArgs, "-c", workDir)
	}
	respawnArgs = append(respawnArgs, command)
	if _, err := t.run(respawnArgs...); err != nil {
		_ = t.KillSession(name)
		return fmt.Errorf("failed to start command in session %q: %w", name, err)
	}

	return t.checkSessionAfterCreate(name, command)
}

// checkSessionAfterCreate catches commands that failed immediately (binary
// not found, syntax error) so callers get an error instead of a silently
// dead session. Checks twice because loaded machines can take >50ms to exec.
func (t *Tmux) checkSessionAfterCreate(name, command string) error {
	checkPaneDead := func() (bool, error) {
		paneDead, _ := t.run("display-message", "-p", "-t", name, "#{pane_dead}")
		if strings.TrimSpace(paneDead) != "1" {
			return false, nil
		}
		exitStatus, _ := t.run("display-message", "-p", "-t", name, "#{pane_dead_status}")
		status := strings.TrimSpace(exitStatus)
		_ = t.KillSession(name)
		if status != "" && status != "0" {
			return true, fmt.Errorf("session %q: command exited with status %s: %s", name, status, command)
		}
		return true, nil
	}

	time.Sleep(50 * time.Millisecond)
	if dead, err := checkPaneDead(); dead {
		return err
	}
	time.Sleep(200 * time.Millisecond)
	if dead, err := checkPaneDead(); dead {
		return err
	}

	// Pane is alive; no need to keep dead sessions around later.
	_, _ = t.run("set-option", "-t", name, "remain-on-exit", "off")
	return nil
}

// KillSession terminates a session. Idempotent: returns nil if the session
// is already gone or there is no server.
func (t *Tmux) KillSession(name string) error {
	_, err := t.run("kill-session", "-t", name)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
		return nil
	}
	return err
}

// processKillGracePeriod is how long to wait after SIGTERM before SIGKILL.
const processKillGracePeriod = 2 * time.Second

// KillSessionWithProcesses kills all processes in a session before
// terminating it. kill-session alone sends SIGHUP, which long-running
// backends routinely ignore, leaving orphans that keep mutating the
// workspace after the claim is gone.
func (t *Tmux) KillSessionWithProcesses(name string) error {
	pid, err := t.GetPanePID(name)
	if err != nil {
		return t.KillSession(name)
	}

	if pid != "" {
		// Deepest-first so killing a parent doesn't orphan grandchildren
		// before they're signalled.
		descendants := getAllDescendants(pid)
		for _, dpid := range descendants {
			_ = exec.Command("kill", "-TERM", dpid).Run()
		}
		time.Sleep(processKillGracePeriod)
		for _, dpid := range descendants {
			_ = exec.Command("kill", "-KILL", dpid).Run()
		}

		_ = exec.Command("kill", "-TERM", pid).Run()
		time.Sleep(processKillGracePeriod)
		_ = exec.Command("kill", "-KILL", pid).Run()
	}

	// Killing the pane process may have already destroyed the session.
	return t.KillSession(name)
}

// GetPanePID returns the main process PID of the session's pane.
func (t *Tmux) GetPanePID(name string) (string, error) {
	out, err := t.run("display-message", "-p", "-t", name, "#{pane_pid}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// getAllDescendants recursively finds descendant PIDs, deepest first.
func getAllDescendants(pid string) []string {
	var result []string
	out, err := exec.Command("pgrep", "-P", pid).Output()
	if err != nil {
		return result
	}
	for _, child := range strings.Fields(strings.TrimSpace(string(out))) {
		result = append(result, getAllDescendants(child)...)
		result = append(result, child)
	}
	return result
}

// SendCtrlC sends an interrupt to the session for graceful shutdown.
func (t *Tmux) SendCtrlC(name string) error {
	_, err := t.run("send-keys", "-t", name, "C-c")
	return err
}

// CapturePane returns the last lines of the session's pane content,
// used as diagnostic context when a session dies without a marker.
func (t *Tmux) CapturePane(name string, lines int) (string, error) {
	out, err := t.run("capture-pane", "-p", "-t", name, "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", err
	}
	return out, nil
}

// sanitizeMessage strips control characters that corrupt send-keys
// delivery: ESC triggers escape sequences, CR acts as a premature Enter,
// BS deletes characters. TAB becomes a space to avoid shell completion.
func sanitizeMessage(msg string) string {
	var b strings.Builder
	b.Grow(len(msg))
	for _, r := range msg {
		switch {
		case r == '\t':
			b.WriteRune(' ')
		case r == '\n':
			b.WriteRune(r)
		case r < 0x20, r == 0x7f:
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NudgeSession injects a message into a running session without restarting
// it: literal-mode paste, debounce, Escape (harmless outside vim mode, exits
// INSERT if the backend enabled it), then Enter separately. The Escape/Enter
// gap must exceed readline's keyseq-timeout or the pair is read as M-Enter
// and never submits.
func (t *Tmux) NudgeSession(session, message string) error {
	if _, err := t.run("send-keys", "-t", session, "-l", sanitizeMessage(message)); err != nil {
		return err
	}
	time.Sleep(time.Duration(constants.DefaultDebounceMs) * time.Millisecond)

	_, _ = t.run("send-keys", "-t", session, "Escape")
	time.Sleep(600 * time.Millisecond)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(200 * time.Millisecond)
		}
		if _, err := t.run("send-keys", "-t", session, "Enter"); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to send Enter after 3 attempts: %w", lastErr)
}
