package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kristinday/ace/internal/config"
	"github.com/kristinday/ace/internal/constants"
	"github.com/kristinday/ace/internal/tmux"
)

// TmuxCheck verifies tmux is installed and new enough to support the
// options the session controller sets.
type TmuxCheck struct {
	BaseCheck
}

func NewTmuxCheck() *TmuxCheck {
	return &TmuxCheck{BaseCheck{
		CheckName:        "tmux",
		CheckDescription: "tmux installed and invocable",
	}}
}

func (c *TmuxCheck) Run(ctx *CheckContext) *CheckResult {
	out, err := exec.Command("tmux", "-V").Output()
	if err != nil {
		return &CheckResult{
			Status:  StatusError,
			Message: "tmux not found in PATH",
			Details: []string{"install tmux 3.x; sessions cannot run without it"},
		}
	}
	return &CheckResult{
		Status:  StatusOK,
		Message: strings.TrimSpace(string(out)),
	}
}

// sessionLister is the single tmux operation SessionsCheck needs.
// Satisfied by *tmux.Tmux.
type sessionLister interface {
	ListSessions() ([]string, error)
}

var _ sessionLister = (*tmux.Tmux)(nil)

// SessionsCheck reports agent sessions still live on the tmux server.
// Sessions outlive orchestrator crashes, so any listed here without a run
// in progress are leftovers to reattach to or kill.
type SessionsCheck struct {
	BaseCheck
	Mux sessionLister
}

func NewSessionsCheck(mux sessionLister) *SessionsCheck {
	return &SessionsCheck{
		BaseCheck: BaseCheck{
			CheckName:        "sessions",
			CheckDescription: "agent sessions live on the tmux server",
		},
		Mux: mux,
	}
}

func (c *SessionsCheck) Run(ctx *CheckContext) *CheckResult {
	names, err := c.Mux.ListSessions()
	if err != nil {
		return &CheckResult{
			Status:  StatusWarning,
			Message: fmt.Sprintf("listing sessions: %v", err),
		}
	}
	var ours []string
	for _, n := range names {
		if strings.HasPrefix(n, constants.SessionPrefix+"-") {
			ours = append(ours, n)
		}
	}
	if len(ours) == 0 {
		return &CheckResult{Status: StatusOK, Message: "no agent sessions"}
	}
	return &CheckResult{
		Status:  StatusWarning,
		Message: fmt.Sprintf("%d agent session(s) live", len(ours)),
		Details: append([]string{"reattach with: tmux attach -t <name>, or kill them if no run is active"}, ours...),
	}
}

// GhCheck verifies the gh CLI is present and authenticated, since every
// tracker operation shells out to it.
type GhCheck struct {
	BaseCheck
}

func NewGhCheck() *GhCheck {
	return &GhCheck{BaseCheck{
		CheckName:        "gh",
		CheckDescription: "GitHub CLI installed and authenticated",
	}}
}

func (c *GhCheck) Run(ctx *CheckContext) *CheckResult {
	if _, err := exec.LookPath("gh"); err != nil {
		return &CheckResult{
			Status:  StatusError,
			Message: "gh not found in PATH",
		}
	}
	if err := exec.Command("gh", "auth", "status").Run(); err != nil {
		return &CheckResult{
			Status:  StatusError,
			Message: "gh is not authenticated",
			Details: []string{"run: gh auth login"},
		}
	}
	return &CheckResult{Status: StatusOK, Message: "authenticated"}
}

// GitCheck verifies git is available for workspace operations.
type GitCheck struct {
	BaseCheck
}

func NewGitCheck() *GitCheck {
	return &GitCheck{BaseCheck{
		CheckName:        "git",
		CheckDescription: "git installed",
	}}
}

func (c *GitCheck) Run(ctx *CheckContext) *CheckResult {
	out, err := exec.Command("git", "--version").Output()
	if err != nil {
		return &CheckResult{Status: StatusError, Message: "git not found in PATH"}
	}
	return &CheckResult{Status: StatusOK, Message: strings.TrimSpace(string(out))}
}

// ConfigCheck validates the loaded settings.
type ConfigCheck struct {
	BaseCheck
	Settings *config.Settings
}

func NewConfigCheck(s *config.Settings) *ConfigCheck {
	return &ConfigCheck{
		BaseCheck: BaseCheck{
			CheckName:        "config",
			CheckDescription: "configuration is complete and valid",
		},
		Settings: s,
	}
}

func (c *ConfigCheck) Run(ctx *CheckContext) *CheckResult {
	if err := c.Settings.Validate(); err != nil {
		return &CheckResult{Status: StatusError, Message: err.Error()}
	}
	return &CheckResult{
		Status:  StatusOK,
		Message: fmt.Sprintf("%d repo(s), target %s", len(c.Settings.Repos), c.Settings.Target),
	}
}

// RootCheck verifies the workspace root exists and is writable, creating
// it when missing.
type RootCheck struct {
	BaseCheck
}

func NewRootCheck() *RootCheck {
	return &RootCheck{BaseCheck{
		CheckName:        "root",
		CheckDescription: "workspace root exists and is writable",
	}}
}

func (c *RootCheck) CanFix() bool { return true }

func (c *RootCheck) Fix(ctx *CheckContext) error {
	return os.MkdirAll(filepath.Join(ctx.Root, constants.WorktreesDir), 0755)
}

func (c *RootCheck) Run(ctx *CheckContext) *CheckResult {
	info, err := os.Stat(ctx.Root)
	if err != nil {
		return &CheckResult{
			Status:  StatusWarning,
			Message: fmt.Sprintf("root %s does not exist", ctx.Root),
		}
	}
	if !info.IsDir() {
		return &CheckResult{
			Status:  StatusError,
			Message: fmt.Sprintf("root %s is not a directory", ctx.Root),
		}
	}
	probe := filepath.Join(ctx.Root, ".doctor-probe")
	if err := os.WriteFile(probe, nil, 0644); err != nil {
		return &CheckResult{
			Status:  StatusError,
			Message: fmt.Sprintf("root %s is not writable", ctx.Root),
		}
	}
	_ = os.Remove(probe)
	return &CheckResult{Status: StatusOK, Message: ctx.Root}
}
