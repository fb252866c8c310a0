// Package config loads orchestrator settings from a TOML file, with
// defaults that work out of the box against a gh-authenticated checkout.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kristinday/ace/internal/constants"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = ".ace/config.toml"

// Settings is the full orchestrator configuration.
type Settings struct {
	// Repos are the trackers to poll, "owner/name" form. At least one
	// is required.
	Repos []string `toml:"repos"`

	// Backend is the command launched inside each session. It runs with
	// the workspace as its working directory and is expected to read the
	// instruction file and write the completion marker.
	Backend string `toml:"backend"`

	// Root is where workspaces are materialized. Defaults to ~/.ace.
	Root string `toml:"root"`

	// BaseBranch is the branch new work branches from.
	BaseBranch string `toml:"base_branch"`

	// Reviewer is the tracker login assigned when an issue blocks or
	// fails and a human has to step in.
	Reviewer string `toml:"reviewer"`

	// Concurrency caps simultaneously supervised sessions.
	Concurrency int `toml:"concurrency"`

	// Target selects which issues this host works on: "local", "remote"
	// or "any".
	Target string `toml:"target"`

	Timeouts Timeouts `toml:"timeouts"`
}

// Timeouts are the supervision knobs, all optional.
type Timeouts struct {
	// IdleMinutes is how long without workspace progress before a nudge.
	IdleMinutes int `toml:"idle_minutes"`
	// MaxNudges before the session is restarted instead.
	MaxNudges int `toml:"max_nudges"`
	// MaxRestarts before the attempt is abandoned.
	MaxRestarts int `toml:"max_restarts"`
	// RetentionHours before terminal workspaces are eligible for cleanup.
	RetentionHours int `toml:"retention_hours"`
}

// IdleWindow returns the configured idle window or the default.
func (t Timeouts) IdleWindow() time.Duration {
	if t.IdleMinutes > 0 {
		return time.Duration(t.IdleMinutes) * time.Minute
	}
	return constants.IdleWindow
}

// RetentionAge returns the configured retention age or the default.
func (t Timeouts) RetentionAge() time.Duration {
	if t.RetentionHours > 0 {
		return time.Duration(t.RetentionHours) * time.Hour
	}
	return constants.RetentionAge
}

var ErrNoRepos = errors.New("config: at least one repo required")

// Load reads settings from path, or from DefaultPath under the home
// directory when path is empty. A missing default file yields pure
// defaults; a missing explicit file is an error.
func Load(path string) (*Settings, error) {
	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, DefaultPath)
		}
	}

	s := defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, s); err != nil {
			if os.IsNotExist(err) && !explicit {
				return s, nil
			}
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}
	return s, nil
}

func defaults() *Settings {
	home, _ := os.UserHomeDir()
	return &Settings{
		Root:        filepath.Join(home, ".ace"),
		BaseBranch:  "main",
		Concurrency: constants.DefaultConcurrency,
		Target:      "any",
		Timeouts: Timeouts{
			MaxNudges:   constants.MaxNudges,
			MaxRestarts: constants.MaxRestarts,
		},
	}
}

// Validate checks settings before the orchestrator starts.
func (s *Settings) Validate() error {
	if len(s.Repos) == 0 {
		return ErrNoRepos
	}
	for _, r := range s.Repos {
		if strings.Count(r, "/") != 1 {
			return fmt.Errorf("config: repo %q must be owner/name", r)
		}
	}
	if s.Backend == "" {
		return errors.New("config: backend command required")
	}
	switch s.Target {
	case "local", "remote", "any":
	default:
		return fmt.Errorf("config: target %q must be local, remote or any", s.Target)
	}
	if s.Concurrency < 1 {
		return fmt.Errorf("config: concurrency %d must be positive", s.Concurrency)
	}
	return nil
}
