// Package tracker provides typed CRUD over the external issue tracker.
//
// The tracker is the single source of truth for issue state and the only
// resource shared between concurrent workers. Everything here is plain
// reads and writes; claim arbitration on top of it lives in the claim
// package.
package tracker

import (
	"fmt"
	"strings"
	"time"
)

// Status is an issue's workflow status. Dynamic tracker strings are parsed
// into this closed enum once at ingestion; the core never string-matches.
type Status string

const (
	StatusBacklog    Status = "Backlog"
	StatusReady      Status = "Ready"
	StatusInProgress Status = "InProgress"
	StatusBlocked    Status = "Blocked"
	StatusInReview   Status = "InReview"
	StatusDone       Status = "Done"
)

// ParseStatus converts a raw tracker status string into a Status.
// Matching is case-insensitive and tolerates the space in "In Progress" /
// "In Review" as some trackers render them.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), " ", "")) {
	case "backlog":
		return StatusBacklog, nil
	case "ready":
		return StatusReady, nil
	case "inprogress":
		return StatusInProgress, nil
	case "blocked":
		return StatusBlocked, nil
	case "inreview":
		return StatusInReview, nil
	case "done":
		return StatusDone, nil
	}
	return "", fmt.Errorf("unknown issue status %q", raw)
}

// Terminal reports whether the status ends a claim epoch.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusBlocked || s == StatusInReview
}

// IssueID identifies an issue by repository and number.
type IssueID struct {
	// Repo is the full repository name, "owner/name".
	Repo string

	// Number is the issue number within the repository.
	Number int
}

func (id IssueID) String() string {
	return fmt.Sprintf("%s#%d", id.Repo, id.Number)
}

// Slug returns a filesystem- and tmux-safe identifier for the issue,
// e.g. "owner-name-123". Used for deterministic workspace and session names.
func (id IssueID) Slug() string {
	repo := strings.ToLower(id.Repo)
	repo = strings.ReplaceAll(repo, "/", "-")
	repo = strings.ReplaceAll(repo, ".", "-")
	return fmt.Sprintf("%s-%d", repo, id.Number)
}

// Issue is the orchestrator's read-mostly cached copy of a tracker issue.
// The tracker owns it; the orchestrator never mutates it except through
// Tracker writes.
type Issue struct {
	ID        IssueID
	Title     string
	Body      string
	Status    Status
	Labels    []string
	Assignee  string
	BlockedBy []IssueID
}

// HasLabel reports whether the issue carries the given opaque tag.
func (i Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Comment is a tracker issue comment.
type Comment struct {
	ID        int64
	Author    string
	Body      string
	CreatedAt time.Time
}
