package workspace

import (
	"os"
	"path/filepath"
	"time"

	"github.com/kristinday/ace/internal/constants"
	"github.com/kristinday/ace/internal/tracker"
)

// CleanupPolicy controls out-of-band workspace removal. Cleanup runs off
// the critical path and must never delete a workspace whose claim is live.
type CleanupPolicy struct {
	// MaxAge is the retention cutoff. Only workspaces older than this are
	// candidates.
	MaxAge time.Duration

	// Live reports whether the issue still has a live claim or session.
	// A live workspace is never removed regardless of age.
	Live func(id tracker.IssueID) bool

	// Terminal reports whether the issue reached a terminal state. A
	// workspace whose issue is still InProgress is kept; so is a Blocked
	// one, which is preserved for resumption.
	Terminal func(id tracker.IssueID) bool
}

// CleanupReport summarizes one cleanup pass.
type CleanupReport struct {
	// Removed lists the workspace roots that were deleted.
	Removed []string
	Kept    int
}

// Cleanup removes terminal workspaces older than the policy's cutoff.
// Workspaces with a live claim, a non-terminal issue, or unreadable
// metadata are kept; unreadable means we cannot prove the workspace is
// safe to delete, so it stays.
func (m *Manager) Cleanup(policy CleanupPolicy) (CleanupReport, error) {
	var report CleanupReport
	cutoff := m.now().Add(-policy.MaxAge)

	worktrees := filepath.Join(m.Root, constants.WorktreesDir)
	err := filepath.Walk(worktrees, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable entries are kept, not fatal
		}
		if !info.IsDir() {
			return nil
		}
		ws, metaErr := m.readMeta(path)
		if metaErr != nil {
			return nil // not a workspace root (or unreadable meta): keep walking
		}

		keep := ws.CreatedAt.After(cutoff) ||
			(policy.Live != nil && policy.Live(ws.IssueID)) ||
			(policy.Terminal != nil && !policy.Terminal(ws.IssueID))
		if keep {
			report.Kept++
			return filepath.SkipDir
		}

		if rmErr := os.RemoveAll(path); rmErr != nil {
			report.Kept++
			return filepath.SkipDir
		}
		report.Removed = append(report.Removed, path)
		return filepath.SkipDir
	})
	if os.IsNotExist(err) {
		return report, nil
	}
	return report, err
}
