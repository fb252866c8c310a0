// Package workspace maps issues to isolated filesystem locations and
// source-control branches.
//
// Each issue gets a full clone at a deterministic path, so a worker that
// restarts finds the same workspace again instead of duplicating state.
// Isolation is per issue: workspaces never share a checkout. (A shared
// object store per repo would be cheaper on disk; full isolation keeps
// concurrent sessions from ever contending on git internals.)
package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kristinday/ace/internal/constants"
	"github.com/kristinday/ace/internal/tracker"
	"github.com/kristinday/ace/internal/util"
)

// metaFile records workspace provenance inside the clone, used by cleanup.
const metaFile = ".ace-workspace.json"

// ErrLiveWorkspace is returned when cleanup is asked to remove a workspace
// that still has a live claim.
var ErrLiveWorkspace = errors.New("workspace has a live claim")

// Workspace is an issue's isolated checkout.
type Workspace struct {
	IssueID   tracker.IssueID `json:"issue_id"`
	Root      string          `json:"root"`
	Branch    string          `json:"branch"`
	CreatedAt time.Time       `json:"created_at"`
}

// InstructionPath is where the immutable task instruction lives.
func (w Workspace) InstructionPath() string {
	return filepath.Join(w.Root, constants.InstructionFile)
}

// MarkerPath is where the backend writes the completion marker.
func (w Workspace) MarkerPath() string {
	return filepath.Join(w.Root, constants.DoneMarkerFile)
}

// GitRunner executes a git command in dir and returns stdout. Injectable so
// tests can run against a fake instead of a real remote.
type GitRunner func(ctx context.Context, dir string, args ...string) (string, error)

// ExecGit is the production GitRunner.
func ExecGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("git %s: %w", args[0], err)
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Manager materializes and cleans up per-issue workspaces under Root.
type Manager struct {
	// Root is the directory holding all workspaces.
	Root string

	// BaseBranch is what new working branches start from.
	BaseBranch string

	// CloneURL maps a repo ("owner/name") to its clone URL. Credentials in
	// the returned URL are never logged.
	CloneURL func(repo string) string

	// Git runs git commands; defaults to ExecGit.
	Git GitRunner

	now func() time.Time
}

// NewManager creates a workspace manager rooted at root.
func NewManager(root, baseBranch string) *Manager {
	return &Manager{
		Root:       root,
		BaseBranch: baseBranch,
		CloneURL: func(repo string) string {
			return fmt.Sprintf("https://github.com/%s.git", repo)
		},
		Git: ExecGit,
		now: time.Now,
	}
}

// PathFor returns the deterministic workspace path for an issue.
func (m *Manager) PathFor(id tracker.IssueID) string {
	return filepath.Join(m.Root, constants.WorktreesDir, filepath.FromSlash(id.Repo), fmt.Sprintf("%d", id.Number))
}

// BranchFor returns the deterministic working branch for an issue.
func (m *Manager) BranchFor(issue tracker.Issue) string {
	return fmt.Sprintf("%s/%d-%s", constants.BranchPrefix, issue.ID.Number, slugify(issue.Title))
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// slugify normalises an issue title into a branch-safe slug.
func slugify(title string) string {
	slug := slugRe.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "issue"
	}
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	return slug
}

// Materialize ensures the issue's workspace exists and is on its working
// branch. Idempotent: an existing clone is refreshed, never recreated, so
// re-entry after a restart (or a blocked/resume round trip) lands in the
// same workspace with work intact.
func (m *Manager) Materialize(ctx context.Context, issue tracker.Issue) (Workspace, error) {
	root := m.PathFor(issue.ID)
	branch := m.BranchFor(issue)

	if _, err := os.Stat(filepath.Join(root, ".git")); err == nil {
		ws, err := m.refresh(ctx, issue, root, branch)
		if err != nil {
			return Workspace{}, fmt.Errorf("refreshing workspace for %s: %w", issue.ID, err)
		}
		return ws, nil
	}

	ws, err := m.clone(ctx, issue, root, branch)
	if err != nil {
		return Workspace{}, fmt.Errorf("materializing workspace for %s: %w", issue.ID, err)
	}
	return ws, nil
}

func (m *Manager) clone(ctx context.Context, issue tracker.Issue, root, branch string) (Workspace, error) {
	if err := os.MkdirAll(filepath.Dir(root), 0755); err != nil {
		return Workspace{}, err
	}

	cloneCtx, cancel := context.WithTimeout(ctx, constants.CloneTimeout)
	defer cancel()
	if _, err := m.Git(cloneCtx, "", "clone", m.CloneURL(issue.ID.Repo), root); err != nil {
		return Workspace{}, err
	}

	if _, err := m.Git(ctx, root, "checkout", "-b", branch, "origin/"+m.BaseBranch); err != nil {
		return Workspace{}, err
	}

	ws := Workspace{
		IssueID:   issue.ID,
		Root:      root,
		Branch:    branch,
		CreatedAt: m.now(),
	}
	if err := m.writeMeta(ws); err != nil {
		return Workspace{}, err
	}
	return ws, nil
}

func (m *Manager) refresh(ctx context.Context, issue tracker.Issue, root, branch string) (Workspace, error) {
	if _, err := m.Git(ctx, root, "fetch", "origin", "--prune"); err != nil {
		return Workspace{}, err
	}

	// Reuse the branch if it exists, create it otherwise. Never reset:
	// whatever the previous session committed is the point of re-entry.
	if _, err := m.Git(ctx, root, "rev-parse", "--verify", branch); err == nil {
		if _, err := m.Git(ctx, root, "checkout", branch); err != nil {
			return Workspace{}, err
		}
	} else {
		if _, err := m.Git(ctx, root, "checkout", "-b", branch, "origin/"+m.BaseBranch); err != nil {
			return Workspace{}, err
		}
	}

	ws, err := m.readMeta(root)
	if err != nil {
		// Meta lost or predates this layout: rebuild it.
		ws = Workspace{IssueID: issue.ID, Root: root, Branch: branch, CreatedAt: m.now()}
		if err := m.writeMeta(ws); err != nil {
			return Workspace{}, err
		}
	}
	ws.Root = root
	ws.Branch = branch
	return ws, nil
}

// Push publishes the workspace's working branch to the remote. Force-push
// with lease so a restarted attempt that rewrote history can still
// publish, without ever clobbering pushes it has not seen.
func (m *Manager) Push(ctx context.Context, ws Workspace) error {
	if _, err := m.Git(ctx, ws.Root, "push", "--force-with-lease", "-u", "origin", ws.Branch); err != nil {
		return fmt.Errorf("pushing %s: %w", ws.Branch, err)
	}
	return nil
}

// WriteInstructions writes the immutable task instruction into the
// workspace. The write is atomic and flushed before it returns, so the
// session controller never launches a backend against a half-written task.
func (m *Manager) WriteInstructions(ws Workspace, content string) error {
	return util.AtomicWriteFile(ws.InstructionPath(), []byte(content), 0444)
}

// ProgressSignature returns a lightweight signature of the workspace's git
// state (HEAD plus dirty paths). A change in signature counts as session
// activity for the liveness policy.
func (m *Manager) ProgressSignature(ctx context.Context, ws Workspace) string {
	head, _ := m.Git(ctx, ws.Root, "rev-parse", "HEAD")
	status, _ := m.Git(ctx, ws.Root, "status", "--porcelain")
	return strings.TrimSpace(head + "\n" + status)
}

func (m *Manager) writeMeta(ws Workspace) error {
	return util.AtomicWriteJSON(filepath.Join(ws.Root, metaFile), ws)
}

func (m *Manager) readMeta(root string) (Workspace, error) {
	data, err := os.ReadFile(filepath.Join(root, metaFile))
	if err != nil {
		return Workspace{}, err
	}
	var ws Workspace
	if err := json.Unmarshal(data, &ws); err != nil {
		return Workspace{}, err
	}
	return ws, nil
}
