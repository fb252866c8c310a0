package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kristinday/ace/internal/tracker"
)

var testID = tracker.IssueID{Repo: "acme/widgets", Number: 12}

func testIssue(title string) tracker.Issue {
	return tracker.Issue{ID: testID, Title: title, Status: tracker.StatusReady}
}

// fakeGit records git invocations and simulates the few commands the
// manager issues. Branches created via checkout -b are remembered so
// rev-parse --verify behaves like the real thing.
type fakeGit struct {
	calls    []string
	branches map[string]bool
	head     string
	dirty    string
}

func newFakeGit() *fakeGit {
	return &fakeGit{branches: map[string]bool{}, head: "abc123"}
}

func (f *fakeGit) run(ctx context.Context, dir string, args ...string) (string, error) {
	f.calls = append(f.calls, strings.Join(args, " "))
	switch args[0] {
	case "clone":
		root := args[len(args)-1]
		if err := os.MkdirAll(filepath.Join(root, ".git"), 0755); err != nil {
			return "", err
		}
	case "checkout":
		if len(args) >= 3 && args[1] == "-b" {
			f.branches[args[2]] = true
		}
	case "rev-parse":
		if len(args) >= 3 && args[1] == "--verify" {
			if !f.branches[args[2]] {
				return "", fmt.Errorf("git rev-parse: unknown revision %s", args[2])
			}
			return f.head, nil
		}
		return f.head, nil
	case "status":
		return f.dirty, nil
	}
	return "", nil
}

func newTestManager(t *testing.T, git *fakeGit) *Manager {
	t.Helper()
	m := NewManager(t.TempDir(), "main")
	m.Git = git.run
	return m
}

func TestBranchFor_Slug(t *testing.T) {
	m := newTestManager(t, newFakeGit())
	tests := []struct {
		title string
		want  string
	}{
		{"Fix the race condition", "agent/12-fix-the-race-condition"},
		{"  Weird   Title!!  ", "agent/12-weird-title"},
		{"", "agent/12-issue"},
		{"Ünïcode is stripped", "agent/12-n-code-is-stripped"},
	}
	for _, tt := range tests {
		if got := m.BranchFor(testIssue(tt.title)); got != tt.want {
			t.Errorf("BranchFor(%q) = %q, want %q", tt.title, got, tt.want)
		}
	}
}

func TestBranchFor_TruncatesLongTitles(t *testing.T) {
	m := newTestManager(t, newFakeGit())
	got := m.BranchFor(testIssue(strings.Repeat("very long title ", 10)))
	slug := strings.TrimPrefix(got, "agent/12-")
	if len(slug) > 40 {
		t.Errorf("slug %q longer than 40 chars", slug)
	}
}

func TestMaterialize_ClonesOnce(t *testing.T) {
	git := newFakeGit()
	m := newTestManager(t, git)

	ws, err := m.Materialize(context.Background(), testIssue("Fix it"))
	if err != nil {
		t.Fatalf("Materialize() error: %v", err)
	}
	if ws.Root != m.PathFor(testID) {
		t.Errorf("Root = %q, want %q", ws.Root, m.PathFor(testID))
	}
	if ws.Branch != "agent/12-fix-it" {
		t.Errorf("Branch = %q", ws.Branch)
	}
	if !strings.HasPrefix(git.calls[0], "clone ") {
		t.Errorf("first git call = %q, want clone", git.calls[0])
	}
}

func TestMaterialize_Idempotent(t *testing.T) {
	git := newFakeGit()
	m := newTestManager(t, git)
	issue := testIssue("Fix it")

	first, err := m.Materialize(context.Background(), issue)
	if err != nil {
		t.Fatalf("first Materialize() error: %v", err)
	}
	second, err := m.Materialize(context.Background(), issue)
	if err != nil {
		t.Fatalf("second Materialize() error: %v", err)
	}
	if first.Root != second.Root || first.Branch != second.Branch {
		t.Errorf("re-entry changed workspace: %+v vs %+v", first, second)
	}

	clones := 0
	for _, c := range git.calls {
		if strings.HasPrefix(c, "clone ") {
			clones++
		}
	}
	if clones != 1 {
		t.Errorf("clones = %d, want 1", clones)
	}
	// The second pass must never reset or recreate the branch.
	sawFetch := false
	for _, c := range git.calls {
		if strings.HasPrefix(c, "reset") {
			t.Errorf("refresh must not reset: %q", c)
		}
		if strings.HasPrefix(c, "fetch") {
			sawFetch = true
		}
	}
	if !sawFetch {
		t.Error("refresh should fetch")
	}
}

func TestWriteInstructions_ReadOnly(t *testing.T) {
	git := newFakeGit()
	m := newTestManager(t, git)
	ws, err := m.Materialize(context.Background(), testIssue("Fix it"))
	if err != nil {
		t.Fatalf("Materialize() error: %v", err)
	}

	if err := m.WriteInstructions(ws, "do the thing"); err != nil {
		t.Fatalf("WriteInstructions() error: %v", err)
	}
	data, err := os.ReadFile(ws.InstructionPath())
	if err != nil {
		t.Fatalf("reading instructions: %v", err)
	}
	if string(data) != "do the thing" {
		t.Errorf("instructions = %q", data)
	}
	info, _ := os.Stat(ws.InstructionPath())
	if info.Mode().Perm()&0222 != 0 {
		t.Errorf("instruction file should be read-only, mode %v", info.Mode())
	}
}

func TestProgressSignature_ChangesWithState(t *testing.T) {
	git := newFakeGit()
	m := newTestManager(t, git)
	ws, err := m.Materialize(context.Background(), testIssue("Fix it"))
	if err != nil {
		t.Fatalf("Materialize() error: %v", err)
	}

	before := m.ProgressSignature(context.Background(), ws)
	git.dirty = " M pkg/a.go"
	after := m.ProgressSignature(context.Background(), ws)
	if before == after {
		t.Error("signature should change when the tree becomes dirty")
	}
	git.head = "def456"
	third := m.ProgressSignature(context.Background(), ws)
	if third == after {
		t.Error("signature should change when HEAD moves")
	}
}

func TestCleanup_Policy(t *testing.T) {
	git := newFakeGit()
	m := newTestManager(t, git)
	m.now = func() time.Time { return time.Now() }

	mk := func(n int, age time.Duration) tracker.IssueID {
		id := tracker.IssueID{Repo: "acme/widgets", Number: n}
		is := tracker.Issue{ID: id, Title: fmt.Sprintf("t%d", n), Status: tracker.StatusReady}
		ws, err := m.Materialize(context.Background(), is)
		if err != nil {
			t.Fatalf("Materialize(%d) error: %v", n, err)
		}
		ws.CreatedAt = time.Now().Add(-age)
		if err := m.writeMeta(ws); err != nil {
			t.Fatalf("writeMeta(%d) error: %v", n, err)
		}
		return id
	}

	oldDone := mk(1, 100*time.Hour)
	youngDone := mk(2, time.Hour)
	oldLive := mk(3, 100*time.Hour)
	oldBlocked := mk(4, 100*time.Hour)

	report, err := m.Cleanup(CleanupPolicy{
		MaxAge: 72 * time.Hour,
		Live:   func(id tracker.IssueID) bool { return id == oldLive },
		Terminal: func(id tracker.IssueID) bool {
			return id == oldDone || id == youngDone
		},
	})
	if err != nil {
		t.Fatalf("Cleanup() error: %v", err)
	}
	if len(report.Removed) != 1 {
		t.Fatalf("Removed = %v, want exactly the old done workspace", report.Removed)
	}
	if report.Kept != 3 {
		t.Errorf("Kept = %d, want 3", report.Kept)
	}
	if _, err := os.Stat(m.PathFor(oldDone)); !os.IsNotExist(err) {
		t.Error("old done workspace should be gone")
	}
	for _, id := range []tracker.IssueID{youngDone, oldLive, oldBlocked} {
		if _, err := os.Stat(m.PathFor(id)); err != nil {
			t.Errorf("workspace %s should remain: %v", id, err)
		}
	}
}
