// Package testutil provides in-memory fakes for package tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kristinday/ace/internal/tracker"
)

// FakeTracker is an in-memory tracker.Tracker with the same conditional
// write semantics as the real one. Safe for concurrent use so claim races
// can be tested.
type FakeTracker struct {
	mu       sync.Mutex
	issues   map[tracker.IssueID]*tracker.Issue
	comments map[tracker.IssueID][]tracker.Comment
	nextID   int64

	// Errs, when set, is consulted before every operation; a non-nil
	// return is surfaced to the caller. Keyed by operation name.
	Errs map[string]error

	// PRs records CreatePullRequest calls.
	PRs []FakePR
}

// FakePR is one recorded pull request.
type FakePR struct {
	Repo, Title, Body, Head, Base string
}

func NewFakeTracker() *FakeTracker {
	return &FakeTracker{
		issues:   map[tracker.IssueID]*tracker.Issue{},
		comments: map[tracker.IssueID][]tracker.Comment{},
	}
}

// Add seeds an issue.
func (f *FakeTracker) Add(issue tracker.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := issue
	f.issues[issue.ID] = &cp
}

// Issue returns the current stored state of an issue.
func (f *FakeTracker) Issue(id tracker.IssueID) tracker.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	if is, ok := f.issues[id]; ok {
		return *is
	}
	return tracker.Issue{}
}

// Comments returns all comments on an issue, oldest first.
func (f *FakeTracker) Comments(id tracker.IssueID) []tracker.Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tracker.Comment(nil), f.comments[id]...)
}

func (f *FakeTracker) fail(op string) error {
	if f.Errs == nil {
		return nil
	}
	return f.Errs[op]
}

func (f *FakeTracker) ListIssues(ctx context.Context, status tracker.Status, labels []string) ([]tracker.Issue, error) {
	if err := f.fail("ListIssues"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tracker.Issue
	for _, is := range f.issues {
		if is.Status != status {
			continue
		}
		match := true
		for _, l := range labels {
			if !is.HasLabel(l) {
				match = false
				break
			}
		}
		if match {
			out = append(out, *is)
		}
	}
	return out, nil
}

func (f *FakeTracker) GetIssue(ctx context.Context, id tracker.IssueID) (tracker.Issue, error) {
	if err := f.fail("GetIssue"); err != nil {
		return tracker.Issue{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	is, ok := f.issues[id]
	if !ok {
		return tracker.Issue{}, fmt.Errorf("%w: %s", tracker.ErrNotFound, id)
	}
	return *is, nil
}

func (f *FakeTracker) CompareAndSetStatus(ctx context.Context, id tracker.IssueID, want, to tracker.Status) error {
	if err := f.fail("CompareAndSetStatus"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	is, ok := f.issues[id]
	if !ok {
		return fmt.Errorf("%w: %s", tracker.ErrNotFound, id)
	}
	if is.Status != want {
		return fmt.Errorf("%w: %s is %s, not %s", tracker.ErrConflict, id, is.Status, want)
	}
	is.Status = to
	return nil
}

func (f *FakeTracker) SetStatus(ctx context.Context, id tracker.IssueID, status tracker.Status) error {
	if err := f.fail("SetStatus"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	is, ok := f.issues[id]
	if !ok {
		return fmt.Errorf("%w: %s", tracker.ErrNotFound, id)
	}
	is.Status = status
	return nil
}

func (f *FakeTracker) Assign(ctx context.Context, id tracker.IssueID, user string) error {
	if err := f.fail("Assign"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if is, ok := f.issues[id]; ok {
		is.Assignee = user
	}
	return nil
}

func (f *FakeTracker) Unassign(ctx context.Context, id tracker.IssueID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if is, ok := f.issues[id]; ok {
		is.Assignee = ""
	}
	return nil
}

func (f *FakeTracker) AddLabels(ctx context.Context, id tracker.IssueID, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if is, ok := f.issues[id]; ok {
		is.Labels = append(is.Labels, labels...)
	}
	return nil
}

func (f *FakeTracker) RemoveLabels(ctx context.Context, id tracker.IssueID, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	is, ok := f.issues[id]
	if !ok {
		return nil
	}
	drop := map[string]bool{}
	for _, l := range labels {
		drop[l] = true
	}
	var keep []string
	for _, l := range is.Labels {
		if !drop[l] {
			keep = append(keep, l)
		}
	}
	is.Labels = keep
	return nil
}

func (f *FakeTracker) PostComment(ctx context.Context, id tracker.IssueID, body string) error {
	if err := f.fail("PostComment"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.comments[id] = append(f.comments[id], tracker.Comment{
		ID:        f.nextID,
		Author:    "fake",
		Body:      body,
		CreatedAt: time.Now(),
	})
	return nil
}

func (f *FakeTracker) ListComments(ctx context.Context, id tracker.IssueID) ([]tracker.Comment, error) {
	if err := f.fail("ListComments"); err != nil {
		return nil, err
	}
	return f.Comments(id), nil
}

func (f *FakeTracker) CreatePullRequest(ctx context.Context, repo, title, body, head, base string) (string, error) {
	if err := f.fail("CreatePullRequest"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PRs = append(f.PRs, FakePR{Repo: repo, Title: title, Body: body, Head: head, Base: base})
	return fmt.Sprintf("https://github.com/%s/pull/%d", repo, len(f.PRs)), nil
}
