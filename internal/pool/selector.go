// Package pool selects eligible issues and dispatches them to lifecycle
// runs under a concurrency cap.
//
// The selection loop is generic; domain logic (how an issue is run)
// is injected as a callback, so the loop is testable without sessions
// or a tracker.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kristinday/ace/internal/claim"
	"github.com/kristinday/ace/internal/constants"
	"github.com/kristinday/ace/internal/depgraph"
	"github.com/kristinday/ace/internal/protocol"
	"github.com/kristinday/ace/internal/tracker"
)

// Target restricts which issues a host works on.
type Target int

const (
	TargetAny Target = iota
	TargetLocal
	TargetRemote
)

// ParseTarget maps a config string to a Target.
func ParseTarget(s string) (Target, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return TargetAny, nil
	case "local":
		return TargetLocal, nil
	case "remote":
		return TargetRemote, nil
	}
	return TargetAny, fmt.Errorf("unknown target %q", s)
}

// Matches reports whether this host should take the issue. Unlabeled
// issues match every target; a target label restricts the issue to
// hosts running with that target (or any).
func (t Target) Matches(issue tracker.Issue) bool {
	local := issue.HasLabel(constants.LabelTargetLocal)
	remote := issue.HasLabel(constants.LabelTargetRemote)
	switch t {
	case TargetLocal:
		return !remote
	case TargetRemote:
		return !local
	default:
		return true
	}
}

// Candidate is one dispatchable unit of work.
type Candidate struct {
	Issue tracker.Issue
	// Resume is set for interrupted work: a blocked issue whose questions
	// were answered (Answers holds the replies in order) or an InProgress
	// issue whose claim went stale (no answers).
	Resume  bool
	Answers []string
}

// Selector finds dispatchable issues on the tracker.
type Selector struct {
	Tracker tracker.Tracker
	Target  Target
}

// liveGraph adapts the tracker into a dependency graph with per-cycle
// caching. A blocker that cannot be fetched reads as missing, which the
// eligibility check treats as blocking.
type liveGraph struct {
	ctx   context.Context
	t     tracker.Tracker
	cache map[tracker.IssueID]*tracker.Issue
}

func (g *liveGraph) Lookup(id tracker.IssueID) (tracker.Issue, bool) {
	if cached, ok := g.cache[id]; ok {
		if cached == nil {
			return tracker.Issue{}, false
		}
		return *cached, true
	}
	issue, err := g.t.GetIssue(g.ctx, id)
	if err != nil {
		g.cache[id] = nil
		return tracker.Issue{}, false
	}
	g.cache[id] = &issue
	return issue, true
}

// Ready returns the ready issues this host may claim, dependency-eligible
// and target-matched, in tracker order. Issues whose dependency chain
// contains a cycle are skipped and their cycle errors collected, so one
// bad chain never starves the rest of the backlog.
func (s *Selector) Ready(ctx context.Context) ([]Candidate, []error, error) {
	issues, err := s.Tracker.ListIssues(ctx, tracker.StatusReady, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("listing ready issues: %w", err)
	}

	g := &liveGraph{ctx: ctx, t: s.Tracker, cache: map[tracker.IssueID]*tracker.Issue{}}
	for i := range issues {
		g.cache[issues[i].ID] = &issues[i]
	}

	var out []Candidate
	var cycles []error
	for _, issue := range issues {
		if !s.Target.Matches(issue) {
			continue
		}
		ok, err := depgraph.Eligible(issue, g)
		if err != nil {
			var ce *depgraph.CycleError
			if errors.As(err, &ce) {
				cycles = append(cycles, fmt.Errorf("%s: %w", issue.ID, err))
				continue
			}
			return nil, cycles, fmt.Errorf("checking dependencies of %s: %w", issue.ID, err)
		}
		if ok {
			out = append(out, Candidate{Issue: issue})
		}
	}
	return out, cycles, nil
}

// Resumable returns blocked issues whose questions have been answered: the
// most recent blocked comment is followed by at least one answer. Answers
// are returned oldest first.
func (s *Selector) Resumable(ctx context.Context) ([]Candidate, error) {
	issues, err := s.Tracker.ListIssues(ctx, tracker.StatusBlocked, nil)
	if err != nil {
		return nil, fmt.Errorf("listing blocked issues: %w", err)
	}

	var out []Candidate
	for _, issue := range issues {
		if !s.Target.Matches(issue) {
			continue
		}
		comments, err := s.Tracker.ListComments(ctx, issue.ID)
		if err != nil {
			return nil, fmt.Errorf("reading comments on %s: %w", issue.ID, err)
		}
		var answers []string
		for _, c := range comments {
			switch protocol.Kind(c.Body) {
			case protocol.MarkerBlocked:
				// A newer blocked comment invalidates earlier answers.
				answers = nil
			case protocol.MarkerAnswer:
				if a, err := protocol.ParseAnswer(c.Body); err == nil {
					answers = append(answers, a.Body)
				}
			}
		}
		if len(answers) > 0 {
			out = append(out, Candidate{Issue: issue, Resume: true, Answers: answers})
		}
	}
	return out, nil
}

// Stale returns InProgress issues whose claim went silent: the latest
// claim's owner has not posted a heartbeat within the staleness window.
// These are dispatched as resumes so a crashed worker's issues are
// picked back up instead of sitting InProgress forever.
func (s *Selector) Stale(ctx context.Context) ([]Candidate, error) {
	issues, err := s.Tracker.ListIssues(ctx, tracker.StatusInProgress, nil)
	if err != nil {
		return nil, fmt.Errorf("listing in-progress issues: %w", err)
	}

	var out []Candidate
	for _, issue := range issues {
		if !s.Target.Matches(issue) {
			continue
		}
		comments, err := s.Tracker.ListComments(ctx, issue.ID)
		if err != nil {
			return nil, fmt.Errorf("reading comments on %s: %w", issue.ID, err)
		}
		owner, lastBeat := claim.LastClaim(comments)
		if owner != "" && time.Since(lastBeat) < constants.HeartbeatStale {
			continue
		}
		out = append(out, Candidate{Issue: issue, Resume: true})
	}
	return out, nil
}
