// Package depgraph decides issue eligibility from the tracker's blocking
// relationship graph.
//
// An issue is eligible iff every issue in its (transitive-free, direct)
// blocking set is Done. A cycle anywhere on the blocking path can never
// become eligible, so it is surfaced as a configuration error instead of
// being skipped; missing or unreadable blockers fail closed.
package depgraph

import (
	"fmt"
	"strings"

	"github.com/kristinday/ace/internal/tracker"
)

// Graph is a snapshot of the blocking relationships the resolver walks.
// Lookup returns the issue for an id; ok=false means the blocker is
// missing or unreadable, which counts as blocking.
type Graph interface {
	Lookup(id tracker.IssueID) (tracker.Issue, bool)
}

// MapGraph is a Graph backed by a map, as built from one polling cycle.
type MapGraph map[tracker.IssueID]tracker.Issue

// Lookup implements Graph.
func (g MapGraph) Lookup(id tracker.IssueID) (tracker.Issue, bool) {
	issue, ok := g[id]
	return issue, ok
}

// CycleError reports a cyclic blocking relationship. It is a configuration
// error: the cycle must be broken in the tracker before any issue on it can
// run.
type CycleError struct {
	// Path is the blocking chain that closed the cycle, in walk order.
	Path []tracker.IssueID
}

func (e *CycleError) Error() string {
	parts := make([]string, 0, len(e.Path))
	for _, id := range e.Path {
		parts = append(parts, id.String())
	}
	return fmt.Sprintf("cyclic blocking relationship: %s", strings.Join(parts, " -> "))
}

// Eligible reports whether issue may be selected for work: every direct
// blocker must be Done. The full blocking closure is walked so that a cycle
// deeper in the chain still surfaces as a *CycleError rather than hanging
// the pool forever on a Ready issue that can never unblock.
func Eligible(issue tracker.Issue, g Graph) (bool, error) {
	// walk state: 0 unvisited, 1 on current path, 2 finished.
	state := make(map[tracker.IssueID]int)
	var path []tracker.IssueID

	var walk func(id tracker.IssueID, blockers []tracker.IssueID) (bool, error)
	walk = func(id tracker.IssueID, blockers []tracker.IssueID) (bool, error) {
		state[id] = 1
		path = append(path, id)
		defer func() {
			state[id] = 2
			path = path[:len(path)-1]
		}()

		open := false
		for _, bid := range blockers {
			switch state[bid] {
			case 1:
				// Closed a cycle: report the chain from the first
				// occurrence of bid through the current node.
				cycle := append(cycleTail(path, bid), bid)
				return false, &CycleError{Path: cycle}
			case 2:
				// Diamond: already resolved on another path.
			}

			blocker, ok := g.Lookup(bid)
			if !ok {
				// Fail closed: an unreadable blocker blocks.
				open = true
				continue
			}
			if blocker.Status != tracker.StatusDone {
				open = true
			}
			if state[bid] == 0 {
				// Recurse even through Done blockers so cycles are
				// detected regardless of where they sit in the chain.
				_, err := walk(bid, blocker.BlockedBy)
				if err != nil {
					return false, err
				}
			}
		}
		return !open, nil
	}

	return walk(issue.ID, issue.BlockedBy)
}

// cycleTail returns the slice of path from the first occurrence of id.
func cycleTail(path []tracker.IssueID, id tracker.IssueID) []tracker.IssueID {
	for i, p := range path {
		if p == id {
			out := make([]tracker.IssueID, len(path)-i)
			copy(out, path[i:])
			return out
		}
	}
	out := make([]tracker.IssueID, len(path))
	copy(out, path)
	return out
}
