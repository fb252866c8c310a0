// Package claim implements exclusive issue ownership over the tracker.
//
// The tracker is the only serialization point between agents; there is no
// side channel. A claim is a successful status transition plus a claim
// comment. The status transition is first-writer-wins, but tracker reads
// are eventually consistent, so two agents can both believe their
// transition won. The claim comment settles it: after posting, each agent
// re-reads the comments and the earliest claim wins. The loser walks away
// without touching status, because the winner wants it exactly where it is.
package claim

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kristinday/ace/internal/constants"
	"github.com/kristinday/ace/internal/protocol"
	"github.com/kristinday/ace/internal/tracker"
)

var (
	// ErrAlreadyClaimed means another agent holds the issue.
	ErrAlreadyClaimed = errors.New("issue already claimed")
	// ErrNotHeld means a release or heartbeat was attempted on an issue
	// this manager never claimed or already released.
	ErrNotHeld = errors.New("claim not held")
	// ErrClaimLive means a resume was refused because the previous
	// owner's heartbeat is still fresh.
	ErrClaimLive = errors.New("previous claim still live")
)

// Manager claims and releases issues on behalf of one agent process.
type Manager struct {
	Tracker tracker.Tracker
	Owner   string // unique per process
	Host    string

	now func() time.Time
}

// NewManager builds a claim manager with a fresh owner identity.
func NewManager(t tracker.Tracker) *Manager {
	host, _ := os.Hostname()
	return &Manager{
		Tracker: t,
		Owner:   uuid.NewString(),
		Host:    host,
		now:     time.Now,
	}
}

// Claim takes exclusive ownership of a ready issue. Returns
// ErrAlreadyClaimed when any step reveals another owner, wrapped
// tracker.ErrConflict included.
func (m *Manager) Claim(ctx context.Context, id tracker.IssueID, branch string) error {
	err := tracker.WithRetry(ctx, func() error {
		return m.Tracker.CompareAndSetStatus(ctx, id, tracker.StatusReady, tracker.StatusInProgress)
	})
	if err != nil {
		if errors.Is(err, tracker.ErrConflict) {
			return fmt.Errorf("%w: %v", ErrAlreadyClaimed, err)
		}
		return fmt.Errorf("claiming %s: %w", id, err)
	}

	rec := protocol.Claim{
		Owner:   m.Owner,
		Host:    m.Host,
		Branch:  branch,
		Started: m.now(),
	}
	err = tracker.WithRetry(ctx, func() error {
		return m.Tracker.PostComment(ctx, id, rec.Format())
	})
	if err != nil {
		return fmt.Errorf("posting claim on %s: %w", id, err)
	}

	winner, err := m.arbitrate(ctx, id)
	if err != nil {
		return fmt.Errorf("verifying claim on %s: %w", id, err)
	}
	if winner != m.Owner {
		return fmt.Errorf("%w: lost arbitration to %s", ErrAlreadyClaimed, winner)
	}
	return nil
}

// arbitrate re-reads the issue's comments and returns the owner of the
// earliest claim that is not superseded by a later release. Comments
// arrive ordered oldest first.
func (m *Manager) arbitrate(ctx context.Context, id tracker.IssueID) (string, error) {
	comments, err := m.Tracker.ListComments(ctx, id)
	if err != nil {
		return "", err
	}
	winner := ""
	for _, c := range comments {
		switch protocol.Kind(c.Body) {
		case protocol.MarkerClaim:
			if winner == "" {
				if rec, err := protocol.ParseClaim(c.Body); err == nil {
					winner = rec.Owner
				}
			}
		case protocol.MarkerDone, protocol.MarkerFailed, protocol.MarkerBlocked:
			// A terminal comment closes the attempt; later claims start fresh.
			winner = ""
		}
	}
	return winner, nil
}

// Heartbeat posts a liveness record for a held claim so stale-claim
// recovery can tell a crashed owner from a slow one.
func (m *Manager) Heartbeat(ctx context.Context, id tracker.IssueID) error {
	hb := protocol.Heartbeat{Owner: m.Owner, At: m.now()}
	return tracker.WithRetry(ctx, func() error {
		return m.Tracker.PostComment(ctx, id, hb.Format())
	})
}

// LastClaim scans an issue's comments for the most recent claim and
// returns its owner together with the last time that owner was heard
// from (the claim itself or a later heartbeat). An empty owner means no
// claim was ever posted.
func LastClaim(comments []tracker.Comment) (owner string, lastBeat time.Time) {
	for _, c := range comments {
		switch protocol.Kind(c.Body) {
		case protocol.MarkerClaim:
			if rec, err := protocol.ParseClaim(c.Body); err == nil {
				owner = rec.Owner
				lastBeat = rec.Started
			}
		case protocol.MarkerHeartbeat:
			if hb, err := protocol.ParseHeartbeat(c.Body); err == nil && hb.Owner == owner {
				lastBeat = hb.At
			}
		}
	}
	return owner, lastBeat
}

// Resume takes over an interrupted issue: a blocked one after a human
// answer, or an InProgress one whose owner went silent (crashed worker).
// It refuses while the previous owner's heartbeat is fresher than the
// staleness window, so a live agent is never preempted.
func (m *Manager) Resume(ctx context.Context, id tracker.IssueID, branch string) error {
	issue, err := m.Tracker.GetIssue(ctx, id)
	if err != nil {
		return fmt.Errorf("reading %s: %w", id, err)
	}
	switch issue.Status {
	case tracker.StatusBlocked, tracker.StatusInProgress:
	default:
		return fmt.Errorf("resuming %s: status %s is not resumable", id, issue.Status)
	}

	comments, err := m.Tracker.ListComments(ctx, id)
	if err != nil {
		return fmt.Errorf("reading comments on %s: %w", id, err)
	}
	lastOwner, lastBeat := LastClaim(comments)
	if lastOwner != "" && lastOwner != m.Owner && m.now().Sub(lastBeat) < constants.HeartbeatStale {
		return fmt.Errorf("%w: owner %s heartbeat %s ago", ErrClaimLive, lastOwner, m.now().Sub(lastBeat).Round(time.Second))
	}

	// CAS from the status just observed; for the stale-claim case this is
	// InProgress to InProgress, which still detects a concurrent takeover.
	err = tracker.WithRetry(ctx, func() error {
		return m.Tracker.CompareAndSetStatus(ctx, id, issue.Status, tracker.StatusInProgress)
	})
	if err != nil {
		if errors.Is(err, tracker.ErrConflict) {
			return fmt.Errorf("%w: %v", ErrAlreadyClaimed, err)
		}
		return fmt.Errorf("resuming %s: %w", id, err)
	}

	rec := protocol.Claim{Owner: m.Owner, Host: m.Host, Branch: branch, Started: m.now()}
	if err := m.Tracker.PostComment(ctx, id, rec.Format()); err != nil {
		return fmt.Errorf("posting resume claim on %s: %w", id, err)
	}
	return nil
}

// Release ends an attempt with its outcome comment and final status.
// The comment is posted before the status flips so no window exists
// where the issue looks finished but carries no explanation.
func (m *Manager) Release(ctx context.Context, id tracker.IssueID, comment string, final tracker.Status) error {
	if comment != "" {
		err := tracker.WithRetry(ctx, func() error {
			return m.Tracker.PostComment(ctx, id, comment)
		})
		if err != nil {
			return fmt.Errorf("posting outcome on %s: %w", id, err)
		}
	}
	err := tracker.WithRetry(ctx, func() error {
		return m.Tracker.SetStatus(ctx, id, final)
	})
	if err != nil {
		return fmt.Errorf("releasing %s: %w", id, err)
	}
	return nil
}
