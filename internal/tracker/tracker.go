package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/kristinday/ace/internal/constants"
)

// Common errors
var (
	ErrNotFound = errors.New("issue not found")

	// ErrConflict means a conditional write observed a status other than
	// the one the caller required. Contention, not a fault: callers
	// reselect instead of retrying.
	ErrConflict = errors.New("issue status changed concurrently")

	// ErrRateLimited marks a transient tracker rejection that is safe to
	// retry with backoff.
	ErrRateLimited = errors.New("tracker rate limit exceeded")
)

// Tracker is the typed CRUD surface the orchestrator consumes. Writes may
// not be immediately visible to subsequent reads from another worker; claim
// arbitration tolerates this.
type Tracker interface {
	// ListIssues returns open issues with the given status carrying all of
	// the given labels (labels may be empty).
	ListIssues(ctx context.Context, status Status, labels []string) ([]Issue, error)

	// GetIssue fetches a fresh copy of one issue, including blocking edges.
	GetIssue(ctx context.Context, id IssueID) (Issue, error)

	// CompareAndSetStatus transitions id from want to to. Returns
	// ErrConflict if the read-before-write status was no longer want.
	CompareAndSetStatus(ctx context.Context, id IssueID, want, to Status) error

	// SetStatus writes a status unconditionally. Used for terminal
	// transitions where the claim already guarantees exclusivity.
	SetStatus(ctx context.Context, id IssueID, status Status) error

	Assign(ctx context.Context, id IssueID, user string) error
	Unassign(ctx context.Context, id IssueID) error

	AddLabels(ctx context.Context, id IssueID, labels []string) error
	RemoveLabels(ctx context.Context, id IssueID, labels []string) error

	PostComment(ctx context.Context, id IssueID, body string) error
	ListComments(ctx context.Context, id IssueID) ([]Comment, error)

	// CreatePullRequest opens a merge request for head against base and
	// returns its URL.
	CreatePullRequest(ctx context.Context, repo, title, body, head, base string) (string, error)
}

// Transient reports whether err is a transient infrastructure fault worth
// retrying. Contention (ErrConflict) and missing issues are not transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errors.Is(err, errTransient)
}

// errTransient tags wrapped network-ish failures from the CLI transport.
var errTransient = errors.New("transient tracker error")

// WithRetry runs fn with bounded exponential backoff on transient errors.
// Non-transient errors fail immediately. The backoff grows 1.5x per attempt,
// capped, so a rate-limited tracker is not hammered.
func WithRetry(ctx context.Context, fn func() error) error {
	delay := constants.RetryBaseDelay
	var lastErr error

	for attempt := 0; attempt < constants.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay = delay * 3 / 2
			if delay > constants.RetryMaxDelay {
				delay = constants.RetryMaxDelay
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !Transient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
