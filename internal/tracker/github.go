package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kristinday/ace/internal/constants"
)

// statusLabelPrefix is how the workflow status is represented on the issue
// itself. Keeping status in a label (rather than a project board column)
// means one read returns both the status and the opaque tag set, and the
// claim CAS needs only the issues API.
const statusLabelPrefix = "status:"

// GitHub talks to the GitHub issue tracker through the gh CLI.
// All operations shell out to gh with --json output, so the orchestrator
// rides on the user's existing auth and proxy setup.
type GitHub struct {
	// Repos are the repositories this client lists issues from,
	// "owner/name" each.
	Repos []string
}

// NewGitHub creates a tracker client over the given repositories.
func NewGitHub(repos []string) *GitHub {
	return &GitHub{Repos: repos}
}

// run executes a gh command and returns stdout.
func (g *GitHub) run(ctx context.Context, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, constants.TrackerTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "gh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return "", wrapError(err, stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// wrapError maps gh failures onto the package's error taxonomy.
func wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)
	lower := strings.ToLower(stderr)

	switch {
	case strings.Contains(lower, "rate limit"):
		return fmt.Errorf("gh %s: %w", args[0], ErrRateLimited)
	case strings.Contains(lower, "not found") || strings.Contains(lower, "could not resolve"):
		return fmt.Errorf("gh %s: %w", args[0], ErrNotFound)
	case strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "connection") ||
		strings.Contains(lower, "502") ||
		strings.Contains(lower, "503"):
		return fmt.Errorf("gh %s: %s: %w", args[0], stderr, errTransient)
	}

	if stderr != "" {
		return fmt.Errorf("gh %s: %s", args[0], stderr)
	}
	return fmt.Errorf("gh %s: %w", args[0], err)
}

// ghIssue mirrors the fields we care about from gh's JSON output.
type ghIssue struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Labels    []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Assignees []struct {
		Login string `json:"login"`
	} `json:"assignees"`
}

const issueJSONFields = "number,title,body,labels,assignees"

// ListIssues returns open issues in the configured repos with the given
// status and all the given extra labels, including blocking edges. The
// list endpoint does not return dependencies, so edges cost one extra API
// call per issue; selection depends on them being present.
func (g *GitHub) ListIssues(ctx context.Context, status Status, labels []string) ([]Issue, error) {
	var out []Issue
	for _, repo := range g.Repos {
		args := []string{
			"issue", "list",
			"--repo", repo,
			"--state", "open",
			"--label", statusLabel(status),
			"--json", issueJSONFields,
			"--limit", "200",
		}
		for _, l := range labels {
			args = append(args, "--label", l)
		}
		raw, err := g.run(ctx, args...)
		if err != nil {
			return nil, err
		}
		var items []ghIssue
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, fmt.Errorf("parsing gh issue list for %s: %w", repo, err)
		}
		for _, item := range items {
			issue := g.toIssue(repo, item)
			blockedBy, err := g.blockedBy(ctx, issue.ID)
			if err != nil {
				return nil, err
			}
			issue.BlockedBy = blockedBy
			out = append(out, issue)
		}
	}
	return out, nil
}

// GetIssue fetches a fresh copy of one issue including blocking edges.
func (g *GitHub) GetIssue(ctx context.Context, id IssueID) (Issue, error) {
	raw, err := g.run(ctx,
		"issue", "view", fmt.Sprintf("%d", id.Number),
		"--repo", id.Repo,
		"--json", issueJSONFields,
	)
	if err != nil {
		return Issue{}, err
	}
	var item ghIssue
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return Issue{}, fmt.Errorf("parsing gh issue view for %s: %w", id, err)
	}
	issue := g.toIssue(id.Repo, item)

	blockedBy, err := g.blockedBy(ctx, id)
	if err != nil {
		return Issue{}, err
	}
	issue.BlockedBy = blockedBy
	return issue, nil
}

// blockedBy reads the issue's blocking edges from the dependencies API.
func (g *GitHub) blockedBy(ctx context.Context, id IssueID) ([]IssueID, error) {
	raw, err := g.run(ctx, "api",
		fmt.Sprintf("repos/%s/issues/%d/dependencies/blocked_by", id.Repo, id.Number))
	if err != nil {
		// Repos without the dependencies feature report 404; an issue with
		// no edges is not an error.
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var deps []struct {
		Number     int `json:"number"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal([]byte(raw), &deps); err != nil {
		return nil, fmt.Errorf("parsing blocked_by for %s: %w", id, err)
	}

	ids := make([]IssueID, 0, len(deps))
	for _, d := range deps {
		repo := d.Repository.FullName
		if repo == "" {
			repo = id.Repo
		}
		ids = append(ids, IssueID{Repo: repo, Number: d.Number})
	}
	return ids, nil
}

// CompareAndSetStatus transitions from want to to, failing with ErrConflict
// if a concurrent writer got there first. gh has no server-side conditional
// write, so this is read-verify-write; the claim package layers comment
// arbitration on top to close the remaining window.
func (g *GitHub) CompareAndSetStatus(ctx context.Context, id IssueID, want, to Status) error {
	issue, err := g.GetIssue(ctx, id)
	if err != nil {
		return err
	}
	if issue.Status != want {
		return fmt.Errorf("%s is %s, not %s: %w", id, issue.Status, want, ErrConflict)
	}
	_, err = g.run(ctx,
		"issue", "edit", fmt.Sprintf("%d", id.Number),
		"--repo", id.Repo,
		"--remove-label", statusLabel(want),
		"--add-label", statusLabel(to),
	)
	return err
}

// SetStatus writes a status unconditionally, clearing any other status label.
func (g *GitHub) SetStatus(ctx context.Context, id IssueID, status Status) error {
	args := []string{
		"issue", "edit", fmt.Sprintf("%d", id.Number),
		"--repo", id.Repo,
		"--add-label", statusLabel(status),
	}
	for _, s := range []Status{StatusBacklog, StatusReady, StatusInProgress, StatusBlocked, StatusInReview, StatusDone} {
		if s != status {
			args = append(args, "--remove-label", statusLabel(s))
		}
	}
	_, err := g.run(ctx, args...)
	return err
}

// Assign sets the issue's assignee.
func (g *GitHub) Assign(ctx context.Context, id IssueID, user string) error {
	_, err := g.run(ctx,
		"issue", "edit", fmt.Sprintf("%d", id.Number),
		"--repo", id.Repo,
		"--add-assignee", user,
	)
	return err
}

// Unassign removes the current assignee, if any.
func (g *GitHub) Unassign(ctx context.Context, id IssueID) error {
	issue, err := g.GetIssue(ctx, id)
	if err != nil {
		return err
	}
	if issue.Assignee == "" {
		return nil
	}
	_, err = g.run(ctx,
		"issue", "edit", fmt.Sprintf("%d", id.Number),
		"--repo", id.Repo,
		"--remove-assignee", issue.Assignee,
	)
	return err
}

// AddLabels adds opaque tags to an issue.
func (g *GitHub) AddLabels(ctx context.Context, id IssueID, labels []string) error {
	args := []string{"issue", "edit", fmt.Sprintf("%d", id.Number), "--repo", id.Repo}
	for _, l := range labels {
		args = append(args, "--add-label", l)
	}
	_, err := g.run(ctx, args...)
	return err
}

// RemoveLabels removes opaque tags from an issue.
func (g *GitHub) RemoveLabels(ctx context.Context, id IssueID, labels []string) error {
	args := []string{"issue", "edit", fmt.Sprintf("%d", id.Number), "--repo", id.Repo}
	for _, l := range labels {
		args = append(args, "--remove-label", l)
	}
	_, err := g.run(ctx, args...)
	return err
}

// PostComment posts a comment on the issue.
func (g *GitHub) PostComment(ctx context.Context, id IssueID, body string) error {
	_, err := g.run(ctx,
		"issue", "comment", fmt.Sprintf("%d", id.Number),
		"--repo", id.Repo,
		"--body", body,
	)
	return err
}

// ListComments returns all comments on the issue, oldest first.
func (g *GitHub) ListComments(ctx context.Context, id IssueID) ([]Comment, error) {
	raw, err := g.run(ctx, "api", "--paginate",
		fmt.Sprintf("repos/%s/issues/%d/comments", id.Repo, id.Number))
	if err != nil {
		return nil, err
	}

	var items []struct {
		ID   int64 `json:"id"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
		Body      string    `json:"body"`
		CreatedAt time.Time `json:"created_at"`
	}
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("parsing comments for %s: %w", id, err)
	}

	comments := make([]Comment, 0, len(items))
	for _, item := range items {
		comments = append(comments, Comment{
			ID:        item.ID,
			Author:    item.User.Login,
			Body:      item.Body,
			CreatedAt: item.CreatedAt,
		})
	}
	return comments, nil
}

// CreatePullRequest opens a PR and returns its URL.
func (g *GitHub) CreatePullRequest(ctx context.Context, repo, title, body, head, base string) (string, error) {
	out, err := g.run(ctx,
		"pr", "create",
		"--repo", repo,
		"--title", title,
		"--body", body,
		"--head", head,
		"--base", base,
	)
	if err != nil {
		return "", err
	}
	// gh prints the PR URL as the last line of stdout.
	lines := strings.Split(out, "\n")
	return strings.TrimSpace(lines[len(lines)-1]), nil
}

func (g *GitHub) toIssue(repo string, item ghIssue) Issue {
	issue := Issue{
		ID:    IssueID{Repo: repo, Number: item.Number},
		Title: item.Title,
		Body:  item.Body,
		// No status label means the issue was never triaged into the
		// workflow; Backlog keeps it invisible to selection.
		Status: StatusBacklog,
	}
	for _, l := range item.Labels {
		if strings.HasPrefix(l.Name, statusLabelPrefix) {
			if s, err := ParseStatus(strings.TrimPrefix(l.Name, statusLabelPrefix)); err == nil {
				issue.Status = s
				continue
			}
		}
		issue.Labels = append(issue.Labels, l.Name)
	}
	if len(item.Assignees) > 0 {
		issue.Assignee = item.Assignees[0].Login
	}
	return issue
}

func statusLabel(s Status) string {
	return statusLabelPrefix + strings.ToLower(string(s))
}
