// Package protocol defines the comment grammar agents and humans exchange
// on tracker issues.
//
// Every machine-readable comment starts with a fixed marker on its own
// first line. Parsing is strict on the marker and lenient past it:
// unknown trailing lines are ignored so the format can grow without
// breaking old readers.
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Comment markers. The marker must be the entire first line of the body.
const (
	MarkerClaim     = "ACE-CLAIM"
	MarkerHeartbeat = "ACE-HEARTBEAT"
	MarkerBlocked   = "ACE-BLOCKED"
	MarkerAnswer    = "ACE-ANSWER"
	MarkerDone      = "ACE-DONE"
	MarkerFailed    = "ACE-FAILED"
)

var ErrNotProtocol = errors.New("not a protocol comment")

// Kind returns the marker of a protocol comment, or "" if the body is
// ordinary human discussion.
func Kind(body string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(body), "\n")
	first = strings.TrimSpace(first)
	switch first {
	case MarkerClaim, MarkerHeartbeat, MarkerBlocked, MarkerAnswer, MarkerDone, MarkerFailed:
		return first
	}
	return ""
}

// Claim is the ownership record posted when an agent takes an issue.
type Claim struct {
	Owner   string
	Host    string
	Branch  string
	Started time.Time
}

// Format renders the claim comment body.
func (c Claim) Format() string {
	var b strings.Builder
	b.WriteString(MarkerClaim + "\n")
	fmt.Fprintf(&b, "owner: %s\n", c.Owner)
	fmt.Fprintf(&b, "host: %s\n", c.Host)
	fmt.Fprintf(&b, "branch: %s\n", c.Branch)
	fmt.Fprintf(&b, "started: %s\n", c.Started.UTC().Format(time.RFC3339))
	return b.String()
}

// ParseClaim parses a claim comment. Returns ErrNotProtocol if the body
// is not a claim.
func ParseClaim(body string) (Claim, error) {
	lines, err := fieldLines(body, MarkerClaim)
	if err != nil {
		return Claim{}, err
	}
	var c Claim
	for _, ln := range lines {
		key, val, ok := strings.Cut(ln, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "owner":
			c.Owner = val
		case "host":
			c.Host = val
		case "branch":
			c.Branch = val
		case "started":
			if t, err := time.Parse(time.RFC3339, val); err == nil {
				c.Started = t
			}
		}
	}
	if c.Owner == "" {
		return Claim{}, fmt.Errorf("claim comment missing owner")
	}
	return c, nil
}

// Heartbeat is the periodic liveness record for a held claim.
type Heartbeat struct {
	Owner string
	At    time.Time
}

func (h Heartbeat) Format() string {
	return fmt.Sprintf("%s\nowner: %s\nat: %s\n",
		MarkerHeartbeat, h.Owner, h.At.UTC().Format(time.RFC3339))
}

func ParseHeartbeat(body string) (Heartbeat, error) {
	lines, err := fieldLines(body, MarkerHeartbeat)
	if err != nil {
		return Heartbeat{}, err
	}
	var h Heartbeat
	for _, ln := range lines {
		key, val, ok := strings.Cut(ln, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "owner":
			h.Owner = val
		case "at":
			if t, err := time.Parse(time.RFC3339, val); err == nil {
				h.At = t
			}
		}
	}
	if h.Owner == "" {
		return Heartbeat{}, fmt.Errorf("heartbeat comment missing owner")
	}
	return h, nil
}

// Blocked is posted when a backend stops on questions it cannot answer.
type Blocked struct {
	Questions []string
	Summary   string
}

func (bl Blocked) Format() string {
	var b strings.Builder
	b.WriteString(MarkerBlocked + "\n")
	if bl.Summary != "" {
		b.WriteString(bl.Summary + "\n")
	}
	b.WriteString("\nQuestions:\n")
	for _, q := range bl.Questions {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	return b.String()
}

// ParseBlocked extracts the questions from a blocked comment. Question
// lines are the "- " bullets after the marker; prose lines become the
// summary.
func ParseBlocked(body string) (Blocked, error) {
	lines, err := fieldLines(body, MarkerBlocked)
	if err != nil {
		return Blocked{}, err
	}
	var bl Blocked
	var prose []string
	for _, ln := range lines {
		if q, ok := strings.CutPrefix(ln, "- "); ok {
			bl.Questions = append(bl.Questions, strings.TrimSpace(q))
			continue
		}
		if ln != "" && !strings.EqualFold(ln, "questions:") {
			prose = append(prose, ln)
		}
	}
	bl.Summary = strings.Join(prose, "\n")
	return bl, nil
}

// Answer is a human's reply that unblocks a blocked issue.
type Answer struct {
	Body string
}

func (a Answer) Format() string {
	return MarkerAnswer + "\n" + strings.TrimSpace(a.Body) + "\n"
}

func ParseAnswer(body string) (Answer, error) {
	lines, err := fieldLines(body, MarkerAnswer)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Body: strings.Join(lines, "\n")}, nil
}

// FormatDone renders the completion comment from a backend's summary.
func FormatDone(summary, branch string, filesChanged []string) string {
	var b strings.Builder
	b.WriteString(MarkerDone + "\n")
	b.WriteString(strings.TrimSpace(summary) + "\n")
	if branch != "" {
		fmt.Fprintf(&b, "\nbranch: %s\n", branch)
	}
	if len(filesChanged) > 0 {
		b.WriteString("\nFiles changed:\n")
		for _, f := range filesChanged {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}

// FormatFailed renders the diagnostic comment posted when an attempt is
// abandoned. tail is the last pane output, fenced so tracker rendering
// doesn't mangle it.
func FormatFailed(reason, tail string) string {
	var b strings.Builder
	b.WriteString(MarkerFailed + "\n")
	b.WriteString(strings.TrimSpace(reason) + "\n")
	if tail = strings.TrimSpace(tail); tail != "" {
		b.WriteString("\n```\n" + tail + "\n```\n")
	}
	return b.String()
}

// fieldLines checks the marker and returns the trimmed lines after it.
func fieldLines(body, marker string) ([]string, error) {
	first, rest, _ := strings.Cut(strings.TrimSpace(body), "\n")
	if strings.TrimSpace(first) != marker {
		return nil, ErrNotProtocol
	}
	var out []string
	for _, ln := range strings.Split(rest, "\n") {
		out = append(out, strings.TrimSpace(ln))
	}
	return out, nil
}
