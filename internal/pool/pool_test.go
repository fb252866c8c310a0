package pool

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kristinday/ace/internal/constants"
	"github.com/kristinday/ace/internal/protocol"
	"github.com/kristinday/ace/internal/testutil"
	"github.com/kristinday/ace/internal/tracker"
)

func id(n int) tracker.IssueID {
	return tracker.IssueID{Repo: "acme/widgets", Number: n}
}

func ready(n int, labels ...string) tracker.Issue {
	return tracker.Issue{
		ID:     id(n),
		Title:  "task",
		Status: tracker.StatusReady,
		Labels: labels,
	}
}

func TestParseTarget(t *testing.T) {
	cases := []struct {
		in      string
		want    Target
		wantErr bool
	}{
		{"", TargetAny, false},
		{"any", TargetAny, false},
		{"Local", TargetLocal, false},
		{" remote ", TargetRemote, false},
		{"cloud", TargetAny, true},
	}
	for _, tc := range cases {
		got, err := ParseTarget(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseTarget(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if !tc.wantErr && got != tc.want {
			t.Errorf("ParseTarget(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTarget_Matches(t *testing.T) {
	unlabeled := ready(1)
	local := ready(2, constants.LabelTargetLocal)
	remote := ready(3, constants.LabelTargetRemote)

	cases := []struct {
		name   string
		target Target
		issue  tracker.Issue
		want   bool
	}{
		{"any takes unlabeled", TargetAny, unlabeled, true},
		{"any takes local", TargetAny, local, true},
		{"any takes remote", TargetAny, remote, true},
		{"local takes unlabeled", TargetLocal, unlabeled, true},
		{"local takes local", TargetLocal, local, true},
		{"local refuses remote", TargetLocal, remote, false},
		{"remote takes unlabeled", TargetRemote, unlabeled, true},
		{"remote refuses local", TargetRemote, local, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.target.Matches(tc.issue); got != tc.want {
				t.Errorf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSelector_Ready(t *testing.T) {
	ft := testutil.NewFakeTracker()

	free := ready(1)
	ft.Add(free)

	blocker := ready(10)
	ft.Add(blocker)
	gated := ready(2)
	gated.BlockedBy = []tracker.IssueID{id(10)}
	ft.Add(gated)

	doneDep := tracker.Issue{ID: id(11), Status: tracker.StatusDone}
	ft.Add(doneDep)
	unlocked := ready(3)
	unlocked.BlockedBy = []tracker.IssueID{id(11)}
	ft.Add(unlocked)

	a := ready(4)
	a.BlockedBy = []tracker.IssueID{id(5)}
	b := ready(5)
	b.BlockedBy = []tracker.IssueID{id(4)}
	ft.Add(a)
	ft.Add(b)

	s := &Selector{Tracker: ft, Target: TargetAny}
	out, cycles, err := s.Ready(context.Background())
	if err != nil {
		t.Fatalf("Ready() error: %v", err)
	}

	got := map[int]bool{}
	for _, c := range out {
		if c.Resume {
			t.Errorf("ready candidate %s marked resume", c.Issue.ID)
		}
		got[c.Issue.ID.Number] = true
	}
	for _, want := range []int{1, 3, 10} {
		if !got[want] {
			t.Errorf("issue #%d missing from ready set %v", want, got)
		}
	}
	if got[2] {
		t.Error("issue #2 is gated by an open blocker, must not be ready")
	}
	if got[4] || got[5] {
		t.Error("cycle members must not be dispatched")
	}
	if len(cycles) != 2 {
		t.Errorf("cycles = %d, want 2 (one per member)", len(cycles))
	}
	for _, ce := range cycles {
		if !strings.Contains(ce.Error(), "acme/widgets#") {
			t.Errorf("cycle error should name the issue: %v", ce)
		}
	}
}

func TestSelector_Ready_TargetFilter(t *testing.T) {
	ft := testutil.NewFakeTracker()
	ft.Add(ready(1))
	ft.Add(ready(2, constants.LabelTargetRemote))

	s := &Selector{Tracker: ft, Target: TargetLocal}
	out, _, err := s.Ready(context.Background())
	if err != nil {
		t.Fatalf("Ready() error: %v", err)
	}
	if len(out) != 1 || out[0].Issue.ID.Number != 1 {
		t.Errorf("ready = %v, want only #1", out)
	}
}

func TestSelector_Resumable(t *testing.T) {
	ctx := context.Background()
	ft := testutil.NewFakeTracker()

	answered := tracker.Issue{ID: id(1), Status: tracker.StatusBlocked}
	ft.Add(answered)
	_ = ft.PostComment(ctx, answered.ID, protocol.Blocked{Questions: []string{"Which DB?"}}.Format())
	_ = ft.PostComment(ctx, answered.ID, protocol.Answer{Body: "Postgres."}.Format())
	_ = ft.PostComment(ctx, answered.ID, protocol.Answer{Body: "And keep the schema."}.Format())

	unanswered := tracker.Issue{ID: id(2), Status: tracker.StatusBlocked}
	ft.Add(unanswered)
	_ = ft.PostComment(ctx, unanswered.ID, protocol.Blocked{Questions: []string{"Why?"}}.Format())

	reblocked := tracker.Issue{ID: id(3), Status: tracker.StatusBlocked}
	ft.Add(reblocked)
	_ = ft.PostComment(ctx, reblocked.ID, protocol.Blocked{Questions: []string{"First?"}}.Format())
	_ = ft.PostComment(ctx, reblocked.ID, protocol.Answer{Body: "Stale answer."}.Format())
	_ = ft.PostComment(ctx, reblocked.ID, protocol.Blocked{Questions: []string{"Second?"}}.Format())

	s := &Selector{Tracker: ft}
	out, err := s.Resumable(ctx)
	if err != nil {
		t.Fatalf("Resumable() error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("resumable = %d candidates, want 1", len(out))
	}
	c := out[0]
	if c.Issue.ID != id(1) || !c.Resume {
		t.Errorf("candidate = %+v", c)
	}
	want := []string{"Postgres.", "And keep the schema."}
	if len(c.Answers) != len(want) {
		t.Fatalf("answers = %v, want %v", c.Answers, want)
	}
	for i := range want {
		if c.Answers[i] != want[i] {
			t.Errorf("answers[%d] = %q, want %q", i, c.Answers[i], want[i])
		}
	}
}

func TestSelector_Stale(t *testing.T) {
	ctx := context.Background()
	ft := testutil.NewFakeTracker()

	// Claimed six hours ago, never heartbeated: the worker crashed.
	orphaned := tracker.Issue{ID: id(1), Status: tracker.StatusInProgress}
	ft.Add(orphaned)
	_ = ft.PostComment(ctx, orphaned.ID, protocol.Claim{Owner: "owner-z", Host: "elsewhere", Branch: "agent/1-x", Started: time.Now().Add(-6 * time.Hour)}.Format())

	live := tracker.Issue{ID: id(2), Status: tracker.StatusInProgress}
	ft.Add(live)
	_ = ft.PostComment(ctx, live.ID, protocol.Claim{Owner: "owner-z", Host: "elsewhere", Branch: "agent/2-x", Started: time.Now().Add(-6 * time.Hour)}.Format())
	_ = ft.PostComment(ctx, live.ID, protocol.Heartbeat{Owner: "owner-z", At: time.Now()}.Format())

	ft.Add(ready(3))

	s := &Selector{Tracker: ft}
	out, err := s.Stale(ctx)
	if err != nil {
		t.Fatalf("Stale() error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("stale = %d candidates, want 1", len(out))
	}
	c := out[0]
	if c.Issue.ID != id(1) || !c.Resume {
		t.Errorf("candidate = %+v", c)
	}
	if len(c.Answers) != 0 {
		t.Errorf("answers = %v, want none", c.Answers)
	}
}

func TestPool_DrainDispatchesEachOnce(t *testing.T) {
	ft := testutil.NewFakeTracker()
	for n := 1; n <= 3; n++ {
		ft.Add(ready(n))
	}

	var mu sync.Mutex
	seen := map[tracker.IssueID]int{}
	p := &Pool{
		Selector:    &Selector{Tracker: ft},
		Concurrency: 2,
		Drain:       true,
		Execute: func(ctx context.Context, c Candidate) Outcome {
			mu.Lock()
			seen[c.Issue.ID]++
			mu.Unlock()
			if c.Issue.ID.Number == 3 {
				return OutcomeFailed
			}
			return OutcomeDone
		},
	}

	rep, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if rep.Dispatched != 3 {
		t.Errorf("Dispatched = %d, want 3", rep.Dispatched)
	}
	if rep.Done != 2 || rep.Failed != 1 || rep.Blocked != 0 {
		t.Errorf("report = %+v", rep)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("%s executed %d times, want exactly once", id, n)
		}
	}
}

func TestPool_Limit(t *testing.T) {
	ft := testutil.NewFakeTracker()
	for n := 1; n <= 5; n++ {
		ft.Add(ready(n))
	}
	p := &Pool{
		Selector:    &Selector{Tracker: ft},
		Concurrency: 1,
		Drain:       true,
		Limit:       2,
		Execute: func(ctx context.Context, c Candidate) Outcome {
			return OutcomeDone
		},
	}
	rep, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if rep.Dispatched != 2 {
		t.Errorf("Dispatched = %d, want 2", rep.Dispatched)
	}
}

func TestPool_ConcurrencyBound(t *testing.T) {
	ft := testutil.NewFakeTracker()
	for n := 1; n <= 8; n++ {
		ft.Add(ready(n))
	}

	var inFlight, peak atomic.Int32
	p := &Pool{
		Selector:    &Selector{Tracker: ft},
		Concurrency: 2,
		Drain:       true,
		Execute: func(ctx context.Context, c Candidate) Outcome {
			cur := inFlight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return OutcomeDone
		},
	}
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", got)
	}
}

func TestPool_ResumesBeforeFresh(t *testing.T) {
	ctx := context.Background()
	ft := testutil.NewFakeTracker()
	ft.Add(ready(1))
	blocked := tracker.Issue{ID: id(2), Status: tracker.StatusBlocked}
	ft.Add(blocked)
	_ = ft.PostComment(ctx, blocked.ID, protocol.Blocked{Questions: []string{"Q?"}}.Format())
	_ = ft.PostComment(ctx, blocked.ID, protocol.Answer{Body: "A."}.Format())

	var mu sync.Mutex
	var order []tracker.IssueID
	p := &Pool{
		Selector:    &Selector{Tracker: ft},
		Concurrency: 1,
		Drain:       true,
		Execute: func(ctx context.Context, c Candidate) Outcome {
			mu.Lock()
			order = append(order, c.Issue.ID)
			mu.Unlock()
			return OutcomeDone
		},
	}
	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(order) != 2 || order[0] != id(2) {
		t.Errorf("dispatch order = %v, want the resume first", order)
	}
}

func TestPool_CancelledContext(t *testing.T) {
	ft := testutil.NewFakeTracker()
	ft.Add(ready(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &Pool{
		Selector:    &Selector{Tracker: ft},
		Concurrency: 1,
		Execute: func(ctx context.Context, c Candidate) Outcome {
			return OutcomeDone
		},
	}
	_, err := p.Run(ctx)
	if err == nil {
		t.Fatal("Run() with cancelled context should return an error")
	}
}
