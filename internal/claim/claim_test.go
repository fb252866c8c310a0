package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kristinday/ace/internal/protocol"
	"github.com/kristinday/ace/internal/testutil"
	"github.com/kristinday/ace/internal/tracker"
)

var testID = tracker.IssueID{Repo: "acme/widgets", Number: 7}

func readyIssue() tracker.Issue {
	return tracker.Issue{ID: testID, Title: "Fix the race", Status: tracker.StatusReady}
}

func newManager(ft *testutil.FakeTracker, owner string) *Manager {
	return &Manager{Tracker: ft, Owner: owner, Host: "testhost", now: time.Now}
}

func TestClaim_Succeeds(t *testing.T) {
	ft := testutil.NewFakeTracker()
	ft.Add(readyIssue())
	m := newManager(ft, "owner-a")

	if err := m.Claim(context.Background(), testID, "agent/7-fix-the-race"); err != nil {
		t.Fatalf("Claim() error: %v", err)
	}

	if got := ft.Issue(testID).Status; got != tracker.StatusInProgress {
		t.Errorf("status = %s, want InProgress", got)
	}
	comments := ft.Comments(testID)
	if len(comments) != 1 {
		t.Fatalf("comments = %d, want 1", len(comments))
	}
	rec, err := protocol.ParseClaim(comments[0].Body)
	if err != nil {
		t.Fatalf("claim comment unparsable: %v", err)
	}
	if rec.Owner != "owner-a" || rec.Branch != "agent/7-fix-the-race" {
		t.Errorf("claim record = %+v", rec)
	}
}

func TestClaim_ConflictWhenNotReady(t *testing.T) {
	ft := testutil.NewFakeTracker()
	is := readyIssue()
	is.Status = tracker.StatusInProgress
	ft.Add(is)
	m := newManager(ft, "owner-a")

	err := m.Claim(context.Background(), testID, "agent/7-x")
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("Claim() = %v, want ErrAlreadyClaimed", err)
	}
	if len(ft.Comments(testID)) != 0 {
		t.Error("losing claim must not post a comment")
	}
}

func TestClaim_ExactlyOneWinner(t *testing.T) {
	ft := testutil.NewFakeTracker()
	ft.Add(readyIssue())

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := newManager(ft, string(rune('a'+i)))
			errs[i] = m.Claim(context.Background(), testID, "agent/7-x")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrAlreadyClaimed) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
	if got := ft.Issue(testID).Status; got != tracker.StatusInProgress {
		t.Errorf("status = %s, want InProgress", got)
	}
}

func TestClaim_LosesArbitrationToEarlierComment(t *testing.T) {
	ft := testutil.NewFakeTracker()
	ft.Add(readyIssue())
	// Another owner's claim comment is already present even though the
	// CAS will succeed locally (eventual visibility).
	other := protocol.Claim{Owner: "owner-z", Host: "elsewhere", Branch: "agent/7-x", Started: time.Now()}
	_ = ft.PostComment(context.Background(), testID, other.Format())

	m := newManager(ft, "owner-a")
	err := m.Claim(context.Background(), testID, "agent/7-x")
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("Claim() = %v, want ErrAlreadyClaimed after losing arbitration", err)
	}
}

func TestClaim_NewEpochAfterTerminalComment(t *testing.T) {
	ft := testutil.NewFakeTracker()
	ft.Add(readyIssue())
	// A finished previous attempt leaves its claim and failure behind.
	old := protocol.Claim{Owner: "owner-z", Host: "elsewhere", Branch: "agent/7-x", Started: time.Now().Add(-time.Hour)}
	_ = ft.PostComment(context.Background(), testID, old.Format())
	_ = ft.PostComment(context.Background(), testID, protocol.FormatFailed("gave up", ""))

	m := newManager(ft, "owner-a")
	if err := m.Claim(context.Background(), testID, "agent/7-x"); err != nil {
		t.Fatalf("Claim() after closed epoch error: %v", err)
	}
}

func TestResume_RefusesLiveHeartbeat(t *testing.T) {
	ft := testutil.NewFakeTracker()
	is := readyIssue()
	is.Status = tracker.StatusBlocked
	ft.Add(is)
	rec := protocol.Claim{Owner: "owner-z", Host: "elsewhere", Branch: "agent/7-x", Started: time.Now()}
	_ = ft.PostComment(context.Background(), testID, rec.Format())
	_ = ft.PostComment(context.Background(), testID, protocol.Heartbeat{Owner: "owner-z", At: time.Now()}.Format())

	m := newManager(ft, "owner-a")
	err := m.Resume(context.Background(), testID, "agent/7-x")
	if !errors.Is(err, ErrClaimLive) {
		t.Fatalf("Resume() = %v, want ErrClaimLive", err)
	}
}

func TestResume_TakesOverStaleClaim(t *testing.T) {
	ft := testutil.NewFakeTracker()
	is := readyIssue()
	is.Status = tracker.StatusBlocked
	ft.Add(is)
	stale := time.Now().Add(-2 * time.Hour)
	rec := protocol.Claim{Owner: "owner-z", Host: "elsewhere", Branch: "agent/7-x", Started: stale}
	_ = ft.PostComment(context.Background(), testID, rec.Format())
	_ = ft.PostComment(context.Background(), testID, protocol.Heartbeat{Owner: "owner-z", At: stale}.Format())

	m := newManager(ft, "owner-a")
	if err := m.Resume(context.Background(), testID, "agent/7-x"); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if got := ft.Issue(testID).Status; got != tracker.StatusInProgress {
		t.Errorf("status = %s, want InProgress", got)
	}
}

func TestResume_TakesOverStaleInProgress(t *testing.T) {
	ft := testutil.NewFakeTracker()
	is := readyIssue()
	is.Status = tracker.StatusInProgress
	ft.Add(is)
	// Crashed worker: a claim six hours old and no heartbeat since.
	rec := protocol.Claim{Owner: "owner-z", Host: "elsewhere", Branch: "agent/7-x", Started: time.Now().Add(-6 * time.Hour)}
	_ = ft.PostComment(context.Background(), testID, rec.Format())

	m := newManager(ft, "owner-a")
	if err := m.Resume(context.Background(), testID, "agent/7-x"); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if got := ft.Issue(testID).Status; got != tracker.StatusInProgress {
		t.Errorf("status = %s, want InProgress", got)
	}
	comments := ft.Comments(testID)
	last := comments[len(comments)-1]
	got, err := protocol.ParseClaim(last.Body)
	if err != nil {
		t.Fatalf("last comment is not a claim: %v", err)
	}
	if got.Owner != "owner-a" {
		t.Errorf("new claim owner = %s, want owner-a", got.Owner)
	}
}

func TestResume_RefusesLiveInProgress(t *testing.T) {
	ft := testutil.NewFakeTracker()
	is := readyIssue()
	is.Status = tracker.StatusInProgress
	ft.Add(is)
	rec := protocol.Claim{Owner: "owner-z", Host: "elsewhere", Branch: "agent/7-x", Started: time.Now().Add(-6 * time.Hour)}
	_ = ft.PostComment(context.Background(), testID, rec.Format())
	_ = ft.PostComment(context.Background(), testID, protocol.Heartbeat{Owner: "owner-z", At: time.Now()}.Format())

	m := newManager(ft, "owner-a")
	if err := m.Resume(context.Background(), testID, "agent/7-x"); !errors.Is(err, ErrClaimLive) {
		t.Fatalf("Resume() = %v, want ErrClaimLive", err)
	}
}

func TestResume_RefusesReadyIssue(t *testing.T) {
	ft := testutil.NewFakeTracker()
	ft.Add(readyIssue())

	m := newManager(ft, "owner-a")
	if err := m.Resume(context.Background(), testID, "agent/7-x"); err == nil {
		t.Fatal("Resume() of a ready issue succeeded, want error")
	}
}

func TestRelease_CommentBeforeStatus(t *testing.T) {
	ft := testutil.NewFakeTracker()
	is := readyIssue()
	is.Status = tracker.StatusInProgress
	ft.Add(is)
	m := newManager(ft, "owner-a")

	err := m.Release(context.Background(), testID, protocol.FormatDone("all done", "agent/7-x", nil), tracker.StatusInReview)
	if err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if got := ft.Issue(testID).Status; got != tracker.StatusInReview {
		t.Errorf("status = %s, want InReview", got)
	}
	comments := ft.Comments(testID)
	if len(comments) != 1 || protocol.Kind(comments[0].Body) != protocol.MarkerDone {
		t.Errorf("expected one done comment, got %d", len(comments))
	}
}

func TestRelease_StatusUntouchedWhenCommentFails(t *testing.T) {
	ft := testutil.NewFakeTracker()
	is := readyIssue()
	is.Status = tracker.StatusInProgress
	ft.Add(is)
	ft.Errs = map[string]error{"PostComment": errors.New("boom")}
	m := newManager(ft, "owner-a")

	err := m.Release(context.Background(), testID, "ACE-DONE\nx\n", tracker.StatusInReview)
	if err == nil {
		t.Fatal("Release() should fail when the comment cannot be posted")
	}
	if got := ft.Issue(testID).Status; got != tracker.StatusInProgress {
		t.Errorf("status = %s, want InProgress left untouched", got)
	}
}
