package protocol

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestKind(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{"ACE-CLAIM\nowner: x\n", MarkerClaim},
		{"  ACE-HEARTBEAT\nowner: x\n", MarkerHeartbeat},
		{"ACE-BLOCKED\n- why?\n", MarkerBlocked},
		{"ACE-ANSWER\nbecause\n", MarkerAnswer},
		{"ACE-DONE\ndid it\n", MarkerDone},
		{"ACE-FAILED\nnope\n", MarkerFailed},
		{"Looks good to me!", ""},
		{"The ACE-CLAIM marker must lead the body", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Kind(tt.body); got != tt.want {
			t.Errorf("Kind(%q) = %q, want %q", tt.body, got, tt.want)
		}
	}
}

func TestClaim_RoundTrip(t *testing.T) {
	started := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	in := Claim{Owner: "o-123", Host: "workbench", Branch: "agent/7-fix-race", Started: started}

	out, err := ParseClaim(in.Format())
	if err != nil {
		t.Fatalf("ParseClaim() error: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestParseClaim_MissingOwner(t *testing.T) {
	_, err := ParseClaim("ACE-CLAIM\nhost: x\n")
	if err == nil {
		t.Fatal("ParseClaim() should reject a claim without owner")
	}
}

func TestParseClaim_NotProtocol(t *testing.T) {
	_, err := ParseClaim("just a comment")
	if !errors.Is(err, ErrNotProtocol) {
		t.Fatalf("ParseClaim() = %v, want ErrNotProtocol", err)
	}
}

func TestHeartbeat_RoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	in := Heartbeat{Owner: "o-123", At: at}

	out, err := ParseHeartbeat(in.Format())
	if err != nil {
		t.Fatalf("ParseHeartbeat() error: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestBlocked_RoundTrip(t *testing.T) {
	in := Blocked{
		Summary:   "Stuck on auth design",
		Questions: []string{"Which OAuth flow?", "Is the legacy endpoint fair game?"},
	}

	out, err := ParseBlocked(in.Format())
	if err != nil {
		t.Fatalf("ParseBlocked() error: %v", err)
	}
	if out.Summary != in.Summary {
		t.Errorf("Summary = %q, want %q", out.Summary, in.Summary)
	}
	if len(out.Questions) != 2 || out.Questions[0] != in.Questions[0] || out.Questions[1] != in.Questions[1] {
		t.Errorf("Questions = %v, want %v", out.Questions, in.Questions)
	}
}

func TestParseBlocked_IgnoresUnknownTrailer(t *testing.T) {
	body := "ACE-BLOCKED\n\nQuestions:\n- one?\n\nposted by bot v2\n"
	out, err := ParseBlocked(body)
	if err != nil {
		t.Fatalf("ParseBlocked() error: %v", err)
	}
	if len(out.Questions) != 1 || out.Questions[0] != "one?" {
		t.Errorf("Questions = %v, want [one?]", out.Questions)
	}
}

func TestAnswer_RoundTrip(t *testing.T) {
	in := Answer{Body: "Use the device flow.\nLegacy endpoint is frozen."}
	out, err := ParseAnswer(in.Format())
	if err != nil {
		t.Fatalf("ParseAnswer() error: %v", err)
	}
	if out.Body != in.Body {
		t.Errorf("Body = %q, want %q", out.Body, in.Body)
	}
}

func TestFormatDone(t *testing.T) {
	body := FormatDone("Fixed the race", "agent/7-fix-race", []string{"pkg/a.go"})
	if Kind(body) != MarkerDone {
		t.Fatalf("Kind = %q, want done", Kind(body))
	}
	for _, want := range []string{"Fixed the race", "branch: agent/7-fix-race", "- pkg/a.go"} {
		if !strings.Contains(body, want) {
			t.Errorf("done comment missing %q:\n%s", want, body)
		}
	}
}

func TestFormatFailed_FencesTail(t *testing.T) {
	body := FormatFailed("backend died", "panic: nil deref")
	if Kind(body) != MarkerFailed {
		t.Fatalf("Kind = %q, want failed", Kind(body))
	}
	if !strings.Contains(body, "```\npanic: nil deref\n```") {
		t.Errorf("tail not fenced:\n%s", body)
	}
}

func TestFormatFailed_NoTail(t *testing.T) {
	body := FormatFailed("no diagnostics", "")
	if strings.Contains(body, "```") {
		t.Errorf("empty tail should not produce a fence:\n%s", body)
	}
}
