package session

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Outcome is what a completed backend reported about its attempt.
type Outcome int

const (
	// OutcomeDone means the backend finished the task.
	OutcomeDone Outcome = iota
	// OutcomeBlocked means the backend stopped on questions it cannot
	// answer without a human.
	OutcomeBlocked
)

func (o Outcome) String() string {
	if o == OutcomeBlocked {
		return "blocked"
	}
	return "done"
}

// Marker is the completion record a backend writes into its workspace
// when it finishes. The file is the sole completion signal; pane output
// is never parsed.
type Marker struct {
	TaskID           string   `json:"task_id"`
	Summary          string   `json:"summary"`
	FilesChanged     []string `json:"files_changed,omitempty"`
	CommandsRun      []string `json:"commands_run,omitempty"`
	Status           string   `json:"status,omitempty"`
	BlockedQuestions []string `json:"blocked_questions,omitempty"`
}

// Outcome classifies the marker. A marker is blocked if it says so
// explicitly or carries unanswered questions; everything else is done.
func (m *Marker) Outcome() Outcome {
	if strings.EqualFold(strings.TrimSpace(m.Status), "blocked") {
		return OutcomeBlocked
	}
	if len(m.BlockedQuestions) > 0 {
		return OutcomeBlocked
	}
	return OutcomeDone
}

// ReadMarker loads and validates a completion marker. A file that exists
// but is not valid JSON, or that lacks the required fields, is treated
// the same as no marker at all: backends sometimes write the file in two
// syscalls and a half-written marker must not read as completion.
func ReadMarker(path string) (*Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed marker %s: %w", path, err)
	}
	if strings.TrimSpace(m.TaskID) == "" || strings.TrimSpace(m.Summary) == "" {
		return nil, fmt.Errorf("incomplete marker %s: task_id and summary required", path)
	}
	return &m, nil
}
