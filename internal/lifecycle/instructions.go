package lifecycle

import (
	"fmt"
	"strings"

	"github.com/kristinday/ace/internal/constants"
	"github.com/kristinday/ace/internal/tracker"
	"github.com/kristinday/ace/internal/workspace"
)

// Instructions renders the task file a backend reads on startup. The
// contract at the bottom is what makes supervision possible: the backend
// declares completion by writing the marker file, nothing else.
func Instructions(issue tracker.Issue, ws workspace.Workspace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task: %s\n\n", issue.Title)
	fmt.Fprintf(&b, "Issue: %s\n", issue.ID)
	fmt.Fprintf(&b, "Branch: %s\n\n", ws.Branch)

	body := strings.TrimSpace(issue.Body)
	if body == "" {
		body = "(no description)"
	}
	b.WriteString("## Description\n\n")
	b.WriteString(body)
	b.WriteString("\n\n")

	b.WriteString("## Working agreement\n\n")
	fmt.Fprintf(&b, "- Work only in this directory, on branch `%s`.\n", ws.Branch)
	b.WriteString("- Commit as you go with clear messages.\n")
	fmt.Fprintf(&b, "- When finished, write `%s` in this directory:\n\n", constants.DoneMarkerFile)
	b.WriteString("```json\n")
	fmt.Fprintf(&b, "{\n  \"task_id\": %q,\n  \"summary\": \"what you did and why\",\n  \"files_changed\": [\"path/one\", \"path/two\"],\n  \"commands_run\": [\"go test ./...\"]\n}\n", issue.ID.String())
	b.WriteString("```\n\n")
	b.WriteString("- If you cannot proceed without answers from a human, stop and write the marker with `\"status\": \"blocked\"` and a `\"blocked_questions\"` list instead.\n")
	b.WriteString("- Do not push or open pull requests; that happens after you finish.\n")
	return b.String()
}

// AnswerSection renders human answers appended to the task file when a
// blocked issue resumes.
func AnswerSection(answers []string) string {
	var b strings.Builder
	b.WriteString("## Answers to your questions\n\n")
	b.WriteString("A human reviewed your questions and replied:\n\n")
	for _, a := range answers {
		b.WriteString(strings.TrimSpace(a))
		b.WriteString("\n\n")
	}
	b.WriteString("Continue the task with these answers. The earlier working agreement still applies.\n")
	return b.String()
}
