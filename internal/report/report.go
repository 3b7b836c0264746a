// Package report renders the human-facing artifacts a finished meeting
// produces: the markdown report and the
// structured summary_json persisted alongside it. Pure formatting over
// already-persisted data — no I/O, no Gateway calls.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/multi-agent/go-meeting-orchestrator/internal/store"
)

// ApprovalRecord is one reviewer's vote on the Final Result Document
// (the unanimity loop), kept for the markdown report and summary_json.
type ApprovalRecord struct {
	AgentID   string
	Pass      bool
	Score     int
	Rationale string
}

// Input bundles everything the Report Builder needs.
type Input struct {
	Meeting        *store.Meeting
	Messages       []store.Message
	Votes          []store.Vote
	FinalDocument  string
	Approvals      []ApprovalRecord
	Accepted       bool
	Reason         string
	ConcludedAt    time.Time
}

// BuildMarkdown renders the final markdown report: meeting header, the
// Final Result Document (or last draft on abort), a vote summary, and a
// per-reviewer approval table.
func BuildMarkdown(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Meeting Report: %s\n\n", in.Meeting.Topic)
	fmt.Fprintf(&b, "- Meeting ID: %s\n", in.Meeting.ID)
	fmt.Fprintf(&b, "- Outcome: %s\n", outcomeLabel(in.Accepted))
	fmt.Fprintf(&b, "- Reason: %s\n", in.Reason)
	fmt.Fprintf(&b, "- Rounds run: %d\n", in.Meeting.Round)
	fmt.Fprintf(&b, "- Concluded at: %s\n\n", in.ConcludedAt.Format(time.RFC3339))

	if in.FinalDocument != "" {
		b.WriteString("## Final Result Document\n\n")
		b.WriteString(in.FinalDocument)
		b.WriteString("\n\n")
	}

	if len(in.Approvals) > 0 {
		b.WriteString("## Reviewer Approvals\n\n")
		b.WriteString("| Agent | Pass | Score | Rationale |\n|---|---|---|---|\n")
		for _, a := range in.Approvals {
			fmt.Fprintf(&b, "| %s | %t | %d | %s |\n", a.AgentID, a.Pass, a.Score, escapeTableCell(a.Rationale))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Activity\n\n- Messages: %d\n- Votes: %d\n", len(in.Messages), len(in.Votes))
	return b.String()
}

// BuildSummaryJSON renders the structured summary persisted in
// MeetingResult.SummaryJSON: the final document markdown plus per-reviewer
// approvals and activity counts.
func BuildSummaryJSON(in Input) map[string]any {
	approvals := make([]map[string]any, 0, len(in.Approvals))
	for _, a := range in.Approvals {
		approvals = append(approvals, map[string]any{
			"agent_id":  a.AgentID,
			"pass":      a.Pass,
			"score":     a.Score,
			"rationale": a.Rationale,
		})
	}
	return map[string]any{
		"final_document": in.FinalDocument,
		"approvals":      approvals,
		"message_count":  len(in.Messages),
		"vote_count":     len(in.Votes),
	}
}

func outcomeLabel(accepted bool) string {
	if accepted {
		return "accepted"
	}
	return "aborted"
}

func escapeTableCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", "\\|"), "\n", " ")
}
