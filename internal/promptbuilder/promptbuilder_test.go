package promptbuilder

import (
	"strings"
	"testing"

	"github.com/multi-agent/go-meeting-orchestrator/internal/store"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		max      int
		wantTrim bool
	}{
		{"short_unchanged", "hello", 100, false},
		{"exact_boundary", "hello", 5, false},
		{"truncated", "hello world this is a long text", 10, true},
		{"empty", "", 100, false},
		{"zero_max_noop", "hello", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.text, tt.max)
			if tt.wantTrim && !strings.HasSuffix(got, "...") {
				t.Errorf("expected truncation marker, got %q", got)
			}
			if !tt.wantTrim && strings.Contains(got, "...") {
				t.Errorf("unexpected truncation in %q", got)
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantNil bool
		checkFn func(map[string]any) bool
	}{
		{"simple_object", `{"score": 80, "pass": true}`, false, func(m map[string]any) bool { return m["pass"] == true }},
		{"embedded_in_prose", "Sure, here you go: {\"score\": 50, \"pass\": false} thanks!", false, func(m map[string]any) bool { return m["score"] == float64(50) }},
		{"not_json", "no structured data here", true, nil},
		{"empty", "", true, nil},
		{"nested_object", `{"outer": {"inner": 1}, "score": 10}`, false, func(m map[string]any) bool { return m["score"] == float64(10) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractJSON(tt.text)
			if tt.wantNil {
				if got != nil {
					t.Fatalf("expected nil, got %v", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("expected parsed object, got nil")
			}
			if tt.checkFn != nil && !tt.checkFn(got) {
				t.Errorf("check failed on %v", got)
			}
		})
	}
}

func TestSelectReplyTargets(t *testing.T) {
	agentA, agentB, agentC := "a1", "a2", "a3"
	msgs := []store.Message{
		{Role: store.RoleAgent, AgentID: &agentA, Content: "first from a1"},
		{Role: store.RoleAgent, AgentID: &agentB, Content: "first from a2"},
		{Role: store.RoleAgent, AgentID: &agentA, Content: "second from a1"},
		{Role: store.RoleAgent, AgentID: &agentC, Content: "first from a3"},
	}

	got := SelectReplyTargets(msgs, agentC, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 reply targets, got %d: %+v", len(got), got)
	}
	if got[0].AgentID != agentA || got[0].Quote != "second from a1" {
		t.Errorf("expected most recent a1 message first, got %+v", got[0])
	}
	if got[1].AgentID != agentB {
		t.Errorf("expected a2 as second target, got %+v", got[1])
	}

	if got := SelectReplyTargets(msgs, agentA, 0); got != nil {
		t.Errorf("maxTargets=0 should yield no targets, got %v", got)
	}
}

func TestSelectReplyTargetsExcludesSelf(t *testing.T) {
	self := "a1"
	msgs := []store.Message{
		{Role: store.RoleAgent, AgentID: &self, Content: "only from self"},
	}
	got := SelectReplyTargets(msgs, self, 2)
	if len(got) != 0 {
		t.Errorf("expected no targets when only self has spoken, got %+v", got)
	}
}

func TestBuildDiscussionPromptIsPure(t *testing.T) {
	in := DiscussionPromptInput{
		Agent: store.AgentConfig{SystemPrompt: "you are an agent"},
		Topic: "Rollout plan",
		Round: 1,
	}
	sys1, user1 := BuildDiscussionPrompt(in)
	sys2, user2 := BuildDiscussionPrompt(in)
	if sys1 != sys2 || user1 != user2 {
		t.Fatal("BuildDiscussionPrompt is not pure: identical input produced different output")
	}
	if !strings.Contains(user1, "Rollout plan") {
		t.Errorf("expected topic in prompt, got %q", user1)
	}
}

func TestBuildVotePromptContainsJSONContract(t *testing.T) {
	_, user := BuildVotePrompt(VotePromptInput{
		Agent:        store.AgentConfig{SystemPrompt: "you are an agent"},
		Topic:        "Rollout plan",
		ProposalText: "Ship on Friday",
	})
	if !strings.Contains(user, "Ship on Friday") {
		t.Errorf("expected proposal text in vote prompt, got %q", user)
	}
}
