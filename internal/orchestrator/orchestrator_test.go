// orchestrator_test.go — pure-logic tests for the orchestrator's decision
// helpers: discussion-mode resolution, timeout floors, proposal/summary
// text assembly, and unanimity evaluation.
package orchestrator

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/multi-agent/go-meeting-orchestrator/internal/store"
)

// ========================================
// resolveDiscussionMode
// ========================================

func TestResolveDiscussionMode(t *testing.T) {
	agents := func(n int) []store.AgentConfig {
		out := make([]store.AgentConfig, n)
		for i := range out {
			out[i] = store.AgentConfig{ID: string(rune('a' + i)), Enabled: true}
		}
		return out
	}

	tests := []struct {
		name string
		cfg  store.MeetingConfig
		want store.DiscussionMode
	}{
		{
			"explicit_serial_turn_ignores_agent_count",
			store.MeetingConfig{Agents: agents(8), Discussion: store.DiscussionConfig{Mode: store.DiscussionSerialTurn, AutoParallelMinAgents: 2}},
			store.DiscussionSerialTurn,
		},
		{
			"explicit_parallel_round_ignores_agent_count",
			store.MeetingConfig{Agents: agents(2), Discussion: store.DiscussionConfig{Mode: store.DiscussionParallelRound, AutoParallelMinAgents: 6}},
			store.DiscussionParallelRound,
		},
		{
			"auto_below_threshold_serial",
			store.MeetingConfig{Agents: agents(3), Discussion: store.DiscussionConfig{Mode: store.DiscussionAuto, AutoParallelMinAgents: 6}},
			store.DiscussionSerialTurn,
		},
		{
			"auto_at_threshold_parallel",
			store.MeetingConfig{Agents: agents(6), Discussion: store.DiscussionConfig{Mode: store.DiscussionAuto, AutoParallelMinAgents: 6}},
			store.DiscussionParallelRound,
		},
		{
			"auto_above_threshold_parallel",
			store.MeetingConfig{Agents: agents(8), Discussion: store.DiscussionConfig{Mode: store.DiscussionAuto, AutoParallelMinAgents: 6}},
			store.DiscussionParallelRound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveDiscussionMode(tt.cfg); got != tt.want {
				t.Errorf("resolveDiscussionMode() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ========================================
// timeout floors
// ========================================

func TestMaxDuration(t *testing.T) {
	if got := maxDuration(5*time.Second, 3*time.Second); got != 5*time.Second {
		t.Errorf("maxDuration = %v, want 5s", got)
	}
	if got := maxDuration(3*time.Second, 5*time.Second); got != 5*time.Second {
		t.Errorf("maxDuration = %v, want 5s", got)
	}
}

func TestDiscussionTimeout(t *testing.T) {
	tests := []struct {
		name          string
		voteTimeoutMS int
		want          time.Duration
	}{
		{"below_floor_uses_floor", 1000, MinDiscussionTimeout},
		{"above_floor_uses_configured", 120000, 120 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := store.MeetingConfig{Threshold: store.ThresholdConfig{VoteTimeoutMS: tt.voteTimeoutMS}}
			if got := discussionTimeout(cfg); got != tt.want {
				t.Errorf("discussionTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFinalDocTimeout(t *testing.T) {
	tests := []struct {
		name          string
		voteTimeoutMS int
		want          time.Duration
	}{
		{"below_floor_uses_floor", 1000, MinFinalDocTimeout},
		{"above_floor_uses_configured", 200000, 200 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := store.MeetingConfig{Threshold: store.ThresholdConfig{VoteTimeoutMS: tt.voteTimeoutMS}}
			if got := finalDocTimeout(cfg); got != tt.want {
				t.Errorf("finalDocTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ========================================
// finalDocEditors
// ========================================

func TestFinalDocEditors(t *testing.T) {
	t.Run("facilitator_first_then_agents", func(t *testing.T) {
		cfg := store.MeetingConfig{
			Facilitator: store.FacilitatorConfig{Enabled: true, Provider: "openai", Model: "gpt-5"},
			Agents: []store.AgentConfig{
				{ID: "a1", Enabled: true, Provider: "anthropic", Model: "claude"},
				{ID: "a2", Enabled: false, Provider: "gemini", Model: "gemini-pro"},
			},
		}
		got := finalDocEditors(cfg)
		if len(got) != 2 {
			t.Fatalf("len(editors) = %d, want 2 (disabled agent excluded)", len(got))
		}
		if got[0].Provider != "openai" || got[1].Provider != "anthropic" {
			t.Errorf("editors = %+v, want facilitator first then enabled agents in order", got)
		}
	})

	t.Run("no_facilitator_falls_back_to_agents", func(t *testing.T) {
		cfg := store.MeetingConfig{
			Agents: []store.AgentConfig{{ID: "a1", Enabled: true, Provider: "anthropic", Model: "claude"}},
		}
		got := finalDocEditors(cfg)
		if len(got) != 1 || got[0].Provider != "anthropic" {
			t.Errorf("editors = %+v, want single enabled agent", got)
		}
	})

	t.Run("nothing_enabled_falls_back_to_auto", func(t *testing.T) {
		got := finalDocEditors(store.MeetingConfig{})
		if len(got) != 1 || got[0].Provider != "auto" {
			t.Errorf("editors = %+v, want single auto fallback", got)
		}
	})
}

// ========================================
// rollingSummaryFromMessages
// ========================================

func mustMeta(t *testing.T, m store.MessageMeta) []byte {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal meta: %v", err)
	}
	return b
}

func TestRollingSummaryFromMessages(t *testing.T) {
	facilitatorID := store.SystemFacilitator
	messages := []store.Message{
		{Role: store.RoleAgent, Content: "agent says something"},
		{Role: store.RoleSystem, SystemID: &facilitatorID, Content: "first facilitator summary"},
		{Role: store.RoleAgent, Content: "agent says more"},
		{Role: store.RoleSystem, SystemID: &facilitatorID, Content: "latest facilitator summary"},
	}

	t.Run("disabled_returns_empty", func(t *testing.T) {
		if got := rollingSummaryFromMessages(messages, false, 1000); got != "" {
			t.Errorf("rollingSummaryFromMessages() = %q, want empty", got)
		}
	})

	t.Run("enabled_returns_latest_facilitator_message", func(t *testing.T) {
		got := rollingSummaryFromMessages(messages, true, 1000)
		if got != "latest facilitator summary" {
			t.Errorf("rollingSummaryFromMessages() = %q, want latest facilitator output", got)
		}
	})

	t.Run("no_facilitator_messages_returns_empty", func(t *testing.T) {
		onlyAgents := []store.Message{{Role: store.RoleAgent, Content: "no facilitator here"}}
		if got := rollingSummaryFromMessages(onlyAgents, true, 1000); got != "" {
			t.Errorf("rollingSummaryFromMessages() = %q, want empty", got)
		}
	})
}

// ========================================
// filterByRoundAtOrAfter / buildProposalText
// ========================================

func TestFilterByRoundAtOrAfter(t *testing.T) {
	messages := []store.Message{
		{ID: "m0", Meta: mustMeta(t, store.MessageMeta{Round: 0})},
		{ID: "m1", Meta: mustMeta(t, store.MessageMeta{Round: 1})},
		{ID: "m2", Meta: mustMeta(t, store.MessageMeta{Round: 2})},
	}

	got := filterByRoundAtOrAfter(messages, 1, 10)
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Errorf("filterByRoundAtOrAfter() = %+v, want [m1 m2]", got)
	}

	t.Run("limit_keeps_tail", func(t *testing.T) {
		got := filterByRoundAtOrAfter(messages, 0, 1)
		if len(got) != 1 || got[0].ID != "m2" {
			t.Errorf("filterByRoundAtOrAfter() with limit=1 = %+v, want [m2]", got)
		}
	})

	t.Run("malformed_meta_skipped", func(t *testing.T) {
		bad := []store.Message{{ID: "bad", Meta: []byte("not json")}}
		got := filterByRoundAtOrAfter(bad, 0, 10)
		if len(got) != 0 {
			t.Errorf("filterByRoundAtOrAfter() with malformed meta = %+v, want empty", got)
		}
	})
}

func TestBuildProposalText(t *testing.T) {
	agentA, agentB := "agent-a", "agent-b"
	messages := []store.Message{
		{Role: store.RoleAgent, AgentID: &agentA, Content: "I propose X", Meta: mustMeta(t, store.MessageMeta{Round: 1})},
		{Role: store.RoleUser, Content: "a user message", Meta: mustMeta(t, store.MessageMeta{Round: 1})},
		{Role: store.RoleAgent, AgentID: &agentB, Content: "I agree with X", Meta: mustMeta(t, store.MessageMeta{Round: 1})},
		{Role: store.RoleAgent, AgentID: &agentA, Content: "stale message", Meta: mustMeta(t, store.MessageMeta{Round: 0})},
	}

	got := buildProposalText(messages, 1)
	if !strings.Contains(got, "[agent-a] I propose X") {
		t.Errorf("buildProposalText() = %q, missing agent-a's round-1 message", got)
	}
	if !strings.Contains(got, "[agent-b] I agree with X") {
		t.Errorf("buildProposalText() = %q, missing agent-b's round-1 message", got)
	}
	if strings.Contains(got, "stale message") {
		t.Errorf("buildProposalText() = %q, should not include a message from a different round", got)
	}
	if strings.Contains(got, "a user message") {
		t.Errorf("buildProposalText() = %q, should not include non-agent messages", got)
	}
}

func TestRecentDiscussionText(t *testing.T) {
	facilitatorID := store.SystemFacilitator
	messages := []store.Message{
		{Role: store.RoleUser, Content: "ignored user message"},
		{Role: store.RoleAgent, Content: "agent message one"},
		{Role: store.RoleSystem, SystemID: &facilitatorID, Content: "facilitator note"},
	}

	got := recentDiscussionText(messages)
	if strings.Contains(got, "ignored user message") {
		t.Errorf("recentDiscussionText() = %q, should exclude user messages", got)
	}
	if !strings.Contains(got, "agent message one") || !strings.Contains(got, "facilitator note") {
		t.Errorf("recentDiscussionText() = %q, want agent and system content joined", got)
	}
}

// ========================================
// isUnanimous / dissenterRationales
// ========================================

func TestIsUnanimous(t *testing.T) {
	enabled := []store.AgentConfig{{ID: "a1"}, {ID: "a2"}}

	tests := []struct {
		name  string
		votes []voteCallResult
		want  bool
	}{
		{"all_pass", []voteCallResult{{agentID: "a1", pass: true}, {agentID: "a2", pass: true}}, true},
		{"one_dissents", []voteCallResult{{agentID: "a1", pass: true}, {agentID: "a2", pass: false}}, false},
		{"missing_voter_treated_as_not_unanimous", []voteCallResult{{agentID: "a1", pass: true}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUnanimous(tt.votes, enabled); got != tt.want {
				t.Errorf("isUnanimous() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDissenterRationales(t *testing.T) {
	votes := []voteCallResult{
		{agentID: "a1", pass: true, rationale: "looks good"},
		{agentID: "a2", pass: false, rationale: "missing edge case handling"},
		{agentID: "a3", pass: false, rationale: ""},
	}
	got := dissenterRationales(votes)
	if len(got) != 1 || got[0] != "missing edge case handling" {
		t.Errorf("dissenterRationales() = %+v, want only a2's non-empty rationale", got)
	}
}

// ========================================
// isTerminal
// ========================================

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		s    store.MeetingState
		want bool
	}{
		{"draft", store.StateDraft, false},
		{"running_discussion", store.StateRunningDiscussion, false},
		{"running_vote", store.StateRunningVote, false},
		{"finished_accepted", store.StateFinishedAccepted, true},
		{"finished_aborted", store.StateFinishedAborted, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTerminal(tt.s); got != tt.want {
				t.Errorf("isTerminal(%q) = %v, want %v", tt.s, got, tt.want)
			}
		})
	}
}
