// Package promptbuilder 提供讨论 / 投票 / Facilitator / 最终文档提示词的确定性构造。
//
// 所有导出函数都是纯函数：相同输入产生字节级相同的提示词。
// 无 I/O、无随机性、无时间依赖。
package promptbuilder

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/multi-agent/go-meeting-orchestrator/internal/store"
)

// 提示词构造的固定上限常量。
const (
	MaxDiscussionHistoryMessages = 10
	MaxMessageContentChars       = 800
	MaxReplyQuoteChars           = 200
	MaxFacilitatorMessages       = 20
	FinalDocBaseProposalChars    = 5 * 1024
	FinalDocRecentDiscussionChars = 7 * 1024
	MaxDissenterItems            = 12
	MaxDissenterRationaleChars   = 400
)

// Truncate 截断文本到 maxChars (rune 级)，超出时追加省略标记。
func Truncate(text string, maxChars int) string {
	text = strings.TrimSpace(text)
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars]) + "..."
}

// ExtractJSON 从任意文本中提取首个合法 JSON 对象 (括号匹配算法)，
// 用于从 Gateway 返回的自由格式文本中恢复投票 / Facilitator 的结构化负载。
func ExtractJSON(text string) map[string]any {
	src := strings.TrimSpace(text)
	if src == "" {
		return nil
	}
	runes := []rune(src)
	for start := 0; start < len(runes); start++ {
		if runes[start] != '{' {
			continue
		}
		stack := []rune{'}'}
		inString := false
		escaped := false
		for idx := start + 1; idx < len(runes); idx++ {
			ch := runes[idx]
			if inString {
				if escaped {
					escaped = false
				} else if ch == '\\' {
					escaped = true
				} else if ch == '"' {
					inString = false
				}
				continue
			}
			if ch == '"' {
				inString = true
				continue
			}
			if ch == '{' {
				stack = append(stack, '}')
				continue
			}
			if ch == '[' {
				stack = append(stack, ']')
				continue
			}
			if ch != '}' && ch != ']' {
				continue
			}
			if len(stack) == 0 {
				break
			}
			expected := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if ch != expected {
				break
			}
			if len(stack) > 0 {
				continue
			}
			candidate := string(runes[start : idx+1])
			var parsed map[string]any
			if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
				break
			}
			return parsed
		}
	}
	return nil
}

// SelectReplyTargets 扫描消息 (按时间倒序)，为每个不同的其它 Agent 取其最近一条
// 消息，直到凑满 maxTargets 个目标。Round 0 恒为空 (调用方负责不调用本函数)。
func SelectReplyTargets(messages []store.Message, selfAgentID string, maxTargets int) []store.ReplyTarget {
	if maxTargets <= 0 {
		return nil
	}
	seen := make(map[string]bool, maxTargets)
	var targets []store.ReplyTarget
	for i := len(messages) - 1; i >= 0 && len(targets) < maxTargets; i-- {
		m := messages[i]
		if m.Role != store.RoleAgent || m.AgentID == nil {
			continue
		}
		agentID := *m.AgentID
		if agentID == selfAgentID || seen[agentID] {
			continue
		}
		seen[agentID] = true
		targets = append(targets, store.ReplyTarget{
			AgentID: agentID,
			Quote:   Truncate(m.Content, MaxReplyQuoteChars),
		})
	}
	return targets
}

// DiscussionPromptInput 构造讨论提示词所需的全部上下文。
type DiscussionPromptInput struct {
	Agent            store.AgentConfig
	Topic            string
	Round            int
	RollingSummary   string // 已由调用方按 rolling_summary_max_chars 截断
	RecentMessages   []store.Message // 已按时间升序、窗口裁剪至 MaxDiscussionHistoryMessages
	ReplyTargets     []store.ReplyTarget
}

// BuildDiscussionPrompt 构造讨论轮提示词: (system, user)。
func BuildDiscussionPrompt(in DiscussionPromptInput) (system string, user string) {
	system = in.Agent.SystemPrompt

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", in.Topic)
	fmt.Fprintf(&b, "Round: %d\n", in.Round)
	if in.RollingSummary != "" {
		fmt.Fprintf(&b, "\nRolling Summary:\n%s\n", in.RollingSummary)
	}

	if len(in.RecentMessages) > 0 {
		b.WriteString("\nRecent discussion:\n")
		start := 0
		if len(in.RecentMessages) > MaxDiscussionHistoryMessages {
			start = len(in.RecentMessages) - MaxDiscussionHistoryMessages
		}
		for _, m := range in.RecentMessages[start:] {
			speaker := speakerLabel(m)
			fmt.Fprintf(&b, "- %s: %s\n", speaker, Truncate(m.Content, MaxMessageContentChars))
		}
	}

	if len(in.ReplyTargets) > 0 {
		b.WriteString("\nYou MUST respond to:\n")
		for _, rt := range in.ReplyTargets {
			if rt.Quote != "" {
				fmt.Fprintf(&b, "- %s said: %q\n", rt.AgentID, Truncate(rt.Quote, MaxReplyQuoteChars))
			} else {
				fmt.Fprintf(&b, "- %s\n", rt.AgentID)
			}
		}
	}

	b.WriteString("\nRespond with 1-3 core points. If you disagree with another participant, you must propose a concrete alternative, not just an objection.\n")
	user = b.String()
	return system, user
}

// speakerLabel 返回消息的展示名 (agent_id / user / facilitator 等)。
func speakerLabel(m store.Message) string {
	switch m.Role {
	case store.RoleAgent:
		if m.AgentID != nil {
			return *m.AgentID
		}
		return "agent"
	case store.RoleSystem:
		if m.SystemID != nil {
			return string(*m.SystemID)
		}
		return "system"
	default:
		return "user"
	}
}

// VotePromptInput 构造投票提示词所需的上下文。
type VotePromptInput struct {
	Agent          store.AgentConfig
	Topic          string
	RollingSummary string
	ProposalText   string
}

// voteJSONContract 所有投票 / 审批提示词共享的结构化输出合约说明。
const voteJSONContract = "\n\nRespond with a single JSON object only, no prose outside it: " +
	`{"score": <integer 0-100>, "pass": <boolean>, "rationale": "<optional string>"}` + "\n"

// BuildVotePrompt 构造提案投票提示词: (system, user)。
func BuildVotePrompt(in VotePromptInput) (system string, user string) {
	system = in.Agent.SystemPrompt + voteJSONContract

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", in.Topic)
	if in.RollingSummary != "" {
		fmt.Fprintf(&b, "\nRolling Summary:\n%s\n", in.RollingSummary)
	}
	fmt.Fprintf(&b, "\nProposal under review:\n%s\n", in.ProposalText)
	user = b.String()
	return system, user
}

// ApprovalPromptInput 构造最终文档审批提示词所需的上下文。
type ApprovalPromptInput struct {
	Agent   store.AgentConfig
	Topic   string
	Draft   string
	Attempt int
}

// BuildApprovalPrompt 构造最终文档审批提示词: (system, user)。
func BuildApprovalPrompt(in ApprovalPromptInput) (system string, user string) {
	system = in.Agent.SystemPrompt + voteJSONContract

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", in.Topic)
	fmt.Fprintf(&b, "\nFinal Result Document draft (attempt %d):\n%s\n", in.Attempt, in.Draft)
	b.WriteString("\nApprove only if this draft faithfully captures the agreed outcome.\n")
	user = b.String()
	return system, user
}

// FacilitatorPromptInput 构造 Facilitator 提示词所需的上下文。
type FacilitatorPromptInput struct {
	Topic          string
	Round          int
	RollingSummary string
	Messages       []store.Message // 已裁剪至 MaxFacilitatorMessages
	ProposalDraft  string
}

// facilitatorSchemaContract Facilitator 结构化输出契约。
const facilitatorSchemaContract = "\n\nRespond with a single JSON object only: " +
	`{"disagreements": [string, 1-3 items], "proposed_patch": string (<=4000 chars), ` +
	`"next_focus": [string, 1-2 items], "round_summary": string (<=2000 chars)}` + "\n"

// BuildFacilitatorPrompt 构造 Facilitator 提示词: (system, user)。
func BuildFacilitatorPrompt(in FacilitatorPromptInput) (system string, user string) {
	system = "You are the meeting facilitator. Synthesize the round objectively; do not take a side." +
		facilitatorSchemaContract

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", in.Topic)
	fmt.Fprintf(&b, "Round under review: %d\n", in.Round)
	if in.RollingSummary != "" {
		fmt.Fprintf(&b, "\nPrevious rolling summary:\n%s\n", in.RollingSummary)
	}
	if len(in.Messages) > 0 {
		b.WriteString("\nMessages this round:\n")
		msgs := in.Messages
		if len(msgs) > MaxFacilitatorMessages {
			msgs = msgs[len(msgs)-MaxFacilitatorMessages:]
		}
		for _, m := range msgs {
			fmt.Fprintf(&b, "- %s: %s\n", speakerLabel(m), Truncate(m.Content, MaxMessageContentChars))
		}
	}
	if in.ProposalDraft != "" {
		fmt.Fprintf(&b, "\nLatest proposal draft:\n%s\n", in.ProposalDraft)
	}
	user = b.String()
	return system, user
}

// FinalDocumentPromptInput 构造最终文档起草提示词所需的上下文。
type FinalDocumentPromptInput struct {
	Topic            string
	ProposalText     string // 截断至 FinalDocBaseProposalChars
	RecentDiscussion string // 截断至 FinalDocRecentDiscussionChars
}

const finalDocumentOutline = "Decision\nScope & Assumptions\nKey Evidence & Trade-offs\nAgreed Plan\n" +
	"Action Items (table)\nRisks & Mitigations\nOpen Questions\nAcceptance Criteria"

// BuildFinalDocumentPrompt 构造最终结果文档起草提示词: (system, user)。
func BuildFinalDocumentPrompt(in FinalDocumentPromptInput) (system string, user string) {
	system = "You are drafting the Final Result Document for a completed discussion. " +
		"Use exactly this section outline, in order:\n" + finalDocumentOutline

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", in.Topic)
	fmt.Fprintf(&b, "\nAgreed proposal:\n%s\n", Truncate(in.ProposalText, FinalDocBaseProposalChars))
	if in.RecentDiscussion != "" {
		fmt.Fprintf(&b, "\nRecent discussion context:\n%s\n", Truncate(in.RecentDiscussion, FinalDocRecentDiscussionChars))
	}
	user = b.String()
	return system, user
}

// FinalDocumentRevisionInput 构造"修订以满足异议"提示词所需的上下文。
type FinalDocumentRevisionInput struct {
	Topic               string
	CurrentDraft        string
	DissenterRationales []string // 已逐项截断至 MaxDissenterRationaleChars, 总数 <= MaxDissenterItems
}

// BuildFinalDocumentRevisionPrompt 构造修订提示词: (system, user)。
func BuildFinalDocumentRevisionPrompt(in FinalDocumentRevisionInput) (system string, user string) {
	system = "You are revising the Final Result Document to satisfy every reviewer's objections " +
		"while preserving the agreed outline:\n" + finalDocumentOutline

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", in.Topic)
	fmt.Fprintf(&b, "\nCurrent draft:\n%s\n", in.CurrentDraft)

	rationales := in.DissenterRationales
	if len(rationales) > MaxDissenterItems {
		rationales = rationales[:MaxDissenterItems]
	}
	if len(rationales) > 0 {
		b.WriteString("\nObjections to address:\n")
		for _, r := range rationales {
			fmt.Fprintf(&b, "- %s\n", Truncate(r, MaxDissenterRationaleChars))
		}
	}
	user = b.String()
	return system, user
}
