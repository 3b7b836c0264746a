// Package store 提供所有数据库模型结构体与 Postgres 持久化实现。
//
// Go struct 的 db tag 直接对应 PostgreSQL 列名，JSONB 列承载嵌套配置/负载，
// 消除逐字段映射代码。
package store

import (
	"encoding/json"
	"time"
)

// ========================================
// 会议状态机
// ========================================

// MeetingState 会议所处状态。
type MeetingState string

const (
	StateDraft             MeetingState = "DRAFT"
	StateRunningDiscussion MeetingState = "RUNNING_DISCUSSION"
	StateRunningVote       MeetingState = "RUNNING_VOTE"
	StateFinishedAccepted  MeetingState = "FINISHED_ACCEPTED"
	StateFinishedAborted   MeetingState = "FINISHED_ABORTED"
)

// DiscussionMode 讨论轮次的执行方式。
type DiscussionMode string

const (
	DiscussionAuto          DiscussionMode = "auto"
	DiscussionSerialTurn    DiscussionMode = "serial_turn"
	DiscussionParallelRound DiscussionMode = "parallel_round"
)

// VoteSessionStatus 投票会话状态。
type VoteSessionStatus string

const (
	VoteSessionRunning    VoteSessionStatus = "RUNNING"
	VoteSessionFinalized  VoteSessionStatus = "FINALIZED"
	VoteSessionAborted    VoteSessionStatus = "ABORTED"
	VoteSessionIncomplete VoteSessionStatus = "INCOMPLETE"
)

// MessageRole 消息发送角色。
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
)

// SystemID 系统角色消息的来源标识 (role=system 时使用)。
type SystemID string

const (
	SystemFacilitator  SystemID = "facilitator"
	SystemOrchestrator SystemID = "orchestrator"
)

// ========================================
// 配置 (MeetingConfig) — 会议创建时冻结
// ========================================

// AgentConfig 单个 Agent 的静态配置。
type AgentConfig struct {
	ID              string  `json:"id"`
	DisplayName     string  `json:"display_name"`
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
	SystemPrompt    string  `json:"system_prompt"`
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	Enabled         bool    `json:"enabled"`
}

// DiscussionConfig 讨论轮相关配置。
type DiscussionConfig struct {
	Mode                      DiscussionMode `json:"mode"`
	AutoParallelMinAgents     int            `json:"auto_parallel_min_agents"`
	CrossReplyTargetsPerAgent int            `json:"cross_reply_targets_per_agent"`
	RollingSummaryEnabled     bool           `json:"rolling_summary_enabled"`
	RollingSummaryMaxChars    int            `json:"rolling_summary_max_chars"`
}

// FacilitatorConfig Facilitator 相关配置。
type FacilitatorConfig struct {
	Enabled     bool    `json:"enabled"`
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature"`
	TimeoutMS   int     `json:"timeout_ms"`
}

// ThresholdConfig 投票阈值评估配置。
type ThresholdConfig struct {
	Mode              string `json:"mode"`
	AvgScoreThreshold int    `json:"avg_score_threshold"`
	MinRounds         int    `json:"min_rounds"`
	MaxRounds         int    `json:"max_rounds"`
	VoteTimeoutMS     int    `json:"vote_timeout_ms"`
}

// OutputFormat 最终产物输出形式。
type OutputFormat string

const (
	OutputMarkdown OutputFormat = "markdown"
	OutputJSON     OutputFormat = "json"
	OutputBoth     OutputFormat = "both"
)

// OutputConfig 最终结果渲染配置。
type OutputConfig struct {
	Format OutputFormat `json:"format"`
}

// MeetingConfig 会议创建时冻结的完整配置。
type MeetingConfig struct {
	Agents      []AgentConfig     `json:"agents"`
	Discussion  DiscussionConfig  `json:"discussion"`
	Facilitator FacilitatorConfig `json:"facilitator"`
	Threshold   ThresholdConfig   `json:"threshold"`
	Output      OutputConfig      `json:"output"`
}

// EnabledAgents 返回按配置原始顺序排列的已启用 Agent。
func (c MeetingConfig) EnabledAgents() []AgentConfig {
	out := make([]AgentConfig, 0, len(c.Agents))
	for _, a := range c.Agents {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// ========================================
// Meeting — 表 meetings
// ========================================

// Meeting 会议主记录。
type Meeting struct {
	ID                      string          `db:"id" json:"id"`
	Topic                   string          `db:"topic" json:"topic"`
	State                   MeetingState    `db:"state" json:"state"`
	Round                   int             `db:"round" json:"round"`
	StageVersion            int             `db:"stage_version" json:"stage_version"`
	EffectiveDiscussionMode *DiscussionMode `db:"effective_discussion_mode" json:"effective_discussion_mode,omitempty"`
	ActiveVoteSessionID     *string         `db:"active_vote_session_id" json:"active_vote_session_id,omitempty"`
	Result                  []byte          `db:"result" json:"-"`
	Config                  []byte          `db:"config" json:"-"`
	CreatedAt               time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time       `db:"updated_at" json:"updated_at"`
}

// DecodedConfig 反序列化 Meeting.Config 为 MeetingConfig。
func (m *Meeting) DecodedConfig() (MeetingConfig, error) {
	var cfg MeetingConfig
	if len(m.Config) == 0 {
		return cfg, nil
	}
	err := jsonUnmarshal(m.Config, &cfg)
	return cfg, err
}

// MeetingResult 终态结果负载 (result 列反序列化目标)。
type MeetingResult struct {
	Accepted     bool           `json:"accepted"`
	Reason       string         `json:"reason"`
	ConcludedAt  time.Time      `json:"concluded_at"`
	ReportMD     string         `json:"report_markdown,omitempty"`
	SummaryJSON  map[string]any `json:"summary_json,omitempty"`
	FinalDraft   string         `json:"final_draft,omitempty"`
	MessageCount int            `json:"message_count"`
	VoteCount    int            `json:"vote_count"`
}

// DecodedResult 反序列化 Meeting.Result 为 MeetingResult。
func (m *Meeting) DecodedResult() (*MeetingResult, error) {
	if len(m.Result) == 0 {
		return nil, nil
	}
	var r MeetingResult
	if err := jsonUnmarshal(m.Result, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// MeetingPatch 限定的 update_meeting 字段集合。
type MeetingPatch struct {
	State                   *MeetingState
	Round                   *int
	StageVersion            *int
	EffectiveDiscussionMode *DiscussionMode
	ActiveVoteSessionID     *string
	ClearActiveVoteSession  bool
	Result                  *MeetingResult
}

// ========================================
// Message — 表 messages
// ========================================

// ReplyTarget 一条消息对另一个 Agent 最新观点的回应指向。
type ReplyTarget struct {
	AgentID string `json:"agent_id"`
	Quote   string `json:"quote,omitempty"`
}

// TokenUsage 一次生成调用的 token 统计。
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// MessageMeta 消息元数据 (meta JSONB 列)。
type MessageMeta struct {
	Round             int            `json:"round"`
	TurnIndex         *int           `json:"turn_index,omitempty"`
	DiscussionMode    DiscussionMode `json:"discussion_mode,omitempty"`
	ReplyTargets      []ReplyTarget  `json:"reply_targets,omitempty"`
	Usage             *TokenUsage    `json:"usage,omitempty"`
	LatencyMS         *int           `json:"latency_ms,omitempty"`
	ProviderRequestID string         `json:"provider_request_id,omitempty"`
}

// Message 不可变追加记录。
type Message struct {
	ID        string      `db:"id" json:"id"`
	MeetingID string      `db:"meeting_id" json:"meeting_id"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	Role      MessageRole `db:"role" json:"role"`
	AgentID   *string     `db:"agent_id" json:"agent_id,omitempty"`
	SystemID  *SystemID   `db:"system_id" json:"system_id,omitempty"`
	Content   string      `db:"content" json:"content"`
	Meta      []byte      `db:"meta" json:"-"`
}

// DecodedMeta 反序列化 Message.Meta 为 MessageMeta。
func (m *Message) DecodedMeta() (MessageMeta, error) {
	var meta MessageMeta
	if len(m.Meta) == 0 {
		return meta, nil
	}
	err := jsonUnmarshal(m.Meta, &meta)
	return meta, err
}

// ========================================
// Vote — 表 votes
// ========================================

// Vote 单个 Agent 对一次提案的表决。
type Vote struct {
	ID            string    `db:"id" json:"id"`
	MeetingID     string    `db:"meeting_id" json:"meeting_id"`
	VoteSessionID string    `db:"vote_session_id" json:"vote_session_id"`
	VoterAgentID  string    `db:"voter_agent_id" json:"voter_agent_id"`
	Score         int       `db:"score" json:"score"`
	Pass          bool      `db:"pass" json:"pass"`
	Rationale     string    `db:"rationale" json:"rationale,omitempty"`
	StageVersion  int       `db:"stage_version" json:"stage_version"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// ========================================
// VoteSession — 表 vote_sessions
// ========================================

// VoteSession 一次提案文本在单一 stage_version 下的有界表决集合。
type VoteSession struct {
	ID                    string            `db:"id" json:"id"`
	MeetingID             string            `db:"meeting_id" json:"meeting_id"`
	Round                 int               `db:"round" json:"round"`
	StageVersion          int               `db:"stage_version" json:"stage_version"`
	ProposalText          string            `db:"proposal_text" json:"proposal_text"`
	Status                VoteSessionStatus `db:"status" json:"status"`
	ExpectedVoterAgentIDs []string          `db:"expected_voter_agent_ids" json:"expected_voter_agent_ids"`
	StartedAt             time.Time         `db:"started_at" json:"started_at"`
	EndedAt               *time.Time        `db:"ended_at" json:"ended_at,omitempty"`
}

// VoteSessionFinalize 终结一个 VoteSession 所需的字段集。
type VoteSessionFinalize struct {
	MeetingID string
	ID        string
	Status    VoteSessionStatus
	EndedAt   time.Time
}

// ========================================
// Event — 表 events
// ========================================

// EventType 会议事件类型。
type EventType string

const (
	EventMeetingStateChanged EventType = "meeting.state_changed"
	EventMessageFinal        EventType = "message.final"
	EventFacilitatorOutput   EventType = "facilitator.output"
	EventVoteSessionStarted  EventType = "vote.session_started"
	EventVoteReceived        EventType = "vote.received"
	EventVoteSessionFinal    EventType = "vote.session_final"
	EventError               EventType = "error"
)

// Error event codes.
const (
	ErrCodeAgentError              = "AGENT_ERROR"
	ErrCodeRunnerError             = "RUNNER_ERROR"
	ErrCodeDiscussionEmptySkipVote = "DISCUSSION_EMPTY_SKIP_VOTE"
)

// Event 会议事件日志条目，id 为进程内单调递增计数器。
type Event struct {
	ID        int64     `db:"id" json:"id"`
	MeetingID string    `db:"meeting_id" json:"meeting_id"`
	At        time.Time `db:"at" json:"at"`
	Type      EventType `db:"type" json:"type"`
	Payload   []byte    `db:"payload" json:"payload"`
}

// NewEvent 构造一个待分配 id 的事件 (append_event 的输入形状)。
func NewEvent(meetingID string, typ EventType, payload any) Event {
	return Event{
		MeetingID: meetingID,
		Type:      typ,
		Payload:   mustMarshalJSON(payload),
	}
}

func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
