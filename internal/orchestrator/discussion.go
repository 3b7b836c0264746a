// discussion.go — Round 0 (blind), serial-turn, and parallel-round
// discussion driving logic, plus the Facilitator pass.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/multi-agent/go-meeting-orchestrator/internal/facilitator"
	"github.com/multi-agent/go-meeting-orchestrator/internal/gateway"
	"github.com/multi-agent/go-meeting-orchestrator/internal/promptbuilder"
	"github.com/multi-agent/go-meeting-orchestrator/internal/store"
	apperrors "github.com/multi-agent/go-meeting-orchestrator/pkg/errors"
	"github.com/multi-agent/go-meeting-orchestrator/pkg/logger"
)

// agentCallResult captures one Agent discussion call's outcome, whether it
// succeeded or failed, so callers can await-all-settled instead of
// short-circuiting.
type agentCallResult struct {
	agent             store.AgentConfig
	content           string
	usage             *gateway.Usage
	latencyMS         int
	providerRequestID string
	replyTargets      []store.ReplyTarget
	err               error
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// discussionTimeout is the per-agent discussion call bound: max(60s, vote_timeout_ms).
func discussionTimeout(cfg store.MeetingConfig) time.Duration {
	return maxDuration(MinDiscussionTimeout, time.Duration(cfg.Threshold.VoteTimeoutMS)*time.Millisecond)
}

// runBlindRound executes Round 0: every enabled Agent prompted in parallel
// with only the Topic, empty reply_targets, regardless of discussion mode.
func (o *Orchestrator) runBlindRound(ctx context.Context, meeting *store.Meeting, cfg store.MeetingConfig) error {
	agents := cfg.EnabledAgents()
	results := make([]agentCallResult, len(agents))

	g := new(errgroup.Group)
	timeout := discussionTimeout(cfg)
	for i, agent := range agents {
		i, agent := i, agent
		g.Go(func() error {
			results[i] = o.callAgentDiscussion(ctx, agent, meeting.Topic, 0, "", nil, nil, timeout)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrCancelled, "Orchestrator.runBlindRound", "meeting cancelled")
	}

	_, err := o.persistRoundResults(ctx, meeting.ID, 0, store.DiscussionParallelRound, results)
	return err
}

// runDiscussionRound drives one per-round discussion pass under the
// meeting's effective_discussion_mode and returns whether at least one
// agent message was produced this round.
func (o *Orchestrator) runDiscussionRound(ctx context.Context, meeting *store.Meeting, cfg store.MeetingConfig, round int) (bool, error) {
	if round > 0 && cfg.Facilitator.Enabled {
		o.runFacilitatorPass(ctx, meeting, cfg, round)
	}

	mode := store.DiscussionSerialTurn
	if meeting.EffectiveDiscussionMode != nil {
		mode = *meeting.EffectiveDiscussionMode
	}

	var produced int
	var err error
	if mode == store.DiscussionParallelRound {
		produced, err = o.runParallelRound(ctx, meeting, cfg, round)
	} else {
		produced, err = o.runSerialRound(ctx, meeting, cfg, round)
	}
	if err != nil {
		return false, err
	}
	return produced > 0, nil
}

// runSerialRound implements serial_turn: each enabled Agent, in config
// order, reads fresh messages so later Agents see earlier Agents' new
// messages this round.
func (o *Orchestrator) runSerialRound(ctx context.Context, meeting *store.Meeting, cfg store.MeetingConfig, round int) (int, error) {
	agents := cfg.EnabledAgents()
	timeout := discussionTimeout(cfg)
	produced := 0

	for _, agent := range agents {
		if err := ctx.Err(); err != nil {
			return produced, apperrors.Wrap(apperrors.ErrCancelled, "Orchestrator.runSerialRound", "meeting cancelled")
		}

		recent, err := o.deps.Store.ListMessages(ctx, meeting.ID, promptbuilder.MaxDiscussionHistoryMessages*4, "")
		if err != nil {
			return produced, err
		}
		targets := promptbuilder.SelectReplyTargets(recent, agent.ID, cfg.Discussion.CrossReplyTargetsPerAgent)
		rolling := rollingSummaryFromMessages(recent, cfg.Discussion.RollingSummaryEnabled, cfg.Discussion.RollingSummaryMaxChars)

		result := o.callAgentDiscussion(ctx, agent, meeting.Topic, round, rolling, recent, targets, timeout)
		if result.err != nil {
			if apperrors.IsCancellation(result.err) {
				return produced, result.err
			}
			logger.Warnw("agent discussion call failed", logger.FieldAgentID, agent.ID, logger.FieldRound, round, logger.FieldError, result.err)
			o.emitError(ctx, store.ErrCodeAgentError, "agent "+agent.ID+" failed: "+result.err.Error())
			continue
		}

		turnIdx := produced
		if err := o.persistAgentMessage(ctx, meeting.ID, round, store.DiscussionSerialTurn, &turnIdx, result); err != nil {
			return produced, err
		}
		produced++
	}
	return produced, nil
}

// runParallelRound implements parallel_round: snapshot messages once,
// dispatch every enabled Agent concurrently, and drop all results if the
// meeting's stage_version has advanced by the time results are ready (a
// user interrupt invalidated the round).
func (o *Orchestrator) runParallelRound(ctx context.Context, meeting *store.Meeting, cfg store.MeetingConfig, round int) (int, error) {
	snapshot, err := o.deps.Store.ListMessages(ctx, meeting.ID, promptbuilder.MaxDiscussionHistoryMessages*4, "")
	if err != nil {
		return 0, err
	}
	agents := cfg.EnabledAgents()
	results := make([]agentCallResult, len(agents))
	rolling := rollingSummaryFromMessages(snapshot, cfg.Discussion.RollingSummaryEnabled, cfg.Discussion.RollingSummaryMaxChars)
	timeout := discussionTimeout(cfg)

	g := new(errgroup.Group)
	for i, agent := range agents {
		i, agent := i, agent
		targets := promptbuilder.SelectReplyTargets(snapshot, agent.ID, cfg.Discussion.CrossReplyTargetsPerAgent)
		g.Go(func() error {
			results[i] = o.callAgentDiscussion(ctx, agent, meeting.Topic, round, rolling, snapshot, targets, timeout)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCancelled, "Orchestrator.runParallelRound", "meeting cancelled")
	}

	current, err := o.deps.Store.GetMeeting(ctx, meeting.ID)
	if err != nil {
		return 0, err
	}
	if current.StageVersion != meeting.StageVersion {
		logger.Infow("orchestrator: dropping parallel round results, stage_version advanced",
			logger.FieldMeetingID, meeting.ID, logger.FieldRound, round)
		return 0, nil
	}

	return o.persistRoundResults(ctx, meeting.ID, round, store.DiscussionParallelRound, results)
}

// persistRoundResults appends successful agentCallResults in Agent-config
// order with turn_index = i, emitting error events for failed calls and
// message.final for each persisted one.
// Returns the count of agent messages actually persisted; zero is a
// legitimate outcome, handled by the caller via DISCUSSION_EMPTY_SKIP_VOTE.
func (o *Orchestrator) persistRoundResults(ctx context.Context, meetingID string, round int, mode store.DiscussionMode, results []agentCallResult) (int, error) {
	produced := 0
	for i, r := range results {
		if r.err != nil {
			if apperrors.IsCancellation(r.err) {
				continue
			}
			logger.Warnw("agent discussion call failed", logger.FieldAgentID, r.agent.ID, logger.FieldRound, round, logger.FieldError, r.err)
			o.emitError(ctx, store.ErrCodeAgentError, "agent "+r.agent.ID+" failed: "+r.err.Error())
			continue
		}
		turnIdx := i
		if err := o.persistAgentMessage(ctx, meetingID, round, mode, &turnIdx, r); err != nil {
			return produced, err
		}
		produced++
	}
	return produced, nil
}

func (o *Orchestrator) persistAgentMessage(ctx context.Context, meetingID string, round int, mode store.DiscussionMode, turnIndex *int, r agentCallResult) error {
	var usage *store.TokenUsage
	if r.usage != nil {
		usage = &store.TokenUsage{PromptTokens: r.usage.PromptTokens, CompletionTokens: r.usage.CompletionTokens, TotalTokens: r.usage.TotalTokens}
	}
	latency := r.latencyMS
	meta := store.MessageMeta{
		Round: round, TurnIndex: turnIndex, DiscussionMode: mode,
		ReplyTargets: r.replyTargets, Usage: usage, LatencyMS: &latency,
		ProviderRequestID: r.providerRequestID,
	}
	metaBytes, _ := json.Marshal(meta)
	agentID := r.agent.ID
	msg := store.Message{
		MeetingID: meetingID, Role: store.RoleAgent, AgentID: &agentID,
		Content: r.content, Meta: metaBytes,
	}
	persisted, err := o.deps.Store.AppendMessage(ctx, msg)
	if err != nil {
		return err
	}
	o.emitEvent(ctx, store.EventMessageFinal, map[string]any{"message": persisted})
	return nil
}

// callAgentDiscussion builds and dispatches one Agent's discussion call,
// applying the mock-fallback wrapper for recoverable upstream
// errors.
func (o *Orchestrator) callAgentDiscussion(ctx context.Context, agent store.AgentConfig, topic string, round int, rollingSummary string, recentMessages []store.Message, targets []store.ReplyTarget, timeout time.Duration) agentCallResult {
	system, user := promptbuilder.BuildDiscussionPrompt(promptbuilder.DiscussionPromptInput{
		Agent: agent, Topic: topic, Round: round, RollingSummary: rollingSummary,
		RecentMessages: recentMessages, ReplyTargets: targets,
	})

	start := time.Now()
	resp, providerRequestID, err := o.deps.Gateway.GenerateTextWithMockFallback(ctx, gateway.Request{
		ProviderID: agent.Provider, Model: agent.Model,
		Messages:    []gateway.Message{{Role: "system", Content: system}, {Role: "user", Content: user}},
		Temperature: agent.Temperature, MaxTokens: agent.MaxOutputTokens, Timeout: timeout,
		Metadata: map[string]any{"agent_id": agent.ID},
	})
	latency := time.Since(start)
	if err != nil {
		return agentCallResult{agent: agent, err: err}
	}
	return agentCallResult{
		agent: agent, content: resp.Text, usage: resp.Usage,
		latencyMS: int(latency.Milliseconds()), providerRequestID: providerRequestID, replyTargets: targets,
	}
}

// rollingSummaryFromMessages returns the latest facilitator message content
// as the rolling summary; disabled or absent facilitator output means no
// summary is produced.
func rollingSummaryFromMessages(messages []store.Message, enabled bool, maxChars int) string {
	if !enabled {
		return ""
	}
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role == store.RoleSystem && m.SystemID != nil && *m.SystemID == store.SystemFacilitator {
			return promptbuilder.Truncate(m.Content, maxChars)
		}
	}
	return ""
}

// runFacilitatorPass invokes the Facilitator Service before a discussion
// round. On success it appends a system message with the rendered
// markdown output; on failure it logs and lets discussion continue without
// one.
func (o *Orchestrator) runFacilitatorPass(ctx context.Context, meeting *store.Meeting, cfg store.MeetingConfig, round int) {
	priorRound := round - 1
	messages, err := o.deps.Store.ListMessages(ctx, meeting.ID, 2000, "")
	if err != nil {
		logger.Warnw("facilitator pass: failed to list messages", logger.FieldMeetingID, meeting.ID, logger.FieldError, err)
		return
	}
	roundMessages := filterByRoundAtOrAfter(messages, priorRound, maxFacilitatorMessages)
	rolling := rollingSummaryFromMessages(messages, cfg.Discussion.RollingSummaryEnabled, cfg.Discussion.RollingSummaryMaxChars)
	proposal := buildProposalText(messages, priorRound)

	timeout := cfg.Facilitator.TimeoutMS
	if timeout <= 0 {
		timeout = int(DefaultFacilitatorTO.Milliseconds())
	}

	out, err := o.deps.Facilitator.Summarize(ctx, facilitator.Input{
		Topic: meeting.Topic, Round: priorRound, RollingSummary: rolling,
		Messages: roundMessages, ProposalDraft: proposal,
		Provider: cfg.Facilitator.Provider, Model: cfg.Facilitator.Model,
		Temperature: cfg.Facilitator.Temperature, Timeout: time.Duration(timeout) * time.Millisecond,
	})
	if err != nil {
		if apperrors.IsCancellation(err) {
			return
		}
		logger.Warnw("facilitator pass failed, continuing without a facilitator message",
			logger.FieldMeetingID, meeting.ID, logger.FieldRound, round, logger.FieldError, err)
		return
	}

	systemID := store.SystemFacilitator
	meta, _ := json.Marshal(store.MessageMeta{Round: round})
	msg := store.Message{MeetingID: meeting.ID, Role: store.RoleSystem, SystemID: &systemID, Content: out.Markdown(), Meta: meta}
	persisted, err := o.deps.Store.AppendMessage(ctx, msg)
	if err != nil {
		logger.Warnw("facilitator pass: failed to persist message", logger.FieldMeetingID, meeting.ID, logger.FieldError, err)
		return
	}
	o.emitEvent(ctx, store.EventMessageFinal, map[string]any{"message": persisted})
	o.emitEvent(ctx, store.EventFacilitatorOutput, map[string]any{"round": round, "output": out})
}

const maxFacilitatorMessages = promptbuilder.MaxFacilitatorMessages

func filterByRoundAtOrAfter(messages []store.Message, round int, limit int) []store.Message {
	var out []store.Message
	for _, m := range messages {
		meta, err := m.DecodedMeta()
		if err != nil {
			continue
		}
		if meta.Round >= round {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// buildProposalText concatenates the latest round's agent messages with
// agent-id prefixes, truncated, as the mechanically-joined Phase-1 proposal.
func buildProposalText(messages []store.Message, round int) string {
	var parts []string
	for _, m := range messages {
		if m.Role != store.RoleAgent || m.AgentID == nil {
			continue
		}
		meta, err := m.DecodedMeta()
		if err != nil || meta.Round != round {
			continue
		}
		parts = append(parts, "["+*m.AgentID+"] "+promptbuilder.Truncate(m.Content, promptbuilder.MaxMessageContentChars))
	}
	joined := ""
	for i, p := range parts {
		if i > 0 {
			joined += "\n\n"
		}
		joined += p
	}
	return promptbuilder.Truncate(joined, promptbuilder.FinalDocBaseProposalChars)
}
