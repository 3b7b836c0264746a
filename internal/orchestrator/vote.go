// vote.go — Vote Session (Phase 1) and Final-Document approval loop
// (Phase 2).
package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/multi-agent/go-meeting-orchestrator/internal/gateway"
	"github.com/multi-agent/go-meeting-orchestrator/internal/promptbuilder"
	"github.com/multi-agent/go-meeting-orchestrator/internal/report"
	"github.com/multi-agent/go-meeting-orchestrator/internal/store"
	"github.com/multi-agent/go-meeting-orchestrator/internal/threshold"
	apperrors "github.com/multi-agent/go-meeting-orchestrator/pkg/errors"
	"github.com/multi-agent/go-meeting-orchestrator/pkg/logger"
)

// voteTimeout is the per-agent vote call bound: max(15s, vote_timeout_ms).
func voteTimeout(cfg store.MeetingConfig) time.Duration {
	return maxDuration(MinVoteTimeout, time.Duration(cfg.Threshold.VoteTimeoutMS)*time.Millisecond)
}

// runVoteStage drives Phase 1 (proposal vote) and, on acceptance, Phase 2
// (Final-Document approval loop). Returns true only once the meeting has
// reached FINISHED_ACCEPTED.
func (o *Orchestrator) runVoteStage(ctx context.Context, round int, cfg store.MeetingConfig) (bool, error) {
	meeting, err := o.deps.Store.GetMeeting(ctx, o.meetingID)
	if err != nil {
		return false, err
	}
	messages, err := o.deps.Store.ListMessages(ctx, o.meetingID, 2000, "")
	if err != nil {
		return false, err
	}
	proposal := buildProposalText(messages, round)
	rolling := rollingSummaryFromMessages(messages, cfg.Discussion.RollingSummaryEnabled, cfg.Discussion.RollingSummaryMaxChars)

	vs, stageVersion, err := o.openVoteSession(ctx, round, proposal)
	if err != nil {
		return false, err
	}

	voteCtx, cancel := o.newVoteContext()
	defer cancel()

	verdict, err := o.collectAndEvaluate(voteCtx, vs, stageVersion, cfg, round, "proposal", 0, meeting.Topic, rolling)
	if err != nil {
		return false, err
	}
	if verdict == nil {
		// stage_version advanced mid-flight: the interrupt path already
		// transitioned the meeting; nothing left to do here.
		return false, nil
	}

	o.emitEvent(ctx, store.EventVoteSessionFinal, map[string]any{
		"vote_session_id": vs.ID, "stage_version": stageVersion,
		"accepted": verdict.Accepted, "avg_score": verdict.AvgScore, "reason": verdict.Reason, "kind": "proposal",
	})
	if err := o.deps.Store.FinalizeVoteSession(ctx, store.VoteSessionFinalize{
		MeetingID: o.meetingID, ID: vs.ID, Status: store.VoteSessionFinalized, EndedAt: time.Now().UTC(),
	}); err != nil {
		return false, err
	}

	if !verdict.Accepted {
		if err := o.rejectVote(ctx); err != nil {
			return false, err
		}
		return false, nil
	}

	// Phase 2 runs under the same vote-scoped context, so a user interrupt
	// during the approval loop cuts its in-flight calls short instead of
	// letting them run to their full timeout.
	return o.runFinalDocumentLoop(voteCtx, cfg, meeting.Topic, proposal, messages)
}

// openVoteSession performs the RUNNING_DISCUSSION -> RUNNING_VOTE
// transition under the meeting lock, creates a RUNNING VoteSession at the
// new stage_version V, and records it as active_vote_session_id.
func (o *Orchestrator) openVoteSession(ctx context.Context, round int, proposal string) (*store.VoteSession, int, error) {
	var vs *store.VoteSession
	var version int
	err := o.deps.Store.WithMeetingLock(ctx, o.meetingID, func(ctx context.Context) error {
		meeting, err := o.deps.Store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		version = meeting.StageVersion + 1
		cfg, err := meeting.DecodedConfig()
		if err != nil {
			return err
		}
		voterIDs := make([]string, 0)
		for _, a := range cfg.EnabledAgents() {
			voterIDs = append(voterIDs, a.ID)
		}

		created, err := o.deps.Store.CreateVoteSession(ctx, store.VoteSession{
			MeetingID: o.meetingID, Round: round, StageVersion: version,
			ProposalText: proposal, Status: store.VoteSessionRunning, ExpectedVoterAgentIDs: voterIDs,
		})
		if err != nil {
			return err
		}

		state := store.StateRunningVote
		activeID := created.ID
		if _, err := o.deps.Store.UpdateMeeting(ctx, o.meetingID, store.MeetingPatch{
			State: &state, StageVersion: &version, ActiveVoteSessionID: &activeID,
		}); err != nil {
			return err
		}
		vs = created
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	o.emitEvent(ctx, store.EventMeetingStateChanged, map[string]any{"state": store.StateRunningVote, "round": round, "stage_version": version})
	o.emitEvent(ctx, store.EventVoteSessionStarted, map[string]any{"vote_session_id": vs.ID, "stage_version": version, "kind": "proposal"})
	return vs, version, nil
}

// rejectVote implements the RUNNING_VOTE -> RUNNING_DISCUSSION rejection
// transition.
func (o *Orchestrator) rejectVote(ctx context.Context) error {
	return o.deps.Store.WithMeetingLock(ctx, o.meetingID, func(ctx context.Context) error {
		meeting, err := o.deps.Store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		if meeting.State != store.StateRunningVote {
			return nil // already moved on via an interrupt
		}
		version := meeting.StageVersion + 1
		state := store.StateRunningDiscussion
		updated, err := o.deps.Store.UpdateMeeting(ctx, o.meetingID, store.MeetingPatch{
			State: &state, StageVersion: &version, ClearActiveVoteSession: true,
		})
		if err != nil {
			return err
		}
		o.emitEvent(ctx, store.EventMeetingStateChanged, map[string]any{
			"state": updated.State, "round": updated.Round, "stage_version": updated.StageVersion,
		})
		return nil
	})
}

// voteCallResult captures one Agent's vote call outcome for await-all-settled
// dispatch.
type voteCallResult struct {
	agentID   string
	score     int
	pass      bool
	rationale string
	err       error
}

// collectAndEvaluate dispatches one vote call per enabled Agent
// concurrently, persists survivors under the stage-version-drop rule, and
// evaluates the aggregate against the threshold. It is used for proposal
// votes only; the Final-Document approval loop calls dispatchVotes directly
// and checks unanimity itself.
func (o *Orchestrator) collectAndEvaluate(ctx context.Context, vs *store.VoteSession, stageVersion int, cfg store.MeetingConfig, round int, kind string, attempt int, topic, rollingSummary string) (*threshold.Verdict, error) {
	votes, err := o.dispatchVotes(ctx, vs, stageVersion, cfg, kind, attempt, "", topic, rollingSummary)
	if err != nil {
		return nil, err
	}

	current, err := o.deps.Store.GetMeeting(ctx, o.meetingID)
	if err != nil {
		return nil, err
	}
	if current.StageVersion != stageVersion {
		return nil, nil
	}

	agg := threshold.Aggregation{}
	for _, v := range votes {
		agg.Scores = append(agg.Scores, v.score)
	}
	verdict := threshold.Evaluate(threshold.Threshold{
		Mode: cfg.Threshold.Mode, AvgScoreThreshold: cfg.Threshold.AvgScoreThreshold, MinRounds: cfg.Threshold.MinRounds,
	}, round, agg)
	return &verdict, nil
}

// dispatchVotes runs the concurrent per-Agent vote/approval calls and
// persists surviving votes under the stage-version-drop rule.
func (o *Orchestrator) dispatchVotes(ctx context.Context, vs *store.VoteSession, stageVersion int, cfg store.MeetingConfig, kind string, attempt int, draft string, topic, rollingSummary string) ([]voteCallResult, error) {
	agents := cfg.EnabledAgents()
	results := make([]voteCallResult, len(agents))
	timeout := voteTimeout(cfg)

	g := new(errgroup.Group)
	for i, agent := range agents {
		i, agent := i, agent
		g.Go(func() error {
			results[i] = o.callAgentVote(ctx, agent, cfg, vs, kind, attempt, draft, topic, rollingSummary, timeout)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCancelled, "Orchestrator.dispatchVotes", "vote cancelled")
	}

	persisted := make([]voteCallResult, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			if apperrors.IsCancellation(r.err) {
				continue
			}
			logger.Warnw("vote call failed", logger.FieldVoterAgentID, r.agentID, logger.FieldError, r.err)
			continue
		}
		v := store.Vote{
			MeetingID: o.meetingID, VoteSessionID: vs.ID, VoterAgentID: r.agentID,
			Score: r.score, Pass: r.pass, Rationale: r.rationale, StageVersion: stageVersion,
		}
		persistedVote, err := o.deps.Store.AppendVote(ctx, v)
		if err != nil {
			if errors.Is(err, apperrors.ErrStaleStageVersion) {
				continue // stage_version advanced mid-flight: silently drop.
			}
			return nil, err
		}
		o.emitEvent(ctx, store.EventVoteReceived, map[string]any{"vote": persistedVote, "kind": kind})
		persisted = append(persisted, r)
	}
	return persisted, nil
}

// callAgentVote builds and dispatches one Agent's vote or approval call,
// parsing the JSON contract and substituting a fixed fallback vote on
// parse failure.
func (o *Orchestrator) callAgentVote(ctx context.Context, agent store.AgentConfig, cfg store.MeetingConfig, vs *store.VoteSession, kind string, attempt int, draft string, topic, rollingSummary string, timeout time.Duration) voteCallResult {
	var system, user string
	if kind == "approval" {
		system, user = promptbuilder.BuildApprovalPrompt(promptbuilder.ApprovalPromptInput{Agent: agent, Topic: topic, Draft: draft, Attempt: attempt})
	} else {
		system, user = promptbuilder.BuildVotePrompt(promptbuilder.VotePromptInput{Agent: agent, Topic: topic, RollingSummary: rollingSummary, ProposalText: vs.ProposalText})
	}

	resp, _, err := o.deps.Gateway.GenerateTextWithMockFallback(ctx, gateway.Request{
		ProviderID: agent.Provider, Model: agent.Model,
		Messages:       []gateway.Message{{Role: "system", Content: system}, {Role: "user", Content: user}},
		Temperature:    0.1,
		MaxTokens:      agent.MaxOutputTokens,
		Timeout:        timeout,
		ResponseFormat: "json_object",
		Metadata:       map[string]any{"agent_id": agent.ID},
	})
	if err != nil {
		return voteCallResult{agentID: agent.ID, err: err}
	}

	parsed := promptbuilder.ExtractJSON(resp.Text)
	if parsed == nil {
		return voteCallResult{agentID: agent.ID, score: 50, pass: false, rationale: "Failed to parse vote response"}
	}
	score, _ := parsed["score"].(float64)
	pass, _ := parsed["pass"].(bool)
	rationale, _ := parsed["rationale"].(string)
	return voteCallResult{agentID: agent.ID, score: int(score), pass: pass, rationale: rationale}
}

// runFinalDocumentLoop implements Phase 2: draft, run up to
// maxApprovalAttempts unanimity-checking approval rounds, revise between
// attempts, and transition to FINISHED_ACCEPTED or FINISHED_ABORTED.
//
// voteCtx is the vote-scoped context: drafting, approval dispatch, and
// revision all observe vote_cancel in addition to meeting_cancel, so a user
// interrupt cancels in-flight approval-phase calls immediately. Terminal
// persistence (accept / unanimity abort) runs on the meeting context, since
// those writes outlive the vote phase.
func (o *Orchestrator) runFinalDocumentLoop(voteCtx context.Context, cfg store.MeetingConfig, topic, proposal string, recentMessages []store.Message) (bool, error) {
	draft, err := o.draftFinalDocument(voteCtx, cfg, topic, proposal, recentMessages)
	if err != nil {
		if apperrors.IsCancellation(err) {
			return false, err
		}
		return false, o.abortUnapproved(o.meetingCtx, draft, nil, "final result document drafting failed")
	}

	var lastApprovals []voteCallResult
	for attempt := 1; attempt <= maxApprovalAttempts; attempt++ {
		vs, stageVersion, err := o.openApprovalVoteSession(voteCtx, attempt)
		if err != nil {
			if errors.Is(err, apperrors.ErrMeetingTerminal) {
				// A user interrupt moved the meeting out of RUNNING_VOTE
				// between attempts; the interrupt path already owns the
				// transition, so surface this as a cancellation.
				return false, apperrors.Wrap(apperrors.ErrCancelled, "Orchestrator.runFinalDocumentLoop", "interrupted before approval attempt")
			}
			return false, err
		}

		votes, err := o.dispatchVotes(voteCtx, vs, stageVersion, cfg, "approval", attempt, draft, topic, "")
		if err != nil {
			return false, err
		}
		lastApprovals = votes

		current, err := o.deps.Store.GetMeeting(voteCtx, o.meetingID)
		if err != nil {
			return false, err
		}
		if current.StageVersion != stageVersion {
			return false, nil // interrupted mid-flight
		}

		unanimous := isUnanimous(votes, cfg.EnabledAgents())
		status := store.VoteSessionIncomplete
		if unanimous {
			status = store.VoteSessionFinalized
		}
		if err := o.deps.Store.FinalizeVoteSession(voteCtx, store.VoteSessionFinalize{
			MeetingID: o.meetingID, ID: vs.ID, Status: status, EndedAt: time.Now().UTC(),
		}); err != nil {
			return false, err
		}
		o.emitEvent(voteCtx, store.EventVoteSessionFinal, map[string]any{
			"vote_session_id": vs.ID, "stage_version": stageVersion, "accepted": unanimous, "kind": "approval", "attempt": attempt,
		})

		if unanimous {
			return true, o.acceptMeeting(o.meetingCtx, draft, votes)
		}

		if attempt == maxApprovalAttempts {
			break
		}
		draft, err = o.reviseFinalDocument(voteCtx, cfg, topic, draft, dissenterRationales(votes))
		if err != nil {
			if apperrors.IsCancellation(err) {
				return false, err
			}
			break
		}
	}

	return false, o.abortUnapproved(o.meetingCtx, draft, lastApprovals, "Final result document was not approved by all agents after "+strconv.Itoa(maxApprovalAttempts)+" attempt(s)")
}

func (o *Orchestrator) openApprovalVoteSession(ctx context.Context, attempt int) (*store.VoteSession, int, error) {
	var vs *store.VoteSession
	var version int
	err := o.deps.Store.WithMeetingLock(ctx, o.meetingID, func(ctx context.Context) error {
		meeting, err := o.deps.Store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		if meeting.State != store.StateRunningVote {
			return apperrors.Wrap(apperrors.ErrMeetingTerminal, "Orchestrator.openApprovalVoteSession", "meeting left RUNNING_VOTE")
		}
		version = meeting.StageVersion + 1
		cfg, err := meeting.DecodedConfig()
		if err != nil {
			return err
		}
		voterIDs := make([]string, 0)
		for _, a := range cfg.EnabledAgents() {
			voterIDs = append(voterIDs, a.ID)
		}
		created, err := o.deps.Store.CreateVoteSession(ctx, store.VoteSession{
			MeetingID: o.meetingID, Round: meeting.Round, StageVersion: version,
			ProposalText: "final_document_attempt_" + strconv.Itoa(attempt), Status: store.VoteSessionRunning, ExpectedVoterAgentIDs: voterIDs,
		})
		if err != nil {
			return err
		}
		activeID := created.ID
		if _, err := o.deps.Store.UpdateMeeting(ctx, o.meetingID, store.MeetingPatch{StageVersion: &version, ActiveVoteSessionID: &activeID}); err != nil {
			return err
		}
		vs = created
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	o.emitEvent(ctx, store.EventVoteSessionStarted, map[string]any{"vote_session_id": vs.ID, "stage_version": version, "kind": "approval", "attempt": attempt})
	return vs, version, nil
}

func isUnanimous(votes []voteCallResult, enabled []store.AgentConfig) bool {
	if len(votes) < len(enabled) {
		return false
	}
	passed := make(map[string]bool, len(votes))
	for _, v := range votes {
		passed[v.agentID] = v.pass
	}
	for _, a := range enabled {
		if !passed[a.ID] {
			return false
		}
	}
	return true
}

func dissenterRationales(votes []voteCallResult) []string {
	var out []string
	for _, v := range votes {
		if !v.pass && v.rationale != "" {
			out = append(out, v.rationale)
		}
	}
	return out
}

// acceptMeeting performs the final RUNNING_VOTE -> FINISHED_ACCEPTED
// transition and persists the rendered report.
func (o *Orchestrator) acceptMeeting(ctx context.Context, draft string, approvals []voteCallResult) error {
	return o.deps.Store.WithMeetingLock(ctx, o.meetingID, func(ctx context.Context) error {
		meeting, err := o.deps.Store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		messages, _ := o.deps.Store.ListMessages(ctx, o.meetingID, 5000, "")
		votes, _ := o.deps.Store.ListVotes(ctx, o.meetingID, "")

		in := report.Input{
			Meeting: meeting, Messages: messages, Votes: votes, FinalDocument: draft,
			Approvals: toApprovalRecords(approvals), Accepted: true,
			Reason: "unanimous approval reached", ConcludedAt: time.Now().UTC(),
		}
		result := &store.MeetingResult{
			Accepted: true, Reason: in.Reason, ConcludedAt: in.ConcludedAt,
			ReportMD: report.BuildMarkdown(in), SummaryJSON: report.BuildSummaryJSON(in),
			FinalDraft: draft, MessageCount: len(messages), VoteCount: len(votes),
		}
		state := store.StateFinishedAccepted
		version := meeting.StageVersion + 1
		updated, err := o.deps.Store.UpdateMeeting(ctx, o.meetingID, store.MeetingPatch{
			State: &state, StageVersion: &version, Result: result, ClearActiveVoteSession: true,
		})
		if err != nil {
			return err
		}
		o.emitEvent(ctx, store.EventMeetingStateChanged, map[string]any{
			"state": updated.State, "round": updated.Round, "stage_version": updated.StageVersion,
		})
		return nil
	})
}

// abortUnapproved transitions to FINISHED_ABORTED when the Final-Document
// editor or the unanimity loop exhausts its attempts.
func (o *Orchestrator) abortUnapproved(ctx context.Context, draft string, approvals []voteCallResult, reason string) error {
	return o.deps.Store.WithMeetingLock(ctx, o.meetingID, func(ctx context.Context) error {
		meeting, err := o.deps.Store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		if isTerminal(meeting.State) {
			return nil
		}
		messages, _ := o.deps.Store.ListMessages(ctx, o.meetingID, 5000, "")
		votes, _ := o.deps.Store.ListVotes(ctx, o.meetingID, "")

		in := report.Input{
			Meeting: meeting, Messages: messages, Votes: votes, FinalDocument: draft,
			Approvals: toApprovalRecords(approvals), Accepted: false, Reason: reason, ConcludedAt: time.Now().UTC(),
		}
		result := &store.MeetingResult{
			Accepted: false, Reason: reason, ConcludedAt: in.ConcludedAt,
			ReportMD: report.BuildMarkdown(in), SummaryJSON: report.BuildSummaryJSON(in),
			FinalDraft: draft, MessageCount: len(messages), VoteCount: len(votes),
		}
		state := store.StateFinishedAborted
		version := meeting.StageVersion + 1
		updated, err := o.deps.Store.UpdateMeeting(ctx, o.meetingID, store.MeetingPatch{
			State: &state, StageVersion: &version, Result: result, ClearActiveVoteSession: true,
		})
		if err != nil {
			return err
		}
		o.emitEvent(ctx, store.EventMeetingStateChanged, map[string]any{
			"state": updated.State, "round": updated.Round, "stage_version": updated.StageVersion,
		})
		return nil
	})
}

func toApprovalRecords(votes []voteCallResult) []report.ApprovalRecord {
	out := make([]report.ApprovalRecord, 0, len(votes))
	for _, v := range votes {
		out = append(out, report.ApprovalRecord{AgentID: v.agentID, Pass: v.pass, Score: v.score, Rationale: v.rationale})
	}
	return out
}
