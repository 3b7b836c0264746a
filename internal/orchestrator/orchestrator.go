// Package orchestrator implements the Meeting Orchestrator state machine:
// the only component in the system with mutable state tied to a
// single meeting. It drives discussion rounds, the vote session and
// Final-Document approval loop, interruption, and recovery, while
// delegating persistence to a Store, text generation to a Gateway, and
// round summarization to a Facilitator Service.
//
// One Orchestrator instance owns exactly one meeting for the lifetime of
// the process.
package orchestrator

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/multi-agent/go-meeting-orchestrator/internal/facilitator"
	"github.com/multi-agent/go-meeting-orchestrator/internal/gateway"
	"github.com/multi-agent/go-meeting-orchestrator/internal/store"
	apperrors "github.com/multi-agent/go-meeting-orchestrator/pkg/errors"
	"github.com/multi-agent/go-meeting-orchestrator/pkg/logger"
)

// Store is the subset of internal/store.Store the orchestrator depends on.
// Declared as an interface so tests can supply an in-memory fake instead of
// a Postgres-backed Store.
type Store interface {
	WithMeetingLock(ctx context.Context, meetingID string, fn func(ctx context.Context) error) error
	GetMeeting(ctx context.Context, id string) (*store.Meeting, error)
	UpdateMeeting(ctx context.Context, id string, patch store.MeetingPatch) (*store.Meeting, error)
	AppendMessage(ctx context.Context, msg store.Message) (*store.Message, error)
	ListMessages(ctx context.Context, meetingID string, limit int, afterMessageID string) ([]store.Message, error)
	CreateVoteSession(ctx context.Context, vs store.VoteSession) (*store.VoteSession, error)
	FinalizeVoteSession(ctx context.Context, f store.VoteSessionFinalize) error
	AppendVote(ctx context.Context, v store.Vote) (*store.Vote, error)
	ListVotes(ctx context.Context, meetingID string, voteSessionID string) ([]store.Vote, error)
}

// EventBus is the fan-out/replay collaborator the orchestrator emits
// events through.
type EventBus interface {
	Publish(ctx context.Context, meetingID string, typ store.EventType, payload any) (*store.Event, error)
}

// Deps bundles the orchestrator's mandatory collaborators.
type Deps struct {
	Store       Store
	Bus         EventBus
	Gateway     *gateway.Gateway
	Facilitator *facilitator.Service
}

// Timeout floors.
const (
	MinDiscussionTimeout = 60 * time.Second
	MinVoteTimeout       = 15 * time.Second
	MinFinalDocTimeout   = 90 * time.Second
	DefaultFacilitatorTO = 90 * time.Second
	maxApprovalAttempts  = 3
	maxConsecutiveEmpty  = 2
)

// Orchestrator drives a single meeting's state machine end to end.
type Orchestrator struct {
	deps      Deps
	meetingID string

	meetingCtx    context.Context
	meetingCancel context.CancelFunc

	voteMu     sync.Mutex
	voteCancel context.CancelFunc

	emptyRounds int
}

// New constructs an Orchestrator for meetingID. The orchestrator owns a
// background-rooted context for the meeting's lifetime, independent of any
// request-scoped context a caller might pass to Run.
func New(deps Deps, meetingID string) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:          deps,
		meetingID:     meetingID,
		meetingCtx:    ctx,
		meetingCancel: cancel,
	}
}

// Run executes the full meeting lifecycle: start, discussion rounds, vote
// stages, and the Final-Document approval loop, until a terminal state is
// reached. It never returns while the meeting is RUNNING_*.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("orchestrator: panic recovered, aborting meeting",
				logger.FieldMeetingID, o.meetingID, "panic", r)
			o.emitError(context.Background(), store.ErrCodeRunnerError, "panic recovered")
			o.forceAbort(context.Background(), "internal error")
		}
	}()
	defer func() {
		if err != nil && !apperrors.IsCancellation(err) {
			o.emitError(context.Background(), store.ErrCodeRunnerError, "run failed: "+err.Error())
			_ = o.forceAbort(context.Background(), "internal error")
		}
	}()

	meeting, err := o.start(o.meetingCtx)
	if err != nil {
		return apperrors.Wrap(err, "Orchestrator.Run", "start meeting")
	}

	cfg, err := meeting.DecodedConfig()
	if err != nil {
		o.emitError(o.meetingCtx, store.ErrCodeRunnerError, "invalid meeting config")
		return o.forceAbort(o.meetingCtx, "invalid configuration")
	}

	if err := o.runBlindRound(o.meetingCtx, meeting, cfg); err != nil {
		if apperrors.IsCancellation(err) {
			return nil
		}
		o.emitError(o.meetingCtx, store.ErrCodeRunnerError, "round 0 failed: "+err.Error())
		return o.forceAbort(o.meetingCtx, "internal error in round 0")
	}

	for round := 1; ; round++ {
		if round > cfg.Threshold.MaxRounds {
			return o.forceAbort(o.meetingCtx, "max rounds reached")
		}

		meeting, err = o.deps.Store.GetMeeting(o.meetingCtx, o.meetingID)
		if err != nil {
			return apperrors.Wrap(err, "Orchestrator.Run", "reload meeting")
		}
		if isTerminal(meeting.State) {
			return nil
		}

		produced, err := o.runDiscussionRound(o.meetingCtx, meeting, cfg, round)
		if err != nil {
			if apperrors.IsCancellation(err) {
				return nil
			}
			o.emitError(o.meetingCtx, store.ErrCodeRunnerError, "round failed: "+err.Error())
			return o.forceAbort(o.meetingCtx, "internal error in round "+strconv.Itoa(round))
		}

		if !produced {
			o.emitEvent(o.meetingCtx, store.EventError, map[string]any{
				"code":    store.ErrCodeDiscussionEmptySkipVote,
				"message": "discussion round produced no agent messages, skipping vote",
			})
			o.emptyRounds++
			if _, err := o.deps.Store.UpdateMeeting(o.meetingCtx, o.meetingID, store.MeetingPatch{Round: intPtr(round)}); err != nil {
				return apperrors.Wrap(err, "Orchestrator.Run", "record empty round")
			}
			if o.emptyRounds >= maxConsecutiveEmpty {
				return o.forceAbort(o.meetingCtx, "two consecutive empty discussion rounds")
			}
			continue
		}
		o.emptyRounds = 0

		if _, err := o.deps.Store.UpdateMeeting(o.meetingCtx, o.meetingID, store.MeetingPatch{Round: intPtr(round)}); err != nil {
			return apperrors.Wrap(err, "Orchestrator.Run", "record round")
		}

		if round < cfg.Threshold.MinRounds {
			continue
		}

		accepted, err := o.runVoteStage(o.meetingCtx, round, cfg)
		if err != nil {
			if apperrors.IsCancellation(err) {
				if o.meetingCtx.Err() != nil {
					// meeting_cancel fired: an explicit abort already
					// transitioned the meeting to FINISHED_ABORTED.
					return nil
				}
				// Only vote_cancel fired: a user interrupt during
				// RUNNING_VOTE already transitioned the meeting back
				// to RUNNING_DISCUSSION with a bumped stage_version. The
				// meeting is still live, so keep driving it into the next
				// discussion round rather than ending the run loop.
				continue
			}
			return apperrors.Wrap(err, "Orchestrator.Run", "vote stage")
		}
		if accepted {
			return nil
		}
		// rejected: main loop continues into the next discussion round.
	}
}

// start performs the DRAFT -> RUNNING_DISCUSSION transition, resolving
// effective_discussion_mode from config.
func (o *Orchestrator) start(ctx context.Context) (*store.Meeting, error) {
	var result *store.Meeting
	err := o.deps.Store.WithMeetingLock(ctx, o.meetingID, func(ctx context.Context) error {
		meeting, err := o.deps.Store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		cfg, err := meeting.DecodedConfig()
		if err != nil {
			return err
		}
		mode := resolveDiscussionMode(cfg)
		newVersion := meeting.StageVersion + 1
		state := store.StateRunningDiscussion
		updated, err := o.deps.Store.UpdateMeeting(ctx, o.meetingID, store.MeetingPatch{
			State:                   &state,
			StageVersion:            &newVersion,
			EffectiveDiscussionMode: &mode,
		})
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.emitEvent(ctx, store.EventMeetingStateChanged, map[string]any{
		"state": result.State, "round": result.Round, "stage_version": result.StageVersion,
	})
	return result, nil
}

// resolveDiscussionMode implements auto mode resolution.
func resolveDiscussionMode(cfg store.MeetingConfig) store.DiscussionMode {
	if cfg.Discussion.Mode != store.DiscussionAuto {
		return cfg.Discussion.Mode
	}
	if len(cfg.EnabledAgents()) >= cfg.Discussion.AutoParallelMinAgents {
		return store.DiscussionParallelRound
	}
	return store.DiscussionSerialTurn
}

// Abort performs an explicit abort: signals both cancellation
// tokens and transitions directly to FINISHED_ABORTED.
func (o *Orchestrator) Abort(ctx context.Context, reason string) error {
	return o.forceAbort(ctx, reason)
}

func (o *Orchestrator) forceAbort(ctx context.Context, reason string) error {
	o.meetingCancel()
	o.signalVoteCancel()

	err := o.deps.Store.WithMeetingLock(ctx, o.meetingID, func(ctx context.Context) error {
		meeting, err := o.deps.Store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		if isTerminal(meeting.State) {
			return nil
		}
		msgs, _ := o.deps.Store.ListMessages(ctx, o.meetingID, 2000, "")
		votes, _ := o.deps.Store.ListVotes(ctx, o.meetingID, "")
		state := store.StateFinishedAborted
		version := meeting.StageVersion + 1
		result := &store.MeetingResult{
			Accepted:     false,
			Reason:       reason,
			ConcludedAt:  time.Now().UTC(),
			MessageCount: len(msgs),
			VoteCount:    len(votes),
		}
		clear := true
		updated, err := o.deps.Store.UpdateMeeting(ctx, o.meetingID, store.MeetingPatch{
			State: &state, StageVersion: &version, Result: result, ClearActiveVoteSession: clear,
		})
		if err != nil {
			return err
		}
		o.emitEvent(ctx, store.EventMeetingStateChanged, map[string]any{
			"state": updated.State, "round": updated.Round, "stage_version": updated.StageVersion,
		})
		return nil
	})
	return err
}

// HandleUserMessage appends a user Message and, if the meeting is currently
// RUNNING_VOTE, performs the interrupt sequence: bump stage_version,
// clear active_vote_session_id, signal vote_cancel, mark the active
// VoteSession ABORTED, transition to RUNNING_DISCUSSION. A message arriving
// during RUNNING_DISCUSSION is simply appended.
func (o *Orchestrator) HandleUserMessage(ctx context.Context, content string) error {
	return o.deps.Store.WithMeetingLock(ctx, o.meetingID, func(ctx context.Context) error {
		meeting, err := o.deps.Store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		if isTerminal(meeting.State) {
			return apperrors.Wrap(apperrors.ErrMeetingTerminal, "Orchestrator.HandleUserMessage", o.meetingID)
		}

		meta, _ := json.Marshal(store.MessageMeta{Round: meeting.Round})
		msg := store.Message{MeetingID: o.meetingID, Role: store.RoleUser, Content: content, Meta: meta}
		persisted, err := o.deps.Store.AppendMessage(ctx, msg)
		if err != nil {
			return err
		}
		o.emitEvent(ctx, store.EventMessageFinal, map[string]any{"message": persisted})

		if meeting.State != store.StateRunningVote {
			return nil
		}

		o.signalVoteCancel()

		if meeting.ActiveVoteSessionID != nil {
			_ = o.deps.Store.FinalizeVoteSession(ctx, store.VoteSessionFinalize{
				MeetingID: o.meetingID, ID: *meeting.ActiveVoteSessionID,
				Status: store.VoteSessionAborted, EndedAt: time.Now().UTC(),
			})
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

func (o *Orchestrator) signalVoteCancel() {
	o.voteMu.Lock()
	defer o.voteMu.Unlock()
	if o.voteCancel != nil {
		o.voteCancel()
	}
}

// newVoteContext derives a context that is cancelled by either the meeting
// token or a fresh vote_cancel token scoped to the current vote session.
func (o *Orchestrator) newVoteContext() (context.Context, context.CancelFunc) {
	o.voteMu.Lock()
	defer o.voteMu.Unlock()
	ctx, cancel := context.WithCancel(o.meetingCtx)
	o.voteCancel = cancel
	return ctx, cancel
}

func (o *Orchestrator) emitEvent(ctx context.Context, typ store.EventType, payload any) {
	if _, err := o.deps.Bus.Publish(ctx, o.meetingID, typ, payload); err != nil {
		logger.Warnw("orchestrator: failed to publish event", logger.FieldMeetingID, o.meetingID, logger.FieldEventType, typ, logger.FieldError, err)
	}
}

func (o *Orchestrator) emitError(ctx context.Context, code, message string) {
	o.emitEvent(ctx, store.EventError, map[string]any{"code": code, "message": message})
}

func isTerminal(s store.MeetingState) bool {
	return s == store.StateFinishedAccepted || s == store.StateFinishedAborted
}

func intPtr(v int) *int { return &v }
