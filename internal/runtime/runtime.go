// Package runtime is the Runtime Binder: the composition root that
// wires one Store, one Gateway, one Facilitator Service, and one EventBus
// into a process, and keeps a map of per-meeting Orchestrators plus their
// run goroutines.
//
// A Runtime is meant to be constructed once per process; cmd/server builds
// exactly one and hands it to the gin handlers.
package runtime

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/multi-agent/go-meeting-orchestrator/internal/config"
	"github.com/multi-agent/go-meeting-orchestrator/internal/eventbus"
	"github.com/multi-agent/go-meeting-orchestrator/internal/facilitator"
	"github.com/multi-agent/go-meeting-orchestrator/internal/gateway"
	"github.com/multi-agent/go-meeting-orchestrator/internal/orchestrator"
	"github.com/multi-agent/go-meeting-orchestrator/internal/store"
	apperrors "github.com/multi-agent/go-meeting-orchestrator/pkg/errors"
	"github.com/multi-agent/go-meeting-orchestrator/pkg/logger"
	"github.com/multi-agent/go-meeting-orchestrator/pkg/util"
)

// Runtime is the single composition root: one Store, one Gateway, one
// Facilitator, one EventBus, and the live set of per-meeting Orchestrators.
type Runtime struct {
	Store       *store.Store
	Gateway     *gateway.Gateway
	Bus         *eventbus.Bus
	Facilitator *facilitator.Service

	cfg *config.Config

	mu     sync.Mutex
	active map[string]*orchestrator.Orchestrator
}

// New builds the Gateway's provider set from cfg and returns a bound
// Runtime over st. Providers with no configured API key are still
// registered; they fail at call time with the upstream's authentication
// error, which gateway.IsRecoverable does not count as recoverable, so the
// mock fallback does not replace that failure.
func New(cfg *config.Config, st *store.Store) *Runtime {
	gw := gateway.New()
	gw.Register(gateway.MockProviderID, gateway.NewMockProvider())
	gw.Register("openai", gateway.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL))
	gw.Register("anthropic", gateway.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL))
	gw.Register("gemini", gateway.NewGeminiProvider(cfg.GeminiAPIKey, cfg.GeminiBaseURL))

	return &Runtime{
		Store:       st,
		Gateway:     gw,
		Bus:         eventbus.New(st, cfg.EventSubscriberBufferSize),
		Facilitator: facilitator.New(gw),
		cfg:         cfg,
		active:      make(map[string]*orchestrator.Orchestrator),
	}
}

// deps bundles the Runtime's singletons into the shape the orchestrator
// expects.
func (rt *Runtime) deps() orchestrator.Deps {
	return orchestrator.Deps{
		Store:       rt.Store,
		Bus:         rt.Bus,
		Gateway:     rt.Gateway,
		Facilitator: rt.Facilitator,
	}
}

// CreateMeeting validates cfg at the boundary, creates the DRAFT Meeting,
// and launches its Orchestrator in a panic-safe background goroutine, so
// different meetings progress independently. It returns as soon as the
// Meeting row exists; Run continues asynchronously.
func (rt *Runtime) CreateMeeting(ctx context.Context, topic string, cfg store.MeetingConfig) (*store.Meeting, error) {
	cfg = rt.applyMeetingConfigDefaults(cfg)
	if err := validateMeetingConfig(topic, cfg); err != nil {
		return nil, err
	}

	meeting, err := rt.Store.CreateMeeting(ctx, topic, cfg)
	if err != nil {
		return nil, apperrors.Wrap(err, "Runtime.CreateMeeting", "create meeting")
	}

	orch := orchestrator.New(rt.deps(), meeting.ID)
	rt.mu.Lock()
	rt.active[meeting.ID] = orch
	rt.mu.Unlock()

	util.SafeGo("meeting-run", func() {
		if err := orch.Run(context.Background()); err != nil {
			logger.Errorw("runtime: orchestrator run returned error", logger.FieldMeetingID, meeting.ID, logger.FieldError, err)
		}
		rt.mu.Lock()
		delete(rt.active, meeting.ID)
		rt.mu.Unlock()
	})

	return meeting, nil
}

// applyMeetingConfigDefaults fills in the documented MeetingConfig defaults for any
// field a caller left at its zero value, before the config is validated and
// frozen. A MeetingConfig that omits threshold.mode would otherwise reach
// threshold.Evaluate with an unknown mode and reject forever.
func (rt *Runtime) applyMeetingConfigDefaults(cfg store.MeetingConfig) store.MeetingConfig {
	if rt.cfg == nil {
		return cfg
	}
	if cfg.Threshold.Mode == "" {
		cfg.Threshold.Mode = "avg_score"
	}
	if cfg.Threshold.AvgScoreThreshold == 0 {
		cfg.Threshold.AvgScoreThreshold = rt.cfg.DefaultAvgScoreThreshold
	}
	if cfg.Threshold.MinRounds == 0 {
		cfg.Threshold.MinRounds = rt.cfg.DefaultMinRounds
	}
	if cfg.Threshold.MaxRounds == 0 {
		cfg.Threshold.MaxRounds = rt.cfg.DefaultMaxRounds
	}
	if cfg.Threshold.VoteTimeoutMS == 0 {
		cfg.Threshold.VoteTimeoutMS = rt.cfg.DefaultVoteTimeoutMS
	}
	if cfg.Discussion.Mode == "" {
		cfg.Discussion.Mode = store.DiscussionAuto
	}
	if cfg.Discussion.AutoParallelMinAgents == 0 {
		cfg.Discussion.AutoParallelMinAgents = rt.cfg.DefaultAutoParallelMin
	}
	if cfg.Discussion.CrossReplyTargetsPerAgent == 0 {
		cfg.Discussion.CrossReplyTargetsPerAgent = rt.cfg.DefaultCrossReplyTargets
	}
	if cfg.Facilitator.Enabled && cfg.Facilitator.TimeoutMS == 0 {
		cfg.Facilitator.TimeoutMS = rt.cfg.DefaultFacilitatorTimeoutMS
	}
	return cfg
}

// validateMeetingConfig rejects a malformed MeetingConfig at the boundary:
// no meeting is created on failure.
func validateMeetingConfig(topic string, cfg store.MeetingConfig) error {
	if topic == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "Runtime.CreateMeeting", "topic must not be empty")
	}
	if len(topic) > 2000 {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "Runtime.CreateMeeting", "topic exceeds 2000 chars")
	}
	if len(cfg.Agents) < 3 || len(cfg.Agents) > 8 {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "Runtime.CreateMeeting", "agents must be between 3 and 8")
	}
	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.ID == "" {
			return apperrors.Wrap(apperrors.ErrInvalidInput, "Runtime.CreateMeeting", "agent id must not be empty")
		}
		if seen[a.ID] {
			return apperrors.Wrap(apperrors.ErrInvalidInput, "Runtime.CreateMeeting", "duplicate agent id: "+a.ID)
		}
		seen[a.ID] = true
		if a.Temperature < 0 || a.Temperature > 2 {
			return apperrors.Wrap(apperrors.ErrInvalidInput, "Runtime.CreateMeeting", "agent "+a.ID+": temperature out of [0,2]")
		}
		if a.MaxOutputTokens < 64 || a.MaxOutputTokens > 16384 {
			return apperrors.Wrap(apperrors.ErrInvalidInput, "Runtime.CreateMeeting", "agent "+a.ID+": max_output_tokens out of [64,16384]")
		}
	}
	if cfg.Threshold.MaxRounds < cfg.Threshold.MinRounds {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "Runtime.CreateMeeting", "max_rounds must be >= min_rounds")
	}
	return nil
}

// HandleUserMessage routes a user message into the meeting's live
// Orchestrator when one is running; a meeting with no live Orchestrator
// (process restarted, or already terminal) rejects the message rather than
// silently dropping it.
func (rt *Runtime) HandleUserMessage(ctx context.Context, meetingID, content string) error {
	orch := rt.lookup(meetingID)
	if orch == nil {
		return apperrors.Wrap(apperrors.ErrMeetingTerminal, "Runtime.HandleUserMessage", "no live orchestrator for meeting "+meetingID)
	}
	return orch.HandleUserMessage(ctx, content)
}

// Abort performs an explicit abort on the meeting's live
// Orchestrator.
func (rt *Runtime) Abort(ctx context.Context, meetingID, reason string) error {
	orch := rt.lookup(meetingID)
	if orch == nil {
		return apperrors.Wrap(apperrors.ErrMeetingTerminal, "Runtime.Abort", "no live orchestrator for meeting "+meetingID)
	}
	return orch.Abort(ctx, reason)
}

func (rt *Runtime) lookup(meetingID string) *orchestrator.Orchestrator {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.active[meetingID]
}

// NewSubscriberID returns a fresh subscriber id for eventbus.Bus.Subscribe
// (one per live SSE connection).
func NewSubscriberID() string { return uuid.NewString() }
