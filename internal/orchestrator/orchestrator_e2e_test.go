// orchestrator_e2e_test.go — end-to-end state-machine tests driving
// Orchestrator.Run against an in-memory FakeStore and a scripted Gateway
// Provider, covering happy-path acceptance and user interrupts during both
// the proposal vote and the final-document approval loop.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/multi-agent/go-meeting-orchestrator/internal/facilitator"
	"github.com/multi-agent/go-meeting-orchestrator/internal/gateway"
	"github.com/multi-agent/go-meeting-orchestrator/internal/store"
	apperrors "github.com/multi-agent/go-meeting-orchestrator/pkg/errors"
)

// ========================================
// FakeStore — an in-memory double for orchestrator.Store
// ========================================

type fakeStore struct {
	lockMu sync.Mutex

	dataMu       sync.Mutex
	meeting      store.Meeting
	messages     []store.Message
	votes        []store.Vote
	voteSessions []*store.VoteSession

	msgSeq int
	voteSeq int
	vsSeq   int
}

func newFakeStore(meetingID, topic string, cfg store.MeetingConfig) *fakeStore {
	configBytes, _ := json.Marshal(cfg)
	return &fakeStore{
		meeting: store.Meeting{
			ID: meetingID, Topic: topic, State: store.StateDraft,
			Config: configBytes, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		},
	}
}

func (s *fakeStore) WithMeetingLock(ctx context.Context, meetingID string, fn func(ctx context.Context) error) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	return fn(ctx)
}

func (s *fakeStore) GetMeeting(ctx context.Context, id string) (*store.Meeting, error) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	m := s.meeting
	return &m, nil
}

func (s *fakeStore) UpdateMeeting(ctx context.Context, id string, patch store.MeetingPatch) (*store.Meeting, error) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if patch.State != nil {
		s.meeting.State = *patch.State
	}
	if patch.Round != nil {
		s.meeting.Round = *patch.Round
	}
	if patch.StageVersion != nil {
		s.meeting.StageVersion = *patch.StageVersion
	}
	if patch.EffectiveDiscussionMode != nil {
		mode := *patch.EffectiveDiscussionMode
		s.meeting.EffectiveDiscussionMode = &mode
	}
	if patch.ClearActiveVoteSession {
		s.meeting.ActiveVoteSessionID = nil
	}
	if patch.ActiveVoteSessionID != nil {
		id := *patch.ActiveVoteSessionID
		s.meeting.ActiveVoteSessionID = &id
	}
	if patch.Result != nil {
		b, _ := json.Marshal(patch.Result)
		s.meeting.Result = b
	}
	s.meeting.UpdatedAt = time.Now()
	m := s.meeting
	return &m, nil
}

func (s *fakeStore) AppendMessage(ctx context.Context, msg store.Message) (*store.Message, error) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	s.msgSeq++
	msg.ID = fmt.Sprintf("msg-%d", s.msgSeq)
	msg.CreatedAt = time.Now()
	s.messages = append(s.messages, msg)
	out := msg
	return &out, nil
}

func (s *fakeStore) ListMessages(ctx context.Context, meetingID string, limit int, afterMessageID string) ([]store.Message, error) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	out := make([]store.Message, len(s.messages))
	copy(out, s.messages)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *fakeStore) CreateVoteSession(ctx context.Context, vs store.VoteSession) (*store.VoteSession, error) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	s.vsSeq++
	vs.ID = fmt.Sprintf("vs-%d", s.vsSeq)
	vs.StartedAt = time.Now()
	stored := vs
	s.voteSessions = append(s.voteSessions, &stored)
	out := stored
	return &out, nil
}

func (s *fakeStore) FinalizeVoteSession(ctx context.Context, f store.VoteSessionFinalize) error {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	for _, vs := range s.voteSessions {
		if vs.ID == f.ID {
			vs.Status = f.Status
			endedAt := f.EndedAt
			vs.EndedAt = &endedAt
		}
	}
	return nil
}

func (s *fakeStore) AppendVote(ctx context.Context, v store.Vote) (*store.Vote, error) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if v.StageVersion != s.meeting.StageVersion {
		return nil, apperrors.Wrap(apperrors.ErrStaleStageVersion, "fakeStore.AppendVote", "vote dropped, stage_version advanced")
	}
	s.voteSeq++
	v.ID = fmt.Sprintf("vote-%d", s.voteSeq)
	v.CreatedAt = time.Now()
	s.votes = append(s.votes, v)
	out := v
	return &out, nil
}

func (s *fakeStore) ListVotes(ctx context.Context, meetingID string, voteSessionID string) ([]store.Vote, error) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	var out []store.Vote
	for _, v := range s.votes {
		if voteSessionID == "" || v.VoteSessionID == voteSessionID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *fakeStore) snapshot() store.Meeting {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.meeting
}

func (s *fakeStore) voteSessionStatuses() []store.VoteSessionStatus {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	out := make([]store.VoteSessionStatus, len(s.voteSessions))
	for i, vs := range s.voteSessions {
		out[i] = vs.Status
	}
	return out
}

// fakeBus is an in-memory EventBus that records every published event.
type fakeBus struct {
	mu     sync.Mutex
	events []store.Event
}

func (b *fakeBus) Publish(ctx context.Context, meetingID string, typ store.EventType, payload any) (*store.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := store.NewEvent(meetingID, typ, payload)
	b.events = append(b.events, e)
	return &e, nil
}

// ========================================
// scriptedProvider — a deterministic, optionally-blocking Gateway Provider
// ========================================

// scriptedProvider answers discussion calls with a fixed text and vote/
// approval calls (ResponseFormat == "json_object") with a fixed score/pass.
// When blocked is set it holds vote/approval calls open until ctx is
// cancelled, so a test can exercise a mid-vote interrupt.
type scriptedProvider struct {
	discussionText string
	score          int
	pass           bool

	blocked      atomic.Bool
	startedOnce  sync.Once
	started      chan struct{}
}

func newScriptedProvider(discussionText string, score int, pass bool) *scriptedProvider {
	return &scriptedProvider{discussionText: discussionText, score: score, pass: pass, started: make(chan struct{})}
}

func (p *scriptedProvider) Generate(ctx context.Context, req gateway.Request) (gateway.Response, error) {
	if req.ResponseFormat != "json_object" {
		return gateway.Response{Text: p.discussionText}, nil
	}

	p.startedOnce.Do(func() { close(p.started) })

	if p.blocked.Load() {
		<-ctx.Done()
		return gateway.Response{}, ctx.Err()
	}
	return gateway.Response{Text: fmt.Sprintf(`{"score":%d,"pass":%t,"rationale":"ok"}`, p.score, p.pass)}, nil
}

func sixAgentConfigs() []store.AgentConfig {
	agents := make([]store.AgentConfig, 6)
	for i := range agents {
		agents[i] = store.AgentConfig{
			ID: fmt.Sprintf("agent-%d", i), DisplayName: fmt.Sprintf("Agent %d", i),
			Provider: "stub", Model: "stub-model", Temperature: 0.5, MaxOutputTokens: 512, Enabled: true,
		}
	}
	return agents
}

func newTestOrchestrator(meetingID string, cfg store.MeetingConfig, provider gateway.Provider) (*Orchestrator, *fakeStore, *fakeBus) {
	st := newFakeStore(meetingID, "Should we ship the rollout?", cfg)
	bus := &fakeBus{}
	gw := gateway.New()
	gw.Register("stub", provider)
	deps := Deps{Store: st, Bus: bus, Gateway: gw, Facilitator: facilitator.New(gw)}
	return New(deps, meetingID), st, bus
}

// ========================================
// happy path acceptance
// ========================================

func TestRunHappyPathAcceptance(t *testing.T) {
	cfg := store.MeetingConfig{
		Agents:      sixAgentConfigs(),
		Discussion:  store.DiscussionConfig{Mode: store.DiscussionParallelRound, AutoParallelMinAgents: 6},
		Facilitator: store.FacilitatorConfig{Enabled: false},
		Threshold:   store.ThresholdConfig{Mode: "avg_score", AvgScoreThreshold: 80, MinRounds: 1, MaxRounds: 3, VoteTimeoutMS: 15000},
		Output:      store.OutputConfig{Format: store.OutputMarkdown},
	}
	provider := newScriptedProvider("I propose we proceed with the rollout.", 90, true)
	orch, st, _ := newTestOrchestrator("meeting-1", cfg, provider)

	done := make(chan error, 1)
	go func() { done <- orch.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not complete")
	}

	final := st.snapshot()
	if final.State != store.StateFinishedAccepted {
		t.Fatalf("meeting state = %q, want FINISHED_ACCEPTED", final.State)
	}
	if len(final.Result) == 0 {
		t.Fatal("expected a persisted MeetingResult")
	}
	var result store.MeetingResult
	if err := json.Unmarshal(final.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.Accepted {
		t.Error("expected result.Accepted = true")
	}
}

// ========================================
// user interrupt during vote
// ========================================

func TestRunUserInterruptDuringVoteContinuesToAcceptance(t *testing.T) {
	cfg := store.MeetingConfig{
		Agents:      sixAgentConfigs(),
		Discussion:  store.DiscussionConfig{Mode: store.DiscussionParallelRound, AutoParallelMinAgents: 6},
		Facilitator: store.FacilitatorConfig{Enabled: false},
		Threshold:   store.ThresholdConfig{Mode: "avg_score", AvgScoreThreshold: 80, MinRounds: 1, MaxRounds: 5, VoteTimeoutMS: 15000},
		Output:      store.OutputConfig{Format: store.OutputMarkdown},
	}
	provider := newScriptedProvider("I propose we proceed with the rollout.", 90, true)
	provider.blocked.Store(true) // hold the first vote session open until interrupted
	orch, st, _ := newTestOrchestrator("meeting-2", cfg, provider)

	done := make(chan error, 1)
	go func() { done <- orch.Run(context.Background()) }()

	select {
	case <-provider.started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the first vote dispatch to start")
	}

	if got := st.snapshot().State; got != store.StateRunningVote {
		t.Fatalf("meeting state at interrupt time = %q, want RUNNING_VOTE", got)
	}

	if err := orch.HandleUserMessage(context.Background(), "hold on, let's reconsider scope"); err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	provider.blocked.Store(false) // let subsequent vote sessions answer immediately

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() returned error after interrupt: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator hung after the interrupt instead of continuing into the next round (the vote_cancel/meeting_cancel conflation bug)")
	}

	final := st.snapshot()
	if final.State != store.StateFinishedAccepted {
		t.Fatalf("meeting state = %q, want FINISHED_ACCEPTED after the meeting recovered from the interrupt", final.State)
	}

	statuses := st.voteSessionStatuses()
	var sawAborted bool
	for _, s := range statuses {
		if s == store.VoteSessionAborted {
			sawAborted = true
		}
	}
	if !sawAborted {
		t.Errorf("vote session statuses = %v, want at least one ABORTED from the interrupt", statuses)
	}

	var sawUserMessage bool
	for _, m := range st.messages {
		if m.Role == store.RoleUser && m.Content == "hold on, let's reconsider scope" {
			sawUserMessage = true
		}
	}
	if !sawUserMessage {
		t.Error("expected the interrupting user message to be persisted")
	}
}

// ========================================
// user interrupt during the final-document approval loop
// ========================================

// approvalBlockingProvider answers discussion, drafting, and proposal-vote
// calls immediately, but while blocked is set it holds Final-Document
// approval calls open until their context is cancelled. Approval calls are
// recognized by the draft marker the approval prompt carries.
type approvalBlockingProvider struct {
	blocked         atomic.Bool
	approvalStarted chan struct{}
	startOnce       sync.Once
}

func newApprovalBlockingProvider() *approvalBlockingProvider {
	return &approvalBlockingProvider{approvalStarted: make(chan struct{})}
}

func (p *approvalBlockingProvider) Generate(ctx context.Context, req gateway.Request) (gateway.Response, error) {
	if req.ResponseFormat != "json_object" {
		return gateway.Response{Text: "I propose we proceed with the rollout."}, nil
	}

	var user string
	for _, m := range req.Messages {
		if m.Role == "user" {
			user = m.Content
		}
	}
	if strings.Contains(user, "Final Result Document draft") {
		p.startOnce.Do(func() { close(p.approvalStarted) })
		if p.blocked.Load() {
			<-ctx.Done()
			return gateway.Response{}, ctx.Err()
		}
	}
	return gateway.Response{Text: `{"score":90,"pass":true,"rationale":"ok"}`}, nil
}

func TestRunUserInterruptDuringApprovalContinuesToAcceptance(t *testing.T) {
	cfg := store.MeetingConfig{
		Agents:      sixAgentConfigs(),
		Discussion:  store.DiscussionConfig{Mode: store.DiscussionParallelRound, AutoParallelMinAgents: 6},
		Facilitator: store.FacilitatorConfig{Enabled: false},
		Threshold:   store.ThresholdConfig{Mode: "avg_score", AvgScoreThreshold: 80, MinRounds: 1, MaxRounds: 5, VoteTimeoutMS: 15000},
		Output:      store.OutputConfig{Format: store.OutputMarkdown},
	}
	provider := newApprovalBlockingProvider()
	provider.blocked.Store(true) // hold the first approval session open until interrupted
	orch, st, _ := newTestOrchestrator("meeting-3", cfg, provider)

	done := make(chan error, 1)
	go func() { done <- orch.Run(context.Background()) }()

	select {
	case <-provider.approvalStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the first approval dispatch to start")
	}

	if got := st.snapshot().State; got != store.StateRunningVote {
		t.Fatalf("meeting state at interrupt time = %q, want RUNNING_VOTE", got)
	}

	if err := orch.HandleUserMessage(context.Background(), "rework the plan around budget"); err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	provider.blocked.Store(false) // let subsequent approval sessions answer immediately

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() returned error after interrupt: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator hung after the interrupt: in-flight approval calls were not cancelled by the vote token")
	}

	final := st.snapshot()
	if final.State != store.StateFinishedAccepted {
		t.Fatalf("meeting state = %q, want FINISHED_ACCEPTED after the meeting recovered from the interrupt", final.State)
	}

	statuses := st.voteSessionStatuses()
	var sawAborted bool
	for _, s := range statuses {
		if s == store.VoteSessionAborted {
			sawAborted = true
		}
	}
	if !sawAborted {
		t.Errorf("vote session statuses = %v, want at least one ABORTED from the interrupt", statuses)
	}
}
