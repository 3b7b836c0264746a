// postgres.go — Postgres 实现的 Store：Meeting/Message/Vote/VoteSession/Event 持久化
// 以及进程内按会议互斥锁 (with_meeting_lock)。
//
// 会议由单一进程拥有，
// 因此互斥锁是进程内 map[meetingID]*sync.Mutex，而不是分布式锁。
package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/multi-agent/go-meeting-orchestrator/pkg/errors"
	"github.com/multi-agent/go-meeting-orchestrator/pkg/util"
)

// Store 聚合会议编排所需的全部持久化操作。
type Store struct {
	BaseStore

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore 创建 Store。
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		BaseStore: NewBaseStore(pool),
		locks:     make(map[string]*sync.Mutex),
	}
}

// WithMeetingLock 在单一会议的进程内互斥锁下执行 fn。
//
// 公平性与可重入性均不作保证：持锁期间再次调用会死锁，调用方需自行避免。
func (s *Store) WithMeetingLock(ctx context.Context, meetingID string, fn func(ctx context.Context) error) error {
	s.locksMu.Lock()
	mu, ok := s.locks[meetingID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[meetingID] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	return fn(ctx)
}

// ========================================
// Meeting
// ========================================

// CreateMeeting 创建新会议，state=DRAFT, stage_version=0, round=0。
func (s *Store) CreateMeeting(ctx context.Context, topic string, cfg MeetingConfig) (*Meeting, error) {
	id := uuid.NewString()
	now := timeNow()
	m := &Meeting{
		ID:            id,
		Topic:         topic,
		State:         StateDraft,
		Round:         0,
		StageVersion:  0,
		Config:        mustMarshalJSON(cfg),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	const sql = `
		INSERT INTO meetings (id, topic, state, round, stage_version, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, sql, m.ID, m.Topic, m.State, m.Round, m.StageVersion, m.Config, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return nil, apperrors.Wrap(err, "Store.CreateMeeting", "insert meeting")
	}
	return m, nil
}

// GetMeeting 查询会议。不存在返回 apperrors.ErrNotFound。
func (s *Store) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	const sql = `
		SELECT id, topic, state, round, stage_version, effective_discussion_mode,
		       active_vote_session_id, result, config, created_at, updated_at
		FROM meetings WHERE id = $1`
	rows, err := s.pool.Query(ctx, sql, id)
	if err != nil {
		return nil, apperrors.Wrap(err, "Store.GetMeeting", "query meeting")
	}
	defer rows.Close()

	m, err := collectOne[Meeting](rows)
	if err != nil {
		return nil, apperrors.Wrap(err, "Store.GetMeeting", "scan meeting")
	}
	if m == nil {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "Store.GetMeeting", "meeting "+id)
	}
	return m, nil
}

// ListMeetings 按创建时间倒序分页列出会议，keyword 非空时按 topic 关键词过滤。
func (s *Store) ListMeetings(ctx context.Context, limit int, cursor string, keyword string) ([]Meeting, error) {
	qb := NewQueryBuilder()
	qb.KeywordLike(keyword, "topic")
	qb.Lt("id", cursor)
	base := `SELECT id, topic, state, round, stage_version, effective_discussion_mode,
		       active_vote_session_id, result, config, created_at, updated_at FROM meetings`
	sql, params := qb.Build(base, "created_at DESC", util.ClampInt(limit, 1, 200))
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, apperrors.Wrap(err, "Store.ListMeetings", "query meetings")
	}
	defer rows.Close()
	return collectRows[Meeting](rows)
}

// UpdateMeeting 应用受限 patch 集合: state/round/stage_version/
// effective_discussion_mode/active_vote_session_id/result/updated_at。
func (s *Store) UpdateMeeting(ctx context.Context, id string, patch MeetingPatch) (*Meeting, error) {
	sets := []string{"updated_at = $1"}
	params := []any{timeNow()}
	n := 1

	addSet := func(col string, val any) {
		n++
		sets = append(sets, col+" = $"+strconv.Itoa(n))
		params = append(params, val)
	}

	if patch.State != nil {
		addSet("state", *patch.State)
	}
	if patch.Round != nil {
		addSet("round", *patch.Round)
	}
	if patch.StageVersion != nil {
		addSet("stage_version", *patch.StageVersion)
	}
	if patch.EffectiveDiscussionMode != nil {
		addSet("effective_discussion_mode", *patch.EffectiveDiscussionMode)
	}
	if patch.ClearActiveVoteSession {
		addSet("active_vote_session_id", nil)
	} else if patch.ActiveVoteSessionID != nil {
		addSet("active_vote_session_id", *patch.ActiveVoteSessionID)
	}
	if patch.Result != nil {
		addSet("result", mustMarshalJSON(*patch.Result))
	}

	n++
	sql := "UPDATE meetings SET " + joinComma(sets) + " WHERE id = $" + strconv.Itoa(n)
	params = append(params, id)

	tag, err := s.pool.Exec(ctx, sql, params...)
	if err != nil {
		return nil, apperrors.Wrap(err, "Store.UpdateMeeting", "update meeting")
	}
	if tag.RowsAffected() == 0 {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "Store.UpdateMeeting", "meeting "+id)
	}
	return s.GetMeeting(ctx, id)
}

// ========================================
// Message
// ========================================

// AppendMessage 追加一条不可变消息。
func (s *Store) AppendMessage(ctx context.Context, msg Message) (*Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = timeNow()
	}
	const sql = `
		INSERT INTO messages (id, meeting_id, created_at, role, agent_id, system_id, content, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, sql, msg.ID, msg.MeetingID, msg.CreatedAt, msg.Role, msg.AgentID, msg.SystemID, msg.Content, msg.Meta)
	if err != nil {
		return nil, apperrors.Wrap(err, "Store.AppendMessage", "insert message")
	}
	return &msg, nil
}

// ListMessages 列出某会议的消息，支持 after_message_id 游标分页。
func (s *Store) ListMessages(ctx context.Context, meetingID string, limit int, afterMessageID string) ([]Message, error) {
	base := `SELECT id, meeting_id, created_at, role, agent_id, system_id, content, meta FROM messages WHERE meeting_id = $1`
	params := []any{meetingID}
	n := 1
	if afterMessageID != "" {
		base += ` AND created_at > (SELECT created_at FROM messages WHERE id = $2)`
		params = append(params, afterMessageID)
		n = 2
	}
	base += " ORDER BY created_at ASC"
	n++
	base += " LIMIT $" + strconv.Itoa(n)
	params = append(params, util.ClampInt(limit, 1, 2000))

	rows, err := s.pool.Query(ctx, base, params...)
	if err != nil {
		return nil, apperrors.Wrap(err, "Store.ListMessages", "query messages")
	}
	defer rows.Close()
	return collectRows[Message](rows)
}

// ========================================
// VoteSession
// ========================================

// CreateVoteSession 创建一个 RUNNING 状态的投票会话。
func (s *Store) CreateVoteSession(ctx context.Context, vs VoteSession) (*VoteSession, error) {
	if vs.ID == "" {
		vs.ID = uuid.NewString()
	}
	if vs.StartedAt.IsZero() {
		vs.StartedAt = timeNow()
	}
	const sql = `
		INSERT INTO vote_sessions (id, meeting_id, round, stage_version, proposal_text, status, expected_voter_agent_ids, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.pool.Exec(ctx, sql, vs.ID, vs.MeetingID, vs.Round, vs.StageVersion, vs.ProposalText, vs.Status, vs.ExpectedVoterAgentIDs, vs.StartedAt, vs.EndedAt)
	if err != nil {
		return nil, apperrors.Wrap(err, "Store.CreateVoteSession", "insert vote_session")
	}
	return &vs, nil
}

// GetVoteSession 查询指定会议下的投票会话。
func (s *Store) GetVoteSession(ctx context.Context, meetingID, id string) (*VoteSession, error) {
	const sql = `
		SELECT id, meeting_id, round, stage_version, proposal_text, status, expected_voter_agent_ids, started_at, ended_at
		FROM vote_sessions WHERE meeting_id = $1 AND id = $2`
	rows, err := s.pool.Query(ctx, sql, meetingID, id)
	if err != nil {
		return nil, apperrors.Wrap(err, "Store.GetVoteSession", "query vote_session")
	}
	defer rows.Close()
	vs, err := collectOne[VoteSession](rows)
	if err != nil {
		return nil, apperrors.Wrap(err, "Store.GetVoteSession", "scan vote_session")
	}
	if vs == nil {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "Store.GetVoteSession", "vote_session "+id)
	}
	return vs, nil
}

// FinalizeVoteSession 设置终态 status 与 ended_at。
func (s *Store) FinalizeVoteSession(ctx context.Context, f VoteSessionFinalize) error {
	const sql = `UPDATE vote_sessions SET status = $1, ended_at = $2 WHERE meeting_id = $3 AND id = $4`
	tag, err := s.pool.Exec(ctx, sql, f.Status, f.EndedAt, f.MeetingID, f.ID)
	if err != nil {
		return apperrors.Wrap(err, "Store.FinalizeVoteSession", "update vote_session")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Wrap(apperrors.ErrNotFound, "Store.FinalizeVoteSession", "vote_session "+f.ID)
	}
	return nil
}

// ========================================
// Vote
// ========================================

// AppendVote 持久化一次表决，仅当会议当前 stage_version 等于 Vote.StageVersion 时生效。
// 陈旧表决被静默丢弃，返回 apperrors.ErrStaleStageVersion (非真正失败，调用方按丢弃处理)。
func (s *Store) AppendVote(ctx context.Context, v Vote) (*Vote, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = timeNow()
	}
	const sql = `
		INSERT INTO votes (id, meeting_id, vote_session_id, voter_agent_id, score, pass, rationale, stage_version, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
		WHERE EXISTS (SELECT 1 FROM meetings WHERE id = $2 AND stage_version = $8)`
	tag, err := s.pool.Exec(ctx, sql, v.ID, v.MeetingID, v.VoteSessionID, v.VoterAgentID, v.Score, v.Pass, v.Rationale, v.StageVersion, v.CreatedAt)
	if err != nil {
		return nil, apperrors.Wrap(err, "Store.AppendVote", "insert vote")
	}
	if tag.RowsAffected() == 0 {
		return nil, apperrors.Wrap(apperrors.ErrStaleStageVersion, "Store.AppendVote", "vote dropped, stage_version advanced")
	}
	return &v, nil
}

// ListVotes 列出会议 (可选限定投票会话) 的全部已持久化表决。
func (s *Store) ListVotes(ctx context.Context, meetingID string, voteSessionID string) ([]Vote, error) {
	qb := NewQueryBuilder()
	qb.Eq("meeting_id", meetingID)
	qb.Eq("vote_session_id", voteSessionID)
	sql, params := qb.Build(
		`SELECT id, meeting_id, vote_session_id, voter_agent_id, score, pass, rationale, stage_version, created_at FROM votes`,
		"created_at ASC", 2000)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, apperrors.Wrap(err, "Store.ListVotes", "query votes")
	}
	defer rows.Close()
	return collectRows[Vote](rows)
}

// ========================================
// Event
// ========================================

// AppendEvent 追加事件并返回数据库分配的单调 id (events.id 为 BIGSERIAL，
// 会议由单一进程拥有，等价于进程内单调计数器)。
func (s *Store) AppendEvent(ctx context.Context, e Event) (*Event, error) {
	if e.At.IsZero() {
		e.At = timeNow()
	}
	const sql = `INSERT INTO events (meeting_id, at, type, payload) VALUES ($1, $2, $3, $4) RETURNING id`
	err := s.pool.QueryRow(ctx, sql, e.MeetingID, e.At, e.Type, e.Payload).Scan(&e.ID)
	if err != nil {
		return nil, apperrors.Wrap(err, "Store.AppendEvent", "insert event")
	}
	return &e, nil
}

// ListEvents 列出某会议 id 严格大于 after 游标的事件 (Last-Event-ID 式回放)。
func (s *Store) ListEvents(ctx context.Context, meetingID string, after int64, limit int) ([]Event, error) {
	qb := NewQueryBuilder()
	qb.Eq("meeting_id", meetingID)
	qb.GtID("id", after)
	sql, params := qb.Build(`SELECT id, meeting_id, at, type, payload FROM events`, "id ASC", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, apperrors.Wrap(err, "Store.ListEvents", "query events")
	}
	defer rows.Close()
	return collectRows[Event](rows)
}

// ========================================
// 内部小工具
// ========================================

func timeNow() time.Time { return time.Now().UTC() }

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
