package httpapi

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/go-meeting-orchestrator/internal/store"
	"github.com/multi-agent/go-meeting-orchestrator/pkg/util"
)

// createMeetingRequest is the POST /meetings body: a topic plus the frozen
// MeetingConfig.
type createMeetingRequest struct {
	Topic  string              `json:"topic" binding:"required"`
	Config store.MeetingConfig `json:"config"`
}

func (s *Server) createMeeting(c *gin.Context) {
	var req createMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	meeting, err := s.rt.CreateMeeting(c.Request.Context(), req.Topic, req.Config)
	if err != nil {
		handleError(c, err)
		return
	}
	created(c, meeting)
}

func (s *Server) listMeetings(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	cursor := c.Query("cursor")

	meetings, err := s.rt.Store.ListMeetings(c.Request.Context(), limit, cursor, c.Query("q"))
	if err != nil {
		handleError(c, err)
		return
	}
	success(c, meetings)
}

func (s *Server) getMeeting(c *gin.Context) {
	meeting, err := s.rt.Store.GetMeeting(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	payload := gin.H{"meeting": meeting}
	if result, err := meeting.DecodedResult(); err == nil && result != nil {
		payload["result"] = util.ToMapAny(result)
	}
	success(c, payload)
}

func (s *Server) listMessages(c *gin.Context) {
	limit := queryInt(c, "limit", 200)
	after := c.Query("after_message_id")

	messages, err := s.rt.Store.ListMessages(c.Request.Context(), c.Param("id"), limit, after)
	if err != nil {
		handleError(c, err)
		return
	}
	success(c, messages)
}

func (s *Server) listVotes(c *gin.Context) {
	votes, err := s.rt.Store.ListVotes(c.Request.Context(), c.Param("id"), c.Query("vote_session_id"))
	if err != nil {
		handleError(c, err)
		return
	}
	success(c, votes)
}

type userMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

func (s *Server) postUserMessage(c *gin.Context) {
	var req userMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.rt.HandleUserMessage(c.Request.Context(), c.Param("id"), req.Content); err != nil {
		handleError(c, err)
		return
	}
	success(c, gin.H{"accepted": true})
}

type abortRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) abortMeeting(c *gin.Context) {
	var req abortRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "aborted via API"
	}
	if err := s.rt.Abort(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		handleError(c, err)
		return
	}
	success(c, gin.H{"aborted": true})
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
