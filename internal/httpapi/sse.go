// sse.go — /meetings/:id/events: live event fan-out with Last-Event-ID
// backfill. The union of replayed events and subsequently live-delivered
// events forms a gap-free prefix of the meeting's event log.
package httpapi

import (
	"io"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/multi-agent/go-meeting-orchestrator/internal/runtime"
	"github.com/multi-agent/go-meeting-orchestrator/internal/store"
	"github.com/multi-agent/go-meeting-orchestrator/pkg/logger"
)

const sseKeepalive = 30 * time.Second

// streamEvents subscribes before backfilling so no event can land in the
// gap between the two. Backfilled events and live events are
// deduplicated by id so a client that reconnects with its last-seen
// cursor sees each event exactly once.
func (s *Server) streamEvents(c *gin.Context) {
	meetingID := c.Param("id")
	if _, err := s.rt.Store.GetMeeting(c.Request.Context(), meetingID); err != nil {
		handleError(c, err)
		return
	}

	after := parseCursor(c)
	subscriberID := runtime.NewSubscriberID()
	sub := s.rt.Bus.Subscribe(meetingID, subscriberID)
	defer s.rt.Bus.Unsubscribe(meetingID, subscriberID)

	backlog, err := s.rt.Bus.Backfill(c.Request.Context(), meetingID, after, 2000)
	if err != nil {
		handleError(c, err)
		return
	}

	lastSent := after
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	for _, ev := range backlog {
		writeSSEEvent(c, ev)
		lastSent = ev.ID
	}
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		keepalive := time.NewTimer(sseKeepalive)
		defer keepalive.Stop()

		select {
		case ev, ok := <-sub.Ch:
			if !ok {
				return false
			}
			if ev.ID <= lastSent {
				return true
			}
			writeSSEEvent(c, ev)
			lastSent = ev.ID
			return true
		case <-keepalive.C:
			_ = sse.Event{Event: "ping", Data: "keepalive"}.Render(c.Writer)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func writeSSEEvent(c *gin.Context, ev store.Event) {
	if err := (sse.Event{Id: strconv.FormatInt(ev.ID, 10), Event: string(ev.Type), Data: string(ev.Payload)}).Render(c.Writer); err != nil {
		logger.Warn("httpapi: sse write failed", logger.FieldError, err)
	}
}

// parseCursor reads the replay cursor from the standard Last-Event-ID
// header first, falling back to an explicit ?after= query param.
func parseCursor(c *gin.Context) int64 {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("after")
	}
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
