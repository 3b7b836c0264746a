// Package eventbus 提供会议事件的进程内 fan-out，并将每个事件追加写入 Store
// 以支持基于游标的回放。
//
// 发布时持锁完成 fan-out，订阅者通道已满则丢弃而不阻塞发布者；订阅按会议 id
// 分桶，且每次发布都会同步写入 Store 而非仅在失败时才降级到 DB。
package eventbus

import (
	"context"
	"sync"

	"github.com/multi-agent/go-meeting-orchestrator/internal/store"
	apperrors "github.com/multi-agent/go-meeting-orchestrator/pkg/errors"
	"github.com/multi-agent/go-meeting-orchestrator/pkg/logger"
)

// Subscriber 一个会议事件的实时订阅者。
type Subscriber struct {
	ID string
	Ch chan store.Event
}

// Bus 进程内会议事件总线，兼 Store 回放写入。
type Bus struct {
	store *store.Store

	mu         sync.RWMutex
	subs       map[string]map[string]*Subscriber // meetingID -> subscriberID -> Subscriber
	bufferSize int
}

// New 创建事件总线。bufferSize 为每个订阅者通道的容量。
func New(st *store.Store, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		store:      st,
		subs:       make(map[string]map[string]*Subscriber),
		bufferSize: bufferSize,
	}
}

// Publish 追加事件到 Store (分配单调 id) 并 fan-out 给该会议的实时订阅者。
//
// fan-out 在持锁区间内完成，保证同一会议的订阅者观察到的事件顺序与写入顺序一致；
// 通道已满的订阅者会被跳过 (不阻塞发布者，不阻塞其他订阅者)。
func (b *Bus) Publish(ctx context.Context, meetingID string, typ store.EventType, payload any) (*store.Event, error) {
	ev := store.NewEvent(meetingID, typ, payload)
	persisted, err := b.store.AppendEvent(ctx, ev)
	if err != nil {
		return nil, apperrors.Wrap(err, "eventbus.Publish", "append event")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[meetingID] {
		select {
		case sub.Ch <- *persisted:
		default:
			logger.Warn("eventbus: subscriber channel full, dropping event",
				logger.FieldMeetingID, meetingID, "subscriber_id", sub.ID, logger.FieldEventType, typ)
		}
	}
	return persisted, nil
}

// Subscribe 注册一个会议的实时订阅者。调用方负责在结束时调用 Unsubscribe。
func (b *Bus) Subscribe(meetingID, subscriberID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[meetingID] == nil {
		b.subs[meetingID] = make(map[string]*Subscriber)
	}
	sub := &Subscriber{ID: subscriberID, Ch: make(chan store.Event, b.bufferSize)}
	b.subs[meetingID][subscriberID] = sub
	return sub
}

// Unsubscribe 注销订阅者并关闭其通道。
func (b *Bus) Unsubscribe(meetingID, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byMeeting := b.subs[meetingID]
	if byMeeting == nil {
		return
	}
	if sub, ok := byMeeting[subscriberID]; ok {
		close(sub.Ch)
		delete(byMeeting, subscriberID)
	}
	if len(byMeeting) == 0 {
		delete(b.subs, meetingID)
	}
}

// Backfill 返回某会议 id 严格大于 after 的已持久化事件 (用于订阅前的游标回放)。
func (b *Bus) Backfill(ctx context.Context, meetingID string, after int64, limit int) ([]store.Event, error) {
	return b.store.ListEvents(ctx, meetingID, after, limit)
}

// SubscriberCount 返回某会议当前的活跃订阅者数量 (诊断用)。
func (b *Bus) SubscriberCount(meetingID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[meetingID])
}
