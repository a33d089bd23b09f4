package websocket

import (
	"sync"
	"time"
)

// Event 广播事件
// 序号全局单调递增，客户端断线重连后用 GET /api/v1/events?after=seq 补齐
type Event struct {
	Seq       uint64      `json:"seq"`
	Type      string      `json:"type"`
	KioskID   string      `json:"kiosk_id,omitempty"`
	LockerID  *uint       `json:"locker_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventBuffer 固定容量的事件环形缓冲
// 写满后覆盖最旧事件；容量之外的历史不可追溯，
// 落后太多的客户端应全量刷新而不是补事件
type EventBuffer struct {
	mu       sync.RWMutex
	events   []*Event
	capacity int
	nextSeq  uint64
}

// NewEventBuffer 创建事件缓冲
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = 512
	}
	return &EventBuffer{
		events:   make([]*Event, 0, capacity),
		capacity: capacity,
		nextSeq:  1,
	}
}

// Append 追加事件并分配序号
func (b *EventBuffer) Append(eventType, kioskID string, lockerID *uint, payload interface{}) *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	event := &Event{
		Seq:       b.nextSeq,
		Type:      eventType,
		KioskID:   kioskID,
		LockerID:  lockerID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	b.nextSeq++

	if len(b.events) >= b.capacity {
		// 覆盖最旧事件
		copy(b.events, b.events[1:])
		b.events[len(b.events)-1] = event
	} else {
		b.events = append(b.events, event)
	}

	return event
}

// Since 返回序号大于after的所有事件（按序号升序）
func (b *EventBuffer) Since(after uint64) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// 缓冲内事件按序号有序，二分找第一个大于after的位置
	lo, hi := 0, len(b.events)
	for lo < hi {
		mid := (lo + hi) / 2
		if b.events[mid].Seq <= after {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	result := make([]*Event, len(b.events)-lo)
	copy(result, b.events[lo:])
	return result
}

// LastSeq 返回最新已分配的序号，没有事件时为0
func (b *EventBuffer) LastSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq - 1
}

// Truncated 判断after之前的事件是否已被覆盖
// 为真时客户端漏掉了不可追溯的事件，应全量刷新
func (b *EventBuffer) Truncated(after uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return after < b.nextSeq-1
	}
	return after != 0 && after < b.events[0].Seq-1
}
