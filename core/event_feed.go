package core

import (
	"sync"

	"optionvault/core/events"
	"optionvault/core/types"
)

// eventFeedCapacity bounds the in-memory backlog served to cursor reads.
// Consumers further behind than this must re-sync from the option registry.
const eventFeedCapacity = 1024

// StreamEvent is a committed option event together with its position in the
// node's event sequence. Sequence numbers start at 1 and never repeat, so a
// consumer can resume from the last sequence it processed.
type StreamEvent struct {
	Sequence uint64      `json:"sequence"`
	Event    types.Event `json:"event"`
}

type eventWithPayload interface {
	Event() *types.Event
}

// eventCollector buffers events emitted while an operation runs. The node
// publishes the batch to the feed only after the state overlay commits, so a
// rolled-back operation leaks no events.
type eventCollector struct {
	events []types.Event
}

func (c *eventCollector) Emit(evt events.Event) {
	if c == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}
	c.events = append(c.events, *event)
}

// eventFeed retains the most recent committed events in a ring and fans them
// out to live subscribers. Subscribers that cannot keep up have events
// dropped from their channel rather than stalling the publisher; the cursor
// API lets them detect and repair the gap.
type eventFeed struct {
	mu       sync.Mutex
	capacity int
	entries  []StreamEvent
	lastSeq  uint64
	subs     map[uint64]chan StreamEvent
	nextSub  uint64
}

func newEventFeed(capacity int) *eventFeed {
	if capacity <= 0 {
		capacity = eventFeedCapacity
	}
	return &eventFeed{
		capacity: capacity,
		subs:     make(map[uint64]chan StreamEvent),
	}
}

func (f *eventFeed) publish(batch []types.Event) {
	if f == nil || len(batch) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, event := range batch {
		f.lastSeq++
		entry := StreamEvent{Sequence: f.lastSeq, Event: event}
		f.entries = append(f.entries, entry)
		if len(f.entries) > f.capacity {
			f.entries = f.entries[len(f.entries)-f.capacity:]
		}
		for _, ch := range f.subs {
			select {
			case ch <- entry:
			default:
			}
		}
	}
}

// after returns retained events with sequence numbers greater than cursor, up
// to limit entries, along with the feed's latest sequence number.
func (f *eventFeed) after(cursor uint64, limit int) ([]StreamEvent, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]StreamEvent, 0)
	for _, entry := range f.entries {
		if entry.Sequence <= cursor {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, f.lastSeq
}

func (f *eventFeed) subscribe(buffer int) (uint64, <-chan StreamEvent) {
	if buffer <= 0 {
		buffer = 64
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSub++
	id := f.nextSub
	ch := make(chan StreamEvent, buffer)
	f.subs[id] = ch
	return id, ch
}

func (f *eventFeed) unsubscribe(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.subs[id]
	if !ok {
		return
	}
	delete(f.subs, id)
	close(ch)
}
