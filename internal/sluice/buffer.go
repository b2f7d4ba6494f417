package sluice

import (
	"sync"
)

// Item is one buffered edge message awaiting publication.
type Item struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

func (i Item) size() int {
	n := len(i.Key) + len(i.Value)
	for k, v := range i.Headers {
		n += len(k) + len(v)
	}
	return n
}

// topicBuffer is a bounded FIFO for one destination topic. Overflow is
// lossy: the newest message is rejected and counted, never blocking the
// MQTT receive path.
type topicBuffer struct {
	mu    sync.Mutex
	items []Item
	max   int
}

func newTopicBuffer(max int) *topicBuffer {
	return &topicBuffer{max: max}
}

// Enqueue appends an item. Returns false when the buffer is full and the
// item was dropped.
func (b *topicBuffer) Enqueue(item Item) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.max {
		return false
	}
	b.items = append(b.items, item)
	return true
}

// Depth returns the current number of buffered items.
func (b *topicBuffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// DrainAll removes and returns all buffered items in FIFO order.
func (b *topicBuffer) DrainAll() []Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

// Requeue prepends items that failed to publish so a later drain retries
// them, unless that would overflow the buffer (then they stay dropped).
func (b *topicBuffer) Requeue(items []Item) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(items)+len(b.items) > b.max {
		return false
	}
	b.items = append(items, b.items...)
	return true
}

// cutBatches splits items into publish batches bounded by message count
// and total byte size. A single oversized item still forms its own batch.
func cutBatches(items []Item, maxMsgs, maxBytes int) [][]Item {
	if len(items) == 0 {
		return nil
	}

	var batches [][]Item
	var current []Item
	currentBytes := 0

	for _, item := range items {
		sz := item.size()
		if len(current) > 0 && (len(current) >= maxMsgs || currentBytes+sz > maxBytes) {
			batches = append(batches, current)
			current = nil
			currentBytes = 0
		}
		current = append(current, item)
		currentBytes += sz
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
