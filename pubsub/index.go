package pubsub

import (
	"sort"
	"sync"
	"sync/atomic"
)

// SubscriptionIndex is the reverse index from topic to subscribed
// clientIds. Reads on the publish hot path are lock-free: each topic holds
// an immutable snapshot slice swapped atomically on mutation, so fan-out
// never contends with subscribe/unsubscribe traffic.
type SubscriptionIndex struct {
	mu          sync.RWMutex
	subscribers map[string]*atomic.Value // topic -> []string snapshot
}

// NewSubscriptionIndex creates an empty index.
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{subscribers: make(map[string]*atomic.Value)}
}

// Add registers a clientId as a subscriber of the topic. Duplicate adds are
// no-ops.
func (idx *SubscriptionIndex) Add(topic, clientID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	val := idx.subscribers[topic]
	if val == nil {
		val = &atomic.Value{}
		idx.subscribers[topic] = val
	}

	var current []string
	if v := val.Load(); v != nil {
		current = v.([]string)
	}
	for _, existing := range current {
		if existing == clientID {
			return
		}
	}

	next := make([]string, len(current)+1)
	copy(next, current)
	next[len(current)] = clientID
	val.Store(next)
}

// Remove unregisters a clientId from the topic. Removing a non-member is a
// no-op; the topic entry is dropped when its last subscriber leaves.
func (idx *SubscriptionIndex) Remove(topic, clientID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	val, ok := idx.subscribers[topic]
	if !ok {
		return
	}
	v := val.Load()
	if v == nil {
		return
	}
	current := v.([]string)

	for i, existing := range current {
		if existing != clientID {
			continue
		}
		next := make([]string, len(current)-1)
		copy(next, current[:i])
		copy(next[i:], current[i+1:])
		if len(next) == 0 {
			delete(idx.subscribers, topic)
		} else {
			val.Store(next)
		}
		return
	}
}

// Get returns the immutable subscriber snapshot for a topic. Callers must
// not modify the returned slice.
func (idx *SubscriptionIndex) Get(topic string) []string {
	idx.mu.RLock()
	val, ok := idx.subscribers[topic]
	idx.mu.RUnlock()
	if !ok {
		return nil
	}
	v := val.Load()
	if v == nil {
		return nil
	}
	return v.([]string)
}

// Count returns the subscriber count for a topic.
func (idx *SubscriptionIndex) Count(topic string) int {
	return len(idx.Get(topic))
}

// Topics returns the sorted list of topics with subscribers.
func (idx *SubscriptionIndex) Topics() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(idx.subscribers))
	for topic := range idx.subscribers {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Has reports whether the topic has at least one subscriber.
func (idx *SubscriptionIndex) Has(topic string) bool {
	return len(idx.Get(topic)) > 0
}
