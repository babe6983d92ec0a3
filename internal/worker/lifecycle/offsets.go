package lifecycle

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

// offsetTracker decides which message may be committed per partition. Jobs
// finish out of order across shards, so a partition only commits up to the
// highest offset below which every fetched message has completed.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	inflight []kafka.Message
	done     map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

// track registers a fetched message. Messages of one partition arrive in
// offset order.
func (t *offsetTracker) track(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[msg.Partition]
	if !ok {
		p = &partitionOffsets{done: make(map[int64]bool)}
		t.partitions[msg.Partition] = p
	}
	p.inflight = append(p.inflight, msg)
}

// complete marks msg finished and returns the message to commit, if the
// contiguous prefix advanced.
func (t *offsetTracker) complete(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[msg.Partition]
	if !ok {
		return kafka.Message{}, false
	}
	p.done[msg.Offset] = true

	var (
		last     kafka.Message
		advanced bool
	)
	for len(p.inflight) > 0 && p.done[p.inflight[0].Offset] {
		last = p.inflight[0]
		delete(p.done, last.Offset)
		p.inflight = p.inflight[1:]
		advanced = true
	}
	return last, advanced
}

// pending reports the number of fetched but uncommitted messages.
func (t *offsetTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.partitions {
		n += len(p.inflight)
	}
	return n
}
