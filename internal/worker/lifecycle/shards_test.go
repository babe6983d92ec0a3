package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardsPreserveOrderPerKey(t *testing.T) {
	s := NewShards(context.Background(), 4, 8)

	var mu sync.Mutex
	seen := map[string][]int{}
	keys := []string{"exec-a", "exec-b", "exec-c", "exec-d", "exec-e"}
	for i := 0; i < 200; i++ {
		key := keys[i%len(keys)]
		seq := i
		require.NoError(t, s.Submit(context.Background(), key, func(context.Context) {
			mu.Lock()
			seen[key] = append(seen[key], seq)
			mu.Unlock()
		}))
	}
	s.Close()

	for _, key := range keys {
		got := seen[key]
		require.Len(t, got, 40)
		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1], got[i], "jobs for %s ran out of order", key)
		}
	}
}

func TestShardIsStable(t *testing.T) {
	s := NewShards(context.Background(), 16, 1)
	defer s.Close()
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("exec-%d", i)
		assert.Equal(t, s.Shard(key), s.Shard(key))
	}
}

func TestSubmitAfterClose(t *testing.T) {
	s := NewShards(context.Background(), 2, 1)
	s.Close()
	err := s.Submit(context.Background(), "k", func(context.Context) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOffsetTrackerCommitsContiguousPrefix(t *testing.T) {
	tr := newOffsetTracker()
	msgs := make([]kafka.Message, 4)
	for i := range msgs {
		msgs[i] = kafka.Message{Partition: 1, Offset: int64(10 + i)}
		tr.track(msgs[i])
	}

	_, ok := tr.complete(msgs[2])
	assert.False(t, ok, "offset 12 cannot commit while 10 is in flight")
	_, ok = tr.complete(msgs[1])
	assert.False(t, ok)

	commit, ok := tr.complete(msgs[0])
	require.True(t, ok)
	assert.Equal(t, int64(12), commit.Offset)
	assert.Equal(t, 1, tr.pending())

	commit, ok = tr.complete(msgs[3])
	require.True(t, ok)
	assert.Equal(t, int64(13), commit.Offset)
	assert.Zero(t, tr.pending())
}

func TestOffsetTrackerPartitionsAreIndependent(t *testing.T) {
	tr := newOffsetTracker()
	a := kafka.Message{Partition: 0, Offset: 5}
	b := kafka.Message{Partition: 1, Offset: 7}
	tr.track(a)
	tr.track(b)

	commit, ok := tr.complete(b)
	require.True(t, ok)
	assert.Equal(t, 1, commit.Partition)
	assert.Equal(t, int64(7), commit.Offset)
}
