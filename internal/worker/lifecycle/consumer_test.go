package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/call-orchestrator/internal/domain"
	lifecyclesvc "github.com/acme/call-orchestrator/internal/service/lifecycle"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
	"github.com/acme/call-orchestrator/pkg/logger"
)

type fakeReader struct {
	mu      sync.Mutex
	msgs    []kafka.Message
	commits []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, msgs...)
	return nil
}

func (r *fakeReader) lastCommitted() map[int]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[int]int64{}
	for _, m := range r.commits {
		if last, ok := out[m.Partition]; !ok || m.Offset > last {
			out[m.Partition] = m.Offset
		}
	}
	return out
}

type recordingHandler struct {
	mu      sync.Mutex
	stages  map[string][]domain.Stage
	calls   int
	failFor map[string]int
}

func (h *recordingHandler) Handle(_ context.Context, event domain.LifecycleEvent) (lifecyclesvc.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.failFor[event.ExecutionID] > 0 {
		h.failFor[event.ExecutionID]--
		return lifecyclesvc.Result{}, errors.New("database unavailable")
	}
	h.stages[event.ExecutionID] = append(h.stages[event.ExecutionID], event.Stage)
	if event.ExecutionID == "exec-dup" {
		return lifecyclesvc.Result{}, apperrors.ErrDuplicateEvent
	}
	return lifecyclesvc.Result{}, nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func message(t *testing.T, partition int, offset int64, executionID string, stage domain.Stage) kafka.Message {
	t.Helper()
	value, err := json.Marshal(domain.LifecycleEvent{ExecutionID: executionID, Stage: stage, RawStage: stage.String()})
	require.NoError(t, err)
	return kafka.Message{Partition: partition, Offset: offset, Key: []byte(executionID), Value: value}
}

func TestConsumerHandlesEventsInOrderAndCommits(t *testing.T) {
	stages := []domain.Stage{domain.StageInitiated, domain.StageRinging, domain.StageInProgress, domain.StageCompleted}
	reader := &fakeReader{}
	offsets := map[int]int64{}
	partitions := map[string]int{"exec-1": 0, "exec-2": 1, "exec-3": 0}
	for _, exec := range []string{"exec-1", "exec-2", "exec-3"} {
		partition := partitions[exec]
		for _, stage := range stages {
			reader.msgs = append(reader.msgs, message(t, partition, offsets[partition], exec, stage))
			offsets[partition]++
		}
	}
	reader.msgs = append(reader.msgs, kafka.Message{Partition: 0, Offset: offsets[0], Value: []byte("{not json")})
	offsets[0]++

	handler := &recordingHandler{stages: map[string][]domain.Stage{}, failFor: map[string]int{"exec-3": 1}}
	c := NewConsumer(reader, handler, Options{Shards: 4, Backoff: time.Millisecond}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return handler.count() == 13 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	for _, exec := range []string{"exec-1", "exec-2", "exec-3"} {
		assert.Equal(t, stages, handler.stages[exec], "events of %s applied in order", exec)
	}

	committed := reader.lastCommitted()
	for partition, next := range offsets {
		assert.Equal(t, next-1, committed[partition], "partition %d fully committed", partition)
	}
}

func TestConsumerDoesNotRetryDroppedEvents(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{message(t, 0, 0, "exec-dup", domain.StageRinging)}}
	handler := &recordingHandler{stages: map[string][]domain.Stage{}, failFor: map[string]int{}}
	c := NewConsumer(reader, handler, Options{Shards: 1, Backoff: time.Millisecond}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.lastCommitted()) == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-errCh
	assert.Equal(t, 1, handler.count())
}
