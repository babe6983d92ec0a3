package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/queue"
	lifecyclesvc "github.com/acme/call-orchestrator/internal/service/lifecycle"
	"github.com/acme/call-orchestrator/internal/telemetry"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
	"github.com/acme/call-orchestrator/pkg/logger"
)

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Handler applies one lifecycle event.
type Handler interface {
	Handle(ctx context.Context, event domain.LifecycleEvent) (lifecyclesvc.Result, error)
}

// Options tune the consumer.
type Options struct {
	Shards     int
	ShardDepth int
	// Attempts bounds how often an event is handed to the handler when it
	// fails with an infrastructure error.
	Attempts int
	Backoff  time.Duration
}

// Consumer reads provider lifecycle events and applies them through the
// lifecycle processor. Events of one execution id are handled in order on a
// single shard; different calls progress in parallel.
type Consumer struct {
	reader  Reader
	handler Handler
	opts    Options
	log     *logger.Logger
	offsets *offsetTracker

	commitMu  sync.Mutex
	committed map[int]int64
}

func NewConsumer(reader Reader, handler Handler, opts Options, log *logger.Logger) *Consumer {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	return &Consumer{
		reader:    reader,
		handler:   handler,
		opts:      opts,
		log:       log,
		offsets:   newOffsetTracker(),
		committed: make(map[int]int64),
	}
}

// Run consumes until ctx is cancelled, then drains the shards.
func (c *Consumer) Run(ctx context.Context) error {
	shards := NewShards(context.WithoutCancel(ctx), c.opts.Shards, c.opts.ShardDepth)
	defer shards.Close()

	c.log.Info("lifecycle consumer started", zap.Int("shards", c.opts.Shards))
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("lifecycle consumer: fetch", zap.Error(err))
			continue
		}
		c.offsets.track(msg)

		event, err := queue.DecodeLifecycle(msg)
		if err != nil {
			c.log.Error("lifecycle consumer: decode", zap.Error(err),
				zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset))
			c.done(ctx, msg)
			continue
		}

		if err := shards.Submit(ctx, event.ExecutionID, func(jctx context.Context) {
			c.handle(jctx, event)
			c.done(jctx, msg)
		}); err != nil {
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, event domain.LifecycleEvent) {
	ctx, span := telemetry.Tracer("lifecycle-consumer").Start(ctx, "lifecycle.consume", trace.WithAttributes(
		attribute.String("execution.id", event.ExecutionID),
		attribute.String("stage", event.RawStage),
	))
	defer span.End()

	for attempt := 1; ; attempt++ {
		_, err := c.handler.Handle(ctx, event)
		if err == nil || dropped(err) {
			return
		}
		span.RecordError(err)
		if attempt >= c.opts.Attempts {
			c.log.WithContext(ctx).Error("lifecycle consumer: giving up on event", zap.Error(err),
				zap.String("execution_id", event.ExecutionID),
				zap.String("stage", event.RawStage),
				zap.Int("attempts", attempt))
			return
		}
		time.Sleep(time.Duration(attempt) * c.opts.Backoff)
	}
}

// dropped reports errors that redelivery cannot fix.
func dropped(err error) bool {
	return errors.Is(err, apperrors.ErrDuplicateEvent) ||
		errors.Is(err, apperrors.ErrUnknownStage) ||
		errors.Is(err, apperrors.ErrMissingOwner) ||
		errors.Is(err, apperrors.ErrValidation) ||
		errors.Is(err, apperrors.ErrNotFound)
}

func (c *Consumer) done(ctx context.Context, msg kafka.Message) {
	commit, ok := c.offsets.complete(msg)
	if !ok {
		return
	}

	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	if last, seen := c.committed[commit.Partition]; seen && commit.Offset <= last {
		return
	}
	if err := c.reader.CommitMessages(ctx, commit); err != nil {
		c.log.Error("lifecycle consumer: commit", zap.Error(err),
			zap.Int("partition", commit.Partition), zap.Int64("offset", commit.Offset))
		return
	}
	c.committed[commit.Partition] = commit.Offset
}
