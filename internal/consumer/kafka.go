package consumer

import (
	"context"
	"errors"
	"fmt"
	"project-permission-service/internal/config"
	"project-permission-service/internal/repository"
	"project-permission-service/internal/repository/model"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	topic   = "project-events"
	groupId = "project-permission-service"

	eventTypeHeader = "X-Event-Type"

	projectCreatedEvent      = "created"
	projectOwnerChangedEvent = "owner_changed"
	projectMemberLeftEvent   = "member_left"
	projectDeletedEvent      = "deleted"
)

const maxRetryInterval = 30 * time.Second

var (
	errUnknownEvent = errors.New("unknown event type")
	errInvalidEvent = errors.New("invalid event")
)

// ProjectLifecycle applies project events to the permission state.
type ProjectLifecycle interface {
	InitProject(ctx context.Context, project *model.Project) error
	TransferOwnership(ctx context.Context, projectId int64, ownerId int64) error
	RemoveMember(ctx context.Context, projectId int64, userId int64) error
	DeleteProject(ctx context.Context, projectId int64) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type consumer struct {
	logger     *zap.SugaredLogger
	reader     messageReader
	lifecycle  ProjectLifecycle
	newBackOff func() backoff.BackOff
}

// NewKafkaConsumer starts consuming project events until ctx is done.
func NewKafkaConsumer(ctx context.Context, wg *sync.WaitGroup, logger *zap.SugaredLogger, cfg config.KafkaConfig, lifecycle ProjectLifecycle) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		GroupID:     groupId,
		Topic:       topic,
		ErrorLogger: zap.NewStdLog(logger.Desugar()),
	})

	c := &consumer{
		logger:     logger,
		reader:     reader,
		lifecycle:  lifecycle,
		newBackOff: newRetryBackOff,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.consume(ctx)

		logger.Info("shutting down kafka reader")
		if err := reader.Close(); err != nil {
			logger.Errorw("failed to close kafka reader", "error", err)
		}
	}()
}

func newRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = maxRetryInterval
	b.MaxElapsedTime = 0
	return b
}

func (c *consumer) consume(ctx context.Context) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Errorw("failed to fetch message", "error", err)
			}
			return
		}

		// uncommitted, the message is fetched again by the next consumer of the partition
		if err := c.process(ctx, msg); err != nil {
			return
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Errorw("failed to commit message", "offset", msg.Offset, "error", err)
		}
	}
}

// process retries msg until it is applied or found to be one that can never be applied, in
// which case it is logged and skipped. It only returns an error once ctx is done.
func (c *consumer) process(ctx context.Context, msg kafka.Message) error {
	operation := func() error {
		err := c.handle(ctx, msg)
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warnw("failed to handle project event, retrying",
			"offset", msg.Offset, "partition", msg.Partition, "retryIn", wait, "error", err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(c.newBackOff(), ctx), notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.logger.Errorw("skipping project event", "offset", msg.Offset, "partition", msg.Partition, "error", err)
	return nil
}

func isPermanent(err error) bool {
	return errors.Is(err, errInvalidEvent) ||
		errors.Is(err, errUnknownEvent) ||
		errors.Is(err, repository.ErrProjectNotFound)
}

func (c *consumer) handle(ctx context.Context, msg kafka.Message) error {
	var payload structpb.Struct
	if err := proto.Unmarshal(msg.Value, &payload); err != nil {
		return fmt.Errorf("%w: failed to unmarshal message: %v", errInvalidEvent, err)
	}

	eventType := header(msg, eventTypeHeader)
	projectId, err := intField(&payload, "projectId")
	if err != nil {
		return err
	}

	c.logger.Debugw("received project event", "type", eventType, "projectId", projectId)

	switch eventType {
	case projectCreatedEvent:
		ownerId, err := intField(&payload, "ownerId")
		if err != nil {
			return err
		}
		return c.lifecycle.InitProject(ctx, &model.Project{Id: projectId, OwnerId: ownerId})
	case projectOwnerChangedEvent:
		ownerId, err := intField(&payload, "ownerId")
		if err != nil {
			return err
		}
		return c.lifecycle.TransferOwnership(ctx, projectId, ownerId)
	case projectMemberLeftEvent:
		userId, err := intField(&payload, "userId")
		if err != nil {
			return err
		}
		return c.lifecycle.RemoveMember(ctx, projectId, userId)
	case projectDeletedEvent:
		return c.lifecycle.DeleteProject(ctx, projectId)
	default:
		return fmt.Errorf("%w: %q", errUnknownEvent, eventType)
	}
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func intField(payload *structpb.Struct, name string) (int64, error) {
	v, ok := payload.GetFields()[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing field %s", errInvalidEvent, name)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: field %s is not a number", errInvalidEvent, name)
	}
	return int64(n.NumberValue), nil
}
