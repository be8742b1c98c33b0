package notifier

import (
	"context"
	"fmt"
	"project-permission-service/internal/config"
	"project-permission-service/internal/repository/model"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	topic = "project-permissions"

	typeHeader      = "X-Proto-Type"
	eventTypeHeader = "X-Event-Type"

	roleUpdateEvent            = "role_update"
	rolePermissionsUpdateEvent = "role_permissions_update"
	memberRolesUpdateEvent     = "member_roles_update"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type kafkaNotifier struct {
	logger *zap.SugaredLogger
	w      messageWriter
}

func NewKafkaNotifier(ctx context.Context, wg *sync.WaitGroup, logger *zap.SugaredLogger, cfg config.KafkaConfig) Notifier {
	w := &kafka.Writer{
		Addr:        kafka.TCP(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
		Topic:       topic,
		Async:       true,
		Balancer:    &kafka.Hash{},
		ErrorLogger: zap.NewStdLog(logger.Desugar()),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		logger.Info("shutting down kafka writer")
		if err := w.Close(); err != nil {
			logger.Errorw("failed to close kafka writer", "error", err)
		}
	}()

	return &kafkaNotifier{
		logger: logger,
		w:      w,
	}
}

func (k *kafkaNotifier) RoleUpdate(ctx context.Context, role *model.Role, changeType ChangeType) error {
	payload := map[string]*structpb.Value{
		"changeType": structpb.NewStringValue(string(changeType)),
		"role":       structpb.NewStructValue(role.ToProto()),
	}

	if err := k.publishMessage(ctx, role.ProjectId, roleUpdateEvent, payload); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}

func (k *kafkaNotifier) RolePermissionsUpdate(ctx context.Context, role *model.Role, permissions []model.RolePermission) error {
	values := make([]*structpb.Value, len(permissions))
	for i := range permissions {
		values[i] = permissions[i].ToProto()
	}

	payload := map[string]*structpb.Value{
		"roleId":      structpb.NewNumberValue(float64(role.Id)),
		"permissions": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}

	if err := k.publishMessage(ctx, role.ProjectId, rolePermissionsUpdateEvent, payload); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}

func (k *kafkaNotifier) MemberRolesUpdate(ctx context.Context, member model.MemberRole, changeType ChangeType) error {
	payload := map[string]*structpb.Value{
		"changeType": structpb.NewStringValue(string(changeType)),
		"userId":     structpb.NewNumberValue(float64(member.UserId)),
		"roleId":     structpb.NewNumberValue(float64(member.RoleId)),
	}

	if err := k.publishMessage(ctx, member.ProjectId, memberRolesUpdateEvent, payload); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}

func (k *kafkaNotifier) publishMessage(ctx context.Context, projectId int64, eventType string, payload map[string]*structpb.Value) error {
	msg, err := newMessage(projectId, eventType, payload)
	if err != nil {
		return err
	}

	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

// newMessage keys messages by project so that events of one project stay ordered.
func newMessage(projectId int64, eventType string, payload map[string]*structpb.Value) (kafka.Message, error) {
	payload["eventId"] = structpb.NewStringValue(uuid.NewString())
	payload["projectId"] = structpb.NewNumberValue(float64(projectId))
	payload["timestamp"] = structpb.NewStringValue(time.Now().UTC().Format(time.RFC3339Nano))

	message := &structpb.Struct{Fields: payload}
	bytes, err := proto.Marshal(message)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	return kafka.Message{
		Key:   []byte(strconv.FormatInt(projectId, 10)),
		Value: bytes,
		Headers: []kafka.Header{
			{Key: typeHeader, Value: []byte(message.ProtoReflect().Descriptor().FullName())},
			{Key: eventTypeHeader, Value: []byte(eventType)},
		},
	}, nil
}
