package service

import (
	"context"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"math"
	"project-permission-service/internal/authz"
	"project-permission-service/internal/repository"
	"project-permission-service/internal/repository/model"
	"project-permission-service/internal/roles"
)

type authorizationService struct {
	logger *zap.SugaredLogger
	gate   *authz.Gate
	store  *roles.Store
}

func newAuthorizationService(logger *zap.SugaredLogger, gate *authz.Gate, store *roles.Store) ProjectAuthorizationServer {
	return &authorizationService{
		logger: logger,
		gate:   gate,
		store:  store,
	}
}

// Authorize expects {projectId, userId, permissions?, onlyOwner?} and answers {allowed}.
func (s *authorizationService) Authorize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	project, userId, err := s.subject(ctx, req)
	if err != nil {
		return nil, err
	}

	permissions, err := stringList(req, "permissions")
	if err != nil {
		return nil, err
	}

	err = s.gate.Authorize(ctx, authz.Request{
		Project:     project,
		UserId:      userId,
		Permissions: permissions,
		OnlyOwner:   req.GetFields()["onlyOwner"].GetBoolValue(),
	})
	if err != nil && !errors.Is(err, authz.ErrPermissionDenied) {
		s.logger.Errorw("failed to authorize", "projectId", project.Id, "userId", userId, "error", err)
		return nil, status.Error(codes.Internal, "failed to authorize")
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"allowed": structpb.NewBoolValue(err == nil),
	}}, nil
}

// GetMemberPermissions expects {projectId, userId} and answers {permissions: {codename: bool}}.
func (s *authorizationService) GetMemberPermissions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	project, userId, err := s.subject(ctx, req)
	if err != nil {
		return nil, err
	}

	permissions, err := s.gate.MemberPermissions(ctx, project, userId)
	if err != nil {
		s.logger.Errorw("failed to resolve member permissions", "projectId", project.Id, "userId", userId, "error", err)
		return nil, status.Error(codes.Internal, "failed to resolve permissions")
	}

	fields := make(map[string]*structpb.Value, len(permissions))
	for codename, allowed := range permissions {
		fields[codename] = structpb.NewBoolValue(allowed)
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"permissions": structpb.NewStructValue(&structpb.Struct{Fields: fields}),
	}}, nil
}

func (s *authorizationService) subject(ctx context.Context, req *structpb.Struct) (*model.Project, int64, error) {
	projectId, err := idField(req, "projectId")
	if err != nil {
		return nil, 0, err
	}
	userId, err := idField(req, "userId")
	if err != nil {
		return nil, 0, err
	}

	project, err := s.store.GetProject(ctx, projectId)
	if err != nil {
		if errors.Is(err, repository.ErrProjectNotFound) {
			return nil, 0, status.Error(codes.NotFound, "project not found")
		}
		s.logger.Errorw("failed to get project", "projectId", projectId, "error", err)
		return nil, 0, status.Error(codes.Internal, "failed to get project")
	}

	return project, userId, nil
}

func idField(req *structpb.Struct, name string) (int64, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, status.Error(codes.InvalidArgument, fmt.Sprintf("%s is required", name))
	}

	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue <= 0 || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, status.Error(codes.InvalidArgument, fmt.Sprintf("%s must be a positive integer", name))
	}
	return int64(n.NumberValue), nil
}

func stringList(req *structpb.Struct, name string) ([]string, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return nil, nil
	}

	list := v.GetListValue()
	if list == nil {
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("%s must be a list", name))
	}

	values := make([]string, len(list.GetValues()))
	for i, item := range list.GetValues() {
		s, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("%s must only contain strings", name))
		}
		values[i] = s.StringValue
	}
	return values, nil
}
