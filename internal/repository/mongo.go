package repository

import (
	"context"
	"errors"
	"fmt"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"project-permission-service/internal/config"
	"project-permission-service/internal/repository/model"
	"sync"
	"time"
)

const (
	databaseName = "project-permission-service"

	projectCollectionName        = "projects"
	roleCollectionName           = "roles"
	rolePermissionCollectionName = "role_permissions"
	memberRoleCollectionName     = "member_roles"
	counterCollectionName        = "counters"

	roleCounterId = "roles"
)

type mongoRepository struct {
	database *mongo.Database

	projectCollection        *mongo.Collection
	roleCollection           *mongo.Collection
	rolePermissionCollection *mongo.Collection
	memberRoleCollection     *mongo.Collection
	counterCollection        *mongo.Collection
}

func NewMongoRepository(ctx context.Context, logger *zap.SugaredLogger, wg *sync.WaitGroup, cfg config.MongoDBConfig) (Repository, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, err
	}

	repo := newMongoRepository(client.Database(databaseName))
	if err := repo.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		if err := client.Disconnect(context.Background()); err != nil {
			logger.Errorw("failed to disconnect from mongo", "error", err)
		}
	}()

	return repo, nil
}

func newMongoRepository(database *mongo.Database) *mongoRepository {
	return &mongoRepository{
		database:                 database,
		projectCollection:        database.Collection(projectCollectionName),
		roleCollection:           database.Collection(roleCollectionName),
		rolePermissionCollection: database.Collection(rolePermissionCollectionName),
		memberRoleCollection:     database.Collection(memberRoleCollectionName),
		counterCollection:        database.Collection(counterCollectionName),
	}
}

func (m *mongoRepository) createIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := m.roleCollection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "rank", Value: -1}}},
		{Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "isEveryone", Value: 1}}},
	}); err != nil {
		return err
	}

	if _, err := m.rolePermissionCollection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "roleId", Value: 1}, {Key: "codename", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}

	_, err := m.memberRoleCollection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "roleId", Value: 1}, {Key: "userId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "userId", Value: 1}}},
	})
	return err
}

func (m *mongoRepository) GetProject(ctx context.Context, projectId int64) (*model.Project, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var project model.Project
	if err := m.projectCollection.FindOne(ctx, bson.M{"_id": projectId}).Decode(&project); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}

	return &project, nil
}

func (m *mongoRepository) SaveProject(ctx context.Context, project *model.Project) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := m.projectCollection.ReplaceOne(ctx, bson.M{"_id": project.Id}, project, options.Replace().SetUpsert(true))
	return err
}

func (m *mongoRepository) DeleteProject(ctx context.Context, projectId int64) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	roleIds, err := m.projectRoleIds(ctx, projectId)
	if err != nil {
		return err
	}

	if len(roleIds) > 0 {
		if _, err := m.rolePermissionCollection.DeleteMany(ctx, bson.M{"roleId": bson.M{"$in": roleIds}}); err != nil {
			return err
		}
	}
	if _, err := m.memberRoleCollection.DeleteMany(ctx, bson.M{"projectId": projectId}); err != nil {
		return err
	}
	if _, err := m.roleCollection.DeleteMany(ctx, bson.M{"projectId": projectId}); err != nil {
		return err
	}

	result, err := m.projectCollection.DeleteOne(ctx, bson.M{"_id": projectId})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return ErrProjectNotFound
	}

	return nil
}

func (m *mongoRepository) projectRoleIds(ctx context.Context, projectId int64) ([]int64, error) {
	cursor, err := m.roleCollection.Find(ctx, bson.M{"projectId": projectId}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}

	var docs []struct {
		Id int64 `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	ids := make([]int64, len(docs))
	for i, doc := range docs {
		ids[i] = doc.Id
	}
	return ids, nil
}

func (m *mongoRepository) CreateRole(ctx context.Context, role *model.Role) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	id, err := m.nextId(ctx, roleCounterId)
	if err != nil {
		return fmt.Errorf("failed to allocate role id: %w", err)
	}
	role.Id = id

	_, err = m.roleCollection.InsertOne(ctx, role)
	return err
}

func (m *mongoRepository) nextId(ctx context.Context, counter string) (int64, error) {
	var result struct {
		Seq int64 `bson:"seq"`
	}

	err := m.counterCollection.FindOneAndUpdate(ctx,
		bson.M{"_id": counter},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&result)

	return result.Seq, err
}

func (m *mongoRepository) GetRole(ctx context.Context, roleId int64) (*model.Role, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var role model.Role
	if err := m.roleCollection.FindOne(ctx, bson.M{"_id": roleId}).Decode(&role); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRoleNotFound
		}
		return nil, err
	}

	members, err := m.roleMembers(ctx, []int64{roleId})
	if err != nil {
		return nil, err
	}
	role.Members = members[roleId]

	return &role, nil
}

func (m *mongoRepository) GetProjectRoles(ctx context.Context, projectId int64) ([]*model.Role, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roles, err := m.findRoles(ctx, bson.M{"projectId": projectId})
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(roles))
	for i, role := range roles {
		ids[i] = role.Id
	}

	members, err := m.roleMembers(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, role := range roles {
		role.Members = members[role.Id]
	}

	return roles, nil
}

// findRoles returns matching roles ordered by rank descending.
func (m *mongoRepository) findRoles(ctx context.Context, filter any) ([]*model.Role, error) {
	opts := options.Find().SetSort(bson.D{{Key: "rank", Value: -1}, {Key: "_id", Value: 1}})

	cursor, err := m.roleCollection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	var mongoResult []model.Role
	if err := cursor.All(ctx, &mongoResult); err != nil {
		return nil, err
	}

	slice := make([]*model.Role, len(mongoResult))
	for i := range mongoResult {
		slice[i] = &mongoResult[i]
	}

	return slice, nil
}

func (m *mongoRepository) roleMembers(ctx context.Context, roleIds []int64) (map[int64][]model.MemberRole, error) {
	result := make(map[int64][]model.MemberRole, len(roleIds))
	if len(roleIds) == 0 {
		return result, nil
	}

	cursor, err := m.memberRoleCollection.Find(ctx, bson.M{"roleId": bson.M{"$in": roleIds}},
		options.Find().SetSort(bson.D{{Key: "dateAdded", Value: 1}}))
	if err != nil {
		return nil, err
	}

	var members []model.MemberRole
	if err := cursor.All(ctx, &members); err != nil {
		return nil, err
	}

	for _, member := range members {
		result[member.RoleId] = append(result[member.RoleId], member)
	}
	return result, nil
}

func (m *mongoRepository) UpdateRoles(ctx context.Context, roles []*model.Role) error {
	if len(roles) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	writes := make([]mongo.WriteModel, len(roles))
	for i, role := range roles {
		writes[i] = mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": role.Id, "projectId": role.ProjectId}).
			SetUpdate(bson.M{"$set": bson.M{"name": role.Name, "color": role.Color, "rank": role.Rank}})
	}

	result, err := m.roleCollection.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(true))
	if err != nil {
		return err
	}
	if result.MatchedCount != int64(len(roles)) {
		return ErrRoleNotFound
	}

	return nil
}

func (m *mongoRepository) DeleteRole(ctx context.Context, roleId int64) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := m.roleCollection.DeleteOne(ctx, bson.M{"_id": roleId})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return ErrRoleNotFound
	}

	if _, err := m.rolePermissionCollection.DeleteMany(ctx, bson.M{"roleId": roleId}); err != nil {
		return err
	}
	_, err = m.memberRoleCollection.DeleteMany(ctx, bson.M{"roleId": roleId})
	return err
}

func (m *mongoRepository) GetRolePermissions(ctx context.Context, roleId int64, codenames ...string) ([]model.RolePermission, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{"roleId": roleId}
	if len(codenames) > 0 {
		filter["codename"] = bson.M{"$in": codenames}
	}

	return m.findRolePermissions(ctx, filter)
}

func (m *mongoRepository) findRolePermissions(ctx context.Context, filter any) ([]model.RolePermission, error) {
	cursor, err := m.rolePermissionCollection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "codename", Value: 1}}))
	if err != nil {
		return nil, err
	}

	permissions := make([]model.RolePermission, 0)
	if err := cursor.All(ctx, &permissions); err != nil {
		return nil, err
	}
	return permissions, nil
}

func (m *mongoRepository) UpsertRolePermissions(ctx context.Context, permissions []model.RolePermission) error {
	if len(permissions) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	writes := make([]mongo.WriteModel, len(permissions))
	for i, p := range permissions {
		writes[i] = mongo.NewUpdateOneModel().
			SetFilter(bson.M{"roleId": p.RoleId, "codename": p.Codename}).
			SetUpdate(bson.M{"$set": bson.M{"value": p.Value}}).
			SetUpsert(true)
	}

	_, err := m.rolePermissionCollection.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	return err
}

func (m *mongoRepository) GetUserRoles(ctx context.Context, projectId int64, userId int64) ([]*model.Role, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cursor, err := m.memberRoleCollection.Find(ctx, bson.M{"projectId": projectId, "userId": userId})
	if err != nil {
		return nil, err
	}

	var memberships []model.MemberRole
	if err := cursor.All(ctx, &memberships); err != nil {
		return nil, err
	}

	roleIds := make([]int64, len(memberships))
	for i, membership := range memberships {
		roleIds[i] = membership.RoleId
	}

	roles, err := m.findRoles(ctx, bson.M{
		"projectId": projectId,
		"$or": bson.A{
			bson.M{"_id": bson.M{"$in": roleIds}},
			bson.M{"isEveryone": true},
		},
	})
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(roles))
	index := make(map[int64]*model.Role, len(roles))
	for i, role := range roles {
		ids[i] = role.Id
		index[role.Id] = role
	}

	if len(ids) == 0 {
		return roles, nil
	}

	permissions, err := m.findRolePermissions(ctx, bson.M{"roleId": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	for _, p := range permissions {
		role := index[p.RoleId]
		role.Permissions = append(role.Permissions, p)
	}

	return roles, nil
}

func (m *mongoRepository) AddRoleToMember(ctx context.Context, member model.MemberRole) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := m.memberRoleCollection.InsertOne(ctx, member)
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyHasRole
	}

	return err
}

func (m *mongoRepository) RemoveRoleFromMember(ctx context.Context, roleId int64, userId int64) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := m.memberRoleCollection.DeleteOne(ctx, bson.M{"roleId": roleId, "userId": userId})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return ErrDoesNotHaveRole
	}

	return nil
}

func (m *mongoRepository) RemoveMember(ctx context.Context, projectId int64, userId int64) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := m.memberRoleCollection.DeleteMany(ctx, bson.M{"projectId": projectId, "userId": userId})
	return err
}
