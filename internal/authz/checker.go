package authz

import (
	"context"
	"fmt"
	"project-permission-service/internal/repository/model"
)

type Order int

const (
	// OrderPre checkers run before the permission lookup and may skip it.
	OrderPre Order = iota
	// OrderPost checkers narrow an already granted permission.
	OrderPost
)

func (o Order) String() string {
	if o == OrderPre {
		return "pre"
	}
	return "post"
}

// RankLookup finds the highest role rank a user holds in a project.
type RankLookup interface {
	HighestRank(ctx context.Context, projectId int64, userId int64) (int, error)
}

// Subject is the acting user a checker is evaluated against.
type Subject struct {
	Project  *model.Project
	UserId   int64
	UserRank int
	Ranks    RankLookup
}

// Checker is a contextual predicate run by the gate around the permission check.
// Load must be called before Check; a Checker instance belongs to a single request.
type Checker interface {
	Name() string
	Order() Order
	StopOnSuccess() bool
	Load(ctx context.Context) error
	Check(ctx context.Context, subject Subject) (bool, error)
}

// Extractor pulls the value a checker compares against out of the request context.
type Extractor func(ctx context.Context) (int64, error)

// Value is an Extractor for a value already known to the caller.
func Value(v int64) Extractor {
	return func(context.Context) (int64, error) {
		return v, nil
	}
}

type Option func(*sourceChecker)

func WithOrder(order Order) Option {
	return func(c *sourceChecker) {
		c.order = order
	}
}

func WithStopOnSuccess(stop bool) Option {
	return func(c *sourceChecker) {
		c.stopOnSuccess = stop
	}
}

type sourceChecker struct {
	name          string
	extract       Extractor
	order         Order
	stopOnSuccess bool

	source int64
	loaded bool
}

func newSourceChecker(name string, extract Extractor, order Order, stopOnSuccess bool, opts []Option) sourceChecker {
	c := sourceChecker{name: name, extract: extract, order: order, stopOnSuccess: stopOnSuccess}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c *sourceChecker) Name() string {
	return c.name
}

func (c *sourceChecker) Order() Order {
	return c.order
}

func (c *sourceChecker) StopOnSuccess() bool {
	return c.stopOnSuccess
}

func (c *sourceChecker) Load(ctx context.Context) error {
	v, err := c.extract(ctx)
	if err != nil {
		return &CheckerLoadError{Checker: c.name, Err: err}
	}
	c.source = v
	c.loaded = true
	return nil
}

func (c *sourceChecker) loadedSource() (int64, error) {
	if !c.loaded {
		return 0, fmt.Errorf("%s: %w", c.name, ErrSourceNotLoaded)
	}
	return c.source, nil
}

// RankChecker passes when the acting user's rank is strictly greater than the source rank.
type RankChecker struct {
	sourceChecker
}

func NewRankChecker(rank Extractor, opts ...Option) *RankChecker {
	return &RankChecker{newSourceChecker("RankChecker", rank, OrderPost, false, opts)}
}

func (c *RankChecker) Check(_ context.Context, subject Subject) (bool, error) {
	rank, err := c.loadedSource()
	if err != nil {
		return false, err
	}
	return int64(subject.UserRank) > rank, nil
}

// NotOwnerTargetChecker passes when the target user is not the project owner.
type NotOwnerTargetChecker struct {
	sourceChecker
}

func NewNotOwnerTargetChecker(targetUser Extractor, opts ...Option) *NotOwnerTargetChecker {
	return &NotOwnerTargetChecker{newSourceChecker("NotOwnerTargetChecker", targetUser, OrderPost, false, opts)}
}

func (c *NotOwnerTargetChecker) Check(_ context.Context, subject Subject) (bool, error) {
	target, err := c.loadedSource()
	if err != nil {
		return false, err
	}
	return !subject.Project.IsOwner(target), nil
}

// CompareUsersRankChecker passes when the acting user outranks the target user.
// The owner outranks everyone and nobody outranks the owner.
type CompareUsersRankChecker struct {
	sourceChecker
}

func NewCompareUsersRankChecker(targetUser Extractor, opts ...Option) *CompareUsersRankChecker {
	return &CompareUsersRankChecker{newSourceChecker("CompareUsersRankChecker", targetUser, OrderPost, false, opts)}
}

func (c *CompareUsersRankChecker) Check(ctx context.Context, subject Subject) (bool, error) {
	target, err := c.loadedSource()
	if err != nil {
		return false, err
	}

	if subject.Project.IsOwner(subject.UserId) {
		return true, nil
	}
	if subject.Project.IsOwner(target) {
		return false, nil
	}

	targetRank, err := subject.Ranks.HighestRank(ctx, subject.Project.Id, target)
	if err != nil {
		return false, fmt.Errorf("failed to get rank of user %d: %w", target, err)
	}
	return subject.UserRank > targetRank, nil
}

// CreatorBypassChecker passes when the acting user created the resource. By default it runs
// first and a pass skips every remaining check.
type CreatorBypassChecker struct {
	sourceChecker
}

func NewCreatorBypassChecker(creator Extractor, opts ...Option) *CreatorBypassChecker {
	return &CreatorBypassChecker{newSourceChecker("CreatorBypassChecker", creator, OrderPre, true, opts)}
}

func (c *CreatorBypassChecker) Check(_ context.Context, subject Subject) (bool, error) {
	creator, err := c.loadedSource()
	if err != nil {
		return false, err
	}
	return subject.UserId == creator, nil
}
