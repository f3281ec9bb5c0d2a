// Package directory resolves group and circle membership for the
// authorization resolver. Groups live in the local database; circles are
// an external, dynamically resolved construct behind an HTTP backend.
package directory

import "context"

// Oracle answers membership questions. Every call carries its own
// context; there is no ambient session shared across lookups.
type Oracle interface {
	UserInGroup(ctx context.Context, userID, groupID string) (bool, error)
	UserInCircle(ctx context.Context, userID, circleID string) (bool, error)
	ExpandGroup(ctx context.Context, groupID string) ([]string, error)
	ExpandCircle(ctx context.Context, circleID string) ([]string, error)
}

// GroupStore is the database-backed side of the oracle.
type GroupStore interface {
	UserInGroup(ctx context.Context, userID, groupID string) (bool, error)
	ExpandGroup(ctx context.Context, groupID string) ([]string, error)
}

// CircleBackend is the external side of the oracle.
type CircleBackend interface {
	UserInCircle(ctx context.Context, userID, circleID string) (bool, error)
	ExpandCircle(ctx context.Context, circleID string) ([]string, error)
}

// Directory combines a group store with an optional circle backend.
// A nil circle backend means circles are disabled: membership resolves
// false and expansion empty.
type Directory struct {
	groups  GroupStore
	circles CircleBackend
}

func New(groups GroupStore, circles CircleBackend) *Directory {
	return &Directory{groups: groups, circles: circles}
}

func (d *Directory) UserInGroup(ctx context.Context, userID, groupID string) (bool, error) {
	return d.groups.UserInGroup(ctx, userID, groupID)
}

func (d *Directory) ExpandGroup(ctx context.Context, groupID string) ([]string, error) {
	return d.groups.ExpandGroup(ctx, groupID)
}

func (d *Directory) UserInCircle(ctx context.Context, userID, circleID string) (bool, error) {
	if d.circles == nil {
		return false, nil
	}
	return d.circles.UserInCircle(ctx, userID, circleID)
}

func (d *Directory) ExpandCircle(ctx context.Context, circleID string) ([]string, error) {
	if d.circles == nil {
		return []string{}, nil
	}
	return d.circles.ExpandCircle(ctx, circleID)
}
