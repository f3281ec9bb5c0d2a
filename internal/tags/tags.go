// Package tags provides the tag store the approval engine uses as its
// authoritative live-status signal: opaque tag ids associated with file ids.
package tags

import (
	"context"
	"errors"
)

var (
	ErrTagExists   = errors.New("tag already exists")
	ErrTagNotFound = errors.New("tag not found")
)

// Store associates tags with files. Assign/unassign pairs are not atomic;
// callers order operations so a file is never observed fully untagged
// mid-transition.
type Store interface {
	Create(ctx context.Context, name string) (string, error)
	Delete(ctx context.Context, tagID string) error
	Assign(ctx context.Context, fileID, tagID string) error
	Unassign(ctx context.Context, fileID, tagID string) error
	Has(ctx context.Context, fileID, tagID string) (bool, error)
	FilesWithTag(ctx context.Context, tagID string) ([]string, error)
}
