// Package access decides what a user may do with a project. There are two
// tiers: the owner (full control) and grantees with an active grant (project
// reads plus full document CRUD). Existence is always checked before
// permission, so a missing project is NotFound for every caller.
package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"docvault/api/internal/store"
)

var (
	ErrNotFound  = errors.New("project not found")
	ErrForbidden = errors.New("not authorized")
)

// Level is the resolved authority of a user over a project.
type Level int

const (
	LevelNone Level = iota
	LevelGrantee
	LevelOwner
)

func (l Level) String() string {
	switch l {
	case LevelOwner:
		return "owner"
	case LevelGrantee:
		return "grantee"
	default:
		return "none"
	}
}

// Store is the slice of the relational store the resolver needs.
type Store interface {
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	HasActiveGrant(ctx context.Context, projectID, userID string) (bool, error)
}

// Resolve loads the project and classifies the user's authority over it.
// Owner status comes from the project row itself; anything else requires a
// stored grant with can_access=true.
func Resolve(ctx context.Context, st Store, userID, projectID string) (store.Project, Level, error) {
	project, err := st.GetProject(ctx, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Project{}, LevelNone, ErrNotFound
	}
	if err != nil {
		return store.Project{}, LevelNone, fmt.Errorf("load project: %w", err)
	}

	if project.OwnerID == userID {
		return project, LevelOwner, nil
	}

	active, err := st.HasActiveGrant(ctx, projectID, userID)
	if err != nil {
		return store.Project{}, LevelNone, err
	}
	if active {
		return project, LevelGrantee, nil
	}
	return project, LevelNone, nil
}

// ResolveOwner returns the project only when the user owns it.
func ResolveOwner(ctx context.Context, st Store, userID, projectID string) (store.Project, error) {
	project, level, err := Resolve(ctx, st, userID, projectID)
	if err != nil {
		return store.Project{}, err
	}
	if level != LevelOwner {
		return store.Project{}, ErrForbidden
	}
	return project, nil
}

// ResolveViewer returns the project when the user is the owner or holds an
// active grant.
func ResolveViewer(ctx context.Context, st Store, userID, projectID string) (store.Project, error) {
	project, level, err := Resolve(ctx, st, userID, projectID)
	if err != nil {
		return store.Project{}, err
	}
	if level == LevelNone {
		return store.Project{}, ErrForbidden
	}
	return project, nil
}

// Check is the side-effect-free viewer gate used by the document lifecycle.
func Check(ctx context.Context, st Store, userID, projectID string) error {
	_, err := ResolveViewer(ctx, st, userID, projectID)
	return err
}
