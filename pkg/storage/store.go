package storage

import (
	"errors"
	"time"

	"github.com/cuemby/seedhost/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a write would break a uniqueness rule:
	// a second live node for one user, or reassigning a connect address
	ErrConflict = errors.New("record conflict")
)

// NodeFilter selects node records. Zero fields match everything;
// deleted nodes are skipped unless IncludeDeleted is set.
type NodeFilter struct {
	UserID         string
	NodeID         string
	IncludeDeleted bool
}

func (f NodeFilter) match(n *types.Node) bool {
	if n.Deleted && !f.IncludeDeleted {
		return false
	}
	if f.UserID != "" && n.UserID != f.UserID {
		return false
	}
	if f.NodeID != "" && n.NodeID != f.NodeID {
		return false
	}
	return true
}

// NodeUpdate lists the fields to change on a node record; nil fields are left alone
type NodeUpdate struct {
	ConnectAddress *string
	Port           *int
	StoragePath    *string
	StartedAt      *time.Time
	Deleted        *bool
}

// apply mutates n, enforcing that the connect address is assigned only once
func (u NodeUpdate) apply(n *types.Node, now time.Time) error {
	if u.ConnectAddress != nil {
		if n.ConnectAddress != "" && n.ConnectAddress != *u.ConnectAddress {
			return ErrConflict
		}
		n.ConnectAddress = *u.ConnectAddress
	}
	if u.Port != nil {
		n.Port = *u.Port
	}
	if u.StoragePath != nil {
		n.StoragePath = *u.StoragePath
	}
	if u.StartedAt != nil {
		n.StartedAt = *u.StartedAt
	}
	if u.Deleted != nil && *u.Deleted != n.Deleted {
		n.Deleted = *u.Deleted
		if n.Deleted {
			n.DeletedAt = now
		} else {
			n.DeletedAt = time.Time{}
		}
	}
	return nil
}

// Store is the durable record store for users and nodes
type Store interface {
	// Users
	CreateUser(user *types.User) error
	GetUser(id string) (*types.User, error)
	GetUserByToken(token string) (*types.User, error)
	ListUsers() ([]*types.User, error)
	UpdateUser(user *types.User) error

	// Nodes. CreateNode assigns ID (when empty), Seq and CreatedAt, and
	// fails with ErrConflict if the user already owns a live node.
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	FindNode(filter NodeFilter) (*types.Node, error)
	ListNodes(filter NodeFilter) ([]*types.Node, error)
	UpdateNode(id string, update NodeUpdate) (*types.Node, error)

	// Utility
	Close() error
}
