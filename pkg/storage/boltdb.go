package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/seedhost/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsers = []byte("users")
	bucketNodes = []byte("nodes")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (or creates) seedhost.db under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "seedhost.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketUsers, bucketNodes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// User operations
func (s *BoltStore) CreateUser(user *types.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	return s.putUser(user)
}

func (s *BoltStore) putUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put([]byte(user.ID), data)
	})
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) GetUserByToken(token string) (*types.User, error) {
	users, err := s.ListUsers()
	if err != nil {
		return nil, err
	}
	for _, user := range users {
		if token != "" && user.Token == token {
			return user, nil
		}
	}
	return nil, fmt.Errorf("user with token: %w", ErrNotFound)
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			users = append(users, &user)
			return nil
		})
	})
	return users, err
}

func (s *BoltStore) UpdateUser(user *types.User) error {
	if _, err := s.GetUser(user.ID); err != nil {
		return err
	}
	return s.putUser(user)
}

// Node operations
func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)

		err := b.ForEach(func(k, v []byte) error {
			var existing types.Node
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.UserID == node.UserID && !existing.Deleted {
				return fmt.Errorf("user %s already owns node %s: %w", node.UserID, existing.ID, ErrConflict)
			}
			return nil
		})
		if err != nil {
			return err
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if node.ID == "" {
			node.ID = uuid.NewString()
		}
		node.Seq = seq
		if node.CreatedAt.IsZero() {
			node.CreatedAt = time.Now().UTC()
		}

		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.ID), data)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("node %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// FindNode returns the most recently created node matching filter
func (s *BoltStore) FindNode(filter NodeFilter) (*types.Node, error) {
	nodes, err := s.ListNodes(filter)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("node for user %q: %w", filter.UserID, ErrNotFound)
	}
	return nodes[len(nodes)-1], nil
}

// ListNodes returns matching nodes ordered by Seq
func (s *BoltStore) ListNodes(filter NodeFilter) ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if filter.match(&node) {
				nodes = append(nodes, &node)
			}
			return nil
		})
	})
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Seq < nodes[j].Seq })
	return nodes, err
}

func (s *BoltStore) UpdateNode(id string, update NodeUpdate) (*types.Node, error) {
	var node types.Node
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("node %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &node); err != nil {
			return err
		}
		if err := update.apply(&node, time.Now().UTC()); err != nil {
			return fmt.Errorf("node %s: %w", id, err)
		}
		data, err := json.Marshal(&node)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}
