package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/seedhost/pkg/types"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore implements Store on SQLite
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) seedhost.sqlite under dataDir
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "seedhost.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serialises writers and keeps CreateNode's
	// check-and-insert inside one transaction view.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		handle     TEXT NOT NULL,
		token      TEXT,
		active     INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_token ON users(token);

	CREATE TABLE IF NOT EXISTS nodes (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		user_id         TEXT NOT NULL,
		node_id         TEXT NOT NULL DEFAULT '',
		alias           TEXT NOT NULL,
		connect_address TEXT NOT NULL DEFAULT '',
		port            INTEGER NOT NULL DEFAULT 0,
		storage_path    TEXT NOT NULL DEFAULT '',
		deleted         INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL,
		started_at      INTEGER NOT NULL DEFAULT 0,
		deleted_at      INTEGER NOT NULL DEFAULT 0
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_live_user ON nodes(user_id) WHERE deleted = 0;
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const userColumns = `id, handle, token, active, created_at`

func scanUser(row interface{ Scan(...any) error }) (*types.User, error) {
	var (
		user    types.User
		token   sql.NullString
		active  int
		created int64
	)
	if err := row.Scan(&user.ID, &user.Handle, &token, &active, &created); err != nil {
		return nil, err
	}
	user.Token = token.String
	user.Active = active != 0
	user.CreatedAt = fromUnix(created)
	return &user, nil
}

func (s *SQLiteStore) CreateUser(user *types.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Handle, user.Token, boolInt(user.Active), toUnix(user.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", user.ID, ErrConflict)
	}
	return err
}

func (s *SQLiteStore) GetUser(id string) (*types.User, error) {
	user, err := scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return user, err
}

func (s *SQLiteStore) GetUserByToken(token string) (*types.User, error) {
	if token == "" {
		return nil, fmt.Errorf("user with token: %w", ErrNotFound)
	}
	user, err := scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user with token: %w", ErrNotFound)
	}
	return user, err
}

func (s *SQLiteStore) ListUsers() ([]*types.User, error) {
	rows, err := s.db.Query(`SELECT ` + userColumns + ` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*types.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) UpdateUser(user *types.User) error {
	res, err := s.db.Exec(`UPDATE users SET handle = ?, token = ?, active = ? WHERE id = ?`,
		user.Handle, user.Token, boolInt(user.Active), user.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", user.ID, ErrNotFound)
	}
	return nil
}

const nodeColumns = `seq, id, user_id, node_id, alias, connect_address, port, storage_path, deleted, created_at, started_at, deleted_at`

func scanNode(row interface{ Scan(...any) error }) (*types.Node, error) {
	var (
		node                       types.Node
		deleted                    int
		created, started, removed int64
	)
	err := row.Scan(&node.Seq, &node.ID, &node.UserID, &node.NodeID, &node.Alias,
		&node.ConnectAddress, &node.Port, &node.StoragePath, &deleted,
		&created, &started, &removed)
	if err != nil {
		return nil, err
	}
	node.Deleted = deleted != 0
	node.CreatedAt = fromUnix(created)
	node.StartedAt = fromUnix(started)
	node.DeletedAt = fromUnix(removed)
	return &node, nil
}

func (s *SQLiteStore) CreateNode(node *types.Node) error {
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.Exec(`INSERT INTO nodes
		(id, user_id, node_id, alias, connect_address, port, storage_path, deleted, created_at, started_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID, node.UserID, node.NodeID, node.Alias, node.ConnectAddress, node.Port,
		node.StoragePath, boolInt(node.Deleted), toUnix(node.CreatedAt),
		toUnix(node.StartedAt), toUnix(node.DeletedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s already owns a node: %w", node.UserID, ErrConflict)
	}
	if err != nil {
		return err
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	node.Seq = uint64(seq)
	return nil
}

func (s *SQLiteStore) GetNode(id string) (*types.Node, error) {
	node, err := scanNode(s.db.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return node, err
}

// FindNode returns the most recently created node matching filter
func (s *SQLiteStore) FindNode(filter NodeFilter) (*types.Node, error) {
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
func (s *SQLiteStore) ListNodes(filter NodeFilter) ([]*types.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE 1 = 1`
	var args []any
	if !filter.IncludeDeleted {
		query += ` AND deleted = 0`
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.NodeID != "" {
		query += ` AND node_id = ?`
		args = append(args, filter.NodeID)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*types.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func (s *SQLiteStore) UpdateNode(id string, update NodeUpdate) (*types.Node, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	node, err := scanNode(tx.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := update.apply(node, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("node %s: %w", id, err)
	}

	_, err = tx.Exec(`UPDATE nodes SET connect_address = ?, port = ?, storage_path = ?,
		deleted = ?, started_at = ?, deleted_at = ? WHERE id = ?`,
		node.ConnectAddress, node.Port, node.StoragePath, boolInt(node.Deleted),
		toUnix(node.StartedAt), toUnix(node.DeletedAt), id)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("node %s: %w", id, ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	return node, tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
