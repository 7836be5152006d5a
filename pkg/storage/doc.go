/*
Package storage persists seedhost user and node records.

Two implementations of Store are provided and selected by Open:

  - BoltStore keeps JSON-encoded records in the "users" and "nodes" buckets
    of <dataDir>/seedhost.db. Node sequence numbers come from the bucket
    sequence.
  - SQLiteStore keeps the same records in <dataDir>/seedhost.sqlite. Node
    sequence numbers come from an AUTOINCREMENT key, and a partial unique
    index enforces one live node per user.

# Architecture

	┌──────────────────── STORE ───────────────────────────────┐
	│                                                            │
	│  Users: id, handle, token, active                          │
	│    GetUserByToken ◄── api.TokenAuthenticator               │
	│                                                            │
	│  Nodes: id, seq, user_id, node_id, alias, connect_address, │
	│         port, storage_path, started_at, deleted            │
	│    CreateNode ──► ErrConflict when the user has a live node│
	│    UpdateNode ──► ErrConflict when the address changes     │
	│    soft delete: Deleted + DeletedAt, history is retained   │
	└────────────────────────────────────────────────────────────┘

# Invariants

At most one node per user is live (not deleted). The connect address of a
node is assigned once and never reassigned. Deleted nodes are hidden from
FindNode and ListNodes unless NodeFilter.IncludeDeleted is set.

# Usage

	store, err := storage.Open(cfg.Storage.Driver, cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	node, err := store.FindNode(storage.NodeFilter{UserID: user.ID})
	if errors.Is(err, storage.ErrNotFound) {
		// provision
	}
*/
package storage
