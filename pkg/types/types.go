package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

var errNotObject = errors.New("event is not a JSON object")

// User is the subscriber on whose behalf a node is operated
type User struct {
	ID        string
	Handle    string
	Token     string // Bearer token presented by web clients
	Active    bool   // Mirrors the external subscription state
	CreatedAt time.Time
}

// Node is the durable identity of a user's seed node
type Node struct {
	ID             string // Store identifier
	Seq            uint64 // Store-assigned sequence, used to derive Port
	UserID         string
	NodeID         string // Identity emitted by the node tool
	Alias          string // Container names are derived from this
	ConnectAddress string // Externally reachable host:port, assigned once
	Port           int
	StoragePath    string
	Deleted        bool
	CreatedAt      time.Time
	StartedAt      time.Time // Last time the node container transitioned to running
	DeletedAt      time.Time
}

// Containers returns the container pair backing the node
func (n *Node) Containers() ContainerPair {
	return ContainerPairFor(n.Alias)
}

// Age returns how long the node has been up, measured from its last start
func (n *Node) Age(now time.Time) time.Duration {
	if !n.StartedAt.IsZero() {
		return now.Sub(n.StartedAt)
	}
	return now.Sub(n.CreatedAt)
}

// ContainerPair names the two containers that back a node
type ContainerPair struct {
	Node    string
	Gateway string
}

// ContainerPairFor derives container names from a node alias
func ContainerPairFor(alias string) ContainerPair {
	return ContainerPair{
		Node:    alias + "-node",
		Gateway: alias + "-httpd",
	}
}

// Names returns both container names, node container first
func (p ContainerPair) Names() []string {
	return []string{p.Node, p.Gateway}
}

// NodeStatus is the raw status reported by the node tool
type NodeStatus struct {
	Running      bool  `json:"running"`
	Peers        int   `json:"peers"`
	SinceSeconds int64 `json:"since"`
	SizeBytes    int64 `json:"size"`
}

// Snapshot is the derived status view published to clients
type Snapshot struct {
	Running      bool  `json:"running"`
	Peers        int   `json:"peers"`
	SinceSeconds int64 `json:"sinceSeconds"`
	SizeBytes    int64 `json:"size"`
	Booting      bool  `json:"booting"`
}

// NewSnapshot derives a snapshot from a raw status and the node's age
func NewSnapshot(status NodeStatus, age, bootingTimeout time.Duration) Snapshot {
	return Snapshot{
		Running:      status.Running,
		Peers:        status.Peers,
		SinceSeconds: status.SinceSeconds,
		SizeBytes:    status.SizeBytes,
		Booting:      status.Running && status.Peers == 0 && age < bootingTimeout,
	}
}

// Changed reports whether s differs from prev in a way clients care about.
// Size and SinceSeconds drift on every poll and are ignored.
func (s Snapshot) Changed(prev *Snapshot) bool {
	if prev == nil {
		return true
	}
	return s.Running != prev.Running ||
		s.Peers != prev.Peers ||
		s.Booting != prev.Booting
}

// Healthy reports whether the node is running and connected to at least one peer
func (s Snapshot) Healthy() bool {
	return s.Running && s.Peers > 0
}

// NodeEvent is one structured event read from a node's live event feed
type NodeEvent struct {
	Type  string          `json:"type"`
	Typed bool            `json:"-"` // False when the payload carries no "type" member
	Raw   json.RawMessage `json:"-"`
}

// MarshalJSON emits the original event payload
func (e NodeEvent) MarshalJSON() ([]byte, error) {
	if len(e.Raw) == 0 {
		return json.Marshal(struct {
			Type string `json:"type"`
		}{e.Type})
	}
	return e.Raw, nil
}

// ParseNodeEvent parses one line of the node's event feed.
// The line must be a JSON object; its "type" member is the event type.
func ParseNodeEvent(line []byte) (NodeEvent, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return NodeEvent{}, errNotObject
	}
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return NodeEvent{}, err
	}
	event := NodeEvent{Raw: append(json.RawMessage(nil), trimmed...)}
	if head.Type != nil {
		event.Type = *head.Type
		event.Typed = true
	}
	return event, nil
}

// StatusEvent is published on the status bus when a node's snapshot changes
type StatusEvent struct {
	NodeID   string    `json:"nodeId"`
	Snapshot Snapshot  `json:"status"`
	At       time.Time `json:"at"`
}
