package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/seedhost/pkg/orchestrator"
	"github.com/cuemby/seedhost/pkg/types"
)

// Result is the body of every node operation response
type Result struct {
	Success    bool      `json:"success"`
	StatusCode int       `json:"statusCode"`
	Message    string    `json:"message"`
	Node       *NodeView `json:"node,omitempty"`
}

// NodeView is the client-facing view of a node record
type NodeView struct {
	NodeID         string    `json:"nodeId"`
	Alias          string    `json:"alias"`
	ConnectAddress string    `json:"connectAddress,omitempty"`
	Port           int       `json:"port,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	StartedAt      time.Time `json:"startedAt,omitempty"`
}

// NewNodeView converts a node record
func NewNodeView(node *types.Node) *NodeView {
	if node == nil {
		return nil
	}
	return &NodeView{
		NodeID:         node.NodeID,
		Alias:          node.Alias,
		ConnectAddress: node.ConnectAddress,
		Port:           node.Port,
		CreatedAt:      node.CreatedAt,
		StartedAt:      node.StartedAt,
	}
}

// ResultFrom builds a result from an operation error. A nil error yields
// a successful result carrying message.
func ResultFrom(err error, message string) Result {
	if err == nil {
		return Result{Success: true, StatusCode: http.StatusOK, Message: message}
	}

	code := orchestrator.StatusCode(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		// Internal details stay in the log
		msg = "internal error"
	}
	return Result{Success: false, StatusCode: code, Message: msg}
}

func writeResult(w http.ResponseWriter, res Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode)
	_ = json.NewEncoder(w).Encode(res)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeResult(w, Result{Success: false, StatusCode: code, Message: message})
}
