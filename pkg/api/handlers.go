package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/seedhost/pkg/storage"
	"github.com/cuemby/seedhost/pkg/stream"
	"github.com/cuemby/seedhost/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const statusBuffer = 16

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())

	node, ok := s.userNode(w, user)
	if !ok {
		return
	}
	res := ResultFrom(nil, "node found")
	res.Node = NewNodeView(node)
	writeResult(w, res)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())

	if r.URL.Query().Get("async") == "true" && s.opts.Tasks != nil {
		s.opts.Tasks.Go("activate:"+user.ID, func(ctx context.Context) error {
			_, err := s.opts.Orchestrator.EnsureActive(ctx, user)
			return err
		})
		writeResult(w, Result{Success: true, StatusCode: http.StatusAccepted, Message: "activation queued"})
		return
	}

	node, err := s.opts.Orchestrator.EnsureActive(r.Context(), user)
	s.logResult(err, "activate", user)
	res := ResultFrom(err, "node active")
	res.Node = NewNodeView(node)
	writeResult(w, res)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())

	err := s.opts.Orchestrator.StartContainers(r.Context(), user)
	s.logResult(err, "start", user)
	writeResult(w, ResultFrom(err, "node started"))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())

	err := s.opts.Orchestrator.StopContainers(r.Context(), user)
	s.logResult(err, "stop", user)
	writeResult(w, ResultFrom(err, "node stopped"))
}

func (s *Server) logResult(err error, op string, user *types.User) {
	if err == nil {
		return
	}
	s.logger.Warn().Err(err).Str("op", op).Str("user_id", user.ID).Msg("Node operation failed")
}

// handleEvents streams the user's node events as server-sent events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())

	sub, ok := s.subscribe(w, r, user)
	if !ok {
		return
	}
	defer sub.Close()

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				_ = sse.Event("closed", map[string]string{"reason": "stream ended"})
				return
			}
			if err := sse.Event(eventName(event), event); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := sse.Comment("ping"); err != nil {
				return
			}
		}
	}
}

// handleEventsWS streams the user's node events over a websocket
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())

	sub, ok := s.subscribe(w, r, user)
	if !ok {
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// The read side only watches for the peer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-gone:
			return
		case event, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"),
					time.Now().Add(time.Second))
				return
			}
			data, err := event.MarshalJSON()
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}

// handleNodeStatus streams status changes of one of the user's nodes
func (s *Server) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	nodeID := chi.URLParam(r, "nodeID")

	node, err := s.opts.Store.FindNode(storage.NodeFilter{UserID: user.ID, NodeID: nodeID})
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read node")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	updates := make(chan types.StatusEvent, statusBuffer)
	unsubscribe := s.opts.Bus.SubscribeNode(node.NodeID, func(event types.StatusEvent) {
		select {
		case updates <- event:
		default:
		}
	})
	defer unsubscribe()

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Monitoring outlives this request; it stops when the node is healthy
	// or its deadline passes.
	s.opts.Monitor.Start(*node)

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-updates:
			if err := sse.Event("status", event.Snapshot); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := sse.Comment("ping"); err != nil {
				return
			}
		}
	}
}

// subscribe opens the user's event subscription, answering the request
// itself when that fails.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request, user *types.User) (*stream.Subscription, bool) {
	node, ok := s.userNode(w, user)
	if !ok {
		return nil, false
	}

	sub, err := s.opts.Events.Subscribe(r.Context(), user.ID, node.Containers().Node, filterFrom(r))
	switch {
	case err == nil:
		return sub, true
	case errors.Is(err, stream.ErrSpawnInProgress), errors.Is(err, stream.ErrStopInProgress), errors.Is(err, stream.ErrSessionClosed):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("Failed to open event stream")
		writeError(w, http.StatusInternalServerError, "failed to open event stream")
	}
	return nil, false
}

func (s *Server) userNode(w http.ResponseWriter, user *types.User) (*types.Node, bool) {
	node, err := s.opts.Store.FindNode(storage.NodeFilter{UserID: user.ID})
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no node for user")
		return nil, false
	}
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("Failed to read node")
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return node, true
}

// filterFrom reads repeated type parameters. No parameter means no filter.
func filterFrom(r *http.Request) *stream.Filter {
	values, ok := r.URL.Query()["type"]
	if !ok {
		return nil
	}
	return &stream.Filter{Types: values}
}

func eventName(event types.NodeEvent) string {
	if event.Typed && event.Type != "" && !strings.ContainsAny(event.Type, "\r\n") {
		return event.Type
	}
	return "message"
}
