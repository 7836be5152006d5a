package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/seedhost/pkg/events"
	"github.com/cuemby/seedhost/pkg/monitor"
	"github.com/cuemby/seedhost/pkg/orchestrator"
	"github.com/cuemby/seedhost/pkg/storage"
	"github.com/cuemby/seedhost/pkg/stream"
	"github.com/cuemby/seedhost/pkg/tasks"
	"github.com/cuemby/seedhost/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "token-alice"

type pipeProcess struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	once sync.Once
	done chan struct{}
}

func (p *pipeProcess) Stdout() io.Reader { return p.r }

func (p *pipeProcess) Signal(sig os.Signal) error {
	p.once.Do(func() {
		_ = p.w.Close()
		close(p.done)
	})
	return nil
}

func (p *pipeProcess) Wait() error {
	<-p.done
	return nil
}

type pipeSpawner struct {
	mu    sync.Mutex
	procs []*pipeProcess
	refs  []string
}

func (s *pipeSpawner) Spawn(ctx context.Context, userKey, containerRef string) (stream.Process, error) {
	r, w := io.Pipe()
	p := &pipeProcess{r: r, w: w, done: make(chan struct{})}
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.refs = append(s.refs, containerRef)
	s.mu.Unlock()
	return p, nil
}

func (s *pipeSpawner) containerRefs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.refs...)
}

func (s *pipeSpawner) emit(t *testing.T, line string) {
	t.Helper()
	s.mu.Lock()
	p := s.procs[len(s.procs)-1]
	s.mu.Unlock()
	_, err := p.w.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

type fakeOrchestrator struct {
	mu       sync.Mutex
	calls    []string
	node     *types.Node
	err      error
	activate chan struct{}
}

func (o *fakeOrchestrator) record(op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, op)
}

func (o *fakeOrchestrator) recorded() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}

func (o *fakeOrchestrator) EnsureActive(ctx context.Context, user *types.User) (*types.Node, error) {
	o.record("activate:" + user.ID)
	if o.activate != nil {
		close(o.activate)
	}
	return o.node, o.err
}

func (o *fakeOrchestrator) StartContainers(ctx context.Context, user *types.User) error {
	o.record("start:" + user.ID)
	return o.err
}

func (o *fakeOrchestrator) StopContainers(ctx context.Context, user *types.User) error {
	o.record("stop:" + user.ID)
	return o.err
}

type fixedSource struct {
	status types.NodeStatus
}

func (f fixedSource) NodeStatus(ctx context.Context, node types.Node) (types.NodeStatus, error) {
	return f.status, nil
}

type testEnv struct {
	store   storage.Store
	user    *types.User
	node    *types.Node
	orch    *fakeOrchestrator
	spawner *pipeSpawner
	server  *httptest.Server
}

func newTestEnv(t *testing.T, withNode bool) *testEnv {
	t.Helper()

	store, err := storage.Open("bolt", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	user := &types.User{Handle: "alice", Token: testToken, Active: true}
	require.NoError(t, store.CreateUser(user))

	env := &testEnv{store: store, user: user, orch: &fakeOrchestrator{}, spawner: &pipeSpawner{}}
	if withNode {
		node := &types.Node{UserID: user.ID, NodeID: "z6MkAlice", Alias: "alice-1234"}
		require.NoError(t, store.CreateNode(node))
		env.node = node
	}

	mux := stream.NewMultiplexer(env.spawner, stream.Config{})
	t.Cleanup(mux.Close)

	bus := events.NewBus()
	mon := monitor.NewMonitor(fixedSource{status: types.NodeStatus{Running: true, Peers: 2}}, bus,
		monitor.Config{Interval: 10 * time.Millisecond})
	t.Cleanup(mon.Close)

	group := tasks.New(context.Background(), 4)
	t.Cleanup(group.Stop)

	s := NewServer(Options{
		Store:        store,
		Orchestrator: env.orch,
		Events:       mux,
		Monitor:      mon,
		Bus:          bus,
		Tasks:        group,
		Heartbeat:    time.Hour,
	})
	env.server = httptest.NewServer(s.Handler())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) request(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeResult(t *testing.T, resp *http.Response) Result {
	t.Helper()
	defer resp.Body.Close()
	var res Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return res
}

// readSSE reads one event frame
func readSSE(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if name != "" || data != "" {
				return name, data
			}
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestServer_RequiresToken(t *testing.T) {
	env := newTestEnv(t, true)

	resp, err := http.Get(env.server.URL + "/v1/node")
	require.NoError(t, err)
	res := decodeResult(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, res.Success)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/v1/node", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/v1/node?access_token=" + testToken)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_GetNode(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.request(t, http.MethodGet, "/v1/node")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	node := &types.Node{UserID: env.user.ID, NodeID: "z6MkAlice", Alias: "alice-1234"}
	require.NoError(t, env.store.CreateNode(node))

	resp = env.request(t, http.MethodGet, "/v1/node")
	res := decodeResult(t, resp)
	assert.True(t, res.Success)
	require.NotNil(t, res.Node)
	assert.Equal(t, "z6MkAlice", res.Node.NodeID)
}

func TestServer_NodeOperations(t *testing.T) {
	env := newTestEnv(t, true)
	env.orch.node = env.node

	res := decodeResult(t, env.request(t, http.MethodPost, "/v1/node/activate"))
	assert.True(t, res.Success)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	require.NotNil(t, res.Node)
	assert.Equal(t, "z6MkAlice", res.Node.NodeID)

	res = decodeResult(t, env.request(t, http.MethodPost, "/v1/node/start"))
	assert.True(t, res.Success)
	res = decodeResult(t, env.request(t, http.MethodPost, "/v1/node/stop"))
	assert.True(t, res.Success)

	assert.Equal(t, []string{
		"activate:" + env.user.ID,
		"start:" + env.user.ID,
		"stop:" + env.user.ID,
	}, env.orch.recorded())
}

func TestServer_NodeOperationErrors(t *testing.T) {
	env := newTestEnv(t, true)

	env.orch.err = &orchestrator.Error{Kind: orchestrator.KindNotFound, Code: http.StatusNotFound, Message: "no node for user"}
	resp := env.request(t, http.MethodPost, "/v1/node/start")
	res := decodeResult(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "no node for user", res.Message)

	env.orch.err = errors.New("containerd: connection refused")
	resp = env.request(t, http.MethodPost, "/v1/node/stop")
	res = decodeResult(t, resp)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.NotContains(t, res.Message, "containerd")
}

func TestServer_AsyncActivate(t *testing.T) {
	env := newTestEnv(t, true)
	env.orch.activate = make(chan struct{})

	resp := env.request(t, http.MethodPost, "/v1/node/activate?async=true")
	res := decodeResult(t, resp)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, res.Success)

	select {
	case <-env.orch.activate:
	case <-time.After(2 * time.Second):
		t.Fatal("activation did not run")
	}
}

func TestServer_EventStream(t *testing.T) {
	env := newTestEnv(t, true)

	resp := env.request(t, http.MethodGet, "/v1/events?type=refsFetched")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	assert.Equal(t, []string{"alice-1234-node"}, env.spawner.containerRefs())

	env.spawner.emit(t, `{"type":"seedDiscovered","rid":"rad:1"}`)
	env.spawner.emit(t, `garbage`)
	env.spawner.emit(t, `{"type":"refsFetched","rid":"rad:2"}`)

	name, data := readSSE(t, bufio.NewReader(resp.Body))
	assert.Equal(t, "refsFetched", name)
	assert.JSONEq(t, `{"type":"refsFetched","rid":"rad:2"}`, data)
}

func TestServer_EventStreamEnds(t *testing.T) {
	env := newTestEnv(t, true)

	resp := env.request(t, http.MethodGet, "/v1/events")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.spawner.mu.Lock()
	proc := env.spawner.procs[0]
	env.spawner.mu.Unlock()
	_ = proc.Signal(os.Interrupt)

	name, _ := readSSE(t, bufio.NewReader(resp.Body))
	assert.Equal(t, "closed", name)
}

func TestServer_EventStreamWithoutNode(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.request(t, http.MethodGet, "/v1/events")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, env.spawner.containerRefs())
}

func TestServer_EventWebsocket(t *testing.T) {
	env := newTestEnv(t, true)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/events/ws"
	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	env.spawner.emit(t, `{"type":"peerConnected","nid":"z6MkPeer"}`)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.JSONEq(t, `{"type":"peerConnected","nid":"z6MkPeer"}`, string(data))
}

func TestServer_StatusStream(t *testing.T) {
	env := newTestEnv(t, true)

	resp := env.request(t, http.MethodGet, "/v1/nodes/z6MkAlice/status")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	name, data := readSSE(t, bufio.NewReader(resp.Body))
	assert.Equal(t, "status", name)

	var snap types.Snapshot
	require.NoError(t, json.Unmarshal([]byte(data), &snap))
	assert.True(t, snap.Running)
	assert.Equal(t, 2, snap.Peers)
}

func TestServer_StatusStreamOtherUsersNode(t *testing.T) {
	env := newTestEnv(t, true)

	other := &types.User{Handle: "bob", Token: "token-bob"}
	require.NoError(t, env.store.CreateUser(other))
	require.NoError(t, env.store.CreateNode(&types.Node{UserID: other.ID, NodeID: "z6MkBob", Alias: "bob-1"}))

	resp := env.request(t, http.MethodGet, "/v1/nodes/z6MkBob/status")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
