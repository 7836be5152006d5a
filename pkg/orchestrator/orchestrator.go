package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/seedhost/pkg/log"
	"github.com/cuemby/seedhost/pkg/metrics"
	"github.com/cuemby/seedhost/pkg/nodetool"
	"github.com/cuemby/seedhost/pkg/runtime"
	"github.com/cuemby/seedhost/pkg/storage"
	"github.com/cuemby/seedhost/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// ContainerHome is where node storage is mounted inside both containers
	ContainerHome = "/radicle"

	defaultStopTimeout = 10 * time.Second
)

// IdentityTool creates node identities and prepares their storage
type IdentityTool interface {
	CreateIdentity(ctx context.Context, alias string) (*nodetool.Identity, error)
	MoveIdentity(id *nodetool.Identity, dest string) error
	SetExternalAddress(home, addr string) error
}

// Config holds provisioning settings
type Config struct {
	DataDir      string
	PublicHost   string
	PortBase     int
	NodeImage    string
	GatewayImage string
	StopTimeout  time.Duration
}

// Orchestrator keeps each user's node containers in the desired state
type Orchestrator struct {
	store   storage.Store
	runtime runtime.Runtime
	tool    IdentityTool
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time

	mu           sync.Mutex
	provisioning map[string]chan struct{}
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(store storage.Store, rt runtime.Runtime, tool IdentityTool, cfg Config) *Orchestrator {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Orchestrator{
		store:        store,
		runtime:      rt,
		tool:         tool,
		cfg:          cfg,
		logger:       log.WithComponent("orchestrator"),
		now:          time.Now,
		provisioning: make(map[string]chan struct{}),
	}
}

// AliasFor derives a container-safe alias for user
func AliasFor(user *types.User) string {
	var b strings.Builder
	for _, r := range strings.ToLower(user.Handle) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.' || r == ' ':
			b.WriteByte('-')
		}
	}
	base := strings.Trim(b.String(), "-")
	if base == "" {
		base = "user"
	}

	suffix := strings.ReplaceAll(user.ID, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return base + "-" + suffix
}

// EnsureActive makes sure user has a node with running containers,
// provisioning one if needed and replacing a node whose containers
// disappeared from the runtime.
func (o *Orchestrator) EnsureActive(ctx context.Context, user *types.User) (*types.Node, error) {
	logger := log.ForUser(o.logger, user.ID)

	node, err := o.store.FindNode(storage.NodeFilter{UserID: user.ID})
	if errors.Is(err, storage.ErrNotFound) {
		logger.Info().Msg("No node for user, provisioning")
		return o.provisionAndStart(ctx, user, nil)
	}
	if err != nil {
		return nil, external(err, "failed to read node for user %s", user.ID)
	}

	err = o.startNode(ctx, node)
	if err == nil {
		return node, nil
	}
	if !IsKind(err, KindNotFound) {
		return nil, err
	}

	metrics.DriftRecoveriesTotal.Inc()
	logger.Warn().
		Str("node_id", node.NodeID).
		Str("record_id", node.ID).
		Msg("Node containers missing, replacing node")
	return o.provisionAndStart(ctx, user, node)
}

// StartContainers starts the user's node containers
func (o *Orchestrator) StartContainers(ctx context.Context, user *types.User) error {
	node, err := o.findNode(user)
	if err != nil {
		return err
	}
	return o.startNode(ctx, node)
}

// StopContainers stops the user's node containers. Missing containers
// count as stopped.
func (o *Orchestrator) StopContainers(ctx context.Context, user *types.User) error {
	node, err := o.findNode(user)
	if err != nil {
		return err
	}
	return o.stopNode(ctx, node)
}

func (o *Orchestrator) findNode(user *types.User) (*types.Node, error) {
	node, err := o.store.FindNode(storage.NodeFilter{UserID: user.ID})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, notFound("no node for user %s", user.ID)
	}
	if err != nil {
		return nil, external(err, "failed to read node for user %s", user.ID)
	}
	return node, nil
}

// acquire claims the provisioning marker for userID. When another caller
// holds it, release is nil and wait closes once that caller is done.
func (o *Orchestrator) acquire(userID string) (release func(), wait <-chan struct{}) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if ch, ok := o.provisioning[userID]; ok {
		return nil, ch
	}
	ch := make(chan struct{})
	o.provisioning[userID] = ch
	return func() {
		o.mu.Lock()
		delete(o.provisioning, userID)
		o.mu.Unlock()
		close(ch)
	}, nil
}

// provisionAndStart creates a node for user and starts it. stale is the
// node being replaced after drift, or nil for a first activation.
func (o *Orchestrator) provisionAndStart(ctx context.Context, user *types.User, stale *types.Node) (*types.Node, error) {
	release, wait := o.acquire(user.ID)
	if release == nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, conflict("provisioning for user %s in progress", user.ID)
		}
		metrics.ProvisioningTotal.WithLabelValues("concurrent").Inc()
		return o.startCurrent(ctx, user, stale)
	}
	defer release()

	// Another caller may have finished between our read and the marker
	current, err := o.store.FindNode(storage.NodeFilter{UserID: user.ID})
	switch {
	case err == nil && (stale == nil || current.ID != stale.ID):
		return current, o.startNode(ctx, current)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, external(err, "failed to read node for user %s", user.ID)
	}

	if stale != nil {
		if err := o.retire(ctx, stale); err != nil {
			return nil, err
		}
	}

	node, err := o.provision(ctx, user)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			metrics.ProvisioningTotal.WithLabelValues("concurrent").Inc()
			return o.startCurrent(ctx, user, stale)
		}
		metrics.ProvisioningTotal.WithLabelValues("error").Inc()
		return nil, external(err, "failed to provision node for user %s", user.ID)
	}
	metrics.ProvisioningTotal.WithLabelValues("ok").Inc()

	if err := o.startNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// startCurrent starts whichever node another caller provisioned for user
func (o *Orchestrator) startCurrent(ctx context.Context, user *types.User, stale *types.Node) (*types.Node, error) {
	node, err := o.store.FindNode(storage.NodeFilter{UserID: user.ID})
	if errors.Is(err, storage.ErrNotFound) || (err == nil && stale != nil && node.ID == stale.ID) {
		return nil, conflict("concurrent provisioning for user %s did not complete", user.ID)
	}
	if err != nil {
		return nil, external(err, "failed to read node for user %s", user.ID)
	}

	o.logger.Info().
		Str("user_id", user.ID).
		Str("node_id", node.NodeID).
		Msg("Using node provisioned by concurrent request")
	if err := o.startNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// retire soft-deletes a drifted node and removes whatever is left of its
// containers so the replacement can reuse the names.
func (o *Orchestrator) retire(ctx context.Context, node *types.Node) error {
	deleted := true
	if _, err := o.store.UpdateNode(node.ID, storage.NodeUpdate{Deleted: &deleted}); err != nil {
		return external(err, "failed to mark node %s deleted", node.ID)
	}

	for _, name := range node.Containers().Names() {
		timer := metrics.NewTimer()
		err := o.runtime.RemoveContainer(ctx, name)
		timer.ObserveDurationVec(metrics.ContainerOpDuration, "remove")
		if err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return external(err, "failed to remove stale container %s", name)
		}
	}
	return nil
}

// provision runs the full provisioning sequence. Failures leave partial
// state behind; the next activation repairs it through drift recovery.
func (o *Orchestrator) provision(ctx context.Context, user *types.User) (*types.Node, error) {
	alias := AliasFor(user)
	logger := log.ForUser(o.logger, user.ID).With().Str("alias", alias).Logger()

	identity, err := o.tool.CreateIdentity(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}

	node := &types.Node{
		UserID: user.ID,
		NodeID: identity.NodeID,
		Alias:  alias,
	}
	if err := o.store.CreateNode(node); err != nil {
		return nil, fmt.Errorf("persist node: %w", err)
	}

	port := o.cfg.PortBase + int(node.Seq)
	addr := fmt.Sprintf("%s:%d", o.cfg.PublicHost, port)
	storagePath := filepath.Join(o.cfg.DataDir, "nodes", node.ID)

	node, err = o.store.UpdateNode(node.ID, storage.NodeUpdate{
		ConnectAddress: &addr,
		Port:           &port,
		StoragePath:    &storagePath,
	})
	if err != nil {
		return nil, fmt.Errorf("assign address: %w", err)
	}

	if err := o.tool.MoveIdentity(identity, storagePath); err != nil {
		return nil, err
	}
	if err := o.tool.SetExternalAddress(storagePath, addr); err != nil {
		return nil, fmt.Errorf("configure node: %w", err)
	}

	for _, image := range []string{o.cfg.NodeImage, o.cfg.GatewayImage} {
		timer := metrics.NewTimer()
		err := o.runtime.PullImage(ctx, image)
		timer.ObserveDurationVec(metrics.ContainerOpDuration, "pull")
		if err != nil {
			return nil, err
		}
	}

	for _, spec := range o.containerSpecs(node) {
		timer := metrics.NewTimer()
		err := o.runtime.CreateContainer(ctx, spec)
		timer.ObserveDurationVec(metrics.ContainerOpDuration, "create")
		if err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("node_id", node.NodeID).
		Str("address", addr).
		Msg("Provisioned node")
	return node, nil
}

func (o *Orchestrator) containerSpecs(node *types.Node) []runtime.ContainerSpec {
	pair := node.Containers()
	mounts := []runtime.Mount{{Source: node.StoragePath, Destination: ContainerHome}}
	env := []string{
		nodetool.HomeEnv + "=" + ContainerHome,
		fmt.Sprintf("SEEDHOST_NODE_PORT=%d", node.Port),
	}
	labels := func(role string) map[string]string {
		return map[string]string{
			"seedhost.node": node.ID,
			"seedhost.user": node.UserID,
			"seedhost.role": role,
		}
	}

	return []runtime.ContainerSpec{
		{
			Name:        pair.Node,
			Image:       o.cfg.NodeImage,
			Env:         env,
			Mounts:      mounts,
			Labels:      labels("node"),
			HostNetwork: true,
		},
		{
			Name:        pair.Gateway,
			Image:       o.cfg.GatewayImage,
			Env:         env,
			Mounts:      mounts,
			Labels:      labels("gateway"),
			HostNetwork: true,
		},
	}
}

// startNode starts any container of node that is not running. A missing
// container is reported as KindNotFound.
func (o *Orchestrator) startNode(ctx context.Context, node *types.Node) error {
	pair := node.Containers()
	nodeStarted := false

	for _, name := range pair.Names() {
		state, err := o.runtime.InspectContainer(ctx, name)
		if errors.Is(err, runtime.ErrNotFound) {
			return notFound("container %s not found", name)
		}
		if err != nil {
			return external(err, "failed to inspect container %s", name)
		}
		if state.Running {
			continue
		}

		timer := metrics.NewTimer()
		started, err := o.runtime.StartContainer(ctx, name)
		timer.ObserveDurationVec(metrics.ContainerOpDuration, "start")
		if errors.Is(err, runtime.ErrNotFound) {
			return notFound("container %s not found", name)
		}
		if err != nil {
			return external(err, "failed to start container %s", name)
		}
		if started && name == pair.Node {
			nodeStarted = true
		}
	}

	if nodeStarted {
		now := o.now()
		if _, err := o.store.UpdateNode(node.ID, storage.NodeUpdate{StartedAt: &now}); err != nil {
			return external(err, "failed to record start of node %s", node.ID)
		}
		node.StartedAt = now
		logger := log.ForNode(o.logger, node.NodeID, node.UserID)
		logger.Info().Msg("Started node containers")
	}
	return nil
}

// stopNode stops both containers, gateway first
func (o *Orchestrator) stopNode(ctx context.Context, node *types.Node) error {
	pair := node.Containers()

	for _, name := range []string{pair.Gateway, pair.Node} {
		state, err := o.runtime.InspectContainer(ctx, name)
		if errors.Is(err, runtime.ErrNotFound) {
			continue
		}
		if err != nil {
			return external(err, "failed to inspect container %s", name)
		}
		if !state.Running {
			continue
		}

		timer := metrics.NewTimer()
		err = o.runtime.StopContainer(ctx, name, o.cfg.StopTimeout)
		timer.ObserveDurationVec(metrics.ContainerOpDuration, "stop")
		if err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return external(err, "failed to stop container %s", name)
		}
	}

	logger := log.ForNode(o.logger, node.NodeID, node.UserID)
	logger.Info().Msg("Stopped node containers")
	return nil
}
