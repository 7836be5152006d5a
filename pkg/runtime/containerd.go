package runtime

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/cuemby/seedhost/pkg/log"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	// DefaultNamespace is the containerd namespace for node containers
	DefaultNamespace = "seedhost"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime implements Runtime on containerd
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger
}

var _ Runtime = (*ContainerdRuntime)(nil)

// NewContainerdRuntime connects to containerd at socketPath
func NewContainerdRuntime(socketPath, namespace string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
		logger:    log.WithComponent("runtime"),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Ping checks that containerd is reachable
func (r *ContainerdRuntime) Ping(ctx context.Context) error {
	serving, err := r.client.IsServing(ctx)
	if err != nil {
		return err
	}
	if !serving {
		return errors.New("containerd is not serving")
	}
	return nil
}

// PullImage pulls and unpacks an image
func (r *ContainerdRuntime) PullImage(ctx context.Context, ref string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if _, err := r.client.Pull(ctx, ref, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// CreateContainer creates a container without starting it
func (r *ContainerdRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if len(spec.Args) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Args...))
	}
	if len(spec.Mounts) > 0 {
		mounts := make([]specs.Mount, 0, len(spec.Mounts))
		for _, m := range spec.Mounts {
			options := []string{"rbind", "rw"}
			if m.ReadOnly {
				options = []string{"rbind", "ro"}
			}
			mounts = append(mounts, specs.Mount{
				Source:      m.Source,
				Destination: m.Destination,
				Type:        "bind",
				Options:     options,
			})
		}
		opts = append(opts, oci.WithMounts(mounts))
	}
	if spec.HostNetwork {
		opts = append(opts,
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithHostHostsFile,
			oci.WithHostResolvconf,
		)
	}

	_, err = r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(spec.Labels),
	)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	return nil
}

// InspectContainer returns the container's current state
func (r *ContainerdRuntime) InspectContainer(ctx context.Context, name string) (ContainerState, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.load(ctx, name)
	if err != nil {
		return ContainerState{}, err
	}

	state := ContainerState{Name: name, Status: string(containerd.Created)}
	if info, err := container.Info(ctx); err == nil {
		state.Image = info.Image
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the container exists but never ran or was cleaned up
		return state, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return ContainerState{}, fmt.Errorf("failed to get task status: %w", err)
	}
	state.Status = string(status.Status)
	state.Running = status.Status == containerd.Running || status.Status == containerd.Paused
	return state, nil
}

// StartContainer starts the container's task, replacing an exited one
func (r *ContainerdRuntime) StartContainer(ctx context.Context, name string) (bool, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.load(ctx, name)
	if err != nil {
		return false, err
	}

	if task, err := container.Task(ctx, nil); err == nil {
		status, err := task.Status(ctx)
		if err == nil && status.Status == containerd.Running {
			return false, nil
		}
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return false, fmt.Errorf("failed to delete exited task: %w", err)
		}
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		if errdefs.IsAlreadyExists(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return false, fmt.Errorf("failed to start task: %w", err)
	}
	return true, nil
}

// StopContainer stops the container's task, killing it after timeout
func (r *ContainerdRuntime) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.load(ctx, name)
	if err != nil {
		return err
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Task might not exist (container not running)
		return nil
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-statusC:
	case <-timer.C:
		r.logger.Warn().Str("container", name).Msg("Container did not stop in time, sending SIGKILL")
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// RemoveContainer stops and deletes the container and its snapshot
func (r *ContainerdRuntime) RemoveContainer(ctx context.Context, name string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.load(ctx, name)
	if err != nil {
		return err
	}

	if err := r.StopContainer(ctx, name, 10*time.Second); err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Warn().Err(err).Str("container", name).Msg("Failed to stop container before delete")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("container %s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("failed to delete container %s: %w", name, err)
	}
	return nil
}

func (r *ContainerdRuntime) load(ctx context.Context, name string) (containerd.Container, error) {
	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("container %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load container %s: %w", name, err)
	}
	return container, nil
}
