package runtime

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a container does not exist in the runtime
var ErrNotFound = errors.New("container not found")

// Mount binds a host path into a container
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// ContainerSpec describes a container to create
type ContainerSpec struct {
	Name        string
	Image       string
	Args        []string
	Env         []string
	Mounts      []Mount
	Labels      map[string]string
	HostNetwork bool
}

// ContainerState is the runtime view of a container
type ContainerState struct {
	Name    string
	Image   string
	Running bool
	Status  string
}

// Runtime is the container runtime used to manage node containers
type Runtime interface {
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) error
	InspectContainer(ctx context.Context, name string) (ContainerState, error)

	// StartContainer reports whether the container was started by this call;
	// an already running container yields false and no error.
	StartContainer(ctx context.Context, name string) (bool, error)

	StopContainer(ctx context.Context, name string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, name string) error
	Close() error
}
