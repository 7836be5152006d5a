/*
Package runtime manages node containers through containerd.

Each node runs as two containers created from the configured images: the
node process and its HTTP gateway. Both share the host network and bind the
node's storage directory. Containers are created once and then started and
stopped many times; they are removed only when a node is replaced.

Runtime is the interface the orchestrator depends on. ContainerdRuntime is
the production implementation; every operation runs in the configured
containerd namespace. Missing containers are reported as ErrNotFound so
callers can tell drift from other failures:

	if _, err := rt.StartContainer(ctx, "alice-node"); errors.Is(err, runtime.ErrNotFound) {
		// the record exists but the container is gone
	}
*/
package runtime
