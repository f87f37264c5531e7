// Package containerengine wraps the Docker Engine API for the Daemon's
// container lifecycle: checking the runner image is present, creating and
// starting a runner container scoped to one Link session, and tearing it
// down idempotently when the session ends.
//
// This is a thin client over github.com/docker/docker/client, the official
// SDK, negotiated down to API v1.43 — replacing the bespoke surf-based HTTP
// client the original Rust daemon had to hand-roll (see its docker.rs
// doc comment about the lack of a mature async Docker client at the time).
package containerengine

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/oro-sh/link-daemon/internal/logging"
	"github.com/oro-sh/link-daemon/internal/metrics"
)

// Labels applied to every runner container this package creates, so
// ListContainers and manual operator cleanup can find them.
const (
	LabelManagedBy = "sh.oro"
	LabelLinkID    = "sh.oro.link"

	managedByValue = "link-daemon"

	// containerSocketPath is the fixed, well-known path the runner's Unix
	// socket is bind-mounted to inside the container (spec.md §4.4),
	// matching the original daemon's container-side convention
	// (session.rs's "/oro-link.sock"). Only the host side varies per Link.
	containerSocketPath = "/oro-link.sock"
)

// Engine is a Docker Engine API v1.43 client scoped to runner container
// lifecycle operations.
type Engine struct {
	cli *client.Client
}

// New builds an Engine against host (a docker:// or unix:// endpoint; pass
// "" to use the DOCKER_HOST environment variable via client.FromEnv).
func New(host string) (*Engine, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
		client.WithVersion("1.43"),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("containerengine: new client: %w", err)
	}
	return &Engine{cli: cli}, nil
}

// Close releases the underlying HTTP transport.
func (e *Engine) Close() error { return e.cli.Close() }

// CheckImage verifies ref is present in the local image store. The Daemon
// treats a failure here as process-fatal at startup (spec.md §7): a
// missing runner image means no session could ever complete.
func (e *Engine) CheckImage(ctx context.Context, ref string) error {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return fmt.Errorf("containerengine: check image %q: %w", ref, err)
	}
	return nil
}

// ListContainers returns the ids of containers matching the given label
// key/value pairs (AND semantics), including stopped ones.
func (e *Engine) ListContainers(ctx context.Context, labels map[string]string) ([]string, error) {
	f := filters.NewArgs()
	for k, v := range labels {
		f.Add("label", fmt.Sprintf("%s=%s", k, v))
	}
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("containerengine: list containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// PruneStale force-removes any pre-existing container labeled for linkID.
// A session always prunes before create: a crash-restart must not find two
// runner containers racing for the same Unix socket path.
func (e *Engine) PruneStale(ctx context.Context, linkID string) error {
	ids, err := e.ListContainers(ctx, map[string]string{
		LabelManagedBy: managedByValue,
		LabelLinkID:    linkID,
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		metrics.IncContainerPruneFound()
		if err := e.RemoveContainer(ctx, id); err != nil {
			metrics.IncContainerError("prune")
			logging.L().Warn("containerengine: prune stale container failed", "container_id", id, "link_id", linkID, "error", err)
		}
	}
	return nil
}

// Spec describes the runner container to create for one Link session.
type Spec struct {
	LinkID       string
	Image        string
	RunnerName   string
	GHToken      string
	GHOrg        string
	RunnerLabels string
	// SocketHostPath is the host path of this Link's Unix socket, bind-mounted
	// read-write into the container at the fixed containerSocketPath so the
	// runner always finds it at the same well-known location regardless of
	// the host-side path's per-session name.
	SocketHostPath string
}

// CreateContainer provisions (but does not start) a runner container per
// spec, labeled so PruneStale and operator tooling can find it again.
func (e *Engine) CreateContainer(ctx context.Context, spec Spec) (string, error) {
	cfg := &container.Config{
		Image: spec.Image,
		Env: []string{
			"GH_ACCESS_TOKEN=" + spec.GHToken,
			"GH_ORGANIZATION=" + spec.GHOrg,
			"RUNNER_NAME=" + spec.RunnerName,
			"RUNNER_LABELS=" + spec.RunnerLabels,
		},
		Labels: map[string]string{
			LabelManagedBy: managedByValue,
			LabelLinkID:    spec.LinkID,
		},
	}
	hostCfg := &container.HostConfig{
		AutoRemove: false, // Handle owns removal explicitly, see handle.go
		Binds: []string{
			fmt.Sprintf("%s:%s:rw", spec.SocketHostPath, containerSocketPath),
		},
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.RunnerName)
	if err != nil {
		metrics.IncContainerError("create")
		return "", fmt.Errorf("containerengine: create container: %w", err)
	}
	for _, w := range resp.Warnings {
		logging.L().Warn("containerengine: create container warning", "link_id", spec.LinkID, "warning", w)
	}
	metrics.IncContainerCreated()
	return resp.ID, nil
}

// StartContainer starts a previously created container.
func (e *Engine) StartContainer(ctx context.Context, id string) error {
	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("containerengine: start container %s: %w", id, err)
	}
	return nil
}

// WaitContainer blocks until the container exits, returning its exit code.
func (e *Engine) WaitContainer(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return 0, fmt.Errorf("containerengine: wait container %s: %w", id, err)
		}
		return 0, nil
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// RemoveContainer force-removes a container, ignoring "not found" (it may
// already be gone if the daemon crashed mid-teardown previously).
func (e *Engine) RemoveContainer(ctx context.Context, id string) error {
	err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		metrics.IncContainerError("remove")
		return fmt.Errorf("containerengine: remove container %s: %w", id, err)
	}
	metrics.IncContainerRemoved()
	return nil
}

// ContainerLogs streams the container's combined stdout/stderr, most
// recently used by operators debugging a failed runner; closing the
// returned ReadCloser stops the stream.
func (e *Engine) ContainerLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return nil, fmt.Errorf("containerengine: container logs %s: %w", id, err)
	}
	return rc, nil
}
