// Package session implements the Daemon's per-Link session: the Link
// handler (TCP), the Runner handler (Unix socket), the container lifecycle
// task, and the supervisor that races all of them (spec.md §4.5-§4.8).
package session

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/oro-sh/link-daemon/internal/broker"
	"github.com/oro-sh/link-daemon/internal/containerengine"
	"github.com/oro-sh/link-daemon/internal/logging"
	"github.com/oro-sh/link-daemon/internal/metrics"
	"github.com/oro-sh/link-daemon/internal/protocol"
)

// channelCapacity is the bounded channel size connecting Link, Runner, and
// Broker tasks (spec.md §5).
const channelCapacity = 32

// ContainerEngine is the subset of *containerengine.Engine the supervisor
// needs; tests substitute a fake so RunSession can be exercised without a
// real Docker daemon.
type ContainerEngine interface {
	PruneStale(ctx context.Context, linkID string) error
	CreateContainer(ctx context.Context, spec containerengine.Spec) (string, error)
	StartContainer(ctx context.Context, id string) error
	WaitContainer(ctx context.Context, id string) (int64, error)
	RemoveContainer(ctx context.Context, id string) error
}

// Supervisor holds the configuration needed to run one Link session to
// completion. One Supervisor serves arbitrarily many sessions
// concurrently; it holds no per-session mutable state itself.
type Supervisor struct {
	Engine             ContainerEngine
	RunnerImage        string
	GHAccessToken      string
	GHOrganization     string
	HandshakeTimeout   time.Duration
	SessionReadTimeout time.Duration
}

// RunSession drives one Link TCP connection through its full lifecycle:
// handshake, runner socket bind, container create/start, and the raced
// Link/Runner/Container/Broker tasks. It returns once every task has
// unwound and the runner listener, socket file and TCP socket have been
// released; the container's force-remove is scheduled in the background
// (see containerengine.Handle.Close) and may finish after RunSession
// returns.
func (sv *Supervisor) RunSession(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	connID := xid.New().String()
	logger := logging.L().With("conn_id", connID)

	linkHS, err := AcceptLink(ctx, conn, sv.HandshakeTimeout)
	if err != nil {
		metrics.IncHandshakeFailure()
		logger.Warn("link_handshake_failed", "error", err)
		return err
	}
	logger = logger.With("link_id", linkHS.ID)
	logger.Info("link_established", "version", linkHS.Version)
	metrics.IncSessionStarted()
	defer metrics.IncSessionEnded()

	if err := sv.Engine.PruneStale(ctx, linkHS.ID); err != nil {
		logger.Warn("prune_stale_failed", "error", err)
	}

	runnerLn, err := BindRunner(linkHS.ID)
	if err != nil {
		return err
	}
	defer runnerLn.Close()
	socketPath := SocketPath(linkHS.ID)
	defer os.Remove(socketPath)
	logger.Info("runner_socket_bound", "path", socketPath)

	containerID, err := sv.Engine.CreateContainer(ctx, containerengine.Spec{
		LinkID:         linkHS.ID,
		Image:          sv.RunnerImage,
		RunnerName:     "link-" + linkHS.ID,
		GHToken:        sv.GHAccessToken,
		GHOrg:          sv.GHOrganization,
		RunnerLabels:   "oro-link," + linkHS.ID,
		SocketHostPath: socketPath,
	})
	if err != nil {
		runnerLn.Close()
		return fmt.Errorf("session: create runner container: %w", err)
	}
	handle := containerengine.NewHandle(sv.Engine, containerID)
	defer handle.Close()

	if err := sv.Engine.StartContainer(ctx, containerID); err != nil {
		return fmt.Errorf("session: start runner container: %w", err)
	}
	logger.Info("container_started", "container_id", containerID)

	in := make(chan broker.Frame, channelCapacity)
	toLink := make(chan protocol.Packet, channelCapacity)
	toRunner := make(chan protocol.Packet, channelCapacity)
	br := broker.New(linkHS.ID, in, toLink, toRunner)

	tasks := map[string]func() error{
		"link": func() error {
			return linkHS.Serve(ctx, sv.SessionReadTimeout, in, toLink)
		},
		"runner": func() error {
			runnerHS, err := AcceptRunner(ctx, runnerLn, sv.HandshakeTimeout)
			if err != nil {
				return fmt.Errorf("session: runner never connected: %w", err)
			}
			logger.Info("runner_established")
			return runnerHS.Serve(ctx, sv.SessionReadTimeout, in, toRunner)
		},
		"container": func() error {
			exitCode, err := sv.Engine.WaitContainer(ctx, containerID)
			if err != nil {
				return err
			}
			return fmt.Errorf("session: runner container exited with code %d", exitCode)
		},
		"broker": func() error {
			return br.Run(ctx)
		},
	}

	err = raceTasks(ctx, cancel, tasks, logger)
	return err
}

// raceTasks runs every task concurrently and returns the error of
// whichever finishes first (success or failure); finishing cancels ctx so
// the remaining tasks unwind, and raceTasks waits for all of them before
// returning so the caller can safely release resources afterward.
func raceTasks(ctx context.Context, cancel context.CancelFunc, tasks map[string]func() error, logger interface {
	Info(string, ...any)
}) error {
	type result struct {
		name string
		err  error
	}
	results := make(chan result, len(tasks))

	var wg sync.WaitGroup
	for name, fn := range tasks {
		wg.Add(1)
		go func(name string, fn func() error) {
			defer wg.Done()
			results <- result{name: name, err: fn()}
		}(name, fn)
	}

	first := <-results
	logger.Info("session_task_finished", "task", first.name, "error", errString(first.err))
	cancel()

	go func() {
		wg.Wait()
		close(results)
	}()
	for range results {
		// drain remaining task completions triggered by cancellation
	}

	return first.err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
