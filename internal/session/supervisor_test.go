package session

import (
	"context"
	"encoding/hex"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oro-sh/link-daemon/internal/containerengine"
	"github.com/oro-sh/link-daemon/internal/protocol"
)

// fakeEngine is a ContainerEngine double letting RunSession be exercised
// without a real Docker daemon: WaitContainer blocks until the test closes
// waitExit, and RemoveContainer signals removedCh on its first call so tests
// can assert the container was force-removed during teardown.
type fakeEngine struct {
	waitExit  chan struct{}
	removed   atomic.Int32
	removedCh chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		waitExit:  make(chan struct{}),
		removedCh: make(chan struct{}),
	}
}

func (f *fakeEngine) PruneStale(ctx context.Context, linkID string) error { return nil }

func (f *fakeEngine) CreateContainer(ctx context.Context, spec containerengine.Spec) (string, error) {
	return "fake-container-" + spec.LinkID, nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, id string) error { return nil }

func (f *fakeEngine) WaitContainer(ctx context.Context, id string) (int64, error) {
	select {
	case <-f.waitExit:
		return 1, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, id string) error {
	if f.removed.Add(1) == 1 {
		close(f.removedCh)
	}
	return nil
}

// dialFakeLink drives the client side of the crypto handshake plus the
// LinkOnline hello over clientConn, so sv.RunSession(ctx, serverConn) on the
// other end of the pipe completes AcceptLink and proceeds into the session.
func dialFakeLink(t *testing.T, clientConn net.Conn, uidByte byte) string {
	t.Helper()
	sender, _ := fakePeer(t, clientConn)
	var uid [32]byte
	uid[0] = uidByte
	if err := sender.Send(protocol.LinkOnline{UID: uid, Version: "1.0"}); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	return strings.ToUpper(hex.EncodeToString(uid[:]))
}

// TestRunSessionContainerForceRemovedOnLinkDisconnect covers the race where
// the Link goes away mid-session with the Runner never having connected:
// RunSession must return and the container must be force-removed rather
// than left running.
func TestRunSessionContainerForceRemovedOnLinkDisconnect(t *testing.T) {
	engine := newFakeEngine()
	sv := &Supervisor{Engine: engine, RunnerImage: "fake/runner:latest", HandshakeTimeout: 2 * time.Second}

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- sv.RunSession(ctx, serverConn) }()

	dialFakeLink(t, clientConn, 0x01)

	time.Sleep(50 * time.Millisecond) // let CreateContainer/StartContainer run before disconnecting
	clientConn.Close()

	select {
	case err := <-runErr:
		if err == nil {
			t.Fatal("expected RunSession to return an error on link disconnect")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("RunSession did not return after link disconnect")
	}

	select {
	case <-engine.removedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("container was not force-removed after session teardown")
	}
}

// TestRunSessionContainerExitCancelsHandlers covers the race where the
// runner container task finishes first (the container exits on its own):
// the Link and Runner handlers must be cancelled rather than left running,
// and RunSession must surface the container-exit error.
func TestRunSessionContainerExitCancelsHandlers(t *testing.T) {
	engine := newFakeEngine()
	close(engine.waitExit) // container has already exited by the time RunSession waits on it

	sv := &Supervisor{Engine: engine, RunnerImage: "fake/runner:latest", HandshakeTimeout: 2 * time.Second}

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- sv.RunSession(ctx, serverConn) }()

	dialFakeLink(t, clientConn, 0x02)

	select {
	case err := <-runErr:
		if err == nil || !strings.Contains(err.Error(), "exited with code") {
			t.Fatalf("expected container-exit error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("RunSession did not return once the container task won the race")
	}

	select {
	case <-engine.removedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("container was not removed after session teardown")
	}
}

// TestRunSessionRunnerSocketCleanedUpOnLinkDisconnect covers the
// runner-never-connects path: the Link disconnects before any Runner ever
// dials the bound Unix socket, and the socket file must still be removed
// once RunSession unwinds.
func TestRunSessionRunnerSocketCleanedUpOnLinkDisconnect(t *testing.T) {
	engine := newFakeEngine()
	sv := &Supervisor{Engine: engine, RunnerImage: "fake/runner:latest", HandshakeTimeout: 2 * time.Second}

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- sv.RunSession(ctx, serverConn) }()

	linkID := dialFakeLink(t, clientConn, 0x03)

	socketPath := SocketPath(linkID)
	if err := waitForFile(socketPath, 2*time.Second); err != nil {
		t.Fatalf("expected runner socket to be bound before teardown: %v", err)
	}

	clientConn.Close()

	select {
	case <-runErr:
	case <-time.After(3 * time.Second):
		t.Fatal("RunSession did not return after link disconnect with no runner ever connecting")
	}

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Fatalf("expected runner socket to be removed after teardown, stat err = %v", err)
	}
}

func waitForFile(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			_, err := os.Stat(path)
			return err
		}
		time.Sleep(5 * time.Millisecond)
	}
}
