package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/oro-sh/link-daemon/internal/broker"
	"github.com/oro-sh/link-daemon/internal/protocol"
	"github.com/oro-sh/link-daemon/internal/secchan"
)

// SocketPath returns the well-known per-Link Unix socket path the runner
// container's bind mount must match (spec.md §4.6).
func SocketPath(linkID string) string {
	return fmt.Sprintf("/tmp/link-%s.sock", linkID)
}

// BindRunner removes any stale socket file left by a prior crashed
// session (a missing file is success), binds a Unix listener, and chmods
// it world-accessible so the runner container — running in its own user
// namespace — can connect.
func BindRunner(linkID string) (net.Listener, error) {
	path := SocketPath(linkID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("session: remove stale runner socket %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("session: bind runner socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o777); err != nil {
		ln.Close()
		os.Remove(path)
		return nil, fmt.Errorf("session: chmod runner socket %s: %w", path, err)
	}
	return ln, nil
}

// RunnerHandshake is an established Runner connection: exactly one
// connection was accepted on the bound socket and the crypto handshake
// completed.
type RunnerHandshake struct {
	conn     net.Conn
	sender   *secchan.Sender
	receiver *secchan.Receiver
}

// AcceptRunner accepts exactly one connection on ln and drops the
// listener — a second connection attempt will simply fail to dial, which
// is the intended behavior for a one-shot per-session socket. Accept
// unblocks early if ctx is cancelled, since AcceptRunner closes ln on
// cancellation.
func AcceptRunner(ctx context.Context, ln net.Listener, handshakeTimeout time.Duration) (*RunnerHandshake, error) {
	closeOnCancel := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-closeOnCancel:
		}
	}()

	conn, err := ln.Accept()
	close(closeOnCancel)
	ln.Close()
	if err != nil {
		return nil, fmt.Errorf("session: runner accept: %w", err)
	}

	hctx := ctx
	if handshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
	}

	sender, receiver, err := secchan.Negotiate(hctx, conn, secchan.SideServer, rand.Reader)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: runner handshake: %w", err)
	}
	return &RunnerHandshake{conn: conn, sender: sender, receiver: receiver}, nil
}

// Serve runs the forward loop for an already-greeted Runner. readTimeout
// bounds how long a silent (but not yet disconnected) Runner can stall the
// receive side before the session tears down (spec.md §5).
func (h *RunnerHandshake) Serve(ctx context.Context, readTimeout time.Duration, in chan<- broker.Frame, out <-chan protocol.Packet) error {
	return serveForward(ctx, h.conn, readTimeout, broker.SourceRunner, h.sender, h.receiver, in, out)
}
