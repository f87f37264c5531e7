package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/oro-sh/link-daemon/internal/broker"
	"github.com/oro-sh/link-daemon/internal/protocol"
	"github.com/oro-sh/link-daemon/internal/secchan"
)

// ErrNoHelloPacket is returned when a Link's first packet after the crypto
// handshake is anything other than LinkOnline (spec.md §4.5).
var ErrNoHelloPacket = errors.New("session: first packet from link was not LinkOnline")

// LinkHandshake is an established Link connection: the crypto handshake
// completed and the Link's hello (LinkOnline) has been read.
type LinkHandshake struct {
	// ID is the uppercase-hex encoding of the Link's 32-byte uid, used for
	// container labels and the runner socket path.
	ID      string
	Version string

	conn     net.Conn
	sender   *secchan.Sender
	receiver *secchan.Receiver
}

// AcceptLink performs the server-side crypto handshake on conn and reads
// the Link's first packet, failing with ErrNoHelloPacket if it isn't
// LinkOnline.
func AcceptLink(ctx context.Context, conn net.Conn, handshakeTimeout time.Duration) (*LinkHandshake, error) {
	hctx := ctx
	if handshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
	}

	sender, receiver, err := secchan.Negotiate(hctx, conn, secchan.SideServer, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("session: link handshake: %w", err)
	}

	if deadline, ok := hctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}
	pkt, err := receiver.Receive()
	if err != nil {
		return nil, fmt.Errorf("session: link hello: %w", err)
	}
	hello, ok := pkt.(protocol.LinkOnline)
	if !ok {
		return nil, fmt.Errorf("session: link hello: %w", ErrNoHelloPacket)
	}

	return &LinkHandshake{
		ID:       strings.ToUpper(hex.EncodeToString(hello.UID[:])),
		Version:  hello.Version,
		conn:     conn,
		sender:   sender,
		receiver: receiver,
	}, nil
}

// Serve runs the forward loop for an already-greeted Link. readTimeout
// bounds how long a silent (but not yet disconnected) Link can stall the
// receive side before the session tears down (spec.md §5).
func (h *LinkHandshake) Serve(ctx context.Context, readTimeout time.Duration, in chan<- broker.Frame, out <-chan protocol.Packet) error {
	return serveForward(ctx, h.conn, readTimeout, broker.SourceLink, h.sender, h.receiver, in, out)
}
