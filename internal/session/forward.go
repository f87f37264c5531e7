package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/oro-sh/link-daemon/internal/broker"
	"github.com/oro-sh/link-daemon/internal/metrics"
	"github.com/oro-sh/link-daemon/internal/protocol"
	"github.com/oro-sh/link-daemon/internal/secchan"
	"github.com/oro-sh/link-daemon/internal/wire"
)

// serveForward runs the two-way packet pump shared by the Link and Runner
// handlers (spec.md §4.5/§4.6): packets received off the wire are tagged
// with source and forwarded to the Broker's merged input; packets the
// Broker routes back are written to the wire. Exit is a decode/write
// error, the peer closing the connection, or ctx cancellation.
//
// conn's read deadline is reset before every receive when readTimeout > 0,
// so a peer that stops sending (without closing its half of the connection)
// still unwinds its task instead of hanging it forever.
func serveForward(ctx context.Context, conn net.Conn, readTimeout time.Duration, source broker.Source, sender *secchan.Sender, receiver *secchan.Receiver, in chan<- broker.Frame, out <-chan protocol.Packet) error {
	recvErr := make(chan error, 1)
	go func() {
		for {
			if readTimeout > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			}
			p, err := receiver.Receive()
			if err != nil {
				if isMalformedFrame(err) {
					metrics.IncMalformed()
				}
				recvErr <- fmt.Errorf("session: %s receive: %w", source, err)
				return
			}
			select {
			case in <- broker.Frame{From: source, Packet: p}:
			case <-ctx.Done():
				recvErr <- ctx.Err()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-recvErr:
			return err
		case p, ok := <-out:
			if !ok {
				return nil
			}
			if err := sender.Send(p); err != nil {
				return fmt.Errorf("session: %s send: %w", source, err)
			}
		}
	}
}

// isMalformedFrame distinguishes a decode-time protocol violation from a
// plain transport error (closed connection, reset, timeout): only the
// former counts against the malformed-frame metric.
func isMalformedFrame(err error) bool {
	var codeErr *protocol.InvalidMessageCodeError
	return errors.As(err, &codeErr) ||
		errors.Is(err, wire.ErrStringTooLong) ||
		errors.Is(err, wire.ErrMalformedString)
}
