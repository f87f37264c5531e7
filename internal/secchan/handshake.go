// Package secchan implements the Link protocol's encrypted channel: an
// unauthenticated Curve25519 Diffie-Hellman handshake followed by a
// bidirectional AES-256 block stream carrying framed protocol.Packet
// values. See internal/protocol for packet framing.
//
// The handshake is deliberately unauthenticated (see spec's non-goals):
// anyone who can reach the socket can negotiate a channel. This package
// only provides confidentiality against a passive observer.
package secchan

import (
	"context"
	"crypto/aes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/curve25519"
)

// Side selects handshake ordering: the client writes its public key before
// reading the peer's, the server reads before writing, so a half-duplex
// transport can't deadlock both ends waiting to read.
type Side int

const (
	SideClient Side = iota
	SideServer
)

// ErrNegotiationRead is wrapped around transport errors encountered while
// reading the peer's public key during the handshake.
var ErrNegotiationRead = errors.New("secchan: negotiation read failed")

// ErrNegotiationWrite is wrapped around transport errors encountered while
// writing this side's public key during the handshake.
var ErrNegotiationWrite = errors.New("secchan: negotiation write failed")

// Negotiate performs the Curve25519 key exchange over conn (in the ordering
// dictated by side), derives the shared AES-256 key, and returns a
// Sender/Receiver pair ready to exchange packets. rng supplies the 32
// random bytes used as this side's scalar; pass crypto/rand.Reader in
// production.
//
// If ctx has a deadline, it is applied to conn for the duration of the
// handshake and cleared afterward (mirroring the teacher's CANNELLONIv1
// hello handshake). Cancellation of a ctx without a deadline does not
// interrupt a handshake in progress.
func Negotiate(ctx context.Context, conn net.Conn, side Side, rng io.Reader) (*Sender, *Receiver, error) {
	var sk [32]byte
	if _, err := io.ReadFull(rng, sk[:]); err != nil {
		return nil, nil, fmt.Errorf("secchan: generate secret key: %w", err)
	}

	var pk [32]byte
	curve25519.ScalarBaseMult(&pk, &sk)

	var theirPK [32]byte

	writePK := func() error {
		if _, err := conn.Write(pk[:]); err != nil {
			return fmt.Errorf("%w: %v", ErrNegotiationWrite, err)
		}
		return nil
	}
	readPK := func() error {
		if _, err := io.ReadFull(conn, theirPK[:]); err != nil {
			return fmt.Errorf("%w: %v", ErrNegotiationRead, err)
		}
		return nil
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	switch side {
	case SideClient:
		if err := writePK(); err != nil {
			return nil, nil, err
		}
		if err := readPK(); err != nil {
			return nil, nil, err
		}
	case SideServer:
		if err := readPK(); err != nil {
			return nil, nil, err
		}
		if err := writePK(); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("secchan: unknown side %d", side)
	}

	var shared [32]byte
	curve25519.ScalarMult(&shared, &sk, &theirPK)

	enc, err := aes.NewCipher(shared[:])
	if err != nil {
		return nil, nil, fmt.Errorf("secchan: build aes cipher: %w", err)
	}

	return newSender(conn, enc), newReceiver(conn, enc), nil
}
