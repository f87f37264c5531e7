// Package broker implements the per-session state machine that sits
// between a Link handler and a Runner handler: it owns all session policy
// (spec.md §4.7) — which packets forward which direction, when the boot
// sequence fires, and what counts as a protocol violation fatal to the
// session.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oro-sh/link-daemon/internal/metrics"
	"github.com/oro-sh/link-daemon/internal/protocol"
)

// Source identifies which handler produced an inbound Frame.
type Source int

const (
	SourceLink Source = iota
	SourceRunner
)

func (s Source) String() string {
	if s == SourceRunner {
		return "runner"
	}
	return "link"
}

// Frame is one packet arriving on the Broker's single merged input channel,
// tagged with which handler it came from.
type Frame struct {
	From   Source
	Packet protocol.Packet
}

// SessionState is owned by the Broker for the lifetime of one Link
// connection (spec.md §3).
type SessionState struct {
	LinkID               string
	BootfileSizeReceived bool
	TestSessionReceived  bool
	BootSequenceIssued   bool
	FirstTestStarted     bool
}

// ErrUnexpectedPacket is wrapped around any packet or direction outside the
// forwarding table; the session treats it as fatal (spec.md §4.7).
var ErrUnexpectedPacket = errors.New("broker: unexpected packet")

// UnexpectedPacketError carries the offending frame.
type UnexpectedPacketError struct {
	From   Source
	Packet protocol.Packet
}

func (e *UnexpectedPacketError) Error() string {
	return fmt.Sprintf("broker: unexpected packet %T from %s", e.Packet, e.From)
}

func (e *UnexpectedPacketError) Unwrap() error { return ErrUnexpectedPacket }

func unexpected(from Source, p protocol.Packet) error {
	metrics.IncUnexpectedPacket()
	return &UnexpectedPacketError{From: from, Packet: p}
}

func packetKind(p protocol.Packet) string {
	name := fmt.Sprintf("%T", p)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// ErrSessionReset is returned by Run when either party sends ResetLink.
// Unlike UnexpectedPacketError this is a normal (non-fatal) teardown
// trigger: the supervisor cancels the sibling tasks the same way it would
// for any other task exit. Callers can tell it apart from a protocol
// violation with errors.Is; the supervisor and the daemon's accept loop
// log it the same way as any other session error.
var ErrSessionReset = errors.New("broker: session reset requested")

// Broker runs one session's state machine. It is not safe for concurrent
// use; a session has exactly one Broker goroutine.
type Broker struct {
	state SessionState

	in       <-chan Frame
	toLink   chan<- protocol.Packet
	toRunner chan<- protocol.Packet
}

// New builds a Broker for linkID. in merges both handlers' inbound
// packets; toLink/toRunner are the handlers' outbound queues (capacity 32
// per spec.md §5).
func New(linkID string, in <-chan Frame, toLink, toRunner chan<- protocol.Packet) *Broker {
	return &Broker{
		state:    SessionState{LinkID: linkID},
		in:       in,
		toLink:   toLink,
		toRunner: toRunner,
	}
}

// State returns a snapshot of the session state, for logging/metrics.
func (b *Broker) State() SessionState { return b.state }

// Run processes frames until in is closed, ctx is cancelled, or a frame
// violates the forwarding table. Any returned error is the session's fatal
// error and the supervisor should cancel the sibling tasks.
func (b *Broker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-b.in:
			if !ok {
				return nil
			}
			if err := b.handle(ctx, frame); err != nil {
				return err
			}
		}
	}
}

func (b *Broker) handle(ctx context.Context, frame Frame) error {
	switch p := frame.Packet.(type) {
	case protocol.ResetLink:
		_ = p
		return ErrSessionReset
	case protocol.Serial:
		return b.forward(ctx, frame.From, p)
	case protocol.Tftp:
		return b.forward(ctx, frame.From, p)
	case protocol.BootfileSize:
		if frame.From != SourceRunner {
			return unexpected(frame.From, p)
		}
		b.state.BootfileSizeReceived = true
		// Forwarded immediately, not buffered for the boot sequence: the
		// Link must know the bootfile size before the SUT begins fetching,
		// and an immediate forward satisfies that without needing to
		// special-case replay inside the boot sequence. See SPEC_FULL.md
		// §4.7 and DESIGN.md for why this draft was chosen over buffering.
		if err := b.sendLink(ctx, p); err != nil {
			return err
		}
		return b.maybeEmitBootSequence(ctx)
	case protocol.PressPower:
		if frame.From != SourceRunner {
			return unexpected(frame.From, p)
		}
		return b.sendLink(ctx, p)
	case protocol.PressReset:
		if frame.From != SourceRunner {
			return unexpected(frame.From, p)
		}
		return b.sendLink(ctx, p)
	case protocol.StartTestSession:
		if frame.From != SourceRunner {
			return unexpected(frame.From, p)
		}
		b.state.TestSessionReceived = true
		if err := b.sendLink(ctx, p); err != nil {
			return err
		}
		return b.maybeEmitBootSequence(ctx)
	case protocol.StartTest:
		if frame.From != SourceRunner {
			return unexpected(frame.From, p)
		}
		if !b.state.FirstTestStarted {
			b.state.FirstTestStarted = true
			if err := b.sendLink(ctx, protocol.SetScene{Scene: protocol.SceneTest}); err != nil {
				return err
			}
		}
		return b.sendLink(ctx, p)
	default:
		return unexpected(frame.From, frame.Packet)
	}
}

// forward implements the bidirectional Link<->Runner rule shared by
// Serial and Tftp.
func (b *Broker) forward(ctx context.Context, from Source, p protocol.Packet) error {
	switch from {
	case SourceLink:
		metrics.IncPacketForwarded(metrics.DirectionLinkToRunner, packetKind(p))
		return b.sendRunner(ctx, p)
	case SourceRunner:
		metrics.IncPacketForwarded(metrics.DirectionRunnerToLink, packetKind(p))
		return b.sendLink(ctx, p)
	default:
		return unexpected(from, p)
	}
}

// maybeEmitBootSequence emits the four-packet boot sequence exactly once,
// as soon as both preconditions are met. Because the Broker is
// single-goroutine and this call sends all four packets before returning
// to Run's select, no other frame can be processed in between: the
// sequence is atomic with respect to the Broker's own forwarding.
func (b *Broker) maybeEmitBootSequence(ctx context.Context) error {
	if !b.state.BootfileSizeReceived || !b.state.TestSessionReceived || b.state.BootSequenceIssued {
		return nil
	}
	seq := []protocol.Packet{
		protocol.SetMonitorStandby{Standby: false},
		protocol.SetScene{Scene: protocol.SceneLogo},
		protocol.SetPowerState{State: protocol.PowerOn},
		protocol.PressPower{},
	}
	for _, p := range seq {
		if err := b.sendLink(ctx, p); err != nil {
			return err
		}
	}
	b.state.BootSequenceIssued = true
	metrics.IncBootSequenceIssued()
	return nil
}

func (b *Broker) sendLink(ctx context.Context, p protocol.Packet) error {
	select {
	case b.toLink <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) sendRunner(ctx context.Context, p protocol.Packet) error {
	select {
	case b.toRunner <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
