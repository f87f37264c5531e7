package secchan

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/oro-sh/link-daemon/internal/protocol"
)

// fixedRNG yields a deterministic byte sequence so handshake tests are
// reproducible.
type fixedRNG struct{ seed byte }

func (f *fixedRNG) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = f.seed
		f.seed++
	}
	return len(p), nil
}

func negotiatePair(t *testing.T, client, server net.Conn) (*Sender, *Receiver, *Sender, *Receiver) {
	t.Helper()
	type result struct {
		s   *Sender
		r   *Receiver
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		s, r, err := Negotiate(context.Background(), client, SideClient, &fixedRNG{seed: 1})
		clientCh <- result{s, r, err}
	}()
	go func() {
		s, r, err := Negotiate(context.Background(), server, SideServer, &fixedRNG{seed: 100})
		serverCh <- result{s, r, err}
	}()

	cr := <-clientCh
	sr := <-serverCh
	if cr.err != nil {
		t.Fatalf("client negotiate: %v", cr.err)
	}
	if sr.err != nil {
		t.Fatalf("server negotiate: %v", sr.err)
	}
	return cr.s, cr.r, sr.s, sr.r
}

func TestHandshakeProducesDeterministicSharedKey(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	clientSend, _, _, serverRecv := negotiatePair(t, client, server)

	done := make(chan error, 1)
	go func() {
		done <- clientSend.Send(protocol.PressPower{})
	}()

	got, err := serverRecv.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, ok := got.(protocol.PressPower); !ok {
		t.Fatalf("got %#v", got)
	}
}

func TestHandshakeOrderingAvoidsDeadlockOnBoundedPipe(t *testing.T) {
	// A net.Pipe transport: net.Pipe is synchronous (unbuffered), which is
	// stricter than a bounded 16-byte pipe and the worst case for deadlock —
	// if client-writes-first/server-reads-first were violated, both
	// sides would block on their first Write with nobody reading.
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		negotiatePair(t, client, server)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handshake deadlocked")
	}
}

func TestPacketSequenceRoundTripsWithBlockRealignment(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	clientSend, _, _, serverRecv := negotiatePair(t, client, server)

	packets := []protocol.Packet{
		// Deliberately not a multiple of 16 bytes once framed, to force
		// the receiver to realign on the next packet's block boundary.
		protocol.Serial{Data: []byte("odd-length-payload")},
		protocol.StartTest{Name: "second"},
	}

	errCh := make(chan error, 1)
	go func() {
		for _, p := range packets {
			if err := clientSend.Send(p); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	for i, want := range packets {
		got, err := serverRecv.Receive()
		if err != nil {
			t.Fatalf("receive packet %d: %v", i, err)
		}
		var buf1, buf2 bytes.Buffer
		_ = protocol.Encode(&buf1, want)
		_ = protocol.Encode(&buf2, got)
		if !bytes.Equal(buf1.Bytes(), buf2.Bytes()) {
			t.Fatalf("packet %d mismatch: got %#v want %#v", i, got, want)
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestReceiverDiscardsTrailingPaddingBetweenPackets(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	clientSend, _, _, serverRecv := negotiatePair(t, client, server)

	first := protocol.Serial{Data: make([]byte, 20)}
	if _, err := io.ReadFull(rand.Reader, first.Data); err != nil {
		t.Fatalf("fill random data: %v", err)
	}
	second := protocol.Serial{Data: []byte{9, 9, 9, 9, 9}}

	go func() {
		_ = clientSend.Send(first)
		_ = clientSend.Send(second)
	}()

	got1, err := serverRecv.Receive()
	if err != nil {
		t.Fatalf("receive first: %v", err)
	}
	got2, err := serverRecv.Receive()
	if err != nil {
		t.Fatalf("receive second: %v", err)
	}

	s1 := got1.(protocol.Serial)
	s2 := got2.(protocol.Serial)
	if !bytes.Equal(s1.Data, first.Data) {
		t.Fatalf("first packet payload mismatch")
	}
	if !bytes.Equal(s2.Data, second.Data) {
		t.Fatalf("second packet payload mismatch, got %v", s2.Data)
	}
}
