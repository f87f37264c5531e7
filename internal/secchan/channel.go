package secchan

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/oro-sh/link-daemon/internal/protocol"
)

const blockSize = 16

// ErrEOF is returned in place of any underlying transport read/write
// error, matching the protocol's "any I/O failure is opaque EOF" policy;
// callers that need to distinguish handshake failures use
// ErrNegotiationRead/ErrNegotiationWrite instead.
var ErrEOF = errors.New("secchan: unexpected end of stream")

// flusher is implemented by buffered writers (e.g. bufio.Writer); Send
// calls Flush after the packet's trailing block has been written.
type flusher interface{ Flush() error }

// Sender buffers plaintext into 16-byte blocks, encrypting and writing
// each as it fills. A single internal lock protects the block/cursor pair
// so one Sender may be shared by multiple goroutines; the lock is held
// for the duration of one Send call, making packet sends atomic with
// respect to each other.
type Sender struct {
	mu     sync.Mutex
	w      io.Writer
	cipher cipher.Block
	block  [blockSize]byte
	cursor int
}

func newSender(w io.Writer, c cipher.Block) *Sender {
	return &Sender{w: w, cipher: c}
}

// Send encodes and encrypts packet, zero-padding and flushing the trailing
// block so the next packet starts on a fresh block boundary.
func (s *Sender) Send(packet protocol.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := protocol.Encode(s, packet); err != nil {
		return err
	}

	for s.cursor != 0 {
		if err := s.write([]byte{0}); err != nil {
			return err
		}
	}

	if f, ok := s.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("%w: %v", ErrEOF, err)
		}
	}
	return nil
}

// Write implements io.Writer so protocol.Encode can stream directly into
// the block buffer. Callers must hold s.mu (Send does this for them).
func (s *Sender) Write(p []byte) (int, error) {
	if err := s.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *Sender) write(p []byte) error {
	for len(p) > 0 {
		n := copy(s.block[s.cursor:], p)
		s.cursor += n
		p = p[n:]

		if s.cursor == blockSize {
			s.cipher.Encrypt(s.block[:], s.block[:])
			if _, err := s.w.Write(s.block[:]); err != nil {
				return fmt.Errorf("%w: %v", ErrEOF, err)
			}
			s.cursor = 0
		}
	}
	return nil
}

// Receiver reads 16-byte ciphertext blocks, decrypts them in place, and
// serves packet bytes out of the plaintext buffer. Its cursor starts at
// blockSize to force a fresh block read on the first receive, and is reset
// there again after every packet so the next one starts block-aligned.
type Receiver struct {
	mu     sync.Mutex
	r      io.Reader
	cipher cipher.Block
	block  [blockSize]byte
	cursor int
}

func newReceiver(r io.Reader, c cipher.Block) *Receiver {
	return &Receiver{r: r, cipher: c, cursor: blockSize}
}

// Receive decodes the next packet. The lock is held for the full call,
// making receives atomic with respect to each other.
func (r *Receiver) Receive() (protocol.Packet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := protocol.Decode(r)
	if err != nil {
		return nil, err
	}
	r.cursor = blockSize // discard any buffered remainder of this block
	return p, nil
}

// Read implements io.Reader so protocol.Decode can stream directly from
// the block buffer. Callers must hold r.mu (Receive does this for them).
func (r *Receiver) Read(p []byte) (int, error) {
	n := 0
	for len(p) > 0 {
		if r.cursor >= blockSize {
			if _, err := io.ReadFull(r.r, r.block[:]); err != nil {
				return n, fmt.Errorf("%w: %v", ErrEOF, err)
			}
			r.cipher.Decrypt(r.block[:], r.block[:])
			r.cursor = 0
		}

		copied := copy(p, r.block[r.cursor:])
		r.cursor += copied
		p = p[copied:]
		n += copied
	}
	return n, nil
}
