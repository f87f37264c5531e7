// Package protocol implements the Link protocol's discriminated-union
// message framing on top of internal/wire. Encode writes a one-byte
// discriminant followed by variant fields in declared order; Decode reads
// the discriminant and dispatches to the matching variant decoder.
package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/oro-sh/link-daemon/internal/wire"
)

// Discriminants. 0 and 11 are reserved/unassigned: an older protocol
// revision used 11 for a since-renumbered variant, and decoding either
// must fail with InvalidMessageCode.
const (
	idLinkOnline        = 1
	idResetLink         = 2
	idSetScene          = 3
	idLog               = 4
	idSetMonitorStandby = 5
	idStartTestSession  = 6
	idStartTest         = 7
	idSetPowerState     = 8
	idPressPower        = 9
	idPressReset        = 10
	// 11 reserved/unassigned.
	idBootfileSize = 12
	idSerial       = 13
	idDebugUsbKey  = 14
	// idTftp is not present in the historical discriminant table (the table
	// inherited a gap where "Tftp" was once numbered 11 and later dropped
	// during renumbering without a replacement id ever being recorded) but
	// the Broker's forwarding rules and the PXE/TFTP collaborator contract
	// both require an opaque Tftp(bytes) packet to exist on the wire. 15 is
	// the next unused discriminant; see DESIGN.md for this decision.
	idTftp = 15
)

const (
	boundVersion    = 16
	boundName255    = 255
	boundSerial     = 256
	boundTftpFrame  = 512
	uidLen          = 32
)

// Scene selects what the Link's monitor displays.
type Scene uint8

const (
	SceneLogo Scene = 1
	SceneTest Scene = 2
	SceneLog  Scene = 3
)

func (s Scene) valid() bool { return s == SceneLogo || s == SceneTest || s == SceneLog }

// LogLevel is the severity of a LogEntry.
type LogLevel uint8

const (
	LogInfo  LogLevel = 1
	LogWarn  LogLevel = 2
	LogError LogLevel = 3
)

// LogEntry wraps a bounded log message with its severity.
type LogEntry struct {
	Level   LogLevel
	Message string
}

// PowerState is the SUT's power state as controlled by the Link.
type PowerState uint8

const (
	PowerOff     PowerState = 1
	PowerStandby PowerState = 2
	PowerOn      PowerState = 3
)

func (p PowerState) valid() bool { return p == PowerOff || p == PowerStandby || p == PowerOn }

// ErrInvalidMessageCode is wrapped with the offending discriminant byte
// when Decode encounters an unknown or reserved discriminant.
var ErrInvalidMessageCode = errors.New("protocol: invalid message code")

// InvalidMessageCodeError carries the offending discriminant byte.
type InvalidMessageCodeError struct {
	Code byte
}

func (e *InvalidMessageCodeError) Error() string {
	return fmt.Sprintf("protocol: invalid message code %d", e.Code)
}

func (e *InvalidMessageCodeError) Unwrap() error { return ErrInvalidMessageCode }

func invalidCode(code byte) error { return &InvalidMessageCodeError{Code: code} }

// Packet is the sealed set of messages exchanged between a Link and the
// Daemon (in either direction; the Broker enforces which direction each
// variant is allowed to travel).
type Packet interface {
	discriminant() byte
	encodeBody(w io.Writer) error
}

// --- Variants ---

type LinkOnline struct {
	UID     [uidLen]byte
	Version string
}

func (LinkOnline) discriminant() byte { return idLinkOnline }
func (p LinkOnline) encodeBody(w io.Writer) error {
	if err := wire.WriteBytes(w, p.UID[:]); err != nil {
		return err
	}
	return wire.WriteBoundedString(w, boundVersion, p.Version)
}

type ResetLink struct{}

func (ResetLink) discriminant() byte             { return idResetLink }
func (ResetLink) encodeBody(w io.Writer) error    { return nil }

type SetScene struct{ Scene Scene }

func (SetScene) discriminant() byte { return idSetScene }
func (p SetScene) encodeBody(w io.Writer) error {
	return wire.WriteU8(w, uint8(p.Scene))
}

type Log struct{ Entry LogEntry }

func (Log) discriminant() byte { return idLog }
func (p Log) encodeBody(w io.Writer) error {
	if err := wire.WriteU8(w, uint8(p.Entry.Level)); err != nil {
		return err
	}
	return wire.WriteBoundedString(w, boundName255, p.Entry.Message)
}

type SetMonitorStandby struct{ Standby bool }

func (SetMonitorStandby) discriminant() byte { return idSetMonitorStandby }
func (p SetMonitorStandby) encodeBody(w io.Writer) error {
	var v uint8
	if p.Standby {
		v = 1
	}
	return wire.WriteU8(w, v)
}

type StartTestSession struct {
	TotalTests uint32
	Author     string
	Title      string
	RefID      string
}

func (StartTestSession) discriminant() byte { return idStartTestSession }
func (p StartTestSession) encodeBody(w io.Writer) error {
	if err := wire.WriteU32(w, p.TotalTests); err != nil {
		return err
	}
	if err := wire.WriteBoundedString(w, boundName255, p.Author); err != nil {
		return err
	}
	if err := wire.WriteBoundedString(w, boundName255, p.Title); err != nil {
		return err
	}
	return wire.WriteBoundedString(w, boundName255, p.RefID)
}

type StartTest struct{ Name string }

func (StartTest) discriminant() byte { return idStartTest }
func (p StartTest) encodeBody(w io.Writer) error {
	return wire.WriteBoundedString(w, boundName255, p.Name)
}

type SetPowerState struct{ State PowerState }

func (SetPowerState) discriminant() byte { return idSetPowerState }
func (p SetPowerState) encodeBody(w io.Writer) error {
	return wire.WriteU8(w, uint8(p.State))
}

type PressPower struct{}

func (PressPower) discriminant() byte          { return idPressPower }
func (PressPower) encodeBody(w io.Writer) error { return nil }

type PressReset struct{}

func (PressReset) discriminant() byte          { return idPressReset }
func (PressReset) encodeBody(w io.Writer) error { return nil }

type BootfileSize struct {
	UEFI uint64
	BIOS uint64
}

func (BootfileSize) discriminant() byte { return idBootfileSize }
func (p BootfileSize) encodeBody(w io.Writer) error {
	if err := wire.WriteU64(w, p.UEFI); err != nil {
		return err
	}
	return wire.WriteU64(w, p.BIOS)
}

// Serial carries a chunk of the SUT's serial console, in either direction.
type Serial struct{ Data []byte }

func (Serial) discriminant() byte { return idSerial }
func (p Serial) encodeBody(w io.Writer) error {
	return wire.WriteBoundedBytes(w, boundSerial, p.Data)
}

type DebugUsbKey struct{ Key uint8 }

func (DebugUsbKey) discriminant() byte { return idDebugUsbKey }
func (p DebugUsbKey) encodeBody(w io.Writer) error {
	return wire.WriteU8(w, p.Key)
}

// Tftp carries an opaque TFTP frame produced or consumed by the PXE/TFTP
// collaborator (see internal/protocol doc comment on idTftp for why this
// discriminant isn't in the historical table).
type Tftp struct{ Data []byte }

func (Tftp) discriminant() byte { return idTftp }
func (p Tftp) encodeBody(w io.Writer) error {
	return wire.WriteBoundedBytes(w, boundTftpFrame, p.Data)
}

// Encode writes the discriminant followed by the variant's fields.
func Encode(w io.Writer, p Packet) error {
	if err := wire.WriteU8(w, p.discriminant()); err != nil {
		return err
	}
	return p.encodeBody(w)
}

// Decode reads a discriminant and dispatches to the matching variant
// decoder. Unknown or reserved discriminants (including 0 and 11) return
// an *InvalidMessageCodeError wrapping ErrInvalidMessageCode.
func Decode(r io.Reader) (Packet, error) {
	code, err := wire.ReadU8(r)
	if err != nil {
		return nil, err
	}
	switch code {
	case idLinkOnline:
		var p LinkOnline
		if err := wire.ReadBytes(r, p.UID[:]); err != nil {
			return nil, err
		}
		v, err := wire.ReadBoundedString(r, boundVersion)
		if err != nil {
			return nil, err
		}
		p.Version = v
		return p, nil
	case idResetLink:
		return ResetLink{}, nil
	case idSetScene:
		v, err := wire.ReadU8(r)
		if err != nil {
			return nil, err
		}
		s := Scene(v)
		if !s.valid() {
			return nil, fmt.Errorf("protocol: decode scene: %w", invalidCode(v))
		}
		return SetScene{Scene: s}, nil
	case idLog:
		lvl, err := wire.ReadU8(r)
		if err != nil {
			return nil, err
		}
		msg, err := wire.ReadBoundedString(r, boundName255)
		if err != nil {
			return nil, err
		}
		level := LogLevel(lvl)
		if level != LogInfo && level != LogWarn && level != LogError {
			return nil, fmt.Errorf("protocol: decode log entry: %w", invalidCode(lvl))
		}
		return Log{Entry: LogEntry{Level: level, Message: msg}}, nil
	case idSetMonitorStandby:
		v, err := wire.ReadU8(r)
		if err != nil {
			return nil, err
		}
		return SetMonitorStandby{Standby: v != 0}, nil
	case idStartTestSession:
		total, err := wire.ReadU32(r)
		if err != nil {
			return nil, err
		}
		author, err := wire.ReadBoundedString(r, boundName255)
		if err != nil {
			return nil, err
		}
		title, err := wire.ReadBoundedString(r, boundName255)
		if err != nil {
			return nil, err
		}
		refID, err := wire.ReadBoundedString(r, boundName255)
		if err != nil {
			return nil, err
		}
		return StartTestSession{TotalTests: total, Author: author, Title: title, RefID: refID}, nil
	case idStartTest:
		name, err := wire.ReadBoundedString(r, boundName255)
		if err != nil {
			return nil, err
		}
		return StartTest{Name: name}, nil
	case idSetPowerState:
		v, err := wire.ReadU8(r)
		if err != nil {
			return nil, err
		}
		ps := PowerState(v)
		if !ps.valid() {
			return nil, fmt.Errorf("protocol: decode power state: %w", invalidCode(v))
		}
		return SetPowerState{State: ps}, nil
	case idPressPower:
		return PressPower{}, nil
	case idPressReset:
		return PressReset{}, nil
	case idBootfileSize:
		uefi, err := wire.ReadU64(r)
		if err != nil {
			return nil, err
		}
		bios, err := wire.ReadU64(r)
		if err != nil {
			return nil, err
		}
		return BootfileSize{UEFI: uefi, BIOS: bios}, nil
	case idSerial:
		data, err := wire.ReadBoundedBytes(r, boundSerial)
		if err != nil {
			return nil, err
		}
		return Serial{Data: data}, nil
	case idDebugUsbKey:
		v, err := wire.ReadU8(r)
		if err != nil {
			return nil, err
		}
		return DebugUsbKey{Key: v}, nil
	case idTftp:
		data, err := wire.ReadBoundedBytes(r, boundTftpFrame)
		if err != nil {
			return nil, err
		}
		return Tftp{Data: data}, nil
	default:
		return nil, invalidCode(code)
	}
}
