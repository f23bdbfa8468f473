package can

import (
	"bytes"
	"errors"
	"fmt"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>). These exist
// only for wire formats that carry flags inside the id word (SocketCAN,
// gs_usb). Inside the process, extended-ness is the Extended field, never a
// bit of ID.
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

var (
	ErrInvalidID  = errors.New("can: invalid identifier")
	ErrInvalidDLC = errors.New("can: invalid data length")
)

// Frame is the canonical in-memory CAN frame used across the bridge.
// It is a value type and freely copyable. Only the first DLC bytes of Data
// are valid. Timestamp is monotonic seconds since process start; the receive
// pump guarantees per-adapter monotonicity.
type Frame struct {
	ID        uint32
	Extended  bool
	Remote    bool
	DLC       uint8
	Data      [8]byte
	Timestamp float64
}

// Key is the full addressing key. Two frames with the same numeric ID but
// different Extended are distinct everywhere in the system.
type Key struct {
	ID       uint32
	Extended bool
}

// New builds a validated frame with no timestamp.
func New(id uint32, extended, remote bool, data []byte) (Frame, error) {
	var f Frame
	f.ID = id
	f.Extended = extended
	f.Remote = remote
	if len(data) > 8 {
		return Frame{}, ErrInvalidDLC
	}
	f.DLC = uint8(len(data))
	copy(f.Data[:], data)
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate checks addressing and length invariants.
func (f Frame) Validate() error {
	if f.DLC > 8 {
		return ErrInvalidDLC
	}
	if f.Extended {
		if f.ID > CAN_EFF_MASK {
			return ErrInvalidID
		}
	} else {
		if f.ID > CAN_SFF_MASK {
			return ErrInvalidID
		}
	}
	return nil
}

// Key returns the addressing key of the frame.
func (f Frame) Key() Key { return Key{ID: f.ID, Extended: f.Extended} }

// Payload returns the valid bytes as a copy.
func (f Frame) Payload() []byte {
	p := make([]byte, f.DLC)
	copy(p, f.Data[:f.DLC])
	return p
}

// DisplayID renders the canonical hex form: 8 digits for extended ids,
// 3 for standard.
func (f Frame) DisplayID() string {
	if f.Extended {
		return fmt.Sprintf("0x%08X", f.ID)
	}
	return fmt.Sprintf("0x%03X", f.ID)
}

func (f Frame) String() string {
	return fmt.Sprintf("%s [%d] % X", f.DisplayID(), f.DLC, f.Data[:f.DLC])
}

// Equal compares all fields except Timestamp.
func (f Frame) Equal(o Frame) bool {
	return f.ID == o.ID && f.Extended == o.Extended && f.Remote == o.Remote &&
		f.DLC == o.DLC && bytes.Equal(f.Data[:f.DLC], o.Data[:o.DLC])
}
