package gsusb

import (
	"encoding/binary"
	"fmt"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
)

// gs_usb host frame, classic CAN, little-endian (struct gs_host_frame):
//
//	echo_id  u32   0xFFFFFFFF marks a received frame; anything else is the
//	               loopback confirmation of a host transmission
//	can_id   u32   with EFF/RTR flags in the upper bits
//	can_dlc  u8
//	channel  u8
//	flags    u8
//	reserved u8
//	data     [8]
const hostFrameSize = 20

const echoIDRx = 0xFFFFFFFF

type hostFrame struct {
	EchoID  uint32
	CANID   uint32
	DLC     uint8
	Channel uint8
	Flags   uint8
	Data    [8]byte
}

func (h *hostFrame) marshal() []byte {
	buf := make([]byte, hostFrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.EchoID)
	binary.LittleEndian.PutUint32(buf[4:8], h.CANID)
	buf[8] = h.DLC
	buf[9] = h.Channel
	buf[10] = h.Flags
	copy(buf[12:20], h.Data[:])
	return buf
}

func (h *hostFrame) unmarshal(buf []byte) error {
	if len(buf) < hostFrameSize {
		return fmt.Errorf("gsusb: short host frame: %d", len(buf))
	}
	h.EchoID = binary.LittleEndian.Uint32(buf[0:4])
	h.CANID = binary.LittleEndian.Uint32(buf[4:8])
	h.DLC = buf[8]
	h.Channel = buf[9]
	h.Flags = buf[10]
	copy(h.Data[:], buf[12:20])
	return nil
}

// toFrame converts a received host frame to the canonical model, folding the
// EFF/RTR wire flags into first-class fields.
func (h *hostFrame) toFrame() (can.Frame, error) {
	var fr can.Frame
	fr.Extended = h.CANID&can.CAN_EFF_FLAG != 0
	fr.Remote = h.CANID&can.CAN_RTR_FLAG != 0
	if fr.Extended {
		fr.ID = h.CANID & can.CAN_EFF_MASK
	} else {
		fr.ID = h.CANID & can.CAN_SFF_MASK
	}
	if h.DLC > 8 {
		return can.Frame{}, fmt.Errorf("gsusb: dlc %d", h.DLC)
	}
	fr.DLC = h.DLC
	copy(fr.Data[:], h.Data[:h.DLC])
	return fr, fr.Validate()
}

// fromFrame builds the wire form of a host transmission.
func fromFrame(fr can.Frame, echoID uint32) *hostFrame {
	h := &hostFrame{EchoID: echoID, DLC: fr.DLC}
	h.CANID = fr.ID
	if fr.Extended {
		h.CANID |= can.CAN_EFF_FLAG
	}
	if fr.Remote {
		h.CANID |= can.CAN_RTR_FLAG
	}
	copy(h.Data[:], fr.Data[:fr.DLC])
	return h
}

// Bit timing for the 48 MHz candlelight core clock: 16 time quanta per bit,
// sample point at 87.5% (sync 1 + seg1 13 + seg2 2).
type bitTiming struct {
	PropSeg   uint32
	PhaseSeg1 uint32
	PhaseSeg2 uint32
	SJW       uint32
	BRP       uint32
}

func (bt *bitTiming) marshal() []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:4], bt.PropSeg)
	binary.LittleEndian.PutUint32(buf[4:8], bt.PhaseSeg1)
	binary.LittleEndian.PutUint32(buf[8:12], bt.PhaseSeg2)
	binary.LittleEndian.PutUint32(buf[12:16], bt.SJW)
	binary.LittleEndian.PutUint32(buf[16:20], bt.BRP)
	return buf
}

const coreClockHz = 48_000_000

func timingFor(bitrate int) (*bitTiming, error) {
	if bitrate <= 0 || coreClockHz%(16*bitrate) != 0 {
		return nil, fmt.Errorf("unsupported CAN bitrate %d", bitrate)
	}
	return &bitTiming{
		PropSeg:   1,
		PhaseSeg1: 12,
		PhaseSeg2: 2,
		SJW:       1,
		BRP:       uint32(coreClockHz / (16 * bitrate)),
	}, nil
}
