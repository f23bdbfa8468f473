// Package boot implements the CAN bootloader flashing protocol for
// STM32-class modules: a request/response state machine over a reserved pair
// of extended identifiers, with pipelined writes and read-back verification.
package boot

import "fmt"

// Reserved extended identifiers.
const (
	// HostToTargetID carries commands to the bootloader.
	HostToTargetID = 0x18000701
	// TargetToHostID carries responses and heartbeats back.
	TargetToHostID = 0x18000700
	// resetBaseID is the per-module reset identifier; the module number is
	// encoded in bits 16..18.
	resetBaseID = 0x08F00F02
)

// MaxModuleID bounds the module selector of the reset identifier.
const MaxModuleID = 5

// ResetID returns the reset identifier for a module (0..MaxModuleID).
func ResetID(module int) uint32 { return resetBaseID | uint32(module)<<16 }

// Command bytes (first payload byte, host to target).
const (
	cmdEraseFlash = 0x01
	cmdReadFlash  = 0x03
	cmdJumpToApp  = 0x04
	cmdGetStatus  = 0x05
	cmdSetAddress = 0x06
	cmdWriteData  = 0x07
)

// Response bytes (first payload byte, target to host).
const (
	respAck   = 0x10
	respNack  = 0x11
	respReady = 0x14
	respData  = 0x15
)

// Target memory map. Addresses outside the application region are rejected
// by the target; the engine never attempts them.
const (
	AppStart     = 0x08008000
	AppEnd       = 0x0803BFFF
	MaxImageSize = AppEnd - AppStart + 1 // 0x34000, 208 KiB
)

// wordSize is the write granularity; images are padded up to it with 0xFF.
const wordSize = 4

// maxReadLen is the widest READ_FLASH span a response frame can carry.
const maxReadLen = 7

// IsHeartbeat reports whether a target frame payload is the canonical
// unsolicited heartbeat [0x14, 0x01, 0x00, ...]. Any other READY payload is
// a normal response (e.g. the boot handshake).
func IsHeartbeat(data []byte) bool {
	return len(data) >= 3 && data[0] == respReady && data[1] == 0x01 && data[2] == 0x00
}

// Target error codes carried in byte 1 of a NACK.
const (
	errNone           = 0x00
	errInvalidCommand = 0x01
	errInvalidAddress = 0x02
	errEraseFailed    = 0x03
	errWriteFailed    = 0x04
	errInvalidLength  = 0x05
	errNoValidApp     = 0x06
	errTimeout        = 0x07
)

// ErrorCodeName renders a target error code for humans.
func ErrorCodeName(code byte) string {
	switch code {
	case errNone:
		return "none"
	case errInvalidCommand:
		return "invalid command"
	case errInvalidAddress:
		return "invalid address"
	case errEraseFailed:
		return "erase failed"
	case errWriteFailed:
		return "write failed"
	case errInvalidLength:
		return "invalid length"
	case errNoValidApp:
		return "no valid app"
	case errTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("unknown error 0x%02X", code)
	}
}
