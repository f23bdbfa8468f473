package slcan

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/metrics"
)

// Codec speaks the SLCAN (LAWICEL) ASCII framing used by CANable-class
// devices in serial-line mode:
//
//	tiiiLDD..      standard data frame (3 hex id digits, L=dlc)
//	TiiiiiiiiLDD.. extended data frame (8 hex id digits)
//	riiiL          standard remote frame
//	RiiiiiiiiL     extended remote frame
//
// Every record terminates with CR (0x0D). The device answers commands with a
// bare CR (ok) or BEL (0x07, error).
type Codec struct{}

// Encode renders a frame as an SLCAN record including the trailing CR.
func (Codec) Encode(f can.Frame) []byte {
	var b bytes.Buffer
	switch {
	case f.Remote && f.Extended:
		fmt.Fprintf(&b, "R%08X%d", f.ID, f.DLC)
	case f.Remote:
		fmt.Fprintf(&b, "r%03X%d", f.ID, f.DLC)
	case f.Extended:
		fmt.Fprintf(&b, "T%08X%d", f.ID, f.DLC)
	default:
		fmt.Fprintf(&b, "t%03X%d", f.ID, f.DLC)
	}
	if !f.Remote {
		for _, d := range f.Data[:f.DLC] {
			fmt.Fprintf(&b, "%02X", d)
		}
	}
	b.WriteByte('\r')
	return b.Bytes()
}

// DecodeStream consumes complete records from in and emits frames via out.
// Incomplete trailing records stay buffered; malformed records are counted
// and skipped (resync at the next CR).
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	for {
		data := in.Bytes()
		cr := bytes.IndexByte(data, '\r')
		if cr < 0 {
			return nil
		}
		rec := data[:cr]
		in.Next(cr + 1)
		if len(rec) == 0 {
			continue // command ack
		}
		fr, err := decodeRecord(rec)
		if err != nil {
			if rec[0] == 't' || rec[0] == 'T' || rec[0] == 'r' || rec[0] == 'R' {
				metrics.IncMalformed()
			}
			continue // status/ack chatter or garbage
		}
		out(fr)
	}
}

func decodeRecord(rec []byte) (can.Frame, error) {
	kind := rec[0]
	var (
		extended bool
		remote   bool
		idLen    int
	)
	switch kind {
	case 't':
		idLen = 3
	case 'T':
		extended = true
		idLen = 8
	case 'r':
		remote = true
		idLen = 3
	case 'R':
		extended, remote = true, true
		idLen = 8
	default:
		return can.Frame{}, fmt.Errorf("slcan: not a frame record %q", kind)
	}
	if len(rec) < 1+idLen+1 {
		return can.Frame{}, fmt.Errorf("slcan: short record")
	}
	id, err := strconv.ParseUint(string(rec[1:1+idLen]), 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("slcan: bad id: %w", err)
	}
	dlc, err := strconv.Atoi(string(rec[1+idLen : 1+idLen+1]))
	if err != nil || dlc > 8 {
		return can.Frame{}, fmt.Errorf("slcan: bad dlc")
	}
	var data []byte
	if !remote {
		hexData := rec[1+idLen+1:]
		if len(hexData) != dlc*2 {
			return can.Frame{}, fmt.Errorf("slcan: dlc/data mismatch")
		}
		data = make([]byte, dlc)
		for i := 0; i < dlc; i++ {
			v, err := strconv.ParseUint(string(hexData[i*2:i*2+2]), 16, 8)
			if err != nil {
				return can.Frame{}, fmt.Errorf("slcan: bad data hex: %w", err)
			}
			data[i] = byte(v)
		}
	} else {
		data = make([]byte, 0)
		// Remote frames carry a dlc but no payload bytes.
	}
	fr, err := can.New(uint32(id), extended, remote, data)
	if err != nil {
		return can.Frame{}, err
	}
	if remote {
		fr.DLC = uint8(dlc)
	}
	return fr, nil
}

// bitrateCode maps a CAN bit rate to the SLCAN 'S' setup digit.
func bitrateCode(baud int) (byte, error) {
	switch baud {
	case 10000:
		return '0', nil
	case 20000:
		return '1', nil
	case 50000:
		return '2', nil
	case 100000:
		return '3', nil
	case 125000:
		return '4', nil
	case 250000:
		return '5', nil
	case 500000:
		return '6', nil
	case 800000:
		return '7', nil
	case 1000000:
		return '8', nil
	default:
		return 0, fmt.Errorf("unsupported CAN bitrate %d", baud)
	}
}
