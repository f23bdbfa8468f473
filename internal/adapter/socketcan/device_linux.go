//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
)

// Dev is the minimal raw-socket surface the driver needs. Implemented by
// *device in production and by fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// openDevice is a hook for tests (overridden in unit tests).
var openDevice = func(iface string) (Dev, error) { return open(iface) }

type device struct {
	fd int
}

func open(iface string) (*device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &device{fd: fd}, nil
}

func (d *device) Close() error { return unix.Close(d.fd) }

// ReadFrame reads one classic CAN frame. The EFF/RTR bits of the wire id are
// folded into the first-class Extended/Remote fields; the stored ID never
// carries flag bits.
func (d *device) ReadFrame(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte // classic CAN MTU = 16 bytes
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	if n != unix.CAN_MTU {
		return fmt.Errorf("short read: %d", n)
	}

	// struct can_frame (linux/can.h), host byte order:
	//   can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
	//   can_dlc u8    [4]
	//   pad     3B    [5:8]
	//   data    [8]   [8:16]
	id := binary.LittleEndian.Uint32(buf[0:4])
	dlc := int(buf[4])
	if dlc > 8 {
		dlc = 8
	}

	fr.Extended = id&can.CAN_EFF_FLAG != 0
	fr.Remote = id&can.CAN_RTR_FLAG != 0
	if fr.Extended {
		fr.ID = id & can.CAN_EFF_MASK
	} else {
		fr.ID = id & can.CAN_SFF_MASK
	}
	fr.DLC = uint8(dlc)
	copy(fr.Data[:], buf[8:8+dlc])
	return nil
}

// WriteFrame writes one classic CAN frame, re-applying the wire flag bits.
func (d *device) WriteFrame(fr can.Frame) error {
	var buf [unix.CAN_MTU]byte
	id := fr.ID
	if fr.Extended {
		id |= can.CAN_EFF_FLAG
	}
	if fr.Remote {
		id |= can.CAN_RTR_FLAG
	}
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = fr.DLC
	copy(buf[8:], fr.Data[:fr.DLC])
	_, err := unix.Write(d.fd, buf[:])
	return err
}
