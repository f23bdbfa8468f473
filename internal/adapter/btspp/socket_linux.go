//go:build linux

package btspp

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
)

// rfcommConn wraps the RFCOMM socket fd as an io.ReadWriteCloser.
type rfcommConn struct{ f *os.File }

func (c *rfcommConn) Read(p []byte) (int, error)  { return c.f.Read(p) }
func (c *rfcommConn) Write(p []byte) (int, error) { return c.f.Write(p) }
func (c *rfcommConn) Close() error                { return c.f.Close() }

// dialSocket opens an RFCOMM stream socket to addr (MAC) on the given channel.
func dialSocket(addr string, channel uint8) (io.ReadWriteCloser, error) {
	mac, err := parseMAC(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrInvalidConfig, err)
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("%w: rfcomm socket: %v", adapter.ErrBackendMissing, err)
	}
	sa := &unix.SockaddrRFCOMM{Addr: mac, Channel: uint8(channel)}
	if err := unix.Connect(fd, sa); err != nil {
		_ = unix.Close(fd)
		switch err {
		case unix.EHOSTDOWN, unix.EHOSTUNREACH, unix.ETIMEDOUT:
			return nil, fmt.Errorf("%w: %s: %v", adapter.ErrDeviceNotFound, addr, err)
		case unix.ECONNREFUSED:
			return nil, fmt.Errorf("%w: %s refused channel %d", adapter.ErrConnectionLost, addr, channel)
		default:
			return nil, fmt.Errorf("rfcomm connect %s: %w", addr, err)
		}
	}
	return &rfcommConn{f: os.NewFile(uintptr(fd), "rfcomm:"+addr)}, nil
}

// parseMAC converts "XX:XX:XX:XX:XX:XX" into the kernel's little-endian
// 6-byte form.
func parseMAC(s string) ([6]byte, error) {
	var out [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return out, fmt.Errorf("bad mac %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return out, fmt.Errorf("bad mac %q: %v", s, err)
		}
		// bdaddr_t is byte-reversed relative to the printed form.
		out[5-i] = byte(v)
	}
	return out, nil
}
