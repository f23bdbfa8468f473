//go:build !linux

package btspp

import (
	"fmt"
	"io"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
)

// dialSocket: RFCOMM sockets are only wired up on Linux.
func dialSocket(addr string, channel uint8) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("%w: bluetooth rfcomm unsupported on this platform", adapter.ErrBackendMissing)
}
