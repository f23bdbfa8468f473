package pcan

import (
	"fmt"
	"strings"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
)

// Channel names follow the vendor convention: USB1..USB16 map to the
// device's position among enumerated PCAN-USB interfaces.
const channelCount = 16

// parseChannel converts "USB1".."USB16" (case-insensitive) to a 0-based
// device index.
func parseChannel(name string) (int, error) {
	up := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(up, "USB") {
		return 0, fmt.Errorf("%w: pcan channel %q (want USB1..USB%d)", adapter.ErrInvalidConfig, name, channelCount)
	}
	var n int
	if _, err := fmt.Sscanf(up, "USB%d", &n); err != nil || n < 1 || n > channelCount {
		return 0, fmt.Errorf("%w: pcan channel %q (want USB1..USB%d)", adapter.ErrInvalidConfig, name, channelCount)
	}
	return n - 1, nil
}

// btrCodes holds the SJA1000 BTR0BTR1 presets the vendor firmware accepts.
// Baudrate must be a member of this finite set.
var btrCodes = map[int]uint16{
	1000000: 0x0014,
	800000:  0x0016,
	500000:  0x001C,
	250000:  0x011C,
	125000:  0x031C,
	100000:  0x432F,
	50000:   0x472F,
	20000:   0x532F,
	10000:   0x672F,
	5000:    0x7F7F,
}

func btrFor(baud int) (uint16, error) {
	code, ok := btrCodes[baud]
	if !ok {
		return 0, fmt.Errorf("%w: pcan baudrate %d not in preset list", adapter.ErrInvalidConfig, baud)
	}
	return code, nil
}
