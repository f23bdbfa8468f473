package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter/btspp"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter/gsusb"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter/pcan"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter/relay"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter/slcan"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter/socketcan"
)

// OpenDriver is the default variant dispatch. Channel semantics per variant:
//
//	pcan       USB1..USB16
//	gsusb      numeric device index, 0-based
//	network    host:port
//	bluetooth  MAC address, optionally ":<rfcomm-channel>" suffixed
//	slcan      serial device path
//	socketcan  interface name (linux only)
func OpenDriver(variant adapter.Variant, channel string, baudrate int, backend adapter.BackendConfig) (adapter.Driver, error) {
	switch variant {
	case adapter.VariantPCAN:
		return pcan.Open(pcan.Config{Channel: channel, Baudrate: baudrate})
	case adapter.VariantGSUSB:
		idx, err := strconv.Atoi(strings.TrimSpace(channel))
		if err != nil {
			return nil, fmt.Errorf("%w: gsusb channel %q is not a device index", adapter.ErrInvalidConfig, channel)
		}
		return gsusb.Open(gsusb.Config{Index: idx, Baudrate: baudrate, Backend: backend})
	case adapter.VariantRelay:
		return relay.Open(relay.Config{Host: channel, Baudrate: baudrate})
	case adapter.VariantBluetooth:
		addr, ch := splitBluetoothChannel(channel)
		return btspp.Open(btspp.Config{Address: addr, Channel: ch})
	case adapter.VariantSLCAN:
		return slcan.Open(slcan.Config{Channel: channel, Baudrate: baudrate})
	case adapter.VariantSocketCAN:
		return socketcan.Open(socketcan.Config{Channel: channel, Baudrate: baudrate})
	default:
		return nil, fmt.Errorf("%w: unknown variant %q", adapter.ErrInvalidConfig, variant)
	}
}

// splitBluetoothChannel separates "AA:BB:CC:DD:EE:FF:2" into address and
// RFCOMM channel; a bare MAC keeps the default channel.
func splitBluetoothChannel(channel string) (string, uint8) {
	parts := strings.Split(channel, ":")
	if len(parts) == 7 {
		if n, err := strconv.Atoi(parts[6]); err == nil && n > 0 && n < 31 {
			return strings.Join(parts[:6], ":"), uint8(n)
		}
	}
	return channel, btspp.DefaultChannel
}
