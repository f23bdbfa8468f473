package pcan

import (
	"errors"
	"testing"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
)

func mustFrame(t *testing.T, id uint32, ext bool, data []byte) can.Frame {
	t.Helper()
	fr, err := can.New(id, ext, false, data)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	return fr
}

func TestParseChannel(t *testing.T) {
	cases := []struct {
		in   string
		idx  int
		fail bool
	}{
		{"USB1", 0, false},
		{"usb16", 15, false},
		{" USB3 ", 2, false},
		{"USB0", 0, true},
		{"USB17", 0, true},
		{"PCI1", 0, true},
		{"", 0, true},
	}
	for _, c := range cases {
		idx, err := parseChannel(c.in)
		if c.fail {
			if !errors.Is(err, adapter.ErrInvalidConfig) {
				t.Errorf("parseChannel(%q): want InvalidConfig, got %v", c.in, err)
			}
			continue
		}
		if err != nil || idx != c.idx {
			t.Errorf("parseChannel(%q) = %d, %v; want %d", c.in, idx, err, c.idx)
		}
	}
}

func TestBTRPresets(t *testing.T) {
	if code, err := btrFor(500000); err != nil || code != 0x001C {
		t.Fatalf("500k -> 0x%04X, %v", code, err)
	}
	if _, err := btrFor(123456); !errors.Is(err, adapter.ErrInvalidConfig) {
		t.Fatalf("non-preset baudrate must be rejected, got %v", err)
	}
}

func TestTelegramRoundTrip(t *testing.T) {
	fr := mustFrame(t, 0x18FF0001, true, []byte{1, 2, 3, 4})
	d := &Driver{recv: make(chan can.Frame, 4)}
	d.decodeTelegrams(encodeTelegram(fr))
	select {
	case got := <-d.recv:
		if !got.Equal(fr) {
			t.Fatalf("round trip mismatch: %v != %v", got, fr)
		}
	default:
		t.Fatalf("telegram not decoded")
	}
}

func TestDecodeSkipsStatusRecords(t *testing.T) {
	fr := mustFrame(t, 0x101, false, []byte{0xAA})
	status := make([]byte, recHeadSize) // recType 0x00 = status
	d := &Driver{recv: make(chan can.Frame, 4)}
	d.decodeTelegrams(append(status, encodeTelegram(fr)...))
	select {
	case got := <-d.recv:
		if got.ID != 0x101 {
			t.Fatalf("decoded id 0x%X", got.ID)
		}
	default:
		t.Fatalf("data telegram after status record not decoded")
	}
}
