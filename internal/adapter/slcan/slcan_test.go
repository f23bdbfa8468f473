package slcan

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
)

// fakePort implements Port for tests.
type fakePort struct {
	mu     sync.Mutex
	reads  [][]byte
	idx    int
	writes [][]byte
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.reads) {
		// After delivering all data, behave like a read timeout tick.
		time.Sleep(5 * time.Millisecond)
		return 0, io.EOF
	}
	chunk := f.reads[f.idx]
	f.idx++
	return copy(p, chunk), nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakePort) Close() error { return nil }

func withFakePort(t *testing.T, fp *fakePort) {
	t.Helper()
	prev := openPort
	openPort = func(string, int, time.Duration) (Port, error) { return fp, nil }
	t.Cleanup(func() { openPort = prev })
}

func TestOpenConfiguresChannel(t *testing.T) {
	fp := &fakePort{}
	withFakePort(t, fp)
	d, err := Open(Config{Channel: "/dev/ttyACM0", Baudrate: 500000})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	fp.mu.Lock()
	setup := append([]byte{}, fp.writes[0]...)
	setup = append(setup, fp.writes[1]...)
	setup = append(setup, fp.writes[2]...)
	fp.mu.Unlock()
	if string(setup) != "C\rS6\rO\r" {
		t.Fatalf("setup sequence = %q", setup)
	}
}

func TestRxDecodesAndTimestamps(t *testing.T) {
	fp := &fakePort{reads: [][]byte{[]byte("t1232DE"), []byte("AD\r")}}
	withFakePort(t, fp)
	d, err := Open(Config{Channel: "/dev/ttyACM0", Baudrate: 500000})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	select {
	case fr := <-d.Frames():
		if fr.ID != 0x123 || fr.DLC != 2 || fr.Data[0] != 0xDE {
			t.Fatalf("decoded frame = %+v", fr)
		}
		if fr.Timestamp <= 0 {
			t.Fatalf("rx frame must carry an ingest timestamp")
		}
	case <-time.After(time.Second):
		t.Fatalf("split record never decoded")
	}
}

func TestTransmitEncodes(t *testing.T) {
	fp := &fakePort{}
	withFakePort(t, fp)
	d, err := Open(Config{Channel: "/dev/ttyACM0", Baudrate: 500000})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	fr, _ := can.New(0x18000701, true, false, []byte{0x01})
	if err := d.Transmit(fr); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		fp.mu.Lock()
		n := len(fp.writes)
		var last []byte
		if n > 0 {
			last = fp.writes[n-1]
		}
		fp.mu.Unlock()
		if string(last) == "T18000701101\r" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("frame never written, last = %q", last)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOpenRejectsUnknownBitrate(t *testing.T) {
	fp := &fakePort{}
	withFakePort(t, fp)
	if _, err := Open(Config{Channel: "/dev/ttyACM0", Baudrate: 123}); !errors.Is(err, adapter.ErrInvalidConfig) {
		t.Fatalf("want InvalidConfig, got %v", err)
	}
}
