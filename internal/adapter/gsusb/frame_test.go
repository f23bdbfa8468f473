package gsusb

import (
	"testing"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
)

func TestHostFrameRoundTrip(t *testing.T) {
	fr, _ := can.New(0x18000700, true, false, []byte{0x14, 0x01, 0x00})
	wire := fromFrame(fr, 0).marshal()
	if len(wire) != hostFrameSize {
		t.Fatalf("wire len = %d", len(wire))
	}
	var h hostFrame
	if err := h.unmarshal(wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, err := h.toFrame()
	if err != nil {
		t.Fatalf("toFrame: %v", err)
	}
	if !got.Equal(fr) {
		t.Fatalf("round trip mismatch: %v != %v", got, fr)
	}
}

func TestWireFlagsDoNotLeakIntoID(t *testing.T) {
	fr, _ := can.New(0x100, true, true, nil)
	wire := fromFrame(fr, 0).marshal()
	var h hostFrame
	_ = h.unmarshal(wire)
	if h.CANID&can.CAN_EFF_FLAG == 0 || h.CANID&can.CAN_RTR_FLAG == 0 {
		t.Fatalf("wire id must carry EFF/RTR flags: 0x%08X", h.CANID)
	}
	got, _ := h.toFrame()
	if got.ID != 0x100 || !got.Extended || !got.Remote {
		t.Fatalf("flags must come back as fields, id clean: %+v", got)
	}
}

func TestTimingTable(t *testing.T) {
	bt, err := timingFor(500000)
	if err != nil {
		t.Fatalf("500k: %v", err)
	}
	if bt.BRP != 6 {
		t.Fatalf("500k brp = %d, want 6", bt.BRP)
	}
	if bt.PropSeg+bt.PhaseSeg1+bt.PhaseSeg2+1 != 16 {
		t.Fatalf("time quanta per bit = %d, want 16", bt.PropSeg+bt.PhaseSeg1+bt.PhaseSeg2+1)
	}
	if _, err := timingFor(800000); err == nil {
		t.Fatalf("800k does not divide the core clock at 16 tq; must be rejected")
	}
}

func TestEchoFrameDetection(t *testing.T) {
	var h hostFrame
	h.EchoID = 0
	if h.EchoID == echoIDRx {
		t.Fatalf("echo id 0 must mark a loopback confirmation, not an rx frame")
	}
}
