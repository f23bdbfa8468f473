package can

import "testing"

func TestNewValidatesAddressing(t *testing.T) {
	if _, err := New(0x7FF, false, false, nil); err != nil {
		t.Fatalf("std id 0x7FF should be valid: %v", err)
	}
	if _, err := New(0x800, false, false, nil); err == nil {
		t.Fatalf("std id 0x800 must be rejected")
	}
	if _, err := New(0x1FFFFFFF, true, false, nil); err != nil {
		t.Fatalf("ext id 0x1FFFFFFF should be valid: %v", err)
	}
	if _, err := New(0x20000000, true, false, nil); err == nil {
		t.Fatalf("ext id 0x20000000 must be rejected")
	}
	if _, err := New(0x100, false, false, make([]byte, 9)); err == nil {
		t.Fatalf("9-byte payload must be rejected")
	}
}

func TestKeyDisjointByExtended(t *testing.T) {
	std, _ := New(0x100, false, false, []byte{1})
	ext, _ := New(0x100, true, false, []byte{1})
	if std.Key() == ext.Key() {
		t.Fatalf("std and ext keys with same numeric id must be disjoint")
	}
}

func TestDisplayIDPadding(t *testing.T) {
	std, _ := New(0x1A, false, false, nil)
	if got := std.DisplayID(); got != "0x01A" {
		t.Fatalf("std display = %q, want 0x01A", got)
	}
	ext, _ := New(0x18000700, true, false, nil)
	if got := ext.DisplayID(); got != "0x18000700" {
		t.Fatalf("ext display = %q, want 0x18000700", got)
	}
}

func TestEqualIgnoresTimestamp(t *testing.T) {
	a, _ := New(0x123, false, false, []byte{0xDE, 0xAD})
	b := a
	b.Timestamp = 42.0
	if !a.Equal(b) {
		t.Fatalf("equality must ignore timestamps")
	}
	c := a
	c.Data[1] = 0xAE
	if a.Equal(c) {
		t.Fatalf("payload difference must break equality")
	}
}

func TestPayloadIsACopy(t *testing.T) {
	f, _ := New(0x1, false, false, []byte{1, 2, 3})
	p := f.Payload()
	p[0] = 9
	if f.Data[0] != 1 {
		t.Fatalf("Payload must not alias frame data")
	}
}
