package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

func TestAsyncTxSuccess(t *testing.T) {
	var sent atomic.Int64
	var after atomic.Int64
	ax := NewAsyncTx(context.Background(), 4, func(fr can.Frame) error {
		sent.Add(1)
		return nil
	}, Hooks{OnAfter: func() { after.Add(1) }})
	defer ax.Close()
	for i := 0; i < 3; i++ {
		if err := ax.SendFrame(can.Frame{ID: uint32(i)}); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && sent.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if sent.Load() != 3 || after.Load() != 3 {
		t.Fatalf("expected 3 sent & after, got sent=%d after=%d", sent.Load(), after.Load())
	}
}

func TestAsyncTxOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var drops atomic.Int64
	ax := NewAsyncTx(ctx, 1, func(fr can.Frame) error { time.Sleep(150 * time.Millisecond); return nil },
		Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	if err := ax.SendFrame(can.Frame{}); err != nil {
		t.Fatalf("unexpected error enqueue first: %v", err)
	}
	// Immediate second should overflow (buffer=1, worker sleeping).
	if err := ax.SendFrame(can.Frame{}); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 drop, got %d", drops.Load())
	}
}

func TestAsyncTxSendError(t *testing.T) {
	var errs atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(fr can.Frame) error { return errSendFail },
		Hooks{OnError: func(error) { errs.Add(1) }})
	defer ax.Close()
	_ = ax.SendFrame(can.Frame{})
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && errs.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if errs.Load() == 0 {
		t.Fatalf("expected error hook invocation")
	}
}

func TestAsyncTxClose(t *testing.T) {
	ax := NewAsyncTx(context.Background(), 2, func(can.Frame) error { return nil }, Hooks{})
	ax.Close()
	if err := ax.SendFrame(can.Frame{}); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected ErrAsyncTxClosed after Close, got %v", err)
	}
	// Double close is a no-op.
	ax.Close()
}
