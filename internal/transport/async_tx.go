package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
)

// AsyncTx funnels frame writes through a single goroutine (fan-in) with
// non-blocking enqueue semantics: when the internal buffer is full, SendFrame
// invokes the configured OnDrop hook and returns its error. Producers never
// block behind a slow or wedged device.
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.SendFrame(frame)
//	a.Close()
//
// Sends after Close return ErrAsyncTxClosed. Hooks let each adapter keep its
// own metrics and logging without duplicating the goroutine plumbing.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan can.Frame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(can.Frame) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (frame not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is returned
	// from SendFrame. If nil, the overflow is silent.
	OnDrop func() error
}

var ErrAsyncTxClosed = errors.New("async tx closed")

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan can.Frame, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case fr, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(fr); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// SendFrame queues a frame for asynchronous transmission or returns the drop
// error if the buffer is full.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	// Fast-path check so steady-state sends avoid the lock when shut down.
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Close stops the worker and waits for it to exit.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
