package boot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/logging"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/metrics"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/transport"
)

// Stage names reported in progress events.
const (
	StageReset    = "reset"
	StageErase    = "erase"
	StageWrite    = "write"
	StageVerify   = "verify"
	StageJump     = "jump"
	StageComplete = "complete"
	StageError    = "error"
)

// Progress is one flash progress event.
type Progress struct {
	Stage      string  `json:"stage"`
	Percent    float64 `json:"percent"`
	Message    string  `json:"message"`
	BytesDone  int     `json:"bytes_done"`
	BytesTotal int     `json:"bytes_total"`
}

// Options tune a flash job.
type Options struct {
	BatchSize   int // write pipelining depth
	VerifyBatch int // read-back pipelining depth
	Verify      bool
	Jump        bool
	OnProgress  func(Progress)
}

// DefaultOptions enables verify and jump with the standard pipelining.
func DefaultOptions() Options {
	return Options{BatchSize: 16, VerifyBatch: 8, Verify: true, Jump: true}
}

// Protocol timeouts.
const (
	resetTimeout = 3 * time.Second
	eraseTimeout = 15 * time.Second
	cmdTimeout   = 15 * time.Second
	ackTimeout   = 1 * time.Second
	jumpTimeout  = 500 * time.Millisecond

	// A wait that expires having seen this many heartbeats and nothing else
	// is reported as a storm rather than a plain timeout.
	heartbeatStormMin = 3

	rxQueueSize = 1024

	// Progress cadence during write/verify, in bytes.
	progressStep = 128
)

// Engine drives one bootloader conversation. It doubles as the receive
// pump's synchronous tap: while attached it consumes every frame from the
// target so none of them leak to session subscribers.
type Engine struct {
	tx         transport.FrameSink
	rx         chan can.Frame
	heartbeats atomic.Uint64
	rxDrops    atomic.Uint64
}

// New builds an engine transmitting through tx.
func New(tx transport.FrameSink) *Engine {
	return &Engine{tx: tx, rx: make(chan can.Frame, rxQueueSize)}
}

// OnFrame implements the pump tap: target frames are claimed for the
// engine's own queue, everything else passes through untouched.
func (e *Engine) OnFrame(fr can.Frame) bool {
	if !fr.Extended || fr.ID != TargetToHostID {
		return false
	}
	select {
	case e.rx <- fr:
	default:
		e.rxDrops.Add(1)
	}
	return true
}

// Heartbeats reports how many heartbeat frames were discarded so far.
func (e *Engine) Heartbeats() uint64 { return e.heartbeats.Load() }

// Flash runs the whole procedure against one module: reset, erase, set
// address, pipelined write, optional verify, optional jump. The image is
// padded to a 4-byte multiple with 0xFF and truncated to the application
// region if oversized (announced via a progress event before write begins).
func (e *Engine) Flash(ctx context.Context, module int, image []byte, opts Options) error {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.VerifyBatch <= 0 {
		opts.VerifyBatch = 8
	}
	emit := func(p Progress) {
		if opts.OnProgress != nil {
			opts.OnProgress(p)
		}
	}
	fail := func(err error) error {
		emit(Progress{Stage: StageError, Message: err.Error()})
		metrics.IncError(metrics.ErrFlash)
		return err
	}

	if len(image) == 0 {
		return fail(ErrInvalidLength)
	}
	if len(image) > MaxImageSize {
		emit(Progress{
			Stage:      StageWrite,
			Message:    fmt.Sprintf("image truncated from %d to %d bytes (application region limit)", len(image), MaxImageSize),
			BytesTotal: MaxImageSize,
		})
		image = image[:MaxImageSize]
	}
	image = pad(image)
	total := len(image)

	version, err := e.ResetModule(ctx, module)
	if err != nil {
		return fail(err)
	}
	emit(Progress{Stage: StageReset, Percent: 100, Message: fmt.Sprintf("bootloader ready, version=%d", version)})

	emit(Progress{Stage: StageErase, Percent: 0, Message: "erasing application flash"})
	if err := e.Erase(ctx); err != nil {
		return fail(err)
	}
	emit(Progress{Stage: StageErase, Percent: 100, Message: "erase complete"})

	if err := e.SetAddress(ctx, AppStart); err != nil {
		return fail(err)
	}

	emit(Progress{Stage: StageWrite, Percent: 0, BytesTotal: total})
	if err := e.writeAll(ctx, image, opts.BatchSize, func(done int) {
		emit(Progress{
			Stage:      StageWrite,
			Percent:    float64(done) / float64(total) * 100,
			BytesDone:  done,
			BytesTotal: total,
		})
	}); err != nil {
		return fail(err)
	}

	if opts.Verify {
		emit(Progress{Stage: StageVerify, Percent: 0, BytesTotal: total})
		if err := e.verify(ctx, image, opts.VerifyBatch, func(done int) {
			emit(Progress{
				Stage:      StageVerify,
				Percent:    float64(done) / float64(total) * 100,
				BytesDone:  done,
				BytesTotal: total,
			})
		}); err != nil {
			return fail(err)
		}
	}

	if opts.Jump {
		emit(Progress{Stage: StageJump, Percent: 0, Message: "starting application"})
		if err := e.Jump(ctx); err != nil {
			return fail(err)
		}
	}

	emit(Progress{Stage: StageComplete, Percent: 100, BytesDone: total, BytesTotal: total})
	logging.L().Info("flash_complete", "module", module, "bytes", total, "heartbeats", e.Heartbeats())
	return nil
}

// ResetModule transmits the per-module reset frame and waits for the
// bootloader's READY notice. The second payload byte, when present, carries
// the bootloader version.
func (e *Engine) ResetModule(ctx context.Context, module int) (byte, error) {
	if module < 0 || module > MaxModuleID {
		return 0, fmt.Errorf("%w: %d", ErrInvalidModule, module)
	}
	e.drain()
	reset, _ := can.New(ResetID(module), true, false, make([]byte, 8))
	metrics.IncFlashCommand("reset")
	if err := e.tx.SendFrame(reset); err != nil {
		return 0, err
	}
	deadline := time.After(resetTimeout)
	for {
		select {
		case <-ctx.Done():
			return 0, ErrCancelled
		case fr := <-e.rx:
			// Any READY (the canonical heartbeat included) announces the
			// bootloader after reset.
			if fr.DLC >= 1 && fr.Data[0] == respReady {
				var version byte
				if fr.DLC >= 2 {
					version = fr.Data[1]
				}
				return version, nil
			}
		case <-deadline:
			return 0, ErrNoReady
		}
	}
}

// Erase clears the application region.
func (e *Engine) Erase(ctx context.Context) error {
	metrics.IncFlashCommand("erase")
	if err := e.send(cmdEraseFlash, nil); err != nil {
		return err
	}
	fr, err := e.waitResponse(ctx, eraseTimeout)
	if err != nil {
		return err
	}
	return expectAck(fr)
}

// SetAddress points the bootloader's write cursor. Addresses outside the
// application region are never attempted.
func (e *Engine) SetAddress(ctx context.Context, addr uint32) error {
	if addr < AppStart || addr > AppEnd {
		return fmt.Errorf("%w: 0x%08X", ErrInvalidAddress, addr)
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], addr)
	metrics.IncFlashCommand("set_address")
	if err := e.send(cmdSetAddress, buf[:]); err != nil {
		return err
	}
	fr, err := e.waitResponse(ctx, cmdTimeout)
	if err != nil {
		return err
	}
	return expectAck(fr)
}

// writeAll streams the image in 4-byte chunks, pipelining up to batchSize
// writes before collecting their acknowledges in order.
func (e *Engine) writeAll(ctx context.Context, image []byte, batchSize int, onProgress func(done int)) error {
	lastReport := 0
	for off := 0; off < len(image); {
		chunks := (len(image) - off) / wordSize
		if chunks > batchSize {
			chunks = batchSize
		}
		if chunks == 0 { // image is padded, but guard against raw callers
			return fmt.Errorf("%w: image not word aligned", ErrInvalidLength)
		}
		for i := 0; i < chunks; i++ {
			select {
			case <-ctx.Done():
				return ErrCancelled
			default:
			}
			chunk := image[off+i*wordSize : off+(i+1)*wordSize]
			payload := append([]byte{wordSize}, chunk...)
			metrics.IncFlashCommand("write")
			if err := e.send(cmdWriteData, payload); err != nil {
				return err
			}
		}
		// Drain this batch's acknowledges, in order.
		for i := 0; i < chunks; i++ {
			fr, err := e.waitResponse(ctx, ackTimeout)
			if err != nil {
				if errors.Is(err, ErrTimeout) || errors.Is(err, ErrHeartbeatStorm) {
					return fmt.Errorf("%w: %d of %d acks at offset 0x%X", ErrAckMismatch, i, chunks, off)
				}
				return err
			}
			if fr.DLC >= 1 && fr.Data[0] == respNack {
				var code byte
				if fr.DLC >= 2 {
					code = fr.Data[1]
				}
				return &NackError{Code: code, Offset: int64(off + i*wordSize)}
			}
			if fr.DLC < 1 || fr.Data[0] != respAck {
				return fmt.Errorf("%w: 0x%02X during write", ErrUnexpectedResponse, fr.Data[0])
			}
		}
		off += chunks * wordSize
		metrics.AddFlashBytes(chunks * wordSize)
		if off-lastReport >= progressStep || off == len(image) {
			lastReport = off
			onProgress(off)
		}
	}
	return nil
}

// verify reads the written region back in spans and compares byte-for-byte.
// Reads are pipelined like writes.
func (e *Engine) verify(ctx context.Context, image []byte, batchSize int, onProgress func(done int)) error {
	type span struct{ off, n int }
	spans := make([]span, 0, len(image)/maxReadLen+1)
	for off := 0; off < len(image); off += maxReadLen {
		n := len(image) - off
		if n > maxReadLen {
			n = maxReadLen
		}
		spans = append(spans, span{off: off, n: n})
	}

	lastReport := 0
	for i := 0; i < len(spans); {
		batch := len(spans) - i
		if batch > batchSize {
			batch = batchSize
		}
		for j := 0; j < batch; j++ {
			select {
			case <-ctx.Done():
				return ErrCancelled
			default:
			}
			s := spans[i+j]
			var payload [5]byte
			binary.BigEndian.PutUint32(payload[:4], uint32(AppStart+s.off))
			payload[4] = byte(s.n)
			metrics.IncFlashCommand("read")
			if err := e.send(cmdReadFlash, payload[:]); err != nil {
				return err
			}
		}
		for j := 0; j < batch; j++ {
			s := spans[i+j]
			fr, err := e.waitResponse(ctx, ackTimeout)
			if err != nil {
				return err
			}
			switch {
			case fr.DLC >= 1 && fr.Data[0] == respData:
				actual := fr.Data[1 : 1+s.n]
				expected := image[s.off : s.off+s.n]
				for k := 0; k < s.n; k++ {
					if actual[k] != expected[k] {
						return &VerifyError{
							Offset:   uint32(s.off + k),
							Expected: append([]byte(nil), expected...),
							Actual:   append([]byte(nil), actual...),
						}
					}
				}
			case fr.DLC >= 1 && fr.Data[0] == respNack:
				var code byte
				if fr.DLC >= 2 {
					code = fr.Data[1]
				}
				return &NackError{Code: code, Offset: int64(s.off)}
			default:
				return fmt.Errorf("%w: 0x%02X during verify", ErrUnexpectedResponse, fr.Data[0])
			}
		}
		i += batch
		done := spans[i-1].off + spans[i-1].n
		if done-lastReport >= progressStep || i == len(spans) {
			lastReport = done
			onProgress(done)
		}
	}
	return nil
}

// Jump starts the application. The target may jump before replying, so
// silence within the bound is success; only an explicit NACK fails.
func (e *Engine) Jump(ctx context.Context) error {
	metrics.IncFlashCommand("jump")
	if err := e.send(cmdJumpToApp, nil); err != nil {
		return err
	}
	fr, err := e.waitResponse(ctx, jumpTimeout)
	if err != nil {
		if errors.Is(err, ErrTimeout) || errors.Is(err, ErrHeartbeatStorm) {
			return nil // jumped without acknowledging
		}
		return err
	}
	if fr.DLC >= 1 && fr.Data[0] == respNack {
		var code byte
		if fr.DLC >= 2 {
			code = fr.Data[1]
		}
		return &NackError{Code: code, Offset: -1}
	}
	return nil
}

// Status asks the bootloader for its status payload.
func (e *Engine) Status(ctx context.Context) ([]byte, error) {
	metrics.IncFlashCommand("get_status")
	if err := e.send(cmdGetStatus, nil); err != nil {
		return nil, err
	}
	fr, err := e.waitResponse(ctx, cmdTimeout)
	if err != nil {
		return nil, err
	}
	if fr.DLC < 1 || fr.Data[0] != respData {
		return nil, fmt.Errorf("%w: 0x%02X for status", ErrUnexpectedResponse, fr.Data[0])
	}
	return append([]byte(nil), fr.Data[1:fr.DLC]...), nil
}

// send transmits one 8-byte command frame, zero padded.
func (e *Engine) send(cmd byte, payload []byte) error {
	var data [8]byte
	data[0] = cmd
	copy(data[1:], payload)
	fr, err := can.New(HostToTargetID, true, false, data[:])
	if err != nil {
		return err
	}
	return e.tx.SendFrame(fr)
}

// waitResponse blocks for the next non-heartbeat target frame. Heartbeats
// matching the canonical pattern are discarded and counted; they do not
// extend the deadline. A wait that expires after at least heartbeatStormMin
// heartbeats is a storm; with fewer it is a plain timeout.
func (e *Engine) waitResponse(ctx context.Context, timeout time.Duration) (can.Frame, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	hbSeen := 0
	for {
		select {
		case <-ctx.Done():
			return can.Frame{}, ErrCancelled
		case fr := <-e.rx:
			if IsHeartbeat(fr.Data[:fr.DLC]) {
				hbSeen++
				e.heartbeats.Add(1)
				metrics.IncHeartbeat()
				continue
			}
			return fr, nil
		case <-deadline.C:
			if hbSeen >= heartbeatStormMin {
				return can.Frame{}, ErrHeartbeatStorm
			}
			return can.Frame{}, ErrTimeout
		}
	}
}

func expectAck(fr can.Frame) error {
	switch {
	case fr.DLC >= 1 && fr.Data[0] == respAck:
		return nil
	case fr.DLC >= 1 && fr.Data[0] == respNack:
		var code byte
		if fr.DLC >= 2 {
			code = fr.Data[1]
		}
		return &NackError{Code: code, Offset: -1}
	default:
		return fmt.Errorf("%w: 0x%02X", ErrUnexpectedResponse, fr.Data[0])
	}
}

// drain clears stale frames from previous conversations.
func (e *Engine) drain() {
	for {
		select {
		case <-e.rx:
		default:
			return
		}
	}
}

// pad extends the image to the next multiple of the write word with 0xFF.
func pad(image []byte) []byte {
	rem := len(image) % wordSize
	if rem == 0 {
		return image
	}
	padded := make([]byte, len(image)+wordSize-rem)
	copy(padded, image)
	for i := len(image); i < len(padded); i++ {
		padded[i] = 0xFF
	}
	return padded
}
