package transport

import "github.com/Ali-Niazi021/trevcan-bridge/internal/can"

// FrameSink is a generic CAN frame transmission target.
type FrameSink interface {
	SendFrame(can.Frame) error
}

// FrameFunc adapts a plain function to FrameSink.
type FrameFunc func(can.Frame) error

func (f FrameFunc) SendFrame(fr can.Frame) error { return f(fr) }
