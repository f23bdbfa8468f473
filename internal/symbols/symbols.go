// Package symbols correlates raw CAN frames against a symbol database and
// renders decoded signal values. DBC and other industry formats are not
// parsed here; JSONLoader reads the bridge's own JSON schema documents, and
// any other Database is supplied by the caller, typically through a Loader.
package symbols

import (
	"fmt"
	"sync/atomic"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/metrics"
)

// ByteOrder of a signal inside the payload.
type ByteOrder int

const (
	LittleEndian ByteOrder = iota // Intel
	BigEndian                     // Motorola
)

// Signal describes one field of a message layout.
type Signal struct {
	Name     string
	StartBit uint8 // lsb0 bit position for little-endian, msb position for big-endian
	Length   uint8 // bits, 1..64
	Order    ByteOrder
	Signed   bool
	Scale    float64 // 0 treated as 1
	Offset   float64
	Unit     string
	Min, Max *float64
	Values   map[int64]string // enumerated labels, optional
}

// MessageSchema is a lookup result keyed by (id, extended). Replaced
// atomically on symbol-file load, never mutated.
type MessageSchema struct {
	Name    string
	Signals []Signal
}

// SignalValue is one rendered signal of a decode result.
type SignalValue struct {
	Name   string   `json:"name"`
	Value  string   `json:"value"`
	Raw    *int64   `json:"raw,omitempty"`
	Unit   string   `json:"unit,omitempty"`
	Scale  float64  `json:"scale,omitempty"`
	Offset float64  `json:"offset,omitempty"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
}

// DecodeResult is a decoded frame annotation.
type DecodeResult struct {
	MessageName string        `json:"message_name"`
	Signals     []SignalValue `json:"signals"`
}

// Database is the symbol-database capability. Lookup is a function of
// (id, extended) only; extended-ness is part of the key and is never
// synthesized from a high bit of the id.
type Database interface {
	Lookup(id uint32, extended bool) (*MessageSchema, bool)
	Decode(schema *MessageSchema, data []byte) (*DecodeResult, error)
}

// SchemaInfo summarizes one known message layout for listings.
type SchemaInfo struct {
	ID       uint32 `json:"id"`
	Extended bool   `json:"extended"`
	Name     string `json:"name"`
	Signals  int    `json:"signals"`
}

// Lister is implemented by databases that can enumerate their schemas.
type Lister interface {
	Schemas() []SchemaInfo
}

// Loader turns an uploaded symbol blob into a Database. The bridge stores
// blobs and delegates parsing through this hook.
type Loader func(name string, blob []byte) (Database, error)

type dbBox struct {
	db   Database
	name string
}

// Adapter annotates frames against the currently loaded Database. The
// database is replaced by atomic pointer swap; decode never holds a lock and
// a replacement mid-decode yields either the old or the new result.
type Adapter struct {
	cur atomic.Pointer[dbBox]
}

func NewAdapter() *Adapter { return &Adapter{} }

// Swap installs a database (replacing any previous one) under the given name.
func (a *Adapter) Swap(db Database, name string) {
	if db == nil {
		a.cur.Store(nil)
		return
	}
	a.cur.Store(&dbBox{db: db, name: name})
}

// Clear removes the current database.
func (a *Adapter) Clear() { a.cur.Store(nil) }

// Name returns the name of the currently loaded database ("" if none).
func (a *Adapter) Name() string {
	if b := a.cur.Load(); b != nil {
		return b.name
	}
	return ""
}

// Loaded reports whether a database is installed.
func (a *Adapter) Loaded() bool { return a.cur.Load() != nil }

// SchemaList enumerates the loaded database's schemas, if it supports that.
func (a *Adapter) SchemaList() []SchemaInfo {
	b := a.cur.Load()
	if b == nil {
		return nil
	}
	if l, ok := b.db.(Lister); ok {
		return l.Schemas()
	}
	return nil
}

// Decode returns the annotation for a frame, or nil when no schema matches.
// Decoder errors are swallowed: the frame is still delivered undecoded.
func (a *Adapter) Decode(id uint32, extended bool, data []byte) *DecodeResult {
	b := a.cur.Load()
	if b == nil {
		return nil
	}
	schema, ok := b.db.Lookup(id, extended)
	if !ok {
		metrics.IncDecodeMiss()
		return nil
	}
	res, err := b.db.Decode(schema, data)
	if err != nil {
		metrics.IncError(metrics.ErrDecode)
		return nil
	}
	metrics.IncDecodeHit()
	return res
}

// FormatValue renders a scaled physical value per the precision hint:
// 1 decimal when scale >= 1, 2 when scale >= 0.01, otherwise 3.
func FormatValue(scale, physical float64) string {
	if scale == 0 {
		scale = 1
	}
	switch {
	case scale >= 1:
		return fmt.Sprintf("%.1f", physical)
	case scale >= 0.01:
		return fmt.Sprintf("%.2f", physical)
	default:
		return fmt.Sprintf("%.3f", physical)
	}
}
