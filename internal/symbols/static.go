package symbols

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
)

var ErrBadSignal = errors.New("symbols: signal exceeds payload")

// Static is an in-memory Database built programmatically. It backs tests and
// any caller that assembles schemas without a symbol file.
type Static struct {
	byKey map[can.Key]*MessageSchema
}

func NewStatic() *Static { return &Static{byKey: make(map[can.Key]*MessageSchema)} }

// Add registers a schema under (id, extended). Last registration wins.
func (s *Static) Add(id uint32, extended bool, schema *MessageSchema) {
	s.byKey[can.Key{ID: id, Extended: extended}] = schema
}

func (s *Static) Lookup(id uint32, extended bool) (*MessageSchema, bool) {
	m, ok := s.byKey[can.Key{ID: id, Extended: extended}]
	return m, ok
}

// Schemas enumerates registered layouts, ordered by key.
func (s *Static) Schemas() []SchemaInfo {
	out := make([]SchemaInfo, 0, len(s.byKey))
	for key, m := range s.byKey {
		out = append(out, SchemaInfo{ID: key.ID, Extended: key.Extended, Name: m.Name, Signals: len(m.Signals)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return !out[i].Extended && out[j].Extended
	})
	return out
}

// Decode extracts, scales and renders every signal of the schema.
func (s *Static) Decode(schema *MessageSchema, data []byte) (*DecodeResult, error) {
	res := &DecodeResult{MessageName: schema.Name, Signals: make([]SignalValue, 0, len(schema.Signals))}
	for _, sig := range schema.Signals {
		raw, err := extractRaw(sig, data)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", schema.Name, sig.Name, err)
		}
		sv := SignalValue{
			Name:   sig.Name,
			Unit:   sig.Unit,
			Scale:  sig.Scale,
			Offset: sig.Offset,
			Min:    sig.Min,
			Max:    sig.Max,
		}
		if label, ok := sig.Values[raw]; ok {
			r := raw
			sv.Value = label
			sv.Raw = &r
		} else {
			scale := sig.Scale
			if scale == 0 {
				scale = 1
			}
			sv.Value = FormatValue(scale, float64(raw)*scale+sig.Offset)
			r := raw
			sv.Raw = &r
		}
		res.Signals = append(res.Signals, sv)
	}
	return res, nil
}

// extractRaw pulls the raw integer of a signal out of the payload.
// Little-endian uses lsb0 start-bit numbering; big-endian uses the Motorola
// msb start-bit convention.
func extractRaw(sig Signal, data []byte) (int64, error) {
	if sig.Length == 0 || sig.Length > 64 {
		return 0, ErrBadSignal
	}
	var raw uint64
	if sig.Order == LittleEndian {
		if int(sig.StartBit)+int(sig.Length) > len(data)*8 {
			return 0, ErrBadSignal
		}
		for i := uint8(0); i < sig.Length; i++ {
			bit := sig.StartBit + i
			if data[bit/8]&(1<<(bit%8)) != 0 {
				raw |= 1 << i
			}
		}
	} else {
		// Walk msb->lsb: within a byte bits descend, crossing bytes ascends.
		bit := int(sig.StartBit)
		for i := uint8(0); i < sig.Length; i++ {
			if bit < 0 || bit/8 >= len(data) {
				return 0, ErrBadSignal
			}
			raw <<= 1
			if data[bit/8]&(1<<(bit%8)) != 0 {
				raw |= 1
			}
			if bit%8 == 0 {
				bit += 15
			} else {
				bit--
			}
		}
	}
	if sig.Signed && sig.Length < 64 && raw&(1<<(sig.Length-1)) != 0 {
		return int64(raw | ^uint64(0)<<sig.Length), nil
	}
	return int64(raw), nil
}
