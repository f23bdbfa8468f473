// Package jsonwire holds the tolerant JSON frame representation shared by
// the network relay and Bluetooth SPP protocols: identifiers arrive as
// numbers or hex strings, payloads as byte arrays or hex strings.
package jsonwire

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/symbols"
)

// FlexID accepts a CAN identifier as a JSON number or a hex string
// ("0x18FF0000", with or without the prefix).
type FlexID uint32

func (f *FlexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
		v, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return fmt.Errorf("jsonwire: bad id %q: %w", s, err)
		}
		*f = FlexID(v)
		return nil
	}
	var v uint32
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = FlexID(v)
	return nil
}

// FlexBytes accepts payload bytes as a JSON array of numbers or a hex string
// (with or without spaces).
type FlexBytes []byte

func (f *FlexBytes) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.ReplaceAll(s, " ", "")
		raw, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("jsonwire: bad data hex: %w", err)
		}
		*f = raw
		return nil
	}
	var arr []byte
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	*f = arr
	return nil
}

// Message is one frame as both remote protocols serialize it, including the
// optional server-side decode carried in-band.
type Message struct {
	ID          FlexID                `json:"id"`
	Data        FlexBytes             `json:"data"`
	DataHex     string                `json:"data_hex"`
	Timestamp   float64               `json:"timestamp"`
	IsExtended  *bool                 `json:"is_extended"`
	IsRemote    bool                  `json:"is_remote"`
	DLC         *int                  `json:"dlc"`
	MessageName string                `json:"message_name"`
	Signals     []symbols.SignalValue `json:"signals"`
}

// Payload resolves the data bytes, falling back to data_hex.
func (m *Message) Payload() ([]byte, error) {
	if len(m.Data) > 0 {
		return m.Data, nil
	}
	if m.DataHex != "" {
		return hex.DecodeString(strings.ReplaceAll(m.DataHex, " ", ""))
	}
	return nil, nil
}

// Extended resolves the extended flag; absent, infer from the numeric range
// the way the original wire format did.
func (m *Message) Extended() bool {
	if m.IsExtended != nil {
		return *m.IsExtended
	}
	return uint32(m.ID) > 0x7FF
}

// Decoded returns the in-band decode annotation if the message carries one.
func (m *Message) Decoded() *symbols.DecodeResult {
	if m.MessageName == "" && len(m.Signals) == 0 {
		return nil
	}
	return &symbols.DecodeResult{MessageName: m.MessageName, Signals: m.Signals}
}
