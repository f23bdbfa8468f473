package symbols

import (
	"encoding/json"
	"fmt"
)

// JSONLoader parses the bridge's native symbol-schema documents. DBC and
// other industry formats are converted to this form by external tooling; the
// bridge itself only consumes the capability.
//
// Document shape:
//
//	{"messages": [{
//	   "id": 419364864, "extended": true, "name": "BatteryState",
//	   "signals": [{"name": "Voltage", "start_bit": 0, "length": 16,
//	                "byte_order": "little", "signed": false,
//	                "scale": 0.1, "offset": 0, "unit": "V",
//	                "values": {"0": "Idle"}}]
//	}]}
func JSONLoader(name string, blob []byte) (Database, error) {
	var doc struct {
		Messages []struct {
			ID       uint32 `json:"id"`
			Extended bool   `json:"extended"`
			Name     string `json:"name"`
			Signals  []struct {
				Name      string            `json:"name"`
				StartBit  uint8             `json:"start_bit"`
				Length    uint8             `json:"length"`
				ByteOrder string            `json:"byte_order"`
				Signed    bool              `json:"signed"`
				Scale     float64           `json:"scale"`
				Offset    float64           `json:"offset"`
				Unit      string            `json:"unit"`
				Min       *float64          `json:"min"`
				Max       *float64          `json:"max"`
				Values    map[string]string `json:"values"`
			} `json:"signals"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, fmt.Errorf("symbols %s: %w", name, err)
	}
	if len(doc.Messages) == 0 {
		return nil, fmt.Errorf("symbols %s: no messages", name)
	}
	db := NewStatic()
	for _, m := range doc.Messages {
		schema := &MessageSchema{Name: m.Name}
		for _, s := range m.Signals {
			sig := Signal{
				Name:     s.Name,
				StartBit: s.StartBit,
				Length:   s.Length,
				Signed:   s.Signed,
				Scale:    s.Scale,
				Offset:   s.Offset,
				Unit:     s.Unit,
				Min:      s.Min,
				Max:      s.Max,
			}
			if s.ByteOrder == "big" || s.ByteOrder == "motorola" {
				sig.Order = BigEndian
			}
			if len(s.Values) > 0 {
				sig.Values = make(map[int64]string, len(s.Values))
				for k, v := range s.Values {
					var raw int64
					if _, err := fmt.Sscanf(k, "%d", &raw); err != nil {
						return nil, fmt.Errorf("symbols %s: enum key %q: %w", name, k, err)
					}
					sig.Values[raw] = v
				}
			}
			schema.Signals = append(schema.Signals, sig)
		}
		db.Add(m.ID, m.Extended, schema)
	}
	return db, nil
}
