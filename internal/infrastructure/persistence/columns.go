package persistence

import (
	"encoding/json"
	"fmt"
)

// jsonColumns are stored through gorm's json serializer. Map based updates
// skip serializers, so their values are encoded here.
var jsonColumns = map[string]bool{
	"managers":     true,
	"contacts":     true,
	"dates":        true,
	"extra":        true,
	"access":       true,
	"receivers":    true,
	"data":         true,
	"trigger_tags": true,
}

func encodeJSONColumns(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if !jsonColumns[k] || v == nil {
			out[k] = v
			continue
		}
		if _, raw := v.(string); raw {
			out[k] = v
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode column %s: %w", k, err)
		}
		out[k] = string(b)
	}
	return out, nil
}
