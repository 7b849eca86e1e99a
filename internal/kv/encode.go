package kv

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Encode serializes value for storage. A *string or string value round
// trips as itself; everything else is JSON-encoded.
func Encode(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case *string:
		return *v, nil
	case []byte:
		return string(v), nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("kv: encode: %w", err)
		}
		return string(data), nil
	}
}

// Decode writes raw into out. Typed reads never throw on malformed stored
// values: a decode failure logs and reports a miss instead of propagating
// an error, per the KV interface's contract.
func Decode(raw string, out any) bool {
	if out == nil {
		return true
	}
	if sp, ok := out.(*string); ok {
		*sp = raw
		return true
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		slog.Default().Warn("kv: discarding malformed stored value", "error", err)
		return false
	}
	return true
}

// DecodeNew allocates a fresh value via factory (which must return a
// pointer), decodes raw into it, and returns that pointer, or nil on a
// malformed value.
func DecodeNew(raw string, factory func() any) any {
	target := factory()
	if !Decode(raw, target) {
		return nil
	}
	return target
}
