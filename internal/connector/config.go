package connector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// DecodeConfig parses a connector's opaque configuration JSON into the
// concrete per-type struct, exactly once at construction. Strict mode
// rejects unknown fields; lenient mode logs them and keeps going.
func DecodeConfig(raw []byte, v any, strict bool, log zerolog.Logger) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil {
		return nil
	}
	if strict || !strings.Contains(err.Error(), "unknown field") {
		return fmt.Errorf("connector: parse configuration: %w", err)
	}

	log.Warn().Str("detail", err.Error()).Msg("configuration carries unknown fields")
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("connector: parse configuration: %w", err)
	}
	return nil
}
