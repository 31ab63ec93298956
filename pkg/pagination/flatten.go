package pagination

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/Sternrassler/sdp-client/pkg/client"
	"github.com/rs/zerolog"
)

// FlattenSeparator joins nested keys.
const FlattenSeparator = "."

// Flatten rewrites a record so nested objects and arrays become dotted keys:
// {"state":{"name":"In Use"},"tags":["a"]} -> {"state.name":"In Use","tags.0":"a"}.
// Empty objects and arrays are kept as values.
func Flatten(rec client.Record) (client.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(rec))
	dec.UseNumber()

	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return nil, err
	}

	flat := make(map[string]any, len(root))
	for k, v := range root {
		flattenValue(flat, k, v)
	}

	data, err := json.Marshal(flat)
	if err != nil {
		return nil, err
	}
	return client.Record(data), nil
}

func flattenValue(dst map[string]any, key string, v any) {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 0 {
			dst[key] = val
			return
		}
		for k, child := range val {
			flattenValue(dst, key+FlattenSeparator+k, child)
		}
	case []any:
		if len(val) == 0 {
			dst[key] = val
			return
		}
		for i, child := range val {
			flattenValue(dst, key+FlattenSeparator+strconv.Itoa(i), child)
		}
	default:
		dst[key] = v
	}
}

// flattenAll flattens records in place; a record that cannot be flattened is
// passed through unchanged.
func flattenAll(records []client.Record, logger zerolog.Logger) []client.Record {
	for i, rec := range records {
		flat, err := Flatten(rec)
		if err != nil {
			logger.Warn().Err(err).Msg("Record could not be flattened, kept as is")
			continue
		}
		records[i] = flat
	}
	return records
}
