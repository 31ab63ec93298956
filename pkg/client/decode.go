package client

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// Top-level fields the decoder interprets.
const (
	fieldResponseStatus = "response_status"
	fieldListInfo       = "list_info"
)

// decodeBody fills r from a 200 body. Records are taken from resultField;
// an empty resultField makes the whole body one record.
func decodeBody(body []byte, resultField string, r *Response, logger zerolog.Logger) error {
	dec := json.NewDecoder(bytes.NewReader(body))

	var top map[string]json.RawMessage
	if err := dec.Decode(&top); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if top == nil {
		return fmt.Errorf("%w: body is not a JSON object", ErrMalformedResponse)
	}
	if dec.More() {
		logger.Error().
			Str("endpoint", r.Endpoint).
			Msg("Response holds more than one JSON value, only the first is used")
	}

	if raw, ok := top[fieldResponseStatus]; ok {
		r.ResponseStatus = raw
	}

	if raw, ok := top[fieldListInfo]; ok {
		var li ListInfo
		if err := json.Unmarshal(raw, &li); err != nil {
			logger.Warn().Err(err).Str("endpoint", r.Endpoint).Msg("Ignoring undecodable list_info")
		} else {
			r.ListInfo = &li
		}
	}

	if resultField == "" {
		first := dec.InputOffset()
		r.Records = []Record{Record(bytes.TrimSpace(body[:first]))}
		return nil
	}

	for k, v := range top {
		if k == resultField || k == fieldResponseStatus || k == fieldListInfo {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]json.RawMessage)
		}
		r.Extra[k] = v
	}

	raw, ok := top[resultField]
	if !ok {
		logger.Debug().
			Str("endpoint", r.Endpoint).
			Str("result_field", resultField).
			Msg("Result field not present in response")
		return nil
	}

	r.Records, r.Dropped = extractRecords(raw)
	if r.Dropped > 0 {
		logger.Warn().
			Str("endpoint", r.Endpoint).
			Str("result_field", resultField).
			Int("dropped", r.Dropped).
			Msg("Result contains non-object elements, skipped")
	}

	return nil
}

// extractRecords turns an array of objects, or a single object, into records.
// Anything that is not an object is counted as dropped.
func extractRecords(raw json.RawMessage) ([]Record, int) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, 0
	}

	switch raw[0] {
	case '{':
		return []Record{Record(raw)}, 0
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, 1
		}
		records := make([]Record, 0, len(elems))
		dropped := 0
		for _, e := range elems {
			e = bytes.TrimSpace(e)
			if len(e) > 0 && e[0] == '{' {
				records = append(records, Record(e))
				continue
			}
			dropped++
		}
		return records, dropped
	default:
		return nil, 1
	}
}

// errorPayload returns the response_status object of an error body, the body
// itself if it is other JSON, or the body as a JSON string.
func errorPayload(body []byte) json.RawMessage {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}

	if !json.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		return quoted
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err == nil {
		if status, ok := top[fieldResponseStatus]; ok {
			return status
		}
	}
	return body
}
