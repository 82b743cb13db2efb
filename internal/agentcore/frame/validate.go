package frame

import "encoding/json"

// MissingFields reports which of the given top-level keys are absent or
// explicitly null in a JSON data payload. An empty/absent payload reports
// every requested field as missing. Used to enforce §4.1's "missing
// required fields produce an error envelope, not delivered to the
// orchestrator" rule before a type-specific struct is unmarshaled.
func MissingFields(data json.RawMessage, fields ...string) []string {
	if len(data) == 0 {
		return append([]string(nil), fields...)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return append([]string(nil), fields...)
	}

	var missing []string
	for _, f := range fields {
		v, ok := raw[f]
		if !ok || string(v) == "null" {
			missing = append(missing, f)
		}
	}
	return missing
}
