package translate

import "encoding/json"

// textFromRaw flattens wire content that may be a JSON string, a parts array
// or an arbitrary value into plain text. Non-text parts are skipped.
func textFromRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var out string
		for _, p := range parts {
			if p.Text == "" {
				continue
			}
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
		return out
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}

// argsToRaw lifts a tool arguments string into a raw JSON object. Providers
// occasionally stream arguments that never parse; those are preserved as a
// JSON string rather than dropped.
func argsToRaw(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return quoted
}

// rawToArgs renders a raw arguments object as the string form tool call
// surfaces expect.
func rawToArgs(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
