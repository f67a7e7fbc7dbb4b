package protocol

import (
	"encoding/json"
	"fmt"
)

// RuleKind says how a provider handles one operation.
type RuleKind int

const (
	// RuleUnsupported rejects the operation.
	RuleUnsupported RuleKind = iota
	// RuleNative forwards the request in its downstream dialect.
	RuleNative
	// RuleTransform converts the request to Target before forwarding.
	RuleTransform
)

// DispatchRule is one dispatch table entry.
type DispatchRule struct {
	Kind   RuleKind
	Target Proto // set when Kind is RuleTransform
}

func Native() DispatchRule            { return DispatchRule{Kind: RuleNative} }
func Transform(p Proto) DispatchRule  { return DispatchRule{Kind: RuleTransform, Target: p} }
func Unsupported() DispatchRule       { return DispatchRule{Kind: RuleUnsupported} }
func (r DispatchRule) IsNative() bool { return r.Kind == RuleNative }

func (r DispatchRule) String() string {
	switch r.Kind {
	case RuleNative:
		return "native"
	case RuleTransform:
		return "transform:" + string(r.Target)
	}
	return "unsupported"
}

// UnmarshalJSON accepts the two wire shapes a rule may take: the strings
// "native" and "unsupported", or {"transform":{"target":"<proto>"}}.
func (r *DispatchRule) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "native":
			*r = Native()
			return nil
		case "unsupported":
			*r = Unsupported()
			return nil
		}
		return fmt.Errorf("protocol: unknown dispatch rule %q", s)
	}
	var obj struct {
		Transform *struct {
			Target string `json:"target"`
		} `json:"transform"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("protocol: decode dispatch rule: %w", err)
	}
	if obj.Transform == nil {
		return fmt.Errorf("protocol: dispatch rule object missing transform")
	}
	target, err := ParseProto(obj.Transform.Target)
	if err != nil {
		return err
	}
	*r = Transform(target)
	return nil
}

func (r DispatchRule) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case RuleNative:
		return json.Marshal("native")
	case RuleTransform:
		return json.Marshal(map[string]any{"transform": map[string]any{"target": string(r.Target)}})
	}
	return json.Marshal("unsupported")
}

// DispatchTable maps every operation to its rule for one provider kind.
type DispatchTable [OperationCount]DispatchRule

func (t DispatchTable) Rule(op Operation) DispatchRule {
	if !op.Valid() {
		return Unsupported()
	}
	return t[op]
}

// DecodeDispatchTable parses a declared rule list. Short lists pad with
// unsupported; entries that fail to parse demote to unsupported so one bad
// row cannot take the provider offline.
func DecodeDispatchTable(raw []json.RawMessage) (DispatchTable, error) {
	var t DispatchTable
	if len(raw) > OperationCount {
		return t, fmt.Errorf("protocol: dispatch table has %d entries, max %d", len(raw), OperationCount)
	}
	for i, entry := range raw {
		var r DispatchRule
		if err := json.Unmarshal(entry, &r); err != nil {
			t[i] = Unsupported()
			continue
		}
		t[i] = r
	}
	return t, nil
}
