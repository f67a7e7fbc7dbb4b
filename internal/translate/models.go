package translate

import (
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
)

// ModelRow is the dialect-independent model listing entry. Created is unix
// seconds, zero when the source dialect carries no timestamp.
type ModelRow struct {
	ID               string
	DisplayName      string
	Description      string
	Created          int64
	OwnedBy          string
	InputTokenLimit  int64
	OutputTokenLimit int64
}

type openaiModelRow struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by"`
}

type openaiModelList struct {
	Object string           `json:"object"`
	Data   []openaiModelRow `json:"data"`
}

type claudeModelRow struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at,omitempty"`
}

type claudeModelList struct {
	Data    []claudeModelRow `json:"data"`
	FirstID string           `json:"first_id,omitempty"`
	LastID  string           `json:"last_id,omitempty"`
	HasMore bool             `json:"has_more"`
}

type geminiModelRow struct {
	Name                       string   `json:"name"`
	Version                    string   `json:"version,omitempty"`
	DisplayName                string   `json:"displayName,omitempty"`
	Description                string   `json:"description,omitempty"`
	InputTokenLimit            int64    `json:"inputTokenLimit,omitempty"`
	OutputTokenLimit           int64    `json:"outputTokenLimit,omitempty"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods,omitempty"`
}

type geminiModelList struct {
	Models []geminiModelRow `json:"models"`
}

var geminiGenerationMethods = []string{"generateContent", "streamGenerateContent", "countTokens"}

// ParseModelsList decodes a dialect's model listing into neutral rows. Both
// OpenAI generation dialects share the OpenAI listing shape.
func ParseModelsList(p protocol.Proto, body []byte) ([]ModelRow, error) {
	switch p {
	case protocol.ProtoClaude:
		var in claudeModelList
		if err := sonic.Unmarshal(body, &in); err != nil {
			return nil, fmt.Errorf("translate: parse claude models list: %w", err)
		}
		rows := make([]ModelRow, 0, len(in.Data))
		for _, r := range in.Data {
			rows = append(rows, claudeRowToNeutral(r))
		}
		return rows, nil
	case protocol.ProtoGemini:
		var in geminiModelList
		if err := sonic.Unmarshal(body, &in); err != nil {
			return nil, fmt.Errorf("translate: parse gemini models list: %w", err)
		}
		rows := make([]ModelRow, 0, len(in.Models))
		for _, r := range in.Models {
			rows = append(rows, geminiRowToNeutral(r))
		}
		return rows, nil
	default:
		var in openaiModelList
		if err := sonic.Unmarshal(body, &in); err != nil {
			return nil, fmt.Errorf("translate: parse openai models list: %w", err)
		}
		rows := make([]ModelRow, 0, len(in.Data))
		for _, r := range in.Data {
			rows = append(rows, openaiRowToNeutral(r))
		}
		return rows, nil
	}
}

// BuildModelsList renders neutral rows as a dialect's model listing body.
func BuildModelsList(p protocol.Proto, rows []ModelRow) ([]byte, error) {
	switch p {
	case protocol.ProtoClaude:
		out := claudeModelList{Data: make([]claudeModelRow, 0, len(rows))}
		for _, r := range rows {
			out.Data = append(out.Data, neutralRowToClaude(r))
		}
		if len(out.Data) > 0 {
			out.FirstID = out.Data[0].ID
			out.LastID = out.Data[len(out.Data)-1].ID
		}
		return marshalList(out, "claude")
	case protocol.ProtoGemini:
		out := geminiModelList{Models: make([]geminiModelRow, 0, len(rows))}
		for _, r := range rows {
			out.Models = append(out.Models, neutralRowToGemini(r))
		}
		return marshalList(out, "gemini")
	default:
		out := openaiModelList{Object: "list", Data: make([]openaiModelRow, 0, len(rows))}
		for _, r := range rows {
			out.Data = append(out.Data, neutralRowToOpenAI(r))
		}
		return marshalList(out, "openai")
	}
}

// ParseModel decodes a dialect's single model lookup body.
func ParseModel(p protocol.Proto, body []byte) (*ModelRow, error) {
	switch p {
	case protocol.ProtoClaude:
		var in claudeModelRow
		if err := sonic.Unmarshal(body, &in); err != nil {
			return nil, fmt.Errorf("translate: parse claude model: %w", err)
		}
		row := claudeRowToNeutral(in)
		return &row, nil
	case protocol.ProtoGemini:
		var in geminiModelRow
		if err := sonic.Unmarshal(body, &in); err != nil {
			return nil, fmt.Errorf("translate: parse gemini model: %w", err)
		}
		row := geminiRowToNeutral(in)
		return &row, nil
	default:
		var in openaiModelRow
		if err := sonic.Unmarshal(body, &in); err != nil {
			return nil, fmt.Errorf("translate: parse openai model: %w", err)
		}
		row := openaiRowToNeutral(in)
		return &row, nil
	}
}

// BuildModel renders one neutral row as a dialect's model lookup body.
func BuildModel(p protocol.Proto, row ModelRow) ([]byte, error) {
	var out any
	switch p {
	case protocol.ProtoClaude:
		out = neutralRowToClaude(row)
	case protocol.ProtoGemini:
		out = neutralRowToGemini(row)
	default:
		out = neutralRowToOpenAI(row)
	}
	data, err := sonic.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("translate: build model: %w", err)
	}
	return data, nil
}

func marshalList(v any, dialect string) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("translate: build %s models list: %w", dialect, err)
	}
	return data, nil
}

func openaiRowToNeutral(r openaiModelRow) ModelRow {
	return ModelRow{ID: r.ID, Created: r.Created, OwnedBy: r.OwnedBy}
}

func claudeRowToNeutral(r claudeModelRow) ModelRow {
	row := ModelRow{ID: r.ID, DisplayName: r.DisplayName, OwnedBy: "anthropic"}
	if r.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, r.CreatedAt); err == nil {
			row.Created = t.Unix()
		}
	}
	return row
}

func geminiRowToNeutral(r geminiModelRow) ModelRow {
	return ModelRow{
		ID:               strings.TrimPrefix(r.Name, "models/"),
		DisplayName:      r.DisplayName,
		Description:      r.Description,
		OwnedBy:          "google",
		InputTokenLimit:  r.InputTokenLimit,
		OutputTokenLimit: r.OutputTokenLimit,
	}
}

func neutralRowToOpenAI(r ModelRow) openaiModelRow {
	owned := r.OwnedBy
	if owned == "" {
		owned = "system"
	}
	return openaiModelRow{ID: r.ID, Object: "model", Created: r.Created, OwnedBy: owned}
}

func neutralRowToClaude(r ModelRow) claudeModelRow {
	out := claudeModelRow{Type: "model", ID: r.ID, DisplayName: r.DisplayName}
	if out.DisplayName == "" {
		out.DisplayName = r.ID
	}
	if r.Created > 0 {
		out.CreatedAt = time.Unix(r.Created, 0).UTC().Format(time.RFC3339)
	}
	return out
}

func neutralRowToGemini(r ModelRow) geminiModelRow {
	name := r.ID
	if !strings.HasPrefix(name, "models/") {
		name = "models/" + name
	}
	display := r.DisplayName
	if display == "" {
		display = r.ID
	}
	return geminiModelRow{
		Name:                       name,
		Version:                    "001",
		DisplayName:                display,
		Description:                r.Description,
		InputTokenLimit:            r.InputTokenLimit,
		OutputTokenLimit:           r.OutputTokenLimit,
		SupportedGenerationMethods: geminiGenerationMethods,
	}
}
