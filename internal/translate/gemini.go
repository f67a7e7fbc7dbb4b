package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
)

// geminiCodec speaks the Gemini generateContent dialect. The model travels in
// the URL rather than the body, so built requests omit it and parsed requests
// leave it empty.
type geminiCodec struct{}

func (geminiCodec) Proto() protocol.Proto { return protocol.ProtoGemini }

type geminiRequest struct {
	Contents           []geminiContent  `json:"contents"`
	SystemInstruction  *geminiContent   `json:"systemInstruction,omitempty"`
	SystemInstruction2 *geminiContent   `json:"system_instruction,omitempty"`
	Tools              []geminiToolDecl `json:"tools,omitempty"`
	ToolConfig         *struct {
		FunctionCallingConfig *struct {
			Mode                 string   `json:"mode,omitempty"`
			AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
		} `json:"functionCallingConfig,omitempty"`
	} `json:"toolConfig,omitempty"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int64    `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`

	FunctionCall *struct {
		ID   string          `json:"id,omitempty"`
		Name string          `json:"name"`
		Args json.RawMessage `json:"args,omitempty"`
	} `json:"functionCall,omitempty"`

	FunctionResponse *struct {
		ID       string          `json:"id,omitempty"`
		Name     string          `json:"name"`
		Response json.RawMessage `json:"response,omitempty"`
	} `json:"functionResponse,omitempty"`
}

type geminiToolDecl struct {
	FunctionDeclarations []struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"functionDeclarations,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount        *int64 `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    *int64 `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount         *int64 `json:"totalTokenCount,omitempty"`
	CachedContentTokenCount *int64 `json:"cachedContentTokenCount,omitempty"`
	ThoughtsTokenCount      *int64 `json:"thoughtsTokenCount,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      *geminiContent `json:"content,omitempty"`
		FinishReason string         `json:"finishReason,omitempty"`
		Index        int            `json:"index"`
	} `json:"candidates,omitempty"`
	UsageMetadata *geminiUsage `json:"usageMetadata,omitempty"`
	ModelVersion  string       `json:"modelVersion,omitempty"`
	ResponseID    string       `json:"responseId,omitempty"`
}

func (geminiCodec) ParseRequest(body []byte) (*Request, error) {
	var in geminiRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse gemini request: %w", err)
	}
	out := &Request{}
	sys := in.SystemInstruction
	if sys == nil {
		sys = in.SystemInstruction2
	}
	if sys != nil {
		var texts []string
		for _, p := range sys.Parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		out.System = strings.Join(texts, "\n")
	}
	if gc := in.GenerationConfig; gc != nil {
		out.MaxTokens = gc.MaxOutputTokens
		out.Temperature = gc.Temperature
		out.TopP = gc.TopP
		out.StopSequences = gc.StopSequences
	}
	for _, c := range in.Contents {
		msg := Message{Role: RoleUser}
		if c.Role == "model" {
			msg.Role = RoleAssistant
		}
		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				id := p.FunctionCall.ID
				if id == "" {
					id = p.FunctionCall.Name
				}
				msg.Blocks = append(msg.Blocks, Block{
					Type:      BlockToolUse,
					ToolID:    id,
					ToolName:  p.FunctionCall.Name,
					ToolInput: p.FunctionCall.Args,
				})
			case p.FunctionResponse != nil:
				id := p.FunctionResponse.ID
				if id == "" {
					id = p.FunctionResponse.Name
				}
				msg.Blocks = append(msg.Blocks, Block{
					Type:       BlockToolResult,
					ToolID:     id,
					ToolResult: p.FunctionResponse.Response,
				})
			case p.Thought:
				msg.Blocks = append(msg.Blocks, Block{Type: BlockThinking, Text: p.Text})
			case p.Text != "":
				msg.Blocks = append(msg.Blocks, Block{Type: BlockText, Text: p.Text})
			}
		}
		if len(msg.Blocks) > 0 {
			out.Messages = append(out.Messages, msg)
		}
	}
	for _, t := range in.Tools {
		for _, fd := range t.FunctionDeclarations {
			out.Tools = append(out.Tools, Tool{Name: fd.Name, Description: fd.Description, Parameters: fd.Parameters})
		}
	}
	if tc := in.ToolConfig; tc != nil && tc.FunctionCallingConfig != nil {
		cfg := tc.FunctionCallingConfig
		choice := &ToolChoice{}
		switch cfg.Mode {
		case "ANY":
			choice.Mode = ToolChoiceAny
			if len(cfg.AllowedFunctionNames) == 1 {
				choice.Mode = ToolChoiceTool
				choice.Name = cfg.AllowedFunctionNames[0]
			}
		case "NONE":
			choice.Mode = ToolChoiceNone
		default:
			choice.Mode = ToolChoiceAuto
		}
		out.ToolChoice = choice
	}
	return out, nil
}

func (geminiCodec) BuildRequest(req *Request) ([]byte, error) {
	out := geminiRequest{}
	if req.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	// functionResponse wants the declaration name, which neutral results do
	// not carry; recover it from the tool use that minted each id.
	toolNames := make(map[string]string)
	for _, m := range req.Messages {
		for _, b := range m.Blocks {
			if b.Type == BlockToolUse && b.ToolID != "" {
				toolNames[b.ToolID] = b.ToolName
			}
		}
	}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		content := geminiContent{Role: role}
		for _, b := range m.Blocks {
			switch b.Type {
			case BlockText:
				content.Parts = append(content.Parts, geminiPart{Text: b.Text})
			case BlockToolUse:
				args := b.ToolInput
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				part := geminiPart{}
				part.FunctionCall = &struct {
					ID   string          `json:"id,omitempty"`
					Name string          `json:"name"`
					Args json.RawMessage `json:"args,omitempty"`
				}{ID: b.ToolID, Name: b.ToolName, Args: args}
				if part.FunctionCall.ID == part.FunctionCall.Name {
					part.FunctionCall.ID = ""
				}
				content.Parts = append(content.Parts, part)
			case BlockToolResult:
				name := toolNames[b.ToolID]
				if name == "" {
					name = b.ToolID
				}
				part := geminiPart{}
				part.FunctionResponse = &struct {
					ID       string          `json:"id,omitempty"`
					Name     string          `json:"name"`
					Response json.RawMessage `json:"response,omitempty"`
				}{Name: name, Response: geminiResponsePayload(b.ToolResult)}
				if b.ToolID != name {
					part.FunctionResponse.ID = b.ToolID
				}
				content.Parts = append(content.Parts, part)
			}
			// Thinking blocks are output-only in this dialect.
		}
		if len(content.Parts) > 0 {
			out.Contents = append(out.Contents, content)
		}
	}
	if len(req.Tools) > 0 {
		decl := geminiToolDecl{}
		for _, t := range req.Tools {
			decl.FunctionDeclarations = append(decl.FunctionDeclarations, struct {
				Name        string          `json:"name"`
				Description string          `json:"description,omitempty"`
				Parameters  json.RawMessage `json:"parameters,omitempty"`
			}{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		out.Tools = []geminiToolDecl{decl}
	}
	if req.ToolChoice != nil {
		cfg := &struct {
			Mode                 string   `json:"mode,omitempty"`
			AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
		}{}
		switch req.ToolChoice.Mode {
		case ToolChoiceAny:
			cfg.Mode = "ANY"
		case ToolChoiceNone:
			cfg.Mode = "NONE"
		case ToolChoiceTool:
			cfg.Mode = "ANY"
			cfg.AllowedFunctionNames = []string{req.ToolChoice.Name}
		default:
			cfg.Mode = "AUTO"
		}
		out.ToolConfig = &struct {
			FunctionCallingConfig *struct {
				Mode                 string   `json:"mode,omitempty"`
				AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
			} `json:"functionCallingConfig,omitempty"`
		}{FunctionCallingConfig: cfg}
	}
	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil || len(req.StopSequences) > 0 {
		out.GenerationConfig = &geminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			StopSequences:   req.StopSequences,
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("translate: build gemini request: %w", err)
	}
	return data, nil
}

// geminiResponsePayload wraps a tool result so it is always the JSON object
// functionResponse requires.
func geminiResponsePayload(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		return raw
	}
	text := textFromRaw(raw)
	wrapped, err := json.Marshal(map[string]string{"result": text})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return wrapped
}

func (geminiCodec) ParseResponse(body []byte) (*Response, error) {
	var in geminiResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse gemini response: %w", err)
	}
	out := &Response{
		ID:    in.ResponseID,
		Model: in.ModelVersion,
		Usage: geminiUsageToNeutral(in.UsageMetadata),
	}
	sawTool := false
	if len(in.Candidates) > 0 {
		cand := in.Candidates[0]
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				switch {
				case p.FunctionCall != nil:
					sawTool = true
					id := p.FunctionCall.ID
					if id == "" {
						id = p.FunctionCall.Name
					}
					out.Blocks = append(out.Blocks, Block{
						Type:      BlockToolUse,
						ToolID:    id,
						ToolName:  p.FunctionCall.Name,
						ToolInput: p.FunctionCall.Args,
					})
				case p.Thought:
					out.Blocks = append(out.Blocks, Block{Type: BlockThinking, Text: p.Text})
				case p.Text != "":
					out.Blocks = append(out.Blocks, Block{Type: BlockText, Text: p.Text})
				}
			}
		}
		out.StopReason = geminiFinishToNeutral(cand.FinishReason, sawTool)
	}
	return out, nil
}

func (geminiCodec) BuildResponse(resp *Response) ([]byte, error) {
	content := &geminiContent{Role: "model", Parts: []geminiPart{}}
	for _, b := range resp.Blocks {
		switch b.Type {
		case BlockText:
			content.Parts = append(content.Parts, geminiPart{Text: b.Text})
		case BlockThinking:
			content.Parts = append(content.Parts, geminiPart{Text: b.Text, Thought: true})
		case BlockToolUse:
			args := b.ToolInput
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			part := geminiPart{}
			part.FunctionCall = &struct {
				ID   string          `json:"id,omitempty"`
				Name string          `json:"name"`
				Args json.RawMessage `json:"args,omitempty"`
			}{Name: b.ToolName, Args: args}
			if b.ToolID != "" && b.ToolID != b.ToolName {
				part.FunctionCall.ID = b.ToolID
			}
			content.Parts = append(content.Parts, part)
		}
	}
	out := geminiResponse{
		ModelVersion: resp.Model,
		ResponseID:   resp.ID,
	}
	out.Candidates = append(out.Candidates, struct {
		Content      *geminiContent `json:"content,omitempty"`
		FinishReason string         `json:"finishReason,omitempty"`
		Index        int            `json:"index"`
	}{Content: content, FinishReason: geminiFinishFromNeutral(resp.StopReason)})
	out.UsageMetadata = geminiUsageFromNeutral(resp.Usage)
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("translate: build gemini response: %w", err)
	}
	return data, nil
}

// geminiFinishToNeutral maps a finish reason. The dialect reports STOP for
// tool turns, so tool presence decides between end and tool use.
func geminiFinishToNeutral(s string, sawTool bool) string {
	switch s {
	case "STOP":
		if sawTool {
			return StopToolUse
		}
		return StopEnd
	case "MAX_TOKENS":
		return StopMaxTokens
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return StopContentFilter
	case "":
		return ""
	}
	return StopEnd
}

func geminiFinishFromNeutral(s string) string {
	switch s {
	case StopMaxTokens:
		return "MAX_TOKENS"
	case StopContentFilter:
		return "SAFETY"
	case "":
		return ""
	}
	return "STOP"
}

func geminiUsageToNeutral(u *geminiUsage) *Usage {
	if u == nil {
		return nil
	}
	out := &Usage{
		InputTokens:     u.PromptTokenCount,
		CacheReadTokens: u.CachedContentTokenCount,
	}
	if u.CandidatesTokenCount != nil {
		total := *u.CandidatesTokenCount
		if u.ThoughtsTokenCount != nil {
			total += *u.ThoughtsTokenCount
		}
		out.OutputTokens = Int64(total)
	}
	return out
}

func geminiUsageFromNeutral(u *Usage) *geminiUsage {
	if u == nil {
		return nil
	}
	out := &geminiUsage{
		PromptTokenCount:        u.InputTokens,
		CandidatesTokenCount:    u.OutputTokens,
		CachedContentTokenCount: u.CacheReadTokens,
	}
	var total int64
	if u.InputTokens != nil {
		total += *u.InputTokens
	}
	if u.OutputTokens != nil {
		total += *u.OutputTokens
	}
	out.TotalTokenCount = Int64(total)
	return out
}

// geminiStreamParser folds array-framed chunks into neutral events. Function
// calls arrive whole, so each one becomes a start, a single args delta and a
// stop.
type geminiStreamParser struct {
	started    bool
	finished   bool
	sawTool    bool
	stopReason string
	usage      *Usage

	textOpen  bool
	textIsThk bool
	nextIndex int
}

func (geminiCodec) NewStreamParser() StreamParser { return &geminiStreamParser{} }

func (p *geminiStreamParser) Parse(name string, data []byte) ([]StreamEvent, error) {
	var in geminiResponse
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("translate: parse gemini stream chunk: %w", err)
	}
	var events []StreamEvent
	if !p.started {
		p.started = true
		events = append(events, StreamEvent{Type: EventStart, ID: in.ResponseID, Model: in.ModelVersion})
	}
	if in.UsageMetadata != nil {
		if p.usage == nil {
			p.usage = &Usage{}
		}
		p.usage.Merge(geminiUsageToNeutral(in.UsageMetadata))
	}
	if len(in.Candidates) > 0 {
		cand := in.Candidates[0]
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				events = append(events, p.partEvents(part)...)
			}
		}
		if cand.FinishReason != "" {
			p.stopReason = cand.FinishReason
		}
	}
	return events, nil
}

func (p *geminiStreamParser) partEvents(part geminiPart) []StreamEvent {
	var events []StreamEvent
	if part.FunctionCall != nil {
		p.sawTool = true
		events = append(events, p.closeText()...)
		idx := p.nextIndex
		p.nextIndex++
		id := part.FunctionCall.ID
		if id == "" {
			id = part.FunctionCall.Name
		}
		args := part.FunctionCall.Args
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		events = append(events,
			StreamEvent{Type: EventBlockStart, Index: idx, Block: &Block{Type: BlockToolUse, ToolID: id, ToolName: part.FunctionCall.Name}},
			StreamEvent{Type: EventArgsDelta, Index: idx, Delta: string(args)},
			StreamEvent{Type: EventBlockStop, Index: idx},
		)
		return events
	}
	if part.Text == "" {
		return nil
	}
	if p.textOpen && p.textIsThk != part.Thought {
		events = append(events, p.closeText()...)
	}
	if !p.textOpen {
		p.textOpen = true
		p.textIsThk = part.Thought
		bt := BlockText
		if part.Thought {
			bt = BlockThinking
		}
		events = append(events, StreamEvent{Type: EventBlockStart, Index: p.nextIndex, Block: &Block{Type: bt}})
	}
	et := EventTextDelta
	if part.Thought {
		et = EventThinking
	}
	events = append(events, StreamEvent{Type: et, Index: p.nextIndex, Delta: part.Text})
	return events
}

func (p *geminiStreamParser) closeText() []StreamEvent {
	if !p.textOpen {
		return nil
	}
	p.textOpen = false
	ev := StreamEvent{Type: EventBlockStop, Index: p.nextIndex}
	p.nextIndex++
	return []StreamEvent{ev}
}

func (p *geminiStreamParser) Finish() ([]StreamEvent, error) {
	if !p.started || p.finished {
		return nil, nil
	}
	p.finished = true
	events := p.closeText()
	events = append(events, StreamEvent{
		Type:       EventFinish,
		StopReason: geminiFinishToNeutral(p.stopReason, p.sawTool),
		Usage:      p.usage,
	})
	return events, nil
}

// geminiStreamBuilder renders neutral events as generateContent chunks.
// Partial tool arguments buffer until the block closes because the dialect
// only ships whole function calls.
type geminiStreamBuilder struct {
	id    string
	model string

	tools map[int]*geminiToolAccum
}

type geminiToolAccum struct {
	id   string
	name string
	args strings.Builder
}

func (geminiCodec) NewStreamBuilder() StreamBuilder {
	return &geminiStreamBuilder{tools: make(map[int]*geminiToolAccum)}
}

func (b *geminiStreamBuilder) Build(ev StreamEvent) ([]Frame, error) {
	switch ev.Type {
	case EventStart:
		b.id = ev.ID
		b.model = ev.Model
		return nil, nil
	case EventBlockStart:
		if ev.Block != nil && ev.Block.Type == BlockToolUse {
			b.tools[ev.Index] = &geminiToolAccum{id: ev.Block.ToolID, name: ev.Block.ToolName}
		}
		return nil, nil
	case EventTextDelta:
		return b.chunk([]geminiPart{{Text: ev.Delta}}, "")
	case EventThinking:
		return b.chunk([]geminiPart{{Text: ev.Delta, Thought: true}}, "")
	case EventArgsDelta:
		if acc, ok := b.tools[ev.Index]; ok {
			acc.args.WriteString(ev.Delta)
		}
		return nil, nil
	case EventBlockStop:
		acc, ok := b.tools[ev.Index]
		if !ok {
			return nil, nil
		}
		delete(b.tools, ev.Index)
		args := acc.args.String()
		if args == "" || !json.Valid([]byte(args)) {
			args = "{}"
		}
		part := geminiPart{}
		part.FunctionCall = &struct {
			ID   string          `json:"id,omitempty"`
			Name string          `json:"name"`
			Args json.RawMessage `json:"args,omitempty"`
		}{Name: acc.name, Args: json.RawMessage(args)}
		if acc.id != "" && acc.id != acc.name {
			part.FunctionCall.ID = acc.id
		}
		return b.chunk([]geminiPart{part}, "")
	case EventFinish:
		out := geminiResponse{ModelVersion: b.model, ResponseID: b.id}
		out.Candidates = append(out.Candidates, struct {
			Content      *geminiContent `json:"content,omitempty"`
			FinishReason string         `json:"finishReason,omitempty"`
			Index        int            `json:"index"`
		}{
			Content:      &geminiContent{Role: "model", Parts: []geminiPart{}},
			FinishReason: geminiFinishFromNeutral(ev.StopReason),
		})
		out.UsageMetadata = geminiUsageFromNeutral(ev.Usage)
		data, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("translate: build gemini finish chunk: %w", err)
		}
		return []Frame{{Data: data}}, nil
	}
	return nil, nil
}

func (b *geminiStreamBuilder) chunk(parts []geminiPart, finish string) ([]Frame, error) {
	out := geminiResponse{ModelVersion: b.model, ResponseID: b.id}
	out.Candidates = append(out.Candidates, struct {
		Content      *geminiContent `json:"content,omitempty"`
		FinishReason string         `json:"finishReason,omitempty"`
		Index        int            `json:"index"`
	}{Content: &geminiContent{Role: "model", Parts: parts}, FinishReason: finish})
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("translate: build gemini stream chunk: %w", err)
	}
	return []Frame{{Data: data}}, nil
}
