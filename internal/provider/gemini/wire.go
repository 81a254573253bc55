package gemini

import (
	"encoding/json"
	"strings"

	"github.com/modelrelay/relay/internal/canonical"
)

type generateRequest struct {
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Contents          []content        `json:"contents"`
	Tools             []toolDecls      `json:"tools,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string          `json:"text,omitempty"`
	Thought          bool            `json:"thought,omitempty"`
	InlineData       *blob           `json:"inlineData,omitempty"`
	FileData         *fileData       `json:"fileData,omitempty"`
	FunctionCall     *functionCall   `json:"functionCall,omitempty"`
	FunctionResponse *functionResult `json:"functionResponse,omitempty"`
}

type blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type fileData struct {
	FileURI string `json:"fileUri"`
}

type functionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type functionResult struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type toolDecls struct {
	FunctionDeclarations []functionDecl `json:"functionDeclarations"`
}

type functionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type generationConfig struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"topP,omitempty"`
	MaxOutputTokens  int             `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any  `json:"responseSchema,omitempty"`
	ThinkingConfig   *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	ThinkingBudget  int  `json:"thinkingBudget"`
	IncludeThoughts bool `json:"includeThoughts"`
}

type generateResponse struct {
	Candidates     []candidate    `json:"candidates"`
	UsageMetadata  *usageMetadata `json:"usageMetadata,omitempty"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// wireContents splits the transcript into the system instruction and the
// user/model turn list. Tool results become functionResponse parts; the
// function name is recovered from the tool call that produced the id.
func wireContents(msgs []canonical.Message) (*content, []content) {
	callNames := map[string]string{}
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			callNames[tc.ID] = tc.Name
		}
	}

	var system []string
	var out []content
	for _, m := range msgs {
		if m.Role == canonical.RoleSystem {
			system = append(system, m.Text())
			continue
		}

		role := "user"
		if m.Role == canonical.RoleAssistant {
			role = "model"
		}

		var parts []part
		for _, p := range m.Parts {
			switch p.Kind {
			case canonical.PartText:
				if p.Text != "" {
					parts = append(parts, part{Text: p.Text})
				}
			case canonical.PartImage:
				parts = append(parts, imagePart(p.ImageURL))
			case canonical.PartToolResult:
				parts = append(parts, part{FunctionResponse: &functionResult{
					Name:     callNames[p.ToolCallID],
					Response: resultObject(p.Text),
				}})
			}
		}
		for _, tc := range m.ToolCalls {
			parts = append(parts, part{FunctionCall: &functionCall{Name: tc.Name, Args: argsObject(tc.Arguments)}})
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, content{Role: role, Parts: parts})
	}

	var sys *content
	if len(system) > 0 {
		sys = &content{Parts: []part{{Text: strings.Join(system, "\n\n")}}}
	}
	return sys, out
}

func imagePart(ref string) part {
	if rest, ok := strings.CutPrefix(ref, "data:"); ok {
		mimeType, data, found := strings.Cut(rest, ";base64,")
		if found {
			return part{InlineData: &blob{MimeType: mimeType, Data: data}}
		}
	}
	return part{FileData: &fileData{FileURI: ref}}
}

// resultObject keeps a JSON-object tool result as is and wraps anything
// else, since functionResponse requires an object.
func resultObject(text string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"result": text}
}

func argsObject(raw string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		return obj
	}
	return nil
}

func wireTools(tools []canonical.Tool) []toolDecls {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]functionDecl, len(tools))
	for i, t := range tools {
		decls[i] = functionDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	return []toolDecls{{FunctionDeclarations: decls}}
}

// thinkingConfigFor maps the caller's reasoning options onto the token
// budget. Thought parts are requested so reasoning can stream separately.
func thinkingConfigFor(r *canonical.Reasoning) *thinkingConfig {
	if r == nil {
		return nil
	}
	budget := r.Budget
	if budget == 0 {
		switch r.Effort {
		case "low":
			budget = 2048
		case "medium":
			budget = 8192
		case "high":
			budget = 16384
		}
	}
	if budget <= 0 {
		return nil
	}
	return &thinkingConfig{ThinkingBudget: budget, IncludeThoughts: true}
}

func canonicalFinish(reason string) canonical.FinishReason {
	switch reason {
	case "STOP":
		return canonical.FinishStop
	case "MAX_TOKENS":
		return canonical.FinishLength
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII", "IMAGE_SAFETY":
		return canonical.FinishContentFilter
	case "":
		return ""
	}
	return canonical.FinishReason(strings.ToLower(reason))
}

func canonicalUsage(u *usageMetadata) canonical.Usage {
	if u == nil {
		return canonical.Usage{}
	}
	return canonical.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		ReasoningTokens:  u.ThoughtsTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}
}
