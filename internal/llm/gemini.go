package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	geminiDriverName = "gemini"

	// Endpoint format: /models/{model}:generateContent
	generateContentPath = "/models/%s:generateContent"
	streamContentPath   = "/models/%s:streamGenerateContent"
)

func init() {
	RegisterDriver(geminiDriverName, NewGemini)
}

var _ Driver = (*GeminiDriver)(nil)

// GeminiDriver speaks the Google Gemini generateContent protocol.
type GeminiDriver struct {
	config     Config
	httpClient *HTTPClient
}

// NewGemini creates the driver. BaseURL must point at the API version root.
func NewGemini(cfg Config) (Driver, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GeminiDriver{config: cfg, httpClient: NewHTTPClient(cfg)}, nil
}

// Name returns the driver name.
func (d *GeminiDriver) Name() string {
	return geminiDriverName
}

// Chat sends messages and returns the complete response.
func (d *GeminiDriver) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body, err := d.buildRequestBody(req)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf(generateContentPath, req.Model)
	respBody, err := d.doRequest(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = respBody.Close() }()

	var resp geminiResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return nil, WrapError(geminiDriverName, fmt.Errorf("decode response: %w", err))
	}
	if len(resp.Candidates) == 0 {
		return nil, WrapError(geminiDriverName, errors.New("response has no candidates"))
	}

	candidate := resp.Candidates[0]
	out := &ChatResponse{FinishReason: candidate.FinishReason}

	var content strings.Builder
	toolCallIdx := 0
	for _, p := range candidate.Content.Parts {
		if p.Text != "" {
			content.WriteString(p.Text)
		}
		if p.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, toolCallFromFunction(toolCallIdx, p.FunctionCall))
			toolCallIdx++
		}
	}
	out.Content = content.String()

	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

// ChatStream sends messages and streams the response.
func (d *GeminiDriver) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	body, err := d.buildRequestBody(req)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf(streamContentPath, req.Model) + "?alt=sse"
	respBody, err := d.doRequest(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go d.streamResponse(ctx, respBody, events)
	return events, nil
}

func (d *GeminiDriver) buildRequestBody(req *ChatRequest) ([]byte, error) {
	sysInstr, contents := convertGeminiMessages(req.Messages)
	if len(contents) == 0 {
		return nil, WrapError(geminiDriverName, errors.New("at least one user message is required"))
	}

	geminiReq := geminiRequest{
		Contents:          contents,
		SystemInstruction: sysInstr,
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDecl, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		geminiReq.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	genConfig := &geminiGenerationConfig{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if req.MaxTokens != nil {
		genConfig.MaxOutputTokens = req.MaxTokens
	}
	if genConfig.Temperature != nil || genConfig.TopP != nil ||
		genConfig.MaxOutputTokens != nil || len(genConfig.StopSequences) > 0 {
		geminiReq.GenerationConfig = genConfig
	}

	return json.Marshal(geminiReq)
}

// convertGeminiMessages splits the conversation into the top-level system
// instruction and the content turns. Gemini names the assistant role
// "model"; tool results travel as user turns carrying a functionResponse
// part keyed by the function name.
func convertGeminiMessages(messages []Message) (*geminiSystemInstruction, []geminiContent) {
	var sysInstr *geminiSystemInstruction
	contents := make([]geminiContent, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if sysInstr == nil {
				sysInstr = &geminiSystemInstruction{}
			}
			sysInstr.Parts = append(sysInstr.Parts, geminiPart{Text: m.Content})

		case RoleAssistant:
			parts := make([]geminiPart, 0, len(m.ToolCalls)+1)
			if m.Content != "" || len(m.ToolCalls) == 0 {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
						args = map[string]any{}
					}
				}
				parts = append(parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: args},
				})
			}
			contents = append(contents, geminiContent{Role: "model", Parts: parts})

		case RoleTool:
			var response any = map[string]string{"result": m.Content}
			var parsed map[string]any
			if err := json.Unmarshal([]byte(m.Content), &parsed); err == nil {
				response = parsed
			}
			contents = append(contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResponse{
						Name:     m.Name,
						Response: response,
					},
				}},
			})

		default:
			contents = append(contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
	}
	return sysInstr, contents
}

// toolCallFromFunction renders one functionCall part as a ToolCall. Gemini
// does not assign call ids, so one is synthesized from the part index.
func toolCallFromFunction(index int, fc *geminiFunctionCall) ToolCall {
	args, _ := json.Marshal(fc.Args)
	return ToolCall{
		ID:        fmt.Sprintf("call_%d", index),
		Name:      fc.Name,
		Arguments: string(args),
	}
}

func (d *GeminiDriver) doRequest(ctx context.Context, endpoint string, body []byte) (io.ReadCloser, error) {
	headers := map[string]string{"x-goog-api-key": d.config.APIKey}
	return d.httpClient.Post(ctx, geminiDriverName, d.config.BaseURL+endpoint, body, headers)
}

func (d *GeminiDriver) streamResponse(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var usage *Usage
	toolCallIdx := 0

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			sendEvent(ctx, events, StreamEvent{Error: ctx.Err(), Done: true})
			return
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, streamPrefix) {
			continue
		}
		data := strings.TrimPrefix(line, streamPrefix)

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.UsageMetadata != nil {
			usage = &Usage{
				PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
				CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
			}
		}
		if len(chunk.Candidates) == 0 {
			continue
		}

		candidate := chunk.Candidates[0]
		for _, p := range candidate.Content.Parts {
			if p.Text != "" {
				if !sendEvent(ctx, events, StreamEvent{Delta: p.Text}) {
					return
				}
			}
			if p.FunctionCall != nil {
				// Function calls arrive whole, never as fragments.
				call := toolCallFromFunction(toolCallIdx, p.FunctionCall)
				toolCallIdx++
				if !sendEvent(ctx, events, StreamEvent{ToolCall: &call}) {
					return
				}
			}
		}

		if candidate.FinishReason != "" && candidate.FinishReason != "UNSPECIFIED" {
			sendEvent(ctx, events, StreamEvent{Done: true, Usage: usage})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		sendEvent(ctx, events, StreamEvent{Error: WrapError(geminiDriverName, err), Done: true})
		return
	}

	// The stream ended without a finish reason; still signal completion.
	sendEvent(ctx, events, StreamEvent{Done: true, Usage: usage})
}

// Wire types for the generateContent protocol.

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string `json:"name"`
	Response any    `json:"response"`
}

type geminiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiSystemInstruction struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent          `json:"contents"`
	SystemInstruction *geminiSystemInstruction `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig  `json:"generationConfig,omitempty"`
	Tools             []geminiTool             `json:"tools,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}
