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
	openaiDriverName    = "openai"
	chatCompletionsPath = "/v1/chat/completions"
	streamPrefix        = "data: "
	streamDoneMarker    = "[DONE]"
)

func init() {
	RegisterDriver(openaiDriverName, NewOpenAI)
}

var _ Driver = (*OpenAIDriver)(nil)

// OpenAIDriver speaks the OpenAI chat-completions protocol, which most
// hosted and local endpoints accept. The name distinguishes registry
// entries that share this implementation.
type OpenAIDriver struct {
	name       string
	config     Config
	httpClient *HTTPClient
}

// NewOpenAI creates the driver. BaseURL must point at the API root.
func NewOpenAI(cfg Config) (Driver, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	return &OpenAIDriver{name: openaiDriverName, config: cfg, httpClient: NewHTTPClient(cfg)}, nil
}

// Name returns the driver name.
func (d *OpenAIDriver) Name() string {
	return d.name
}

// Chat sends messages and returns the complete response.
func (d *OpenAIDriver) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body, err := d.buildRequestBody(req, false)
	if err != nil {
		return nil, err
	}

	respBody, err := d.doRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = respBody.Close() }()

	var resp completionsResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return nil, WrapError(d.name, fmt.Errorf("decode response: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, WrapError(d.name, errors.New("response has no choices"))
	}

	choice := resp.Choices[0]
	out := &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// ChatStream sends messages and streams the response.
func (d *OpenAIDriver) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	body, err := d.buildRequestBody(req, true)
	if err != nil {
		return nil, err
	}

	respBody, err := d.doRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go d.streamResponse(ctx, respBody, events)
	return events, nil
}

func (d *OpenAIDriver) buildRequestBody(req *ChatRequest, stream bool) ([]byte, error) {
	if len(req.Messages) == 0 {
		return nil, WrapError(d.name, errors.New("at least one message is required"))
	}

	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCallRef{
				ID:       tc.ID,
				Type:     "function",
				Function: wireFunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		messages = append(messages, wm)
	}

	chatReq := completionsRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
	}
	if stream {
		chatReq.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if req.MaxTokens != nil {
		chatReq.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = req.Temperature
	}
	if req.TopP != nil {
		chatReq.TopP = req.TopP
	}
	if len(req.Stop) > 0 {
		chatReq.Stop = req.Stop
	}
	for _, t := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, wireTool{
			Type: "function",
			Function: wireToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return json.Marshal(chatReq)
}

func (d *OpenAIDriver) doRequest(ctx context.Context, body []byte) (io.ReadCloser, error) {
	// Self-hosted endpoints may run without credentials; only send the
	// header when a key is configured.
	headers := map[string]string{}
	if d.config.APIKey != "" {
		headers["Authorization"] = "Bearer " + d.config.APIKey
	}
	return d.httpClient.Post(ctx, d.name, d.config.BaseURL+chatCompletionsPath, body, headers)
}

// toolCallBuilder accumulates streamed tool-call fragments by index.
type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

func (d *OpenAIDriver) streamResponse(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var usage *Usage
	pending := make(map[int]*toolCallBuilder)
	var pendingOrder []int

	flushToolCalls := func() bool {
		for _, idx := range pendingOrder {
			b := pending[idx]
			if !sendEvent(ctx, events, StreamEvent{ToolCall: &ToolCall{
				ID:        b.id,
				Name:      b.name,
				Arguments: b.args.String(),
			}}) {
				return false
			}
		}
		pending = make(map[int]*toolCallBuilder)
		pendingOrder = nil
		return true
	}

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
		if data == streamDoneMarker {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Usage != nil {
			usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.ReasoningContent != "" {
			if !sendEvent(ctx, events, StreamEvent{Thinking: choice.Delta.ReasoningContent}) {
				return
			}
		}
		if choice.Delta.Content != "" {
			if !sendEvent(ctx, events, StreamEvent{Delta: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			b, ok := pending[tc.Index]
			if !ok {
				b = &toolCallBuilder{}
				pending[tc.Index] = b
				pendingOrder = append(pendingOrder, tc.Index)
			}
			if tc.ID != "" {
				b.id = tc.ID
			}
			if tc.Function.Name != "" {
				b.name = tc.Function.Name
			}
			b.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason == "tool_calls" {
			if !flushToolCalls() {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		sendEvent(ctx, events, StreamEvent{Error: WrapError(d.name, err), Done: true})
		return
	}

	// Flush calls that never saw an explicit finish_reason.
	if !flushToolCalls() {
		return
	}
	sendEvent(ctx, events, StreamEvent{Done: true, Usage: usage})
}

// Wire types for the chat-completions protocol.

type wireMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []wireToolCallRef `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

type wireFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// wireToolCallRef is the request-side echo of a completed tool call on an
// assistant message.
type wireToolCallRef struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireFunctionCall `json:"function"`
}

type wireToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type completionsRequest struct {
	Model         string         `json:"model"`
	Messages      []wireMessage  `json:"messages"`
	Tools         []wireTool     `json:"tools,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type wireToolCall struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function wireFunctionCall `json:"function"`
}

type completionsResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Role      string         `json:"role"`
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage wireUsage `json:"usage"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content          string         `json:"content,omitempty"`
			ReasoningContent string         `json:"reasoning_content,omitempty"`
			ToolCalls        []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage,omitempty"`
}
