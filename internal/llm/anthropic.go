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
	anthropicDriverName = "anthropic"
	messagesPath        = "/v1/messages"
	anthropicVersion    = "2023-06-01"

	// The messages API requires max_tokens; applied when the request
	// leaves it unset.
	anthropicDefaultMaxTokens = 4096
)

func init() {
	RegisterDriver(anthropicDriverName, NewAnthropic)
}

var _ Driver = (*AnthropicDriver)(nil)

// AnthropicDriver speaks the Anthropic messages protocol.
type AnthropicDriver struct {
	config     Config
	httpClient *HTTPClient
}

// NewAnthropic creates the driver. BaseURL must point at the API root.
func NewAnthropic(cfg Config) (Driver, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	return &AnthropicDriver{config: cfg, httpClient: NewHTTPClient(cfg)}, nil
}

// Name returns the driver name.
func (d *AnthropicDriver) Name() string {
	return anthropicDriverName
}

// Chat sends messages and returns the complete response.
func (d *AnthropicDriver) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body, err := d.buildRequestBody(req, false)
	if err != nil {
		return nil, err
	}

	respBody, err := d.doRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = respBody.Close() }()

	var resp messagesResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return nil, WrapError(anthropicDriverName, fmt.Errorf("decode response: %w", err))
	}

	out := &ChatResponse{
		FinishReason: resp.StopReason,
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	var content strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args, err := json.Marshal(block.Input)
			if err != nil {
				return nil, WrapError(anthropicDriverName, fmt.Errorf("decode tool input: %w", err))
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(args),
			})
		}
	}
	out.Content = content.String()
	return out, nil
}

// ChatStream sends messages and streams the response.
func (d *AnthropicDriver) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
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

func (d *AnthropicDriver) buildRequestBody(req *ChatRequest, stream bool) ([]byte, error) {
	// System prompts live in a top-level field, not the message list.
	var system strings.Builder
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case RoleTool:
			// Tool results are user turns carrying a tool_result block.
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				messages = append(messages, anthropicMessage{Role: "assistant", Content: m.Content})
				continue
			}
			// Requested calls replay as tool_use blocks so the following
			// tool_result turns resolve their tool_use_id.
			blocks := make([]anthropicContent, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			messages = append(messages, anthropicMessage{Role: "assistant", Content: blocks})
		default:
			messages = append(messages, anthropicMessage{
				Role:    string(m.Role),
				Content: m.Content,
			})
		}
	}
	if len(messages) == 0 {
		return nil, WrapError(anthropicDriverName, errors.New("at least one user message is required"))
	}

	chatReq := messagesRequest{
		Model:     req.Model,
		Messages:  messages,
		System:    system.String(),
		MaxTokens: anthropicDefaultMaxTokens,
		Stream:    stream,
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
		chatReq.StopSequences = req.Stop
	}
	for _, t := range req.Tools {
		schema := t.Parameters
		if schema == nil {
			// input_schema is mandatory for every tool.
			schema = map[string]any{"type": "object"}
		}
		chatReq.Tools = append(chatReq.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	return json.Marshal(chatReq)
}

func (d *AnthropicDriver) doRequest(ctx context.Context, body []byte) (io.ReadCloser, error) {
	headers := map[string]string{
		"x-api-key":         d.config.APIKey,
		"anthropic-version": anthropicVersion,
	}
	return d.httpClient.Post(ctx, anthropicDriverName, d.config.BaseURL+messagesPath, body, headers)
}

func (d *AnthropicDriver) streamResponse(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var usage *Usage
	// Tool-use blocks stream their input as JSON fragments keyed by
	// block index; each is flushed when its block stops.
	pending := make(map[int]*toolCallBuilder)

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

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil && ev.Message.Usage != nil {
				usage = &Usage{PromptTokens: ev.Message.Usage.InputTokens}
			}

		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				pending[ev.Index] = &toolCallBuilder{
					id:   ev.ContentBlock.ID,
					name: ev.ContentBlock.Name,
				}
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if !sendEvent(ctx, events, StreamEvent{Delta: ev.Delta.Text}) {
					return
				}
			case "thinking_delta":
				if !sendEvent(ctx, events, StreamEvent{Thinking: ev.Delta.Thinking}) {
					return
				}
			case "input_json_delta":
				if b, ok := pending[ev.Index]; ok {
					b.args.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if b, ok := pending[ev.Index]; ok {
				delete(pending, ev.Index)
				if !sendEvent(ctx, events, StreamEvent{ToolCall: &ToolCall{
					ID:        b.id,
					Name:      b.name,
					Arguments: b.args.String(),
				}}) {
					return
				}
			}

		case "message_delta":
			if ev.Usage != nil {
				if usage == nil {
					usage = &Usage{}
				}
				if ev.Usage.InputTokens > 0 {
					usage.PromptTokens = ev.Usage.InputTokens
				}
				usage.CompletionTokens = ev.Usage.OutputTokens
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			}

		case "message_stop":
			sendEvent(ctx, events, StreamEvent{Done: true, Usage: usage})
			return

		case "error":
			msg := "unknown streaming error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			sendEvent(ctx, events, StreamEvent{Error: WrapError(anthropicDriverName, errors.New(msg)), Done: true})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		sendEvent(ctx, events, StreamEvent{Error: WrapError(anthropicDriverName, err), Done: true})
		return
	}

	// The stream ended without message_stop; still signal completion.
	sendEvent(ctx, events, StreamEvent{Done: true, Usage: usage})
}

// Wire types for the messages protocol. Content is a string for plain
// turns and a block list for tool results.

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type messagesRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content []struct {
		Type  string         `json:"type"`
		Text  string         `json:"text,omitempty"`
		ID    string         `json:"id,omitempty"`
		Name  string         `json:"name,omitempty"`
		Input map[string]any `json:"input,omitempty"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index,omitempty"`
	Message *struct {
		Usage *anthropicUsage `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
