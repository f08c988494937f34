package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func anthropicTestDriver(t *testing.T, baseURL string) Driver {
	t.Helper()

	d, err := NewAnthropic(NewConfig(
		WithAPIKey("test-key"),
		WithBaseURL(baseURL),
		WithMaxRetries(1),
		WithBackoff(time.Millisecond, 10*time.Millisecond, 2.0),
	))
	require.NoError(t, err)
	return d
}

func TestNewAnthropic(t *testing.T) {
	t.Parallel()

	t.Run("RequiresAPIKey", func(t *testing.T) {
		t.Parallel()
		_, err := NewAnthropic(Config{})
		require.ErrorIs(t, err, ErrNoAPIKey)
	})

	t.Run("DefaultsBaseURL", func(t *testing.T) {
		t.Parallel()
		d, err := NewAnthropic(NewConfig(WithAPIKey("k")))
		require.NoError(t, err)
		assert.Equal(t, "https://api.anthropic.com", d.(*AnthropicDriver).config.BaseURL)
		assert.Equal(t, "anthropic", d.Name())
	})
}

func TestAnthropicChat(t *testing.T) {
	t.Parallel()

	t.Run("MapsResponse", func(t *testing.T) {
		t.Parallel()

		var gotReq messagesRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/messages", r.URL.Path)
			assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
			assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

			_, _ = w.Write([]byte(`{
				"id": "msg_1",
				"role": "assistant",
				"content": [
					{"type": "text", "text": "checking"},
					{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": {"q": "x"}}
				],
				"stop_reason": "tool_use",
				"usage": {"input_tokens": 9, "output_tokens": 4}
			}`))
		}))
		defer srv.Close()

		d := anthropicTestDriver(t, srv.URL)
		resp, err := d.Chat(context.Background(), testChatRequest())
		require.NoError(t, err)

		assert.Equal(t, "checking", resp.Content)
		assert.Equal(t, "tool_use", resp.FinishReason)
		assert.Equal(t, Usage{PromptTokens: 9, CompletionTokens: 4, TotalTokens: 13}, resp.Usage)
		require.Len(t, resp.ToolCalls, 1)
		assert.Equal(t, ToolCall{ID: "toolu_1", Name: "lookup", Arguments: `{"q":"x"}`}, resp.ToolCalls[0])

		// The system turn is lifted out of the message list.
		assert.Equal(t, "be brief", gotReq.System)
		require.Len(t, gotReq.Messages, 1)
		assert.Equal(t, "user", gotReq.Messages[0].Role)
		assert.False(t, gotReq.Stream)
		assert.Equal(t, anthropicDefaultMaxTokens, gotReq.MaxTokens)
	})

	t.Run("SendsToolResultsAsUserBlocks", func(t *testing.T) {
		t.Parallel()

		var gotReq messagesRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
			_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{}}`))
		}))
		defer srv.Close()

		req := testChatRequest()
		req.Messages = append(req.Messages,
			Message{Role: RoleAssistant, Content: "let me check"},
			Message{Role: RoleTool, Content: `{"hits":2}`, ToolCallID: "toolu_7"},
		)

		d := anthropicTestDriver(t, srv.URL)
		_, err := d.Chat(context.Background(), req)
		require.NoError(t, err)

		require.Len(t, gotReq.Messages, 3)
		last := gotReq.Messages[2]
		assert.Equal(t, "user", last.Role)
		blocks, ok := last.Content.([]any)
		require.True(t, ok)
		block, ok := blocks[0].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "tool_result", block["type"])
		assert.Equal(t, "toolu_7", block["tool_use_id"])
	})

	t.Run("EchoesAssistantToolUseBlocks", func(t *testing.T) {
		t.Parallel()

		var gotReq messagesRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
			_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{}}`))
		}))
		defer srv.Close()

		req := testChatRequest()
		req.Messages = append(req.Messages,
			Message{
				Role:      RoleAssistant,
				Content:   "let me check",
				ToolCalls: []ToolCall{{ID: "toolu_7", Name: "lookup", Arguments: `{"q":"x"}`}},
			},
			Message{Role: RoleTool, Content: `{"hits":2}`, Name: "lookup", ToolCallID: "toolu_7"},
		)

		d := anthropicTestDriver(t, srv.URL)
		_, err := d.Chat(context.Background(), req)
		require.NoError(t, err)

		require.Len(t, gotReq.Messages, 3)
		echo := gotReq.Messages[1]
		assert.Equal(t, "assistant", echo.Role)
		blocks, ok := echo.Content.([]any)
		require.True(t, ok)
		require.Len(t, blocks, 2)

		text, ok := blocks[0].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "text", text["type"])
		assert.Equal(t, "let me check", text["text"])

		use, ok := blocks[1].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "tool_use", use["type"])
		assert.Equal(t, "toolu_7", use["id"])
		assert.Equal(t, "lookup", use["name"])
		assert.Equal(t, map[string]any{"q": "x"}, use["input"])
	})

	t.Run("SendsToolDefinitions", func(t *testing.T) {
		t.Parallel()

		var gotReq messagesRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
			_, _ = w.Write([]byte(`{"content":[],"stop_reason":"end_turn","usage":{}}`))
		}))
		defer srv.Close()

		req := testChatRequest()
		req.Tools = []Tool{{Name: "lookup", Description: "looks things up"}}

		d := anthropicTestDriver(t, srv.URL)
		_, err := d.Chat(context.Background(), req)
		require.NoError(t, err)

		require.Len(t, gotReq.Tools, 1)
		assert.Equal(t, "lookup", gotReq.Tools[0].Name)
		assert.Equal(t, map[string]any{"type": "object"}, gotReq.Tools[0].InputSchema)
	})

	t.Run("RequiresUserMessage", func(t *testing.T) {
		t.Parallel()

		d := anthropicTestDriver(t, "http://unused")
		_, err := d.Chat(context.Background(), &ChatRequest{
			Model:    "claude-test",
			Messages: []Message{{Role: RoleSystem, Content: "be brief"}},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one user message")
	})
}

func TestAnthropicChatStream(t *testing.T) {
	t.Parallel()

	t.Run("StreamsThinkingTextToolsAndUsage", func(t *testing.T) {
		t.Parallel()

		var gotReq messagesRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
			w.Header().Set("Content-Type", "text/event-stream")

			lines := []string{
				"event: message_start",
				`data: {"type":"message_start","message":{"usage":{"input_tokens":6}}}`,
				`data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`,
				`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"mulling"}}`,
				`data: {"type":"content_block_stop","index":0}`,
				`data: {"type":"content_block_start","index":1,"content_block":{"type":"text"}}`,
				`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hel"}}`,
				`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"lo"}}`,
				`data: {"type":"content_block_stop","index":1}`,
				`data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_9","name":"lookup"}}`,
				`data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`,
				`data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"x\"}"}}`,
				`data: {"type":"content_block_stop","index":2}`,
				`data: {"type":"message_delta","usage":{"output_tokens":11}}`,
				`data: {"type":"message_stop"}`,
			}
			for _, l := range lines {
				_, _ = w.Write([]byte(l + "\n\n"))
			}
		}))
		defer srv.Close()

		d := anthropicTestDriver(t, srv.URL)
		ch, err := d.ChatStream(context.Background(), testChatRequest())
		require.NoError(t, err)

		events := drainStream(t, ch)
		require.Len(t, events, 5)

		assert.Equal(t, "mulling", events[0].Thinking)
		assert.Equal(t, "Hel", events[1].Delta)
		assert.Equal(t, "lo", events[2].Delta)

		require.NotNil(t, events[3].ToolCall)
		assert.Equal(t, ToolCall{ID: "toolu_9", Name: "lookup", Arguments: `{"q":"x"}`}, *events[3].ToolCall)

		final := events[4]
		assert.True(t, final.Done)
		require.NotNil(t, final.Usage)
		assert.Equal(t, Usage{PromptTokens: 6, CompletionTokens: 11, TotalTokens: 17}, *final.Usage)

		assert.True(t, gotReq.Stream)
	})

	t.Run("ErrorEventStopsStream", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`data: {"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}` + "\n\n"))
		}))
		defer srv.Close()

		d := anthropicTestDriver(t, srv.URL)
		ch, err := d.ChatStream(context.Background(), testChatRequest())
		require.NoError(t, err)

		events := drainStream(t, ch)
		require.Len(t, events, 1)
		assert.True(t, events[0].Done)
		require.Error(t, events[0].Error)
		assert.Contains(t, events[0].Error.Error(), "anthropic: overloaded")
	})

	t.Run("CompletesWithoutMessageStop", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`data: {"type":"message_start","message":{"usage":{"input_tokens":3}}}` + "\n\n"))
			_, _ = w.Write([]byte(`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"cut"}}` + "\n\n"))
		}))
		defer srv.Close()

		d := anthropicTestDriver(t, srv.URL)
		ch, err := d.ChatStream(context.Background(), testChatRequest())
		require.NoError(t, err)

		events := drainStream(t, ch)
		require.Len(t, events, 2)
		assert.Equal(t, "cut", events[0].Delta)
		assert.True(t, events[1].Done)
		require.NotNil(t, events[1].Usage)
		assert.Equal(t, 3, events[1].Usage.PromptTokens)
	})
}
