package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-viper/mapstructure/v2"

	"github.com/kumo-org/kumo/internal/core"
	"github.com/kumo-org/kumo/internal/execution"
	"github.com/kumo-org/kumo/internal/llm"
	"github.com/kumo-org/kumo/internal/logger"
	"github.com/kumo-org/kumo/internal/logger/tag"
)

func init() {
	RegisterAtomic(core.TypeAgent, newAgent)
}

// defaultToolRounds caps how many times one invocation may loop through
// tool calls before the agent gives up on the model converging.
const defaultToolRounds = 8

// apiKeyEnv maps driver names to their conventional credential variables.
var apiKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

// agentConfig is the config shape for agent executors.
type agentConfig struct {
	Driver        string   `mapstructure:"driver"`
	Model         string   `mapstructure:"model"`
	SystemPrompt  string   `mapstructure:"systemPrompt"`
	APIKey        string   `mapstructure:"apiKey"`
	BaseURL       string   `mapstructure:"baseUrl"`
	Temperature   *float64 `mapstructure:"temperature"`
	TopP          *float64 `mapstructure:"topP"`
	MaxTokens     int      `mapstructure:"maxTokens"`
	Stop          []string `mapstructure:"stop"`
	HistoryVar    string   `mapstructure:"historyVar"`
	Tools         []string `mapstructure:"tools"`
	MaxToolRounds int      `mapstructure:"maxToolRounds"`
}

// agentExecutor streams one model conversation: deltas go out as
// stream:thinking / stream:content events, tool calls are dispatched to
// registered handlers, and the accumulated content becomes the output.
type agentExecutor struct {
	cfg    *core.ExecutorConfig
	agent  agentConfig
	driver llm.Driver
	tools  []llm.Tool
}

func newAgent(cfg *core.ExecutorConfig, _ *Factory) (Executor, error) {
	var ac agentConfig
	if err := decodeModeConfig(cfg.Config, &ac); err != nil {
		return nil, core.NewValidationError("config", cfg.Config, err)
	}
	if ac.Driver == "" {
		ac.Driver = "openai"
	}
	if ac.MaxToolRounds <= 0 {
		ac.MaxToolRounds = defaultToolRounds
	}
	if ac.MaxTokens <= 0 {
		ac.MaxTokens = cfg.Constraints.MaxTokens
	}
	if ac.APIKey == "" {
		if envVar, ok := apiKeyEnv[ac.Driver]; ok {
			ac.APIKey = os.Getenv(envVar)
		}
	}

	driverCfg := llm.NewConfig(
		llm.WithAPIKey(ac.APIKey),
		llm.WithBaseURL(ac.BaseURL),
	)
	driver, err := llm.NewDriver(ac.Driver, driverCfg)
	if err != nil {
		return nil, core.NewValidationError("config.driver", ac.Driver, err)
	}

	advertised := make([]llm.Tool, 0, len(ac.Tools))
	for _, name := range ac.Tools {
		def, ok := LookupTool(name)
		if !ok {
			return nil, core.NewValidationError("config.tools", name, ErrUnknownTool)
		}
		advertised = append(advertised, llm.Tool{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  schemaAsMap(def.Parameters),
		})
	}

	return &agentExecutor{cfg: cfg, agent: ac, driver: driver, tools: advertised}, nil
}

func (e *agentExecutor) Execute(ctx context.Context, ec *execution.Context, input any) (*core.Result, error) {
	if err := ec.CheckCancelled(); err != nil {
		return nil, err
	}

	messages := e.buildMessages(ec, input)
	if len(messages) == 0 {
		return core.Failed(nil, core.ErrorDetail{
			Code:    core.CodeValidation,
			Message: "agent requires an input or a non-empty history",
		}), nil
	}

	var (
		content string
		usage   *llm.Usage
	)
	for round := 0; ; round++ {
		if err := ec.CheckCancelled(); err != nil {
			return nil, err
		}
		if round >= e.agent.MaxToolRounds {
			return core.Failed(nil, core.ErrorDetail{
				Code:    core.CodeExecution,
				Message: fmt.Sprintf("model did not finish within %d tool rounds", e.agent.MaxToolRounds),
			}), nil
		}

		turn, err := e.streamTurn(ctx, ec, messages)
		if err != nil {
			if core.IsCancellation(err) && ec.Token().IsCancelled() {
				return nil, err
			}
			return core.Failed(nil, detailFromDriverError(err)), nil
		}

		content += turn.content
		if turn.usage != nil {
			usage = turn.usage
		}
		if len(turn.toolCalls) == 0 {
			break
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   turn.content,
			ToolCalls: turn.toolCalls,
		})
		for _, call := range turn.toolCalls {
			reply, err := e.runToolCall(ctx, ec, call)
			if err != nil {
				return nil, err
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    reply,
				Name:       call.Name,
				ToolCallID: call.ID,
			})
		}
	}

	if e.agent.HistoryVar != "" {
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: content})
		ec.Vars().SetRoot(e.agent.HistoryVar, messages)
	}

	result := core.Succeeded(content)
	if usage != nil {
		result.Metadata.TokenUsage = &core.TokenUsage{
			Prompt:     usage.PromptTokens,
			Completion: usage.CompletionTokens,
			Total:      usage.TotalTokens,
		}
	}
	return result, nil
}

// buildMessages assembles the conversation: system prompt, prior history
// from the configured variable, then the current input as a user turn.
func (e *agentExecutor) buildMessages(ec *execution.Context, input any) []llm.Message {
	var messages []llm.Message
	if e.agent.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: e.agent.SystemPrompt})
	}
	if e.agent.HistoryVar != "" {
		if prior, ok := ec.Vars().Get(e.agent.HistoryVar); ok {
			messages = append(messages, coerceHistory(prior)...)
		}
	}
	if s := stringify(input); s != "" {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: s})
	}
	return messages
}

// coerceHistory accepts the shapes a history variable may hold: typed
// messages pass through, generic maps decode weakly, a bare string becomes
// one user turn.
func coerceHistory(v any) []llm.Message {
	switch h := v.(type) {
	case []llm.Message:
		return h
	case string:
		if h == "" {
			return nil
		}
		return []llm.Message{{Role: llm.RoleUser, Content: h}}
	default:
		var decoded []llm.Message
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &decoded,
		})
		if err != nil || dec.Decode(v) != nil {
			return nil
		}
		for i := range decoded {
			decoded[i].Role = llm.ParseRole(string(decoded[i].Role))
		}
		return decoded
	}
}

// turnResult is what one streamed model turn produced.
type turnResult struct {
	content   string
	toolCalls []llm.ToolCall
	usage     *llm.Usage
}

// streamTurn runs one request against the driver, emitting deltas as they
// arrive and collecting any tool calls the model requested.
func (e *agentExecutor) streamTurn(ctx context.Context, ec *execution.Context, messages []llm.Message) (*turnResult, error) {
	req := &llm.ChatRequest{
		Model:       e.agent.Model,
		Messages:    messages,
		Tools:       e.tools,
		Temperature: e.agent.Temperature,
		TopP:        e.agent.TopP,
		Stop:        e.agent.Stop,
	}
	if e.agent.MaxTokens > 0 {
		req.MaxTokens = &e.agent.MaxTokens
	}

	events, err := e.driver.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}

	var turn turnResult
	for event := range events {
		if err := ec.CheckCancelled(); err != nil {
			return nil, err
		}
		switch {
		case event.Error != nil:
			return nil, event.Error
		case event.Thinking != "":
			ec.EmitThinking(ctx, event.Thinking)
		case event.Delta != "":
			turn.content += event.Delta
			ec.EmitContent(ctx, event.Delta)
		case event.ToolCall != nil:
			turn.toolCalls = append(turn.toolCalls, *event.ToolCall)
		}
		if event.Usage != nil {
			turn.usage = event.Usage
		}
	}
	return &turn, nil
}

// runToolCall dispatches one model-requested call to its registered handler
// and renders the reply the model reads back. Handler failures go back to
// the model rather than failing the node; only cancellation propagates.
func (e *agentExecutor) runToolCall(ctx context.Context, ec *execution.Context, call llm.ToolCall) (string, error) {
	entry, ok := lookupToolEntry(call.Name)
	if !ok {
		msg := fmt.Sprintf("unknown tool: %s", call.Name)
		emitToolCall(ctx, ec, call.Name, core.ToolCallFailed, map[string]any{"error": msg})
		logger.Warn(ctx, "Model requested an unregistered tool",
			tag.Tool(call.Name),
			tag.Node(e.cfg.ID),
		)
		return toolErrorReply(msg), nil
	}

	args, err := unmarshalToolArgs([]byte(call.Arguments))
	if err == nil {
		err = entry.validate(args)
	}
	if err != nil {
		emitToolCall(ctx, ec, call.Name, core.ToolCallFailed, map[string]any{"error": err.Error()})
		return toolErrorReply(err.Error()), nil
	}

	emitToolCall(ctx, ec, call.Name, core.ToolCallRunning, map[string]any{"args": args})

	output, err := runToolHandler(ctx, ec, entry.def, args, e.cfg.Constraints.Timeout())
	if err != nil {
		if core.IsCancellation(err) && ec.Token().IsCancelled() {
			return "", err
		}
		emitToolCall(ctx, ec, call.Name, core.ToolCallFailed, map[string]any{"error": err.Error()})
		return toolErrorReply(err.Error()), nil
	}

	emitToolCall(ctx, ec, call.Name, core.ToolCallSuccess, map[string]any{"result": output})
	return stringify(output), nil
}

// toolErrorReply renders a handler failure as the JSON object the model
// receives in the tool message.
func toolErrorReply(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

// detailFromDriverError maps transport failures to result error records,
// marking server errors and rate limits recoverable.
func detailFromDriverError(err error) core.ErrorDetail {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return core.ErrorDetail{
			Code:        core.CodeDriver,
			Message:     apiErr.Error(),
			Recoverable: apiErr.Recoverable(),
			Context:     map[string]any{"statusCode": apiErr.StatusCode},
		}
	}
	detail := core.DetailFromError(err)
	if detail.Code == core.CodeExecution {
		detail.Code = core.CodeDriver
	}
	return detail
}
