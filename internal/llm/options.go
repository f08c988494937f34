package llm

import "time"

// Option is a functional option for driver configuration.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(apiKey string) Option {
	return func(c *Config) {
		c.APIKey = apiKey
	}
}

// WithBaseURL sets the endpoint base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Config) {
		c.BaseURL = baseURL
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(maxRetries int) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
	}
}

// WithBackoff sets the retry backoff parameters.
func WithBackoff(initial, max time.Duration, multiplier float64) Option {
	return func(c *Config) {
		c.InitialInterval = initial
		c.MaxInterval = max
		c.Multiplier = multiplier
	}
}

// NewConfig creates a Config with the defaults and the given options
// applied.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// RequestOption is a functional option for one chat request.
type RequestOption func(*ChatRequest)

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) RequestOption {
	return func(r *ChatRequest) {
		r.Temperature = &temp
	}
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(tokens int) RequestOption {
	return func(r *ChatRequest) {
		r.MaxTokens = &tokens
	}
}

// WithTopP sets the nucleus sampling parameter.
func WithTopP(topP float64) RequestOption {
	return func(r *ChatRequest) {
		r.TopP = &topP
	}
}

// WithTools advertises callable tools to the model.
func WithTools(tools ...Tool) RequestOption {
	return func(r *ChatRequest) {
		r.Tools = tools
	}
}

// WithStop sets the stop sequences.
func WithStop(stop ...string) RequestOption {
	return func(r *ChatRequest) {
		r.Stop = stop
	}
}

// NewChatRequest creates a request for the model and messages with the
// given options applied.
func NewChatRequest(model string, messages []Message, opts ...RequestOption) *ChatRequest {
	req := &ChatRequest{Model: model, Messages: messages}
	for _, opt := range opts {
		opt(req)
	}
	return req
}
