package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNoAPIKey is returned when a driver requires credentials and none
	// were configured.
	ErrNoAPIKey = errors.New("api key is required")

	// ErrUnknownDriver is returned for driver names with no registered
	// factory.
	ErrUnknownDriver = errors.New("unknown llm driver")
)

// Driver is the outbound chat transport. ChatStream returns a channel the
// driver closes when the stream ends; the terminal event has Done set.
type Driver interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)
	Name() string
}

// Config carries driver construction settings.
type Config struct {
	APIKey          string
	BaseURL         string
	Timeout         time.Duration
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultConfig returns the retry and timeout defaults drivers start from.
func DefaultConfig() Config {
	return Config{
		Timeout:         5 * time.Minute,
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
	}
}

// Factory builds a driver from a config.
type Factory func(cfg Config) (Driver, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Factory)
)

// RegisterDriver adds a driver factory under a name. Later registrations
// replace earlier ones, which lets tests install fakes.
func RegisterDriver(name string, factory Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = factory
}

// NewDriver builds the named driver.
func NewDriver(name string, cfg Config) (Driver, error) {
	driversMu.RLock()
	factory, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, name)
	}
	return factory(cfg)
}

// APIError is a non-2xx response from a driver endpoint.
type APIError struct {
	Driver     string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Driver, e.StatusCode, e.Message)
}

// Recoverable reports whether the failure is transient: server errors and
// rate limiting warrant a retry, everything else is fatal to the node.
func (e *APIError) Recoverable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// NewAPIError builds an APIError for a driver response.
func NewAPIError(driver string, statusCode int, message string) *APIError {
	return &APIError{Driver: driver, StatusCode: statusCode, Message: message}
}

// WrapError annotates a transport-level error with the driver name.
func WrapError(driver string, err error) error {
	return fmt.Errorf("%s: %w", driver, err)
}
