package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/itchyny/gojq"

	"github.com/kumo-org/kumo/internal/core"
	"github.com/kumo-org/kumo/internal/execution"
	"github.com/kumo-org/kumo/internal/logger"
	"github.com/kumo-org/kumo/internal/logger/tag"
)

func init() {
	RegisterAtomic(core.TypeHTTP, newHTTP)
}

const defaultRetryDelay = 500 * time.Millisecond

// defaultRetryOn are the statuses retried when the config names none.
var defaultRetryOn = []int{429, 500, 502, 503, 504}

// httpConfig is the config shape for http executors.
type httpConfig struct {
	URL          string            `mapstructure:"url"`
	Method       string            `mapstructure:"method"`
	Headers      map[string]string `mapstructure:"headers"`
	Query        map[string]string `mapstructure:"query"`
	Body         string            `mapstructure:"body"`
	MaxRetries   int               `mapstructure:"maxRetries"`
	RetryDelayMs int               `mapstructure:"retryDelayMs"`
	RetryOn      []int             `mapstructure:"retryOn"`
	ResponseType string            `mapstructure:"responseType"`
	ExtractPath  string            `mapstructure:"extractPath"`
}

// httpExecutor performs one templated request per invocation: interpolate,
// send with retry on the configured statuses, parse, extract.
type httpExecutor struct {
	cfg     *core.ExecutorConfig
	http    httpConfig
	client  *resty.Client
	extract *gojq.Query
}

func newHTTP(cfg *core.ExecutorConfig, _ *Factory) (Executor, error) {
	var hc httpConfig
	if err := decodeModeConfig(cfg.Config, &hc); err != nil {
		return nil, core.NewValidationError("config", cfg.Config, err)
	}
	if hc.URL == "" {
		return nil, core.NewValidationError("config.url", nil, errors.New("url is required"))
	}
	if hc.Method == "" {
		hc.Method = "GET"
	}
	hc.Method = strings.ToUpper(hc.Method)
	if hc.MaxRetries <= 0 {
		hc.MaxRetries = cfg.Constraints.MaxRetries
	}
	if hc.RetryDelayMs <= 0 {
		hc.RetryDelayMs = int(defaultRetryDelay / time.Millisecond)
	}
	if len(hc.RetryOn) == 0 {
		hc.RetryOn = defaultRetryOn
	}
	hc.ResponseType = strings.ToLower(hc.ResponseType)
	switch hc.ResponseType {
	case "", "json", "text", "blob":
	default:
		return nil, core.NewValidationError("config.responseType", hc.ResponseType,
			errors.New("must be json, text, or blob"))
	}

	var extract *gojq.Query
	if hc.ExtractPath != "" {
		if hc.ResponseType == "blob" {
			return nil, core.NewValidationError("config.extractPath", hc.ExtractPath,
				errors.New("extractPath requires a json or text response"))
		}
		query, err := gojq.Parse(jqPath(hc.ExtractPath))
		if err != nil {
			return nil, core.NewValidationError("config.extractPath", hc.ExtractPath, err)
		}
		extract = query
	}

	client := resty.New()
	if timeout := cfg.Constraints.Timeout(); timeout > 0 {
		client.SetTimeout(timeout)
	}
	retryDelay := time.Duration(hc.RetryDelayMs) * time.Millisecond
	if hc.MaxRetries > 0 {
		client.SetRetryCount(hc.MaxRetries)
		client.AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !core.IsCancellation(err)
			}
			return slices.Contains(hc.RetryOn, r.StatusCode())
		})
		client.SetRetryAfter(func(_ *resty.Client, r *resty.Response) (time.Duration, error) {
			attempt := 1
			if r != nil && r.Request != nil && r.Request.Attempt > 0 {
				attempt = r.Request.Attempt
			}
			return retryDelay << (attempt - 1), nil
		})
	}

	return &httpExecutor{cfg: cfg, http: hc, client: client, extract: extract}, nil
}

func (e *httpExecutor) Execute(ctx context.Context, ec *execution.Context, input any) (*core.Result, error) {
	if err := ec.CheckCancelled(); err != nil {
		return nil, err
	}

	inputText := stringify(input)
	vars := ec.Vars()
	reqURL := interpolate(e.http.URL, inputText, vars, true)
	body := interpolate(e.http.Body, inputText, vars, false)

	req := e.client.R().SetContext(ctx)
	if len(e.http.Headers) > 0 {
		headers := make(map[string]string, len(e.http.Headers))
		for k, v := range e.http.Headers {
			headers[k] = interpolate(v, inputText, vars, false)
		}
		req.SetHeaders(headers)
	}
	if len(e.http.Query) > 0 {
		query := make(map[string]string, len(e.http.Query))
		for k, v := range e.http.Query {
			query[k] = interpolate(v, inputText, vars, false)
		}
		req.SetQueryParams(query)
	}
	if body != "" {
		if req.Header.Get("Content-Type") == "" {
			req.SetHeader("Content-Type", "application/json")
		}
		req.SetBody([]byte(body))
	}

	rsp, err := req.Execute(e.http.Method, reqURL)
	if err != nil {
		if core.IsCancellation(err) && ec.Token().IsCancelled() {
			return nil, core.NewCancellationError(ec.Token().Reason())
		}
		logger.Warn(ctx, "Request failed",
			tag.Node(e.cfg.ID),
			tag.URL(reqURL),
			tag.Error(err),
		)
		return core.Failed(nil, core.ErrorDetail{
			Code:        core.CodeDriver,
			Message:     err.Error(),
			Recoverable: false,
			Context:     map[string]any{"url": reqURL},
		}), nil
	}

	output, parseErr := e.parseResponse(rsp)
	if !rsp.IsSuccess() {
		status := rsp.StatusCode()
		return core.Failed(output, core.ErrorDetail{
			Code:        core.CodeDriver,
			Message:     fmt.Sprintf("request returned status %d", status),
			Recoverable: status >= 500 || status == 429,
			Context:     map[string]any{"statusCode": status, "url": reqURL},
		}), nil
	}
	if parseErr != nil {
		return core.Failed(nil, core.ErrorDetail{
			Code:    core.CodeExecution,
			Message: parseErr.Error(),
			Context: map[string]any{"statusCode": rsp.StatusCode()},
		}), nil
	}

	if e.extract != nil {
		extracted, err := runExtract(ctx, e.extract, output)
		if err != nil {
			return core.Failed(nil, core.ErrorDetail{
				Code:    core.CodeExecution,
				Message: fmt.Sprintf("extract %s: %v", e.http.ExtractPath, err),
			}), nil
		}
		output = extracted
	}
	return core.Succeeded(output), nil
}

// parseResponse decodes the body per responseType. The default is json when
// the server says so, text otherwise.
func (e *httpExecutor) parseResponse(rsp *resty.Response) (any, error) {
	responseType := e.http.ResponseType
	if responseType == "" {
		if strings.Contains(rsp.Header().Get("Content-Type"), "json") {
			responseType = "json"
		} else {
			responseType = "text"
		}
	}

	switch responseType {
	case "json":
		var parsed any
		if err := json.Unmarshal(rsp.Body(), &parsed); err != nil {
			return string(rsp.Body()), fmt.Errorf("parse json response: %w", err)
		}
		return parsed, nil
	case "blob":
		return append([]byte(nil), rsp.Body()...), nil
	default:
		return string(rsp.Body()), nil
	}
}

// runExtract applies the compiled path query and returns its first value.
// A path that matches nothing yields nil.
func runExtract(ctx context.Context, query *gojq.Query, value any) (any, error) {
	iter := query.RunWithContext(ctx, value)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, err
	}
	return v, nil
}

// jqPath turns a dotted path with bracket indices into a jq program.
func jqPath(path string) string {
	if strings.HasPrefix(path, ".") {
		return path
	}
	return "." + path
}

var (
	inputPattern = regexp.MustCompile(`\{\{\s*input\s*\}\}`)
	varPattern   = regexp.MustCompile(`\{\{\s*var\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)
)

// interpolate substitutes {{input}} and {{var.NAME}} placeholders. Values
// are URL-encoded when the template feeds a URL; unknown variables resolve
// to the empty string.
func interpolate(tmpl, input string, vars *execution.Vars, urlEncode bool) string {
	if tmpl == "" {
		return tmpl
	}
	encode := func(s string) string {
		if urlEncode {
			return url.QueryEscape(s)
		}
		return s
	}
	out := inputPattern.ReplaceAllStringFunc(tmpl, func(string) string {
		return encode(input)
	})
	out = varPattern.ReplaceAllStringFunc(out, func(m string) string {
		name := varPattern.FindStringSubmatch(m)[1]
		value, ok := vars.Get(name)
		if !ok {
			return ""
		}
		return encode(stringify(value))
	})
	return out
}
