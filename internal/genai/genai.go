// Package genai is the oracle client: it sends a system instruction and a task instruction
// to the OpenAI chat completions API, asks for schema-constrained output and returns the
// raw text payload without parsing it.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/MediBot/internal/contract"
)

const (
	DefaultModel       = openai.ChatModelGPT4oMini
	DefaultTemperature = 0.2
	DefaultMaxTokens   = 1024
	DefaultTimeout     = 60 * time.Second
)

var (
	// ErrOracleUnavailable wraps network, auth and backend failures.
	ErrOracleUnavailable = errors.New("oracle unavailable")
	// ErrOracleEmptyResponse is returned when the backend answers without a text payload.
	ErrOracleEmptyResponse = errors.New("oracle returned empty response")
	// ErrNoChoicesReturned is a specific ErrOracleEmptyResponse for a response with no choices.
	ErrNoChoicesReturned = fmt.Errorf("%w: no choices returned", ErrOracleEmptyResponse)
	// ErrMissingAPIKey is returned by NewClient without credentials.
	ErrMissingAPIKey = errors.New("OPENAI_API_KEY not set")
)

// Oracle is the request/response contract the engines depend on.
type Oracle interface {
	Generate(ctx context.Context, systemInstruction, taskInstruction string, c contract.Contract) (string, error)
}

// chatService is the subset of the chat completions API the client uses.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
	Timeout     time.Duration
	DebugMode   bool
	StateDir    string
	BaseURL     string
}

// Option configures the client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) Option {
	return func(o *Opts) { o.Temperature = temp }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithTimeout bounds every Generate call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithDebugMode writes one JSON log file per call under <stateDir>/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the state directory used for debug logs.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// Client wraps the OpenAI chat completions service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
	timeout     time.Duration
	debugMode   bool
	stateDir    string
}

var _ Oracle = (*Client)(nil)

// NewClient creates a client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "temperature", cfg.Temperature, "maxTokens", cfg.MaxTokens, "timeout", cfg.Timeout, "debugMode", cfg.DebugMode, "api_key_set", true)
	return &Client{
		chat:        completionsAdapter{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Generate sends both instructions plus the contract's strict JSON schema and returns the
// raw text of the first choice. No retry is attempted.
func (c *Client) Generate(ctx context.Context, systemInstruction, taskInstruction string, ct contract.Contract) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemInstruction),
			openai.UserMessage(taskInstruction),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        ct.SchemaName(),
					Description: openai.String(ct.Description),
					Schema:      ct.Schema(),
					Strict:      openai.Bool(true),
				},
			},
		},
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxTokens)
	}

	start := time.Now()
	slog.Debug("genai.Client.Generate: sending request", "model", c.model, "contract", ct.SchemaName(), "taskLength", len(taskInstruction))
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		c.logDebug("Generate", ct, systemInstruction, taskInstruction, "", err)
		slog.Error("genai.Client.Generate: request failed", "model", c.model, "contract", ct.SchemaName(), "duration", time.Since(start), "error", err)
		return "", fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		c.logDebug("Generate", ct, systemInstruction, taskInstruction, "", ErrNoChoicesReturned)
		slog.Warn("genai.Client.Generate: no choices returned", "model", c.model, "contract", ct.SchemaName())
		return "", ErrNoChoicesReturned
	}

	msg := resp.Choices[0].Message
	content := strings.TrimSpace(msg.Content)
	c.logDebug("Generate", ct, systemInstruction, taskInstruction, content, nil)
	if content == "" {
		if msg.Refusal != "" {
			slog.Warn("genai.Client.Generate: model refused", "model", c.model, "contract", ct.SchemaName(), "refusal", msg.Refusal)
			return "", fmt.Errorf("%w: refusal: %s", ErrOracleEmptyResponse, msg.Refusal)
		}
		slog.Warn("genai.Client.Generate: empty content", "model", c.model, "contract", ct.SchemaName())
		return "", ErrOracleEmptyResponse
	}

	slog.Debug("genai.Client.Generate: response received", "model", c.model, "contract", ct.SchemaName(), "duration", time.Since(start), "length", len(content))
	return content, nil
}

type debugEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Method    string         `json:"method"`
	Model     string         `json:"model"`
	Contract  string         `json:"contract"`
	Params    map[string]any `json:"params"`
	Response  string         `json:"response"`
	Error     string         `json:"error,omitempty"`
}

// logDebug writes one file per call. Failures are logged and otherwise ignored.
func (c *Client) logDebug(method string, ct contract.Contract, system, task, response string, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("genai.Client.logDebug: failed to create debug dir", "dir", dir, "error", err)
		return
	}

	entry := debugEntry{
		Timestamp: time.Now().UTC(),
		Method:    method,
		Model:     c.model,
		Contract:  ct.SchemaName(),
		Params: map[string]any{
			"system_instruction": system,
			"task_instruction":   task,
			"temperature":        c.temperature,
			"max_tokens":         c.maxTokens,
		},
		Response: response,
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai.Client.logDebug: failed to marshal entry", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s_%s.json", entry.Timestamp.Format("20060102T150405.000"), strings.ToLower(ct.Name), uuid.NewString()[:8])
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("genai.Client.logDebug: failed to write entry", "file", name, "error", err)
	}
}
