package genai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/MediBot/internal/contract"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp     openai.ChatCompletion
	err      error
	lastReq  openai.ChatCompletionNewParams
	deadline bool
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.lastReq = params
	_, m.deadline = ctx.Deadline()
	return m.resp, m.err
}

func choice(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestGenerate_Success(t *testing.T) {
	mock := &mockChatService{resp: choice("  {\"message\":\"hi\"}\n")}
	client := &Client{chat: mock, model: "test-model", temperature: 0.3, maxTokens: 50, timeout: time.Second}

	out, err := client.Generate(context.Background(), "system", "task", contract.Chat)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != `{"message":"hi"}` {
		t.Errorf("unexpected output %q", out)
	}
	if !mock.deadline {
		t.Error("expected request context to carry a deadline")
	}
	if mock.lastReq.Model != "test-model" {
		t.Errorf("expected model test-model, got %s", mock.lastReq.Model)
	}
	if len(mock.lastReq.Messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(mock.lastReq.Messages))
	}
	schema := mock.lastReq.ResponseFormat.OfJSONSchema
	if schema == nil {
		t.Fatal("expected json_schema response format")
	}
	if schema.JSONSchema.Name != "Chat_v1" {
		t.Errorf("expected schema name Chat_v1, got %s", schema.JSONSchema.Name)
	}
	if !schema.JSONSchema.Strict.Value {
		t.Error("expected strict schema enforcement")
	}
}

func TestGenerate_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}, model: "m"}
	_, err := client.Generate(context.Background(), "sys", "task", contract.Decision)
	if !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("expected ErrOracleUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected wrapped cause, got %v", err)
	}
}

func TestGenerate_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}, model: "m"}
	_, err := client.Generate(context.Background(), "sys", "task", contract.Decision)
	if !errors.Is(err, ErrNoChoicesReturned) || !errors.Is(err, ErrOracleEmptyResponse) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGenerate_EmptyContentAndRefusal(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: choice("   ")}, model: "m"}
	if _, err := client.Generate(context.Background(), "sys", "task", contract.Chat); !errors.Is(err, ErrOracleEmptyResponse) {
		t.Errorf("expected ErrOracleEmptyResponse, got %v", err)
	}

	refusal := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Refusal: "cannot help"}}}}
	client = &Client{chat: &mockChatService{resp: refusal}, model: "m"}
	_, err := client.Generate(context.Background(), "sys", "task", contract.Chat)
	if !errors.Is(err, ErrOracleEmptyResponse) || !strings.Contains(err.Error(), "cannot help") {
		t.Errorf("expected refusal surfaced as empty response, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"), WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.Model() != "gpt-test" || cli.timeout != 5*time.Second {
		t.Errorf("options not applied: model=%s timeout=%s", cli.Model(), cli.timeout)
	}
}

func TestNewClient_KeyFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	cli, err := NewClient()
	if err != nil {
		t.Fatalf("expected env key to be used, got %v", err)
	}
	if cli.Model() != DefaultModel {
		t.Errorf("expected default model, got %s", cli.Model())
	}
}
