package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockTransport implements http.RoundTripper for testing without touching
// the network.
type MockTransport struct {
	mu             sync.RWMutex
	responses      map[string]*http.Response
	responseBodies map[string]string
	requests       []*http.Request
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		responses:      make(map[string]*http.Response),
		responseBodies: make(map[string]string),
		requests:       make([]*http.Request, 0),
	}
}

func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	key := fmt.Sprintf("%s %s", req.Method, req.URL.String())

	if respData, exists := m.responses[key]; exists {
		body := m.responseBodies[key]
		return &http.Response{
			StatusCode: respData.StatusCode,
			Status:     respData.Status,
			Body:       io.NopCloser(strings.NewReader(body)),
			Header:     copyHeaders(respData.Header),
		}, nil
	}

	return &http.Response{
		StatusCode: 500,
		Status:     "500 Internal Server Error",
		Body:       io.NopCloser(strings.NewReader(`{"error": {"message": "Mock not configured"}}`)),
		Header:     make(http.Header),
	}, nil
}

func (m *MockTransport) AddResponse(method, url string, statusCode int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("%s %s", method, url)
	m.responses[key] = &http.Response{
		StatusCode: statusCode,
		Status:     fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode)),
		Header:     make(http.Header),
	}
	m.responseBodies[key] = body
}

func copyHeaders(original http.Header) http.Header {
	out := make(http.Header)
	for key, values := range original {
		out[key] = append([]string(nil), values...)
	}
	return out
}

func createMockClient(transport *MockTransport) *OpenAIClient {
	config := &ClientConfig{
		APIKey:          "test-api-key",
		EmbeddingModel:  "text-embedding-3-small",
		GenerationModel: "gpt-4o-mini",
		Dim:             512,
		ProjectID:       "test-project",
	}

	client := NewOpenAIClient(config)
	client.http = &http.Client{Transport: transport, Timeout: 20 * time.Second}
	return client
}

func TestNewOpenAIClient(t *testing.T) {
	tests := []struct {
		name              string
		config            *ClientConfig
		expectedEmbed     string
		expectedGenerator string
		expectedDim       int
	}{
		{
			name: "with all models specified",
			config: &ClientConfig{
				APIKey:          "test-key",
				EmbeddingModel:  "custom-embed-model",
				GenerationModel: "custom-generation-model",
				Dim:             768,
			},
			expectedEmbed:     "custom-embed-model",
			expectedGenerator: "custom-generation-model",
			expectedDim:       768,
		},
		{
			name:              "with default models",
			config:            &ClientConfig{APIKey: "test-key"},
			expectedEmbed:     "text-embedding-3-small",
			expectedGenerator: "gpt-4o-mini",
			expectedDim:       1536,
		},
		{
			name: "large embedding model gets 3072 dim default",
			config: &ClientConfig{
				APIKey:         "test-key",
				EmbeddingModel: "text-embedding-3-large",
			},
			expectedEmbed:     "text-embedding-3-large",
			expectedGenerator: "gpt-4o-mini",
			expectedDim:       3072,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewOpenAIClient(tt.config)
			if client.embeddingModel != tt.expectedEmbed {
				t.Errorf("expected embedding model %q, got %q", tt.expectedEmbed, client.embeddingModel)
			}
			if client.generationModel != tt.expectedGenerator {
				t.Errorf("expected generation model %q, got %q", tt.expectedGenerator, client.generationModel)
			}
			if client.Dim() != tt.expectedDim {
				t.Errorf("expected dim %d, got %d", tt.expectedDim, client.Dim())
			}
		})
	}
}

func TestOpenAIClientSetters(t *testing.T) {
	client := NewOpenAIClient(&ClientConfig{APIKey: "k"})
	client.SetGenerationModel("gpt-x", "be concise")
	client.SetEmbeddingModel("embed-x", 42)

	if client.generationModel != "gpt-x" || client.systemInstructions != "be concise" {
		t.Errorf("SetGenerationModel did not apply: %+v", client)
	}
	if client.embeddingModel != "embed-x" || client.Dim() != 42 {
		t.Errorf("SetEmbeddingModel did not apply: %+v", client)
	}
}

func TestOpenAIClientGenerateText(t *testing.T) {
	transport := NewMockTransport()
	transport.AddResponse(http.MethodPost, "https://api.openai.com/v1/chat/completions", 200,
		`{"choices":[{"message":{"content":"  the answer is 42  "}}]}`)

	client := createMockClient(transport)
	got, err := client.GenerateText(context.Background(), "what is the answer?", nil, 0, 0.2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "the answer is 42" {
		t.Errorf("expected trimmed content, got %q", got)
	}
}

func TestOpenAIClientGenerateTextIncludesHistoryAndSystemPrompt(t *testing.T) {
	transport := NewMockTransport()
	transport.AddResponse(http.MethodPost, "https://api.openai.com/v1/chat/completions", 200,
		`{"choices":[{"message":{"content":"ok"}}]}`)

	client := createMockClient(transport)
	client.SetGenerationModel("gpt-4o-mini", "you are terse")

	_, err := client.GenerateText(context.Background(), "final question", []Message{
		{Role: RoleUser, Content: "earlier turn"},
		{Role: RoleAssistant, Content: "earlier reply"},
	}, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reqs := transport.requests
	if len(reqs) != 1 {
		t.Fatalf("expected exactly one request, got %d", len(reqs))
	}
	var body struct {
		Messages []map[string]string `json:"messages"`
	}
	if err := json.NewDecoder(reqs[0].Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode request body: %v", err)
	}
	if len(body.Messages) != 4 {
		t.Fatalf("expected system+2 history+final prompt = 4 messages, got %d", len(body.Messages))
	}
	if body.Messages[0]["role"] != "system" || body.Messages[0]["content"] != "you are terse" {
		t.Errorf("expected system instructions first, got %+v", body.Messages[0])
	}
	if body.Messages[len(body.Messages)-1]["content"] != "final question" {
		t.Errorf("expected final prompt last, got %+v", body.Messages[len(body.Messages)-1])
	}
}

func TestOpenAIClientGenerateTextMissingAPIKey(t *testing.T) {
	client := NewOpenAIClient(&ClientConfig{})
	_, err := client.GenerateText(context.Background(), "hi", nil, 0, 0)
	if err == nil {
		t.Fatalf("expected error for missing API key")
	}
}

func TestOpenAIClientGenerateTextErrorResponse(t *testing.T) {
	transport := NewMockTransport()
	transport.AddResponse(http.MethodPost, "https://api.openai.com/v1/chat/completions", 429,
		`{"error":{"message":"rate limited"}}`)

	client := createMockClient(transport)
	_, err := client.GenerateText(context.Background(), "hi", nil, 0, 0)
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected rate limited error, got %v", err)
	}
}

func TestOpenAIClientEmbedText(t *testing.T) {
	transport := NewMockTransport()
	transport.AddResponse(http.MethodPost, "https://api.openai.com/v1/embeddings", 200,
		`{"data":[{"embedding":[0.1,0.2,0.3]}]}`)

	client := createMockClient(transport)
	vec, err := client.EmbedText(context.Background(), "hello", DocumentTypeDocument)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Fatalf("unexpected embedding: %v", vec)
	}
}

func TestOpenAIClientEmbedTexts(t *testing.T) {
	transport := NewMockTransport()
	transport.AddResponse(http.MethodPost, "https://api.openai.com/v1/embeddings", 200,
		`{"data":[{"embedding":[0.1,0.2]},{"embedding":[0.3,0.4]}]}`)

	client := createMockClient(transport)
	vecs, err := client.EmbedTexts(context.Background(), []string{"a", "b"}, DocumentTypeQuery)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 embeddings, got %d", len(vecs))
	}
}

func TestOpenAIClientEmbedTextMissingAPIKey(t *testing.T) {
	client := NewOpenAIClient(&ClientConfig{})
	_, err := client.EmbedText(context.Background(), "hi", DocumentTypeDocument)
	if err == nil {
		t.Fatalf("expected error for missing API key")
	}
}

func TestOpenAIClientEmbedTextsErrorStatus(t *testing.T) {
	transport := NewMockTransport()
	transport.AddResponse(http.MethodPost, "https://api.openai.com/v1/embeddings", 500, `{}`)

	client := createMockClient(transport)
	_, err := client.EmbedTexts(context.Background(), []string{"a"}, DocumentTypeDocument)
	if err == nil {
		t.Fatalf("expected error for non-200 status")
	}
}

func TestOpenAIClientSetHeadersIncludesProjectForScopedKeys(t *testing.T) {
	client := NewOpenAIClient(&ClientConfig{APIKey: "sk-proj-abc", ProjectID: "proj_123"})
	req, _ := http.NewRequest(http.MethodPost, "https://example.invalid", nil)
	client.setHeaders(req)

	if req.Header.Get("Authorization") != "Bearer sk-proj-abc" {
		t.Errorf("unexpected Authorization header: %q", req.Header.Get("Authorization"))
	}
	if req.Header.Get("OpenAI-Project") != "proj_123" {
		t.Errorf("expected OpenAI-Project header for scoped key")
	}
}

func TestOpenAIClientConstructPrompt(t *testing.T) {
	client := NewOpenAIClient(&ClientConfig{APIKey: "k"})
	out := client.ConstructPrompt("hello", RoleUser)
	m, ok := out.(map[string]string)
	if !ok {
		t.Fatalf("expected map[string]string, got %T", out)
	}
	if m["role"] != "user" || m["content"] != "hello" {
		t.Errorf("unexpected constructed prompt: %+v", m)
	}
}
