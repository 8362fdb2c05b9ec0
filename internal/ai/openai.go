package ai

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// OpenAIClient talks to the OpenAI REST API directly over net/http, the
// way teacher's OpenAIClient does (no official SDK dependency in the pack).
type OpenAIClient struct {
	config             *ClientConfig
	http               *http.Client
	generationModel    string
	systemInstructions string
	embeddingModel     string
	dim                int
}

// NewOpenAIClient constructs an OpenAIClient with sane model/dimension
// defaults when the config omits them.
func NewOpenAIClient(config *ClientConfig) *OpenAIClient {
	if config.GenerationModel == "" {
		config.GenerationModel = "gpt-4o-mini"
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = "text-embedding-3-small"
	}
	if config.Dim == 0 {
		switch config.EmbeddingModel {
		case "text-embedding-3-large":
			config.Dim = 3072
		default:
			config.Dim = 1536
		}
	}

	transport := &http.Transport{}
	if skipTLS, _ := strconv.ParseBool(os.Getenv("RAGCORE_SKIP_TLS_VERIFY")); skipTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &OpenAIClient{
		config:          config,
		http:            &http.Client{Timeout: 20 * time.Second, Transport: transport},
		generationModel: config.GenerationModel,
		embeddingModel:  config.EmbeddingModel,
		dim:             config.Dim,
	}
}

func (c *OpenAIClient) SetGenerationModel(modelID, systemInstructions string) {
	c.generationModel = modelID
	c.systemInstructions = systemInstructions
}

func (c *OpenAIClient) SetEmbeddingModel(modelID string, dim int) {
	c.embeddingModel = modelID
	c.dim = dim
}

func (c *OpenAIClient) Dim() int { return c.dim }

// GenerateText calls the chat completions endpoint.
func (c *OpenAIClient) GenerateText(ctx context.Context, prompt string, history []Message, maxTokens int, temperature float64) (string, error) {
	if c.config.APIKey == "" {
		return "", errors.New("openai: API key unset")
	}

	messages := make([]map[string]string, 0, len(history)+2)
	if c.systemInstructions != "" {
		messages = append(messages, map[string]string{"role": "system", "content": c.systemInstructions})
	}
	for _, m := range history {
		messages = append(messages, map[string]string{"role": string(m.Role), "content": m.Content})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	if maxTokens <= 0 {
		maxTokens = 512
	}

	payload := map[string]any{
		"model":       c.generationModel,
		"messages":    messages,
		"temperature": temperature,
		"max_tokens":  maxTokens,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/chat/completions", &buf)
	if err != nil {
		return "", err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("ai: failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error struct{ Message string } `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error.Message != "" {
			return "", errors.New(e.Error.Message)
		}
		return "", errors.New(resp.Status)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// EmbedText embeds a single string.
func (c *OpenAIClient) EmbedText(ctx context.Context, text string, docType DocumentType) ([]float32, error) {
	vecs, err := c.EmbedTexts(ctx, []string{text}, docType)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errors.New("openai: no embedding returned")
	}
	return vecs[0], nil
}

// EmbedTexts embeds a batch of strings in one request.
func (c *OpenAIClient) EmbedTexts(ctx context.Context, texts []string, docType DocumentType) ([][]float32, error) {
	if c.config.APIKey == "" {
		return nil, errors.New("openai: API key unset")
	}

	payload := map[string]any{"input": texts, "model": c.embeddingModel}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/embeddings", &buf)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("ai: failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("openai: embedding request failed: " + resp.Status)
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, errors.New("openai: no embeddings returned")
	}

	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

func (c *OpenAIClient) ConstructPrompt(text string, role Role) any {
	return map[string]string{"role": string(role), "content": text}
}

func (c *OpenAIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	if strings.HasPrefix(c.config.APIKey, "sk-proj-") && c.config.ProjectID != "" {
		req.Header.Set("OpenAI-Project", c.config.ProjectID)
	}
}
