package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// VertexAIClient wraps google.golang.org/genai, configured for either the
// Vertex AI backend (ProjectID+Location) or the Gemini API backend (APIKey),
// matching teacher's construction logic.
type VertexAIClient struct {
	config             *ClientConfig
	client             *genai.Client
	generationModel    string
	systemInstructions string
	embeddingModel     string
	dim                int
}

// NewVertexAIClient creates a new client for the Gemini/Vertex AI API.
func NewVertexAIClient(ctx context.Context, config *ClientConfig) (*VertexAIClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if config.EmbeddingModel == "" {
		config.EmbeddingModel = "text-embedding-005"
	}
	if config.GenerationModel == "" {
		config.GenerationModel = "gemini-2.0-flash"
	}
	if config.Dim == 0 {
		config.Dim = 768
	}
	if config.Location == "" && strings.TrimSpace(config.APIKey) == "" {
		config.Location = "us-central1"
	}

	cc := genai.ClientConfig{
		Backend: genai.BackendVertexAI,
	}
	if strings.TrimSpace(config.APIKey) != "" {
		cc.APIKey = config.APIKey
	}
	if strings.TrimSpace(config.ProjectID) != "" {
		cc.Project = config.ProjectID
	}
	if strings.TrimSpace(config.Location) != "" {
		cc.Location = config.Location
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &VertexAIClient{
		config:             config,
		client:             client,
		generationModel:    config.GenerationModel,
		embeddingModel:     config.EmbeddingModel,
		systemInstructions: config.SystemInstructions,
		dim:                config.Dim,
	}, nil
}

func (c *VertexAIClient) SetGenerationModel(modelID, systemInstructions string) {
	c.generationModel = modelID
	c.systemInstructions = systemInstructions
}

func (c *VertexAIClient) SetEmbeddingModel(modelID string, dim int) {
	c.embeddingModel = modelID
	if dim > 0 {
		c.dim = dim
	}
}

func (c *VertexAIClient) Dim() int { return c.dim }

// GenerateText drives genai's GenerateContent with a single text turn:
// history is flattened into "role: content" lines ahead of the final prompt.
func (c *VertexAIClient) GenerateText(ctx context.Context, prompt string, history []Message, maxTokens int, temperature float64) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	temp := float32(temperature)
	maxOut := int32(maxTokens)

	cfg := genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: maxOut,
	}
	if c.systemInstructions != "" {
		sys := genai.Text(c.systemInstructions)
		cfg.SystemInstruction = sys[0]
	}

	var b strings.Builder
	for _, m := range history {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString(prompt)

	resp, err := c.client.Models.GenerateContent(ctx, c.generationModel, genai.Text(b.String()), &cfg)
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("no generation returned")
	}

	part := resp.Candidates[0].Content.Parts[0]
	return strings.TrimSpace(string(part.Text)), nil
}

// EmbedText embeds a single string, mapping DocumentType onto genai's task
// type taxonomy.
func (c *VertexAIClient) EmbedText(ctx context.Context, text string, docType DocumentType) ([]float32, error) {
	cfg := genai.EmbedContentConfig{TaskType: taskTypeFor(docType)}

	res, err := c.client.Models.EmbedContent(ctx, c.embeddingModel, genai.Text(text), &cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if res == nil || len(res.Embeddings) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return res.Embeddings[0].Values, nil
}

// EmbedTexts embeds a batch by issuing one request per text; genai's Go
// client does not expose a single-call batch embedding endpoint.
func (c *VertexAIClient) EmbedTexts(ctx context.Context, texts []string, docType DocumentType) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := c.EmbedText(ctx, t, docType)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (c *VertexAIClient) ConstructPrompt(text string, role Role) any {
	return genai.Text(text)
}

func taskTypeFor(docType DocumentType) string {
	if docType == DocumentTypeQuery {
		return "RETRIEVAL_QUERY"
	}
	return "RETRIEVAL_DOCUMENT"
}
