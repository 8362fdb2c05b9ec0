// Package ai defines the pluggable generation-LLM and embedding-model
// provider contract (spec §4.5) and a tagged-variant constructor for it.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// DocumentType distinguishes how an embedding will be used, per spec §4.5.
type DocumentType string

const (
	DocumentTypeDocument DocumentType = "document"
	DocumentTypeQuery    DocumentType = "query"
)

// Role is the role of a constructed provider-native message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of chat history passed to GenerateText.
type Message struct {
	Role    Role
	Content string
}

// Document is a candidate passed to Rerank.
type Document struct {
	Text string
}

// Client is the full generation+embedding provider contract of spec §4.5.
type Client interface {
	SetGenerationModel(modelID, systemInstructions string)
	GenerateText(ctx context.Context, prompt string, history []Message, maxTokens int, temperature float64) (string, error)

	SetEmbeddingModel(modelID string, dim int)
	EmbedText(ctx context.Context, text string, docType DocumentType) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string, docType DocumentType) ([][]float32, error)
	Dim() int

	ConstructPrompt(text string, role Role) any
}

// Provider enumerates the supported AI backends.
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderStub     Provider = "stub"
)

// ClientConfig holds construction parameters for every provider.
type ClientConfig struct {
	APIKey             string
	GenerationModel    string
	EmbeddingModel     string
	Dim                int
	ProjectID          string
	Location           string
	Provider           Provider
	SystemInstructions string
}

// NewClient is the tagged-variant provider factory of spec §4.5/§9; unknown
// providers fail fast at construction time.
func NewClient(config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("ai: client config is required")
	}

	ctx := context.Background()
	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderStub:
		return NewStubClient(config), nil
	default:
		return nil, errors.New("ai: unsupported provider: " + string(config.Provider))
	}
}

// StubClient is a deterministic, network-free implementation used by
// ingestion/tests when no real LLM is configured.
type StubClient struct {
	dim                int
	generationModel    string
	systemInstructions string
	embeddingModel     string
}

// NewStubClient creates a new StubClient.
func NewStubClient(config *ClientConfig) *StubClient {
	c := &StubClient{dim: config.Dim}
	if c.dim == 0 {
		c.dim = 8
	}
	return c
}

func (s *StubClient) SetGenerationModel(modelID, systemInstructions string) {
	s.generationModel = modelID
	s.systemInstructions = systemInstructions
}

func (s *StubClient) SetEmbeddingModel(modelID string, dim int) {
	s.embeddingModel = modelID
	if dim > 0 {
		s.dim = dim
	}
}

func (s *StubClient) Dim() int { return s.dim }

// GenerateText returns a short heuristic answer built from the prompt; it
// never fails (spec §4.4: "empty string if the provider returns none" is
// the only error-shaped outcome, and the stub always has something to say).
func (s *StubClient) GenerateText(ctx context.Context, prompt string, history []Message, maxTokens int, temperature float64) (string, error) {
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return strings.TrimSpace(lines[i]), nil
		}
	}
	return "", nil
}

// EmbedText returns a deterministic fixed-dimension vector derived from a
// simple hash of text, so identical inputs always embed identically.
func (s *StubClient) EmbedText(ctx context.Context, text string, docType DocumentType) ([]float32, error) {
	return hashEmbed(text, s.dim), nil
}

func (s *StubClient) EmbedTexts(ctx context.Context, texts []string, docType DocumentType) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashEmbed(t, s.dim)
	}
	return out, nil
}

func (s *StubClient) ConstructPrompt(text string, role Role) any {
	return Message{Role: role, Content: text}
}

func hashEmbed(text string, dim int) []float32 {
	v := make([]float32, dim)
	if dim == 0 {
		return v
	}
	h := fnv1a(text)
	for i := range v {
		h = h*1099511628211 ^ uint64(i)
		v[i] = float32(h%1000) / 1000.0
	}
	return v
}

func fnv1a(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// Rerank implements the LLM-based reranking protocol of spec §4.4/§4.5,
// generalized from original_source's GEMINIProvider.rerank into a
// provider-agnostic helper (every provider prompts and parses identically,
// so there is no reason to duplicate this in openai.go/vertexai.go): the
// LLM is prompted with an enumeration of candidates and asked for a JSON
// array of indices sorted by relevance. Any failure — a non-JSON response,
// an empty result, or a generation error — falls back to the original
// order truncated to topN, per spec §7 ("Provider errors inside rerank are
// locally recovered").
func Rerank(ctx context.Context, client Client, query string, docs []Document, topN int) []Document {
	if len(docs) == 0 {
		return nil
	}

	prompt := buildRerankPrompt(query, docs, topN)
	raw, err := client.GenerateText(ctx, prompt, nil, 0, 0)
	if err != nil {
		return rerankFallback(docs, topN)
	}

	indices, err := parseRerankIndices(raw)
	if err != nil {
		return rerankFallback(docs, topN)
	}

	ordered := docsFromIndices(docs, indices, topN)
	if len(ordered) == 0 {
		return rerankFallback(docs, topN)
	}
	return ordered
}

// parseRerankIndices parses the JSON array of indices an LLM rerank
// response is expected to contain, stripping markdown code fences first.
func parseRerankIndices(raw string) ([]int, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var indices []int
	if err := json.Unmarshal([]byte(cleaned), &indices); err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return nil, errors.New("ai: rerank returned no indices")
	}
	return indices, nil
}

func rerankFallback(docs []Document, topN int) []Document {
	if topN <= 0 || topN > len(docs) {
		topN = len(docs)
	}
	out := make([]Document, topN)
	copy(out, docs[:topN])
	return out
}

func buildRerankPrompt(query string, docs []Document, topN int) string {
	var b strings.Builder
	b.WriteString("You are an expert search evaluator. Rank the following documents based on their relevance to the user query.\n\n")
	b.WriteString("Query: " + query + "\n\nDocuments:\n")
	for i, d := range docs {
		text := d.Text
		if len(text) > 500 {
			text = text[:500]
		}
		b.WriteString("ID: " + strconv.Itoa(i) + " | Content: " + text + "\n")
	}
	b.WriteString("\nOutput only a JSON list of IDs in order of relevance, from most relevant to least.\n")
	b.WriteString("Return only the top " + strconv.Itoa(topN) + " IDs.")
	return b.String()
}

func docsFromIndices(docs []Document, indices []int, topN int) []Document {
	out := make([]Document, 0, topN)
	for _, i := range indices {
		if i < 0 || i >= len(docs) {
			continue
		}
		out = append(out, docs[i])
		if len(out) == topN {
			break
		}
	}
	return out
}
