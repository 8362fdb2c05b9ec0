package evaluation

import (
	"context"
	"strings"

	"github.com/seanblong/reposearch/internal/ai"
)

// StubProvider is a deterministic, network-free evaluation Provider, the
// evaluation-package counterpart to ai.StubClient: usable in tests and as
// the default RAGAS_PROVIDER=stub backend when no real metrics engine is
// configured.
type StubProvider struct {
	llm        ai.Client
	embeddings ai.Client
	metrics    []string
}

// NewStubProvider constructs a StubProvider; llm/embeddings may be the same
// client, and an empty metrics list defaults to {"context_precision",
// "faithfulness"}.
func NewStubProvider(llm, embeddings ai.Client, metrics []string) *StubProvider {
	if len(metrics) == 0 {
		metrics = []string{"context_precision", "faithfulness"}
	}
	return &StubProvider{llm: llm, embeddings: embeddings, metrics: metrics}
}

func (p *StubProvider) LLM() ai.Client        { return p.llm }
func (p *StubProvider) Embeddings() ai.Client { return p.embeddings }
func (p *StubProvider) GetMetrics() []string  { return p.metrics }

// Evaluate scores each record with a heuristic derived from whether the
// answer text overlaps with its retrieved contexts and, when present, its
// ground truth — good enough to exercise the integration point end to end
// without a real RAGAS-equivalent backend.
func (p *StubProvider) Evaluate(ctx context.Context, dataset []Record, metrics []string, llm, embeddings ai.Client) (Metrics, error) {
	out := make(Metrics, len(dataset))
	for i, rec := range dataset {
		row := make(map[string]float64, len(metrics))
		for _, name := range metrics {
			row[name] = scoreRecord(rec, name)
		}
		out[i] = row
	}
	return out, nil
}

func scoreRecord(rec Record, metric string) float64 {
	answer := strings.ToLower(strings.TrimSpace(rec.Answer))
	if answer == "" {
		return 0
	}
	switch metric {
	case "faithfulness":
		for _, ctx := range rec.Contexts {
			if strings.Contains(strings.ToLower(ctx), answer) || strings.Contains(answer, strings.ToLower(ctx)) {
				return 1
			}
		}
		if len(rec.Contexts) == 0 {
			return 0
		}
		return 0.5
	case "context_precision":
		if len(rec.Contexts) == 0 {
			return 0
		}
		hits := 0
		for _, ctx := range rec.Contexts {
			if overlaps(answer, strings.ToLower(ctx)) {
				hits++
			}
		}
		return float64(hits) / float64(len(rec.Contexts))
	default:
		if rec.GroundTruth == "" {
			return 0
		}
		if strings.EqualFold(strings.TrimSpace(rec.GroundTruth), strings.TrimSpace(rec.Answer)) {
			return 1
		}
		return 0
	}
}

func overlaps(a, b string) bool {
	wordsA := strings.Fields(a)
	for _, w := range wordsA {
		if len(w) > 3 && strings.Contains(b, w) {
			return true
		}
	}
	return false
}
