package evaluation

import (
	"context"
	"testing"

	"github.com/seanblong/reposearch/internal/ai"
	"github.com/seanblong/reposearch/pkg/models"
)

func TestControllerEvaluateHandsRunBatchToProvider(t *testing.T) {
	answerer := &mockAnswerer{
		docs:   []models.RetrievedDocument{{Text: "the sky is blue"}},
		answer: "the sky is blue",
	}
	client := ai.NewStubClient(&ai.ClientConfig{Dim: 4})
	provider := NewStubProvider(client, client, nil)
	c := New(answerer, provider, 5)

	metrics, err := c.Evaluate(context.Background(), 1, []Query{{Question: "what color is the sky?", GroundTruth: "blue"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(metrics) != 1 {
		t.Fatalf("expected one metric row, got %d", len(metrics))
	}
	if _, ok := metrics[0]["faithfulness"]; !ok {
		t.Errorf("expected faithfulness metric to be present")
	}
	if _, ok := metrics[0]["context_precision"]; !ok {
		t.Errorf("expected context_precision metric to be present")
	}
}

func TestControllerEvaluateRequiresProvider(t *testing.T) {
	answerer := &mockAnswerer{answer: "a"}
	c := New(answerer, nil, 5)

	if _, err := c.Evaluate(context.Background(), 1, []Query{{Question: "q"}}); err == nil {
		t.Fatal("expected an error when no provider is configured")
	}
}

func TestStubProviderGetMetricsDefaults(t *testing.T) {
	p := NewStubProvider(nil, nil, nil)
	got := p.GetMetrics()
	if len(got) == 0 {
		t.Fatal("expected default metric names")
	}
}
