package evaluation

import (
	"context"
	"errors"
	"testing"

	"github.com/seanblong/reposearch/pkg/models"
)

type mockAnswerer struct {
	docs      []models.RetrievedDocument
	answer    string
	searchErr error
	answerErr error
}

func (m *mockAnswerer) Search(ctx context.Context, projectID int64, text string, topK int) ([]models.RetrievedDocument, error) {
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return m.docs, nil
}

func (m *mockAnswerer) Answer(ctx context.Context, projectID int64, query string, topK, rerankTopN int) (string, error) {
	if m.answerErr != nil {
		return "", m.answerErr
	}
	return m.answer, nil
}

func TestRunBatchAssemblesRecords(t *testing.T) {
	answerer := &mockAnswerer{
		docs:   []models.RetrievedDocument{{Text: "ctx one"}, {Text: "ctx two"}},
		answer: "the answer",
	}
	c := New(answerer, nil, 5)

	queries := []Query{
		{Question: "what is x?", GroundTruth: "x is y"},
		{Question: "what is z?", GroundTruth: ""},
	}
	records, err := c.RunBatch(context.Background(), 1, queries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	for i, r := range records {
		if r.Question != queries[i].Question {
			t.Errorf("record %d: expected question %q, got %q", i, queries[i].Question, r.Question)
		}
		if r.Answer != "the answer" {
			t.Errorf("record %d: expected answer, got %q", i, r.Answer)
		}
		if len(r.Contexts) != 2 {
			t.Errorf("record %d: expected 2 contexts, got %d", i, len(r.Contexts))
		}
		if r.GroundTruth != queries[i].GroundTruth {
			t.Errorf("record %d: expected ground truth %q, got %q", i, queries[i].GroundTruth, r.GroundTruth)
		}
	}
}

func TestRunBatchGroundTruthIsNotHardcodedPlaceholder(t *testing.T) {
	answerer := &mockAnswerer{answer: "a"}
	c := New(answerer, nil, 5)

	records, err := c.RunBatch(context.Background(), 1, []Query{{Question: "q", GroundTruth: "caller supplied truth"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if records[0].GroundTruth != "caller supplied truth" {
		t.Fatalf("expected caller-supplied ground truth to survive, got %q", records[0].GroundTruth)
	}
}

func TestRunBatchStopsOnSearchFailure(t *testing.T) {
	answerer := &mockAnswerer{searchErr: errors.New("vector store down")}
	c := New(answerer, nil, 5)

	records, err := c.RunBatch(context.Background(), 1, []Query{{Question: "q"}})
	if err == nil {
		t.Fatalf("expected error to propagate")
	}
	if len(records) != 0 {
		t.Fatalf("expected no records on first-query failure, got %d", len(records))
	}
}

func TestRunBatchStopsOnAnswerFailure(t *testing.T) {
	answerer := &mockAnswerer{docs: []models.RetrievedDocument{{Text: "c"}}, answerErr: errors.New("llm down")}
	c := New(answerer, nil, 5)

	records, err := c.RunBatch(context.Background(), 1, []Query{{Question: "q1"}, {Question: "q2"}})
	if err == nil {
		t.Fatalf("expected error to propagate")
	}
	if len(records) != 0 {
		t.Fatalf("expected no records when the very first answer fails, got %d", len(records))
	}
}

func TestRunBatchReturnsPartialResultsBeforeFailure(t *testing.T) {
	calls := 0
	answerer := &countingAnswerer{mockAnswerer: mockAnswerer{docs: []models.RetrievedDocument{{Text: "c"}}, answer: "ok"}, failAfter: 1, calls: &calls}
	c := New(answerer, nil, 5)

	records, err := c.RunBatch(context.Background(), 1, []Query{{Question: "q1"}, {Question: "q2"}, {Question: "q3"}})
	if err == nil {
		t.Fatalf("expected error on the second query")
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record before the failure, got %d", len(records))
	}
}

// countingAnswerer fails Answer starting on the call after failAfter
// successful calls, to exercise RunBatch's partial-results behavior.
type countingAnswerer struct {
	mockAnswerer
	failAfter int
	calls     *int
}

func (c *countingAnswerer) Answer(ctx context.Context, projectID int64, query string, topK, rerankTopN int) (string, error) {
	*c.calls++
	if *c.calls > c.failAfter {
		return "", errors.New("boom")
	}
	return c.mockAnswerer.answer, nil
}

func TestDefaultTopKAppliedWhenUnset(t *testing.T) {
	c := New(&mockAnswerer{}, nil, 0)
	if c.topK() != 10 {
		t.Fatalf("expected default topK 10, got %d", c.topK())
	}
}
