// Package evaluation runs a batch of test queries through the retrieval +
// generation pipeline and hands the resulting question/answer/contexts/
// ground_truth tuples to a pluggable evaluation provider, per spec §9.
package evaluation

import (
	"context"
	"errors"

	"github.com/seanblong/reposearch/internal/ai"
	"github.com/seanblong/reposearch/pkg/models"
)

// Metrics is a per-query metric table: one map of metric name to score per
// row of the evaluated dataset, in the same order as the input queries.
type Metrics []map[string]float64

// Provider is the evaluation backend contract: the LLM and embedding
// clients an evaluation metric suite scores against, the metric names it
// computes, and the scoring call itself. There is no third-party Go
// analogue to ragas/datasets among the retrieved examples, so this stays a
// plain Go interface — a deliberate standard-library-only component, not
// an oversight.
type Provider interface {
	LLM() ai.Client
	Embeddings() ai.Client
	GetMetrics() []string
	Evaluate(ctx context.Context, dataset []Record, metrics []string, llm, embeddings ai.Client) (Metrics, error)
}

// Answerer is the subset of internal/nlp.Controller the evaluation run
// needs, narrowed to an interface so tests can supply an in-memory double.
// Answer returns only the generated text: RunBatch needs the answer, not
// the full AnswerResult's signal/sources bookkeeping.
type Answerer interface {
	Search(ctx context.Context, projectID int64, text string, topK int) ([]models.RetrievedDocument, error)
	Answer(ctx context.Context, projectID int64, query string, topK, rerankTopN int) (string, error)
}

// Query is one test case: a question plus its optional reference answer.
// GroundTruth is caller-supplied, resolving spec §9's flagged bug where
// the original hardcodes a placeholder string instead of a real value.
type Query struct {
	Question    string
	GroundTruth string
}

// Record is one row of the evaluation dataset the original builds with
// pandas/Dataset.from_dict: a single test case's full pipeline trace.
type Record struct {
	Question    string
	Answer      string
	Contexts    []string
	GroundTruth string
}

// Controller implements spec §9's evaluation batch runner.
type Controller struct {
	NLP      Answerer
	Provider Provider
	TopK     int
}

// New constructs a Controller.
func New(nlpCtl Answerer, provider Provider, topK int) *Controller {
	return &Controller{NLP: nlpCtl, Provider: provider, TopK: topK}
}

// RunBatch runs each query through search then answer, assembling the
// question/answer/contexts/ground_truth tuples an evaluation provider
// scores, grounded on original_source's run_evaluation_batch loop body.
// A single query's failure aborts the batch; partial results up to that
// point are still returned alongside the error.
func (c *Controller) RunBatch(ctx context.Context, projectID int64, queries []Query) ([]Record, error) {
	records := make([]Record, 0, len(queries))
	for _, q := range queries {
		docs, err := c.NLP.Search(ctx, projectID, q.Question, c.topK())
		if err != nil {
			return records, err
		}
		answer, err := c.NLP.Answer(ctx, projectID, q.Question, c.topK(), 0)
		if err != nil {
			return records, err
		}

		contexts := make([]string, len(docs))
		for i, d := range docs {
			contexts[i] = d.Text
		}

		records = append(records, Record{
			Question:    q.Question,
			Answer:      answer,
			Contexts:    contexts,
			GroundTruth: q.GroundTruth,
		})
	}
	return records, nil
}

// Evaluate runs RunBatch then hands the resulting dataset to the
// configured provider's Evaluate, returning its metric table unchanged,
// per spec §4.7 ("The controller returns that table unchanged").
func (c *Controller) Evaluate(ctx context.Context, projectID int64, queries []Query) (Metrics, error) {
	records, err := c.RunBatch(ctx, projectID, queries)
	if err != nil {
		return nil, err
	}
	if c.Provider == nil {
		return nil, errors.New("evaluation: provider is required")
	}
	return c.Provider.Evaluate(ctx, records, c.Provider.GetMetrics(), c.Provider.LLM(), c.Provider.Embeddings())
}

func (c *Controller) topK() int {
	if c.TopK > 0 {
		return c.TopK
	}
	return 10
}
