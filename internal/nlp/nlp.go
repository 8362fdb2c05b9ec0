// Package nlp implements the retrieval + generation controller of spec
// §4.4: collection naming, indexing orchestration, hybrid retrieval,
// LLM-based rerank, prompt assembly, generation, and the end-to-end
// answer pipeline that chains them together.
package nlp

import (
	"context"
	"errors"

	"github.com/seanblong/reposearch/internal/ai"
	"github.com/seanblong/reposearch/internal/templates"
	"github.com/seanblong/reposearch/internal/vectorstore"
	"github.com/seanblong/reposearch/pkg/models"
)

const defaultTopK = 10
const defaultRRFK = 60
const chunkPageSize = 50

// ChunkLister is the subset of internal/storage.Store the push pipeline
// needs to page through a project's persisted chunks.
type ChunkLister interface {
	ListChunks(ctx context.Context, projectID int64, pageNo, pageSize int) ([]models.DataChunk, error)
	CountChunks(ctx context.Context, projectID int64) (int64, error)
}

// VectorStore is the subset of internal/vectorstore.Store the controller
// drives, narrowed to an interface so tests can supply an in-memory double.
type VectorStore interface {
	CollectionName(projectID int64) string
	CreateCollection(ctx context.Context, name string, dim int, reset bool) error
	InsertMany(ctx context.Context, name string, texts []string, vectors [][]float32, metadatas []map[string]any, chunkIDs []int64, batchSize int, language vectorstore.Language) error
	Search(ctx context.Context, name, queryText string, queryVector []float32, topK, rrfK int) ([]models.RetrievedDocument, error)
}

// Controller implements spec §4.4.
type Controller struct {
	Chunks   ChunkLister
	Vectors  VectorStore
	AI       ai.Client
	Catalog  *templates.Catalog
	Language vectorstore.Language

	DefaultTopK       int
	DefaultRRFK       int
	MaxTokens         int
	Temperature       float64
	GenerationModelID string
}

// New constructs a Controller with the default top-k (10) and RRF k (60);
// MaxTokens and Temperature start at zero for the caller to set.
// generationModelID is re-applied to the client
// on every Generate call, since SetGenerationModel also carries the
// per-language system instructions and must not be called with an empty
// model id.
func New(chunks ChunkLister, vectors VectorStore, client ai.Client, catalog *templates.Catalog, language vectorstore.Language, generationModelID string) *Controller {
	return &Controller{
		Chunks:            chunks,
		Vectors:           vectors,
		AI:                client,
		Catalog:           catalog,
		Language:          language,
		DefaultTopK:       defaultTopK,
		DefaultRRFK:       defaultRRFK,
		GenerationModelID: generationModelID,
	}
}

// CollectionName is a pure passthrough to the vector store's naming
// scheme, exposed here so callers of the controller never need to import
// internal/vectorstore just to compute a name.
func (c *Controller) CollectionName(projectID int64) string {
	return c.Vectors.CollectionName(projectID)
}

// IndexIntoVectorDB implements the indexing orchestration of spec §4.4:
// ensure the collection exists at the embedding client's declared
// dimension, embed every chunk text as a document, then insert the batch.
func (c *Controller) IndexIntoVectorDB(ctx context.Context, projectID int64, texts []string, chunkIDs []int64, reset bool) error {
	if len(texts) != len(chunkIDs) {
		return errors.New("nlp: texts and chunkIDs must be the same length")
	}
	name := c.Vectors.CollectionName(projectID)
	if err := c.Vectors.CreateCollection(ctx, name, c.AI.Dim(), reset); err != nil {
		return err
	}
	if len(texts) == 0 {
		return nil
	}

	vectors, err := c.AI.EmbedTexts(ctx, texts, ai.DocumentTypeDocument)
	if err != nil {
		return err
	}

	metadatas := make([]map[string]any, len(texts))
	return c.Vectors.InsertMany(ctx, name, texts, vectors, metadatas, chunkIDs, 100, c.Language)
}

// PushResult reports the outcome of Push.
type PushResult struct {
	Signal        models.Signal
	InsertedCount int
}

// Push pages through a project's persisted chunks (page_size=50) and
// indexes each page into the vector store, accumulating the inserted
// count by len(chunks) per page — not incrementing once-per-page-plus-
// once-per-chunk, the double-increment original_source's push loop has.
// Any page failure stops iteration and reports the failure.
func (c *Controller) Push(ctx context.Context, projectID int64, reset bool) (PushResult, error) {
	total, err := c.Chunks.CountChunks(ctx, projectID)
	if err != nil {
		return PushResult{}, err
	}
	if total == 0 {
		return PushResult{Signal: models.SignalNoFilesToProcess}, nil
	}

	firstPage := true
	var inserted int
	for page := 1; ; page++ {
		chunks, err := c.Chunks.ListChunks(ctx, projectID, page, chunkPageSize)
		if err != nil {
			return PushResult{Signal: models.SignalIndexingFailed, InsertedCount: inserted}, err
		}
		if len(chunks) == 0 {
			break
		}

		texts := make([]string, len(chunks))
		chunkIDs := make([]int64, len(chunks))
		for i, ch := range chunks {
			texts[i] = ch.ChunkText
			chunkIDs[i] = ch.ID
		}

		if err := c.IndexIntoVectorDB(ctx, projectID, texts, chunkIDs, reset && firstPage); err != nil {
			return PushResult{Signal: models.SignalIndexingFailed, InsertedCount: inserted}, err
		}
		firstPage = false

		inserted += len(chunks)
		if len(chunks) < chunkPageSize {
			break
		}
	}

	return PushResult{Signal: models.SignalIndexingCompleted, InsertedCount: inserted}, nil
}

// Search implements spec §4.4 retrieval: embed the query text with
// document_type=query, then run the collection's hybrid search.
func (c *Controller) Search(ctx context.Context, projectID int64, text string, topK int) ([]models.RetrievedDocument, error) {
	if topK <= 0 {
		topK = c.defaultTopK()
	}
	vector, err := c.AI.EmbedText(ctx, text, ai.DocumentTypeQuery)
	if err != nil {
		return nil, err
	}
	name := c.Vectors.CollectionName(projectID)
	return c.Vectors.Search(ctx, name, text, vector, topK, c.defaultRRFK())
}

// Rerank wraps ai.Rerank, converting to/from the transient
// RetrievedDocument shape the rest of the controller speaks.
func (c *Controller) Rerank(ctx context.Context, query string, docs []models.RetrievedDocument, topN int) []models.RetrievedDocument {
	candidates := make([]ai.Document, len(docs))
	for i, d := range docs {
		candidates[i] = ai.Document{Text: d.Text}
	}
	reranked := ai.Rerank(ctx, c.AI, query, candidates, topN)

	byText := make(map[string]models.RetrievedDocument, len(docs))
	for _, d := range docs {
		byText[d.Text] = d
	}
	out := make([]models.RetrievedDocument, 0, len(reranked))
	for _, r := range reranked {
		out = append(out, byText[r.Text])
	}
	return out
}

// BuildPrompt assembles the system-prompt + per-document + footer user
// message of spec §4.4 from the Template Catalog.
func (c *Controller) BuildPrompt(documents []string, query string) string {
	return c.Catalog.AssembleUserMessage(string(c.Language), documents, query)
}

// Generate delegates to the configured generation provider with the
// controller's configured max-tokens/temperature, which the caller may
// override by passing positive/non-zero values.
func (c *Controller) Generate(ctx context.Context, prompt string, history []ai.Message, maxTokens int, temperature float64) (string, error) {
	if maxTokens <= 0 {
		maxTokens = c.MaxTokens
	}
	if temperature == 0 {
		temperature = c.Temperature
	}
	c.AI.SetGenerationModel(c.GenerationModelID, c.Catalog.SystemPrompt(string(c.Language)))
	return c.AI.GenerateText(ctx, prompt, history, maxTokens, temperature)
}

// AnswerResult is the output of Answer, matching the
// POST /nlp/answer/{project_id} response contract.
type AnswerResult struct {
	Signal  models.Signal
	Answer  string
	Sources []models.RetrievedDocument
}

// Answer runs the full pipeline: search, optionally rerank, assemble the
// prompt, then generate — spec §4.4's "end-to-end" operation.
func (c *Controller) Answer(ctx context.Context, projectID int64, query string, topK, rerankTopN int) (AnswerResult, error) {
	docs, err := c.Search(ctx, projectID, query, topK)
	if err != nil {
		return AnswerResult{Signal: models.SignalSearchFailed}, err
	}
	if len(docs) == 0 {
		return AnswerResult{Signal: models.SignalSearchFailed}, nil
	}

	if rerankTopN > 0 && rerankTopN < len(docs) {
		docs = c.Rerank(ctx, query, docs, rerankTopN)
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	prompt := c.BuildPrompt(texts, query)

	answer, err := c.Generate(ctx, prompt, nil, 0, 0)
	if err != nil {
		return AnswerResult{Signal: models.SignalAnswerGenerationFailed, Sources: docs}, err
	}

	return AnswerResult{
		Signal:  models.SignalAnswerGenerationCompleted,
		Answer:  answer,
		Sources: docs,
	}, nil
}

// TextAnswerer adapts Controller to internal/evaluation.Answerer, whose
// Answer method returns only the generated text — the evaluation batch
// runner needs the answer string, not the full AnswerResult's signal and
// source bookkeeping.
type TextAnswerer struct {
	*Controller
}

// Answer calls through to Controller.Answer and returns just its text.
func (t TextAnswerer) Answer(ctx context.Context, projectID int64, query string, topK, rerankTopN int) (string, error) {
	result, err := t.Controller.Answer(ctx, projectID, query, topK, rerankTopN)
	return result.Answer, err
}

func (c *Controller) defaultTopK() int {
	if c.DefaultTopK > 0 {
		return c.DefaultTopK
	}
	return defaultTopK
}

func (c *Controller) defaultRRFK() int {
	if c.DefaultRRFK > 0 {
		return c.DefaultRRFK
	}
	return defaultRRFK
}
