package nlp

import (
	"context"
	"errors"
	"testing"

	"github.com/seanblong/reposearch/internal/ai"
	"github.com/seanblong/reposearch/internal/templates"
	"github.com/seanblong/reposearch/internal/vectorstore"
	"github.com/seanblong/reposearch/pkg/models"
)

type mockChunks struct {
	pages    map[int][]models.DataChunk
	total    int64
	listErr  error
	countErr error
	calls    []int
}

func (m *mockChunks) CountChunks(ctx context.Context, projectID int64) (int64, error) {
	return m.total, m.countErr
}

func (m *mockChunks) ListChunks(ctx context.Context, projectID int64, pageNo, pageSize int) ([]models.DataChunk, error) {
	m.calls = append(m.calls, pageNo)
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.pages[pageNo], nil
}

type mockVectors struct {
	collName         string
	createErr        error
	insertErr        error
	searchResults    []models.RetrievedDocument
	searchErr        error
	insertedTexts    [][]string
	insertedReset    []bool
	lastSearchVector []float32
	lastTopK         int
}

func (m *mockVectors) CollectionName(projectID int64) string {
	if m.collName != "" {
		return m.collName
	}
	return "coll"
}

func (m *mockVectors) CreateCollection(ctx context.Context, name string, dim int, reset bool) error {
	m.insertedReset = append(m.insertedReset, reset)
	return m.createErr
}

func (m *mockVectors) InsertMany(ctx context.Context, name string, texts []string, vectors [][]float32, metadatas []map[string]any, chunkIDs []int64, batchSize int, language vectorstore.Language) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.insertedTexts = append(m.insertedTexts, texts)
	return nil
}

func (m *mockVectors) Search(ctx context.Context, name, queryText string, queryVector []float32, topK, rrfK int) ([]models.RetrievedDocument, error) {
	m.lastSearchVector = queryVector
	m.lastTopK = topK
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return m.searchResults, nil
}

func testController(chunks ChunkLister, vectors VectorStore, client ai.Client) *Controller {
	return New(chunks, vectors, client, templates.Default(), vectorstore.LanguageEnglish, "gen-model")
}

func TestIndexIntoVectorDBRejectsMismatchedLengths(t *testing.T) {
	c := testController(&mockChunks{}, &mockVectors{}, ai.NewStubClient(&ai.ClientConfig{Dim: 4}))
	err := c.IndexIntoVectorDB(context.Background(), 1, []string{"a", "b"}, []int64{1}, false)
	if err == nil {
		t.Fatalf("expected error for mismatched lengths")
	}
}

func TestIndexIntoVectorDBEmptyTextsStillCreatesCollection(t *testing.T) {
	vectors := &mockVectors{}
	c := testController(&mockChunks{}, vectors, ai.NewStubClient(&ai.ClientConfig{Dim: 4}))
	if err := c.IndexIntoVectorDB(context.Background(), 1, nil, nil, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors.insertedReset) != 1 || !vectors.insertedReset[0] {
		t.Fatalf("expected CreateCollection called once with reset=true, got %+v", vectors.insertedReset)
	}
	if len(vectors.insertedTexts) != 0 {
		t.Fatalf("expected no InsertMany call for empty texts")
	}
}

func TestIndexIntoVectorDBInsertsEmbeddedBatch(t *testing.T) {
	vectors := &mockVectors{}
	c := testController(&mockChunks{}, vectors, ai.NewStubClient(&ai.ClientConfig{Dim: 4}))
	err := c.IndexIntoVectorDB(context.Background(), 1, []string{"hello", "world"}, []int64{10, 11}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors.insertedTexts) != 1 || len(vectors.insertedTexts[0]) != 2 {
		t.Fatalf("expected one InsertMany call with 2 texts, got %+v", vectors.insertedTexts)
	}
}

func TestPushNoChunksReturnsNoFilesSignal(t *testing.T) {
	chunks := &mockChunks{total: 0}
	c := testController(chunks, &mockVectors{}, ai.NewStubClient(&ai.ClientConfig{Dim: 4}))
	res, err := c.Push(context.Background(), 1, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Signal != models.SignalNoFilesToProcess || res.InsertedCount != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPushPaginatesAndCountsOncePerPage(t *testing.T) {
	page1 := make([]models.DataChunk, chunkPageSize)
	for i := range page1 {
		page1[i] = models.DataChunk{ID: int64(i + 1), ChunkText: "x"}
	}
	page2 := []models.DataChunk{{ID: 51, ChunkText: "y"}, {ID: 52, ChunkText: "z"}}
	chunks := &mockChunks{
		total: int64(len(page1) + len(page2)),
		pages: map[int][]models.DataChunk{1: page1, 2: page2},
	}
	vectors := &mockVectors{}
	c := testController(chunks, vectors, ai.NewStubClient(&ai.ClientConfig{Dim: 4}))

	res, err := c.Push(context.Background(), 1, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Signal != models.SignalIndexingCompleted {
		t.Fatalf("expected indexing completed signal, got %q", res.Signal)
	}
	// len(page1) + len(page2), never double-counted per page.
	if res.InsertedCount != len(page1)+len(page2) {
		t.Fatalf("expected inserted count %d, got %d", len(page1)+len(page2), res.InsertedCount)
	}
	if len(chunks.calls) != 2 {
		t.Fatalf("expected 2 ListChunks calls (full page, then a partial page that ends the loop), got %d", len(chunks.calls))
	}
}

func TestPushOnlyResetsOnFirstPage(t *testing.T) {
	page1 := make([]models.DataChunk, chunkPageSize)
	for i := range page1 {
		page1[i] = models.DataChunk{ID: int64(i + 1), ChunkText: "x"}
	}
	page2 := []models.DataChunk{{ID: 51, ChunkText: "y"}}
	chunks := &mockChunks{
		total: int64(len(page1) + len(page2)),
		pages: map[int][]models.DataChunk{1: page1, 2: page2},
	}
	vectors := &mockVectors{}
	c := testController(chunks, vectors, ai.NewStubClient(&ai.ClientConfig{Dim: 4}))

	if _, err := c.Push(context.Background(), 1, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors.insertedReset) != 2 {
		t.Fatalf("expected 2 CreateCollection calls, got %d", len(vectors.insertedReset))
	}
	if !vectors.insertedReset[0] {
		t.Errorf("expected first page to reset")
	}
	if vectors.insertedReset[1] {
		t.Errorf("expected second page not to reset")
	}
}

func TestPushStopsOnPageFailure(t *testing.T) {
	chunks := &mockChunks{total: 1, listErr: errors.New("db unavailable")}
	c := testController(chunks, &mockVectors{}, ai.NewStubClient(&ai.ClientConfig{Dim: 4}))

	res, err := c.Push(context.Background(), 1, false)
	if err == nil {
		t.Fatalf("expected error to propagate")
	}
	if res.Signal != models.SignalIndexingFailed {
		t.Fatalf("expected indexing failed signal, got %q", res.Signal)
	}
}

func TestSearchEmbedsQueryAndUsesDefaultTopK(t *testing.T) {
	vectors := &mockVectors{searchResults: []models.RetrievedDocument{{Text: "a", Score: 1}}}
	c := testController(&mockChunks{}, vectors, ai.NewStubClient(&ai.ClientConfig{Dim: 4}))

	docs, err := c.Search(context.Background(), 1, "what is foo", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 doc, got %d", len(docs))
	}
	if vectors.lastSearchVector == nil {
		t.Fatalf("expected query embedding to be computed")
	}
	if vectors.lastTopK != defaultTopK {
		t.Fatalf("expected default topK %d, got %d", defaultTopK, vectors.lastTopK)
	}
}

func TestSearchPropagatesVectorStoreError(t *testing.T) {
	vectors := &mockVectors{searchErr: errors.New("boom")}
	c := testController(&mockChunks{}, vectors, ai.NewStubClient(&ai.ClientConfig{Dim: 4}))

	if _, err := c.Search(context.Background(), 1, "q", 5); err == nil {
		t.Fatalf("expected error to propagate")
	}
}

// scriptedRerankClient always returns a fixed GenerateText response so
// Rerank's JSON-index-parsing path can be exercised deterministically.
type scriptedRerankClient struct {
	*ai.StubClient
	response string
}

func (s *scriptedRerankClient) GenerateText(ctx context.Context, prompt string, history []ai.Message, maxTokens int, temperature float64) (string, error) {
	return s.response, nil
}

func TestRerankReordersByLLMResponse(t *testing.T) {
	client := &scriptedRerankClient{StubClient: ai.NewStubClient(&ai.ClientConfig{Dim: 4}), response: "[2, 0, 1]"}
	c := testController(&mockChunks{}, &mockVectors{}, client)

	docs := []models.RetrievedDocument{
		{Text: "first", Score: 0.9},
		{Text: "second", Score: 0.5},
		{Text: "third", Score: 0.1},
	}
	got := c.Rerank(context.Background(), "q", docs, 3)
	if len(got) != 3 || got[0].Text != "third" || got[1].Text != "first" || got[2].Text != "second" {
		t.Fatalf("unexpected rerank order: %+v", got)
	}
}

func TestBuildPromptIncludesDocumentsAndQuery(t *testing.T) {
	c := testController(&mockChunks{}, &mockVectors{}, ai.NewStubClient(&ai.ClientConfig{Dim: 4}))
	prompt := c.BuildPrompt([]string{"doc one", "doc two"}, "my question")
	if prompt == "" {
		t.Fatalf("expected non-empty prompt")
	}
}

func TestAnswerRunsFullPipeline(t *testing.T) {
	vectors := &mockVectors{searchResults: []models.RetrievedDocument{
		{Text: "relevant context", Score: 1},
	}}
	client := ai.NewStubClient(&ai.ClientConfig{Dim: 4})
	c := testController(&mockChunks{}, vectors, client)

	res, err := c.Answer(context.Background(), 1, "what is the answer?", 5, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Signal != models.SignalAnswerGenerationCompleted {
		t.Fatalf("expected completed signal, got %q", res.Signal)
	}
	if len(res.Sources) != 1 {
		t.Fatalf("expected 1 source doc, got %d", len(res.Sources))
	}
	if res.Answer == "" {
		t.Fatalf("expected non-empty answer")
	}
}

func TestAnswerNoDocsReturnsSearchFailedSignal(t *testing.T) {
	vectors := &mockVectors{searchResults: nil}
	c := testController(&mockChunks{}, vectors, ai.NewStubClient(&ai.ClientConfig{Dim: 4}))

	res, err := c.Answer(context.Background(), 1, "q", 5, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Signal != models.SignalSearchFailed {
		t.Fatalf("expected search failed signal, got %q", res.Signal)
	}
}

func TestAnswerSearchErrorPropagates(t *testing.T) {
	vectors := &mockVectors{searchErr: errors.New("down")}
	c := testController(&mockChunks{}, vectors, ai.NewStubClient(&ai.ClientConfig{Dim: 4}))

	res, err := c.Answer(context.Background(), 1, "q", 5, 0)
	if err == nil {
		t.Fatalf("expected error to propagate")
	}
	if res.Signal != models.SignalSearchFailed {
		t.Fatalf("expected search failed signal, got %q", res.Signal)
	}
}

func TestCollectionNamePassesThrough(t *testing.T) {
	vectors := &mockVectors{collName: "ragcore_collection_42"}
	c := testController(&mockChunks{}, vectors, ai.NewStubClient(&ai.ClientConfig{Dim: 4}))
	if got := c.CollectionName(42); got != "ragcore_collection_42" {
		t.Fatalf("expected passthrough name, got %q", got)
	}
}
