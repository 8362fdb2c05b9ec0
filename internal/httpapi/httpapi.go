package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/reposearch/internal/evaluation"
	"github.com/seanblong/reposearch/internal/ingestion"
	"github.com/seanblong/reposearch/internal/nlp"
	"github.com/seanblong/reposearch/internal/vectorstore"
	"github.com/seanblong/reposearch/pkg/models"
)

const requestTimeout = 30 * time.Second

// CollectionInfoProvider is the narrow vectorstore seam GET
// /nlp/collection_info needs.
type CollectionInfoProvider interface {
	CollectionInfo(ctx context.Context, name string) (vectorstore.CollectionInfo, bool, error)
}

// Config parameterizes per-request defaults the HTTP layer fills in:
// DefaultChunkSize replaces a missing or non-positive chunk_size, and
// DefaultOverlapSize replaces only a negative overlap_size (a missing
// overlap_size decodes as 0, which means no overlap).
type Config struct {
	DefaultChunkSize   int
	DefaultOverlapSize int
	AuthEnabled        bool
	AuthSecret         string
}

// Server wires the internal/* controllers into the spec §6 HTTP contract
// layer. Every handler validates the wire shape, calls into the
// controllers (upload runs the validate/allocate/stream/create-asset steps
// in turn), and marshals the typed result/signal it gets back; the only
// decisions it adds are request defaults, the top_k=0 short-circuit, and
// the signal-to-status mapping.
type Server struct {
	Ingestion  *ingestion.Controller
	NLP        *nlp.Controller
	Evaluation *evaluation.Controller
	Vectors    CollectionInfoProvider
	Config     Config
	Logger     zerolog.Logger
}

// NewServer constructs a Server.
func NewServer(ing *ingestion.Controller, nlpCtl *nlp.Controller, evalCtl *evaluation.Controller, vectors CollectionInfoProvider, cfg Config, logger zerolog.Logger) *Server {
	return &Server{Ingestion: ing, NLP: nlpCtl, Evaluation: evalCtl, Vectors: vectors, Config: cfg, Logger: logger}
}

// Handler builds the full request pipeline: access logging (teacher's
// zerolog/hlog shape) wrapping the bearer-token middleware wrapping the
// routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("POST /upload/{project_id}", s.handleUpload)
	mux.HandleFunc("POST /upload/process/{project_id}", s.handleProcess)
	mux.HandleFunc("POST /nlp/push/{project_id}", s.handlePush)
	mux.HandleFunc("GET /nlp/collection_info/{project_id}", s.handleCollectionInfo)
	mux.HandleFunc("POST /nlp/search/{project_id}", s.handleSearch)
	mux.HandleFunc("POST /nlp/answer/{project_id}", s.handleAnswer)
	mux.HandleFunc("POST /evaluation/{project_id}", s.handleEvaluation)

	guarded := RequireServiceToken(s.Config.AuthSecret, s.Config.AuthEnabled)(mux)

	return hlog.NewHandler(s.Logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).Str("path", r.URL.Path).
				Int("status", status).Int("size", size).Dur("dur", dur).
				Msg("http")
		})(guarded),
	)
}

func projectIDFromPath(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("project_id"), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func signalStatus(sig models.Signal) int {
	switch sig {
	case models.SignalFileValidateSuccess, models.SignalFileUploadSuccess,
		models.SignalFileProcessingCompleted, models.SignalIndexingCompleted,
		models.SignalFetchCollectionInfoDone, models.SignalSearchCompleted,
		models.SignalAnswerGenerationCompleted:
		return http.StatusOK
	case models.SignalFileTypeNotSupported, models.SignalFileSizeExceeded,
		models.SignalFileNotFound, models.SignalNoFilesToProcess:
		return http.StatusBadRequest
	case models.SignalProjectNotFound, models.SignalFetchCollectionInfoFailed:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// --- POST /upload/{project_id} ---

type uploadResponse struct {
	Signal models.Signal `json:"signal"`
	FileID int64         `json:"file_id,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectIDFromPath(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, uploadResponse{Signal: models.SignalFileUploadFailed})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, uploadResponse{Signal: models.SignalFileUploadFailed})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, uploadResponse{Signal: models.SignalFileUploadFailed})
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	ok, signal := s.Ingestion.ValidateFile(contentType, header.Size)
	if !ok {
		writeJSON(w, signalStatus(signal), uploadResponse{Signal: signal})
		return
	}

	if _, err := s.Ingestion.Store.GetOrCreateProject(ctx, projectID); err != nil {
		s.Logger.Error().Err(err).Msg("get_or_create_project failed")
		writeJSON(w, http.StatusInternalServerError, uploadResponse{Signal: models.SignalFileUploadFailed})
		return
	}

	fullPath, assetName, err := s.Ingestion.AllocatePath(projectID, header.Filename)
	if err != nil {
		s.Logger.Error().Err(err).Msg("allocate_path failed")
		writeJSON(w, http.StatusInternalServerError, uploadResponse{Signal: models.SignalFileUploadFailed})
		return
	}

	size, err := s.Ingestion.StreamToDisk(fullPath, file)
	if err != nil {
		s.Logger.Error().Err(err).Msg("stream_to_disk failed")
		writeJSON(w, http.StatusInternalServerError, uploadResponse{Signal: models.SignalFileUploadFailed})
		return
	}

	asset, err := s.Ingestion.Store.CreateAsset(ctx, models.Asset{
		ProjectID: projectID,
		AssetType: models.AssetTypeFile,
		AssetName: assetName,
		AssetSize: size,
	})
	if err != nil {
		s.Logger.Error().Err(err).Msg("create_asset failed")
		writeJSON(w, http.StatusInternalServerError, uploadResponse{Signal: models.SignalFileUploadFailed})
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{Signal: models.SignalFileUploadSuccess, FileID: asset.ID})
}

// --- POST /upload/process/{project_id} ---

type processRequestDTO struct {
	FileID      int64 `json:"file_id,omitempty"`
	ChunkSize   int   `json:"chunk_size"`
	OverlapSize int   `json:"overlap_size"`
	DoReset     bool  `json:"do_reset"`
}

type processResponseDTO struct {
	Signal         models.Signal `json:"signal"`
	FilesProcessed int           `json:"files_processed"`
	RecordsCreated int           `json:"records_created"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectIDFromPath(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, processResponseDTO{Signal: models.SignalProjectNotFound})
		return
	}

	var req processRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, processResponseDTO{Signal: models.SignalFileUploadFailed})
		return
	}
	if req.ChunkSize <= 0 {
		req.ChunkSize = s.Config.DefaultChunkSize
	}
	if req.OverlapSize < 0 {
		req.OverlapSize = s.Config.DefaultOverlapSize
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	result, err := s.Ingestion.Process(ctx, nil, ingestion.ProcessRequest{
		ProjectID:   projectID,
		FileID:      req.FileID,
		ChunkSize:   req.ChunkSize,
		OverlapSize: req.OverlapSize,
		DoReset:     req.DoReset,
	})
	if err != nil {
		s.Logger.Error().Err(err).Msg("ingestion.Process failed")
		writeJSON(w, http.StatusInternalServerError, processResponseDTO{Signal: models.SignalFileUploadFailed, FilesProcessed: result.FilesProcessed, RecordsCreated: result.RecordsCreated})
		return
	}

	writeJSON(w, signalStatus(result.Signal), processResponseDTO{
		Signal:         result.Signal,
		FilesProcessed: result.FilesProcessed,
		RecordsCreated: result.RecordsCreated,
	})
}

// --- POST /nlp/push/{project_id} ---

type pushRequestDTO struct {
	DoReset bool `json:"do_reset"`
}

type pushResponseDTO struct {
	Signal        models.Signal `json:"signal"`
	IndexedChunks int           `json:"indexed_chunks"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectIDFromPath(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, pushResponseDTO{Signal: models.SignalIndexingFailed})
		return
	}

	var req pushRequestDTO
	_ = json.NewDecoder(r.Body).Decode(&req)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	result, err := s.NLP.Push(ctx, projectID, req.DoReset)
	if err != nil {
		s.Logger.Error().Err(err).Msg("nlp.Push failed")
		writeJSON(w, http.StatusInternalServerError, pushResponseDTO{Signal: models.SignalIndexingFailed, IndexedChunks: result.InsertedCount})
		return
	}

	writeJSON(w, signalStatus(result.Signal), pushResponseDTO{Signal: result.Signal, IndexedChunks: result.InsertedCount})
}

// --- GET /nlp/collection_info/{project_id} ---

type collectionInfoDTO struct {
	Owner       string `json:"owner"`
	Storage     string `json:"storage"`
	HasIndexes  bool   `json:"has_indexes"`
	RecordCount int64  `json:"record_count"`
}

type collectionInfoResponseDTO struct {
	Signal         models.Signal      `json:"signal"`
	CollectionInfo *collectionInfoDTO `json:"collection_info,omitempty"`
}

func (s *Server) handleCollectionInfo(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectIDFromPath(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, collectionInfoResponseDTO{Signal: models.SignalFetchCollectionInfoFailed})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	name := s.NLP.CollectionName(projectID)
	info, ok, err := s.Vectors.CollectionInfo(ctx, name)
	if err != nil {
		s.Logger.Error().Err(err).Msg("vectorstore.CollectionInfo failed")
		writeJSON(w, http.StatusInternalServerError, collectionInfoResponseDTO{Signal: models.SignalFetchCollectionInfoFailed})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, collectionInfoResponseDTO{Signal: models.SignalFetchCollectionInfoFailed})
		return
	}

	writeJSON(w, http.StatusOK, collectionInfoResponseDTO{
		Signal: models.SignalFetchCollectionInfoDone,
		CollectionInfo: &collectionInfoDTO{
			Owner:       info.Owner,
			Storage:     info.Storage,
			HasIndexes:  info.HasIndexes,
			RecordCount: info.RecordCount,
		},
	})
}

// --- POST /nlp/search/{project_id} and /nlp/answer/{project_id} ---

type queryRequestDTO struct {
	Text string `json:"text"`
	TopK *int   `json:"top_k"`
}

// resolveTopK implements spec §8's boundary behavior: an explicit top_k=0
// short-circuits to an empty result with no provider calls, while an
// omitted top_k lets the controller apply its own default.
func resolveTopK(req queryRequestDTO) (topK int, empty bool) {
	if req.TopK == nil {
		return 0, false
	}
	if *req.TopK <= 0 {
		return 0, true
	}
	return *req.TopK, false
}

type searchResultDTO struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

type searchResponseDTO struct {
	Signal  models.Signal     `json:"signal"`
	Results []searchResultDTO `json:"results"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectIDFromPath(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, searchResponseDTO{Signal: models.SignalSearchFailed})
		return
	}

	var req queryRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, searchResponseDTO{Signal: models.SignalSearchFailed})
		return
	}

	topK, empty := resolveTopK(req)
	if empty {
		writeJSON(w, http.StatusOK, searchResponseDTO{Signal: models.SignalSearchCompleted, Results: []searchResultDTO{}})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	docs, err := s.NLP.Search(ctx, projectID, req.Text, topK)
	if err != nil {
		if errors.Is(err, vectorstore.ErrCollectionNotFound) {
			writeJSON(w, http.StatusNotFound, searchResponseDTO{Signal: models.SignalSearchFailed})
			return
		}
		s.Logger.Error().Err(err).Msg("nlp.Search failed")
		writeJSON(w, http.StatusInternalServerError, searchResponseDTO{Signal: models.SignalSearchFailed})
		return
	}

	results := make([]searchResultDTO, len(docs))
	for i, d := range docs {
		results[i] = searchResultDTO{Text: d.Text, Score: d.Score}
	}
	writeJSON(w, http.StatusOK, searchResponseDTO{Signal: models.SignalSearchCompleted, Results: results})
}

type answerResponseDTO struct {
	Signal      models.Signal `json:"signal"`
	Answer      string        `json:"answer"`
	FullPrompt  string        `json:"full_prompt"`
	ChatHistory []string      `json:"chat_history"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectIDFromPath(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, answerResponseDTO{Signal: models.SignalAnswerGenerationFailed})
		return
	}

	var req queryRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, answerResponseDTO{Signal: models.SignalAnswerGenerationFailed})
		return
	}

	topK, empty := resolveTopK(req)
	if empty {
		writeJSON(w, http.StatusOK, answerResponseDTO{Signal: models.SignalAnswerGenerationCompleted, ChatHistory: []string{}})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	result, err := s.NLP.Answer(ctx, projectID, req.Text, topK, 0)
	if err != nil {
		s.Logger.Error().Err(err).Msg("nlp.Answer failed")
		writeJSON(w, signalStatus(result.Signal), answerResponseDTO{Signal: result.Signal, ChatHistory: []string{}})
		return
	}

	texts := make([]string, len(result.Sources))
	for i, d := range result.Sources {
		texts[i] = d.Text
	}
	prompt := s.NLP.BuildPrompt(texts, req.Text)

	writeJSON(w, signalStatus(result.Signal), answerResponseDTO{
		Signal:      result.Signal,
		Answer:      result.Answer,
		FullPrompt:  prompt,
		ChatHistory: []string{},
	})
}

// --- POST /evaluation/{project_id} ---

type testQueryDTO struct {
	Question    string `json:"question"`
	GroundTruth string `json:"ground_truth,omitempty"`
}

type evaluationRequestDTO struct {
	TestQueries []testQueryDTO `json:"test_queries"`
}

type evaluationResponseDTO struct {
	Signal  models.Signal         `json:"signal"`
	Metrics []map[string]float64 `json:"metrics"`
}

func (s *Server) handleEvaluation(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectIDFromPath(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, evaluationResponseDTO{Signal: models.SignalAnswerGenerationFailed})
		return
	}

	var req evaluationRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, evaluationResponseDTO{Signal: models.SignalAnswerGenerationFailed})
		return
	}

	queries := make([]evaluation.Query, len(req.TestQueries))
	for i, q := range req.TestQueries {
		queries[i] = evaluation.Query{Question: q.Question, GroundTruth: q.GroundTruth}
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	metrics, err := s.Evaluation.Evaluate(ctx, projectID, queries)
	if err != nil {
		s.Logger.Error().Err(err).Msg("evaluation.Evaluate failed")
		writeJSON(w, http.StatusInternalServerError, evaluationResponseDTO{Signal: models.SignalAnswerGenerationFailed})
		return
	}

	writeJSON(w, http.StatusOK, evaluationResponseDTO{Signal: models.SignalAnswerGenerationCompleted, Metrics: metrics})
}
