package main

import (
	"context"
	"fmt"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/seanblong/reposearch/internal/ai"
	"github.com/seanblong/reposearch/internal/config"
	"github.com/seanblong/reposearch/internal/ingestion"
	"github.com/seanblong/reposearch/internal/nlp"
	"github.com/seanblong/reposearch/internal/storage"
	"github.com/seanblong/reposearch/internal/templates"
	"github.com/seanblong/reposearch/internal/vectorstore"
	"github.com/seanblong/reposearch/pkg/models"
	"github.com/spf13/pflag"
)

const (
	defaultChunkSize   = 1000
	defaultOverlapSize = 200
)

// buildAIClient mirrors cmd/api's provider selection so the batch indexer
// embeds with the same backend the API serves queries with.
func buildAIClient(cfg config.Specification) (ai.Client, error) {
	if cfg.GenerationBackend != "" && cfg.EmbeddingBackend != "" && !strings.EqualFold(cfg.GenerationBackend, cfg.EmbeddingBackend) {
		log.Printf("warning: generation backend %q and embedding backend %q differ; one ai.Client serves both, using the generation backend", cfg.GenerationBackend, cfg.EmbeddingBackend)
	}
	clientConfig := &ai.ClientConfig{
		GenerationModel:    cfg.GenerationModelID,
		EmbeddingModel:     cfg.EmbeddingModelID,
		Dim:                cfg.EmbeddingModelSize,
		APIKey:             cfg.GeminiAPIKey,
		SystemInstructions: cfg.SystemInstructions,
	}
	switch strings.ToLower(cfg.GenerationBackend) {
	case "openai":
		clientConfig.Provider = ai.ProviderOpenAI
	case "vertexai", "gemini", "google":
		clientConfig.Provider = ai.ProviderVertexAI
	case "stub", "":
		clientConfig.Provider = ai.ProviderStub
	default:
		return nil, fmt.Errorf("unsupported generation backend: %s", cfg.GenerationBackend)
	}
	return ai.NewClient(clientConfig)
}

// ingestLocalFile runs one file through the same validate/allocate/stream
// steps POST /upload/{project_id} runs for an uploaded multipart part,
// since this CLI has no HTTP request to read the bytes from.
func ingestLocalFile(ctx context.Context, ing *ingestion.Controller, projectID int64, path string, info os.FileInfo) error {
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}

	ok, signal := ing.ValidateFile(contentType, info.Size())
	if !ok {
		log.Printf("skip %s: %s", path, signal)
		return nil
	}

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	fullPath, assetName, err := ing.AllocatePath(projectID, filepath.Base(path))
	if err != nil {
		return err
	}
	size, err := ing.StreamToDisk(fullPath, src)
	if err != nil {
		return err
	}

	_, err = ing.Store.CreateAsset(ctx, models.Asset{
		ProjectID: projectID,
		AssetType: models.AssetTypeFile,
		AssetName: assetName,
		AssetSize: size,
	})
	if err != nil {
		return err
	}
	log.Printf("ingested %s (%d bytes)", path, size)
	return nil
}

func main() {
	fs := pflag.NewFlagSet("ragcore-indexer", pflag.ExitOnError)
	projectID := fs.Int64("project-id", 0, "Project ID to ingest files into")
	sourceDir := fs.String("source-dir", "", "Local directory of files to ingest")
	reset := fs.Bool("reset", false, "Drop existing chunks and vector collection before indexing")

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	if *projectID == 0 {
		log.Fatal("--project-id is required")
	}
	if strings.TrimSpace(*sourceDir) == "" {
		log.Fatal("--source-dir is required")
	}

	client, err := buildAIClient(cfg)
	if err != nil {
		log.Fatalf("failed to construct ai client: %v", err)
	}
	client.SetEmbeddingModel(cfg.EmbeddingModelID, cfg.EmbeddingModelSize)

	ctx := context.Background()
	store, err := storage.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate storage schema: %v", err)
	}

	vectors := vectorstore.New(store.Pool(), vectorstore.Config{
		Prefix:         cfg.VectorDBPrefix,
		DistanceMethod: vectorstore.DistanceMethod(strings.ToLower(cfg.VectorDBDistanceMethod)),
		IndexThreshold: cfg.VectorDBPgvecIndexThreshold,
	})
	if err := vectors.Connect(ctx); err != nil {
		log.Fatalf("failed to enable vector extension: %v", err)
	}

	ingestionCtl := ingestion.New(store, vectors, ingestion.Config{
		AllowedMIMETypes: cfg.FileAllowedTypes,
		MaxSizeMB:        cfg.FileMaxSizeMB,
		StreamChunkKB:    cfg.FileDefaultChunkKB,
		FilesDir:         cfg.FilesDir,
	}, vectors.CollectionName)

	if _, err := store.GetOrCreateProject(ctx, *projectID); err != nil {
		log.Fatalf("get_or_create_project failed: %v", err)
	}

	walkErr := godirwalk.Walk(*sourceDir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			return ingestLocalFile(ctx, ingestionCtl, *projectID, path, info)
		},
		Unsorted: true,
	})
	if walkErr != nil {
		log.Fatalf("failed to walk source directory: %v", walkErr)
	}

	processResult, err := ingestionCtl.Process(ctx, nil, ingestion.ProcessRequest{
		ProjectID:   *projectID,
		ChunkSize:   defaultChunkSize,
		OverlapSize: defaultOverlapSize,
		DoReset:     *reset,
	})
	if err != nil {
		log.Fatalf("ingestion.Process failed: %v", err)
	}
	log.Printf("processed %d files into %d chunks (%s)", processResult.FilesProcessed, processResult.RecordsCreated, processResult.Signal)

	catalog := templates.Default()
	nlpCtl := nlp.New(store, vectors, client, catalog, vectorstore.Language(strings.ToLower(cfg.PrimaryLang)), cfg.GenerationModelID)

	pushResult, err := nlpCtl.Push(ctx, *projectID, *reset)
	if err != nil {
		log.Fatalf("nlp.Push failed: %v", err)
	}
	log.Printf("indexed %d chunks into the vector store (%s)", pushResult.InsertedCount, pushResult.Signal)
}
