package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/seanblong/reposearch/internal/ai"
	"github.com/seanblong/reposearch/internal/config"
	"github.com/seanblong/reposearch/internal/evaluation"
	"github.com/seanblong/reposearch/internal/httpapi"
	"github.com/seanblong/reposearch/internal/ingestion"
	"github.com/seanblong/reposearch/internal/nlp"
	"github.com/seanblong/reposearch/internal/storage"
	"github.com/seanblong/reposearch/internal/templates"
	"github.com/seanblong/reposearch/internal/vectorstore"
	"github.com/spf13/pflag"
)

// defaultChunkSize is the value POST /upload/process/{project_id} falls back
// to when the request body omits chunk_size (or sends a non-positive one);
// defaultOverlapSize replaces only a negative overlap_size, so an omitted
// overlap_size means no overlap. The spec's env var list has no dedicated config
// key for them, so they are the same figures spec §8's seed scenarios use.
const (
	defaultChunkSize   = 1000
	defaultOverlapSize = 200
)

// buildAIClient maps the two backend knobs spec §6 exposes
// (GENERATION_BACKEND, EMBEDDING_BACKEND) onto the single ai.Client the
// core speaks to, since one provider client serves both generation and
// embedding calls (spec §4.5's Client interface covers both). When the two
// backends disagree this logs a warning and the generation backend wins —
// an open question the distilled spec doesn't resolve, since it lists them
// as independent env vars without specifying what happens when they name
// different vendors.
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

func main() {
	fs := pflag.NewFlagSet("ragcore-api", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("app", cfg.AppName).Logger()
	logger.Info().Str("version", cfg.AppVersion).Str("generation_backend", cfg.GenerationBackend).Str("embedding_backend", cfg.EmbeddingBackend).Msg("starting ragcore api")

	client, err := buildAIClient(cfg)
	if err != nil {
		log.Fatalf("failed to construct ai client: %v", err)
	}
	client.SetEmbeddingModel(cfg.EmbeddingModelID, cfg.EmbeddingModelSize)
	logger.Info().Int("embedding_dim", client.Dim()).Str("embedding_model", cfg.EmbeddingModelID).Msg("ai client ready")

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

	catalog := templates.Default()

	ingestionCtl := ingestion.New(store, vectors, ingestion.Config{
		AllowedMIMETypes: cfg.FileAllowedTypes,
		MaxSizeMB:        cfg.FileMaxSizeMB,
		StreamChunkKB:    cfg.FileDefaultChunkKB,
		FilesDir:         cfg.FilesDir,
	}, vectors.CollectionName)

	nlpCtl := nlp.New(store, vectors, client, catalog, vectorstore.Language(strings.ToLower(cfg.PrimaryLang)), cfg.GenerationModelID)
	if cfg.GenerationDefaultMaxTokens > 0 {
		nlpCtl.MaxTokens = cfg.GenerationDefaultMaxTokens
	}
	if cfg.GenerationDefaultTemperature > 0 {
		nlpCtl.Temperature = cfg.GenerationDefaultTemperature
	}

	evalProvider := evaluation.NewStubProvider(client, client, nil)
	evalCtl := evaluation.New(nlp.TextAnswerer{Controller: nlpCtl}, evalProvider, nlpCtl.DefaultTopK)

	if cfg.Service.Enabled {
		if strings.TrimSpace(cfg.Service.JwtSecret) == "" {
			log.Fatal("service-auth-jwt-secret is required when service auth is enabled")
		}
		token, err := httpapi.MintServiceToken(cfg.Service.JwtSecret, cfg.AppName, 24*time.Hour)
		if err != nil {
			log.Fatalf("failed to mint bootstrap service token: %v", err)
		}
		logger.Info().Msg("service auth ENABLED - minted a 24h bootstrap token")
		logger.Debug().Str("token", token).Msg("bootstrap service token")
	} else {
		logger.Info().Msg("service auth DISABLED - running in open mode")
	}

	srv := httpapi.NewServer(ingestionCtl, nlpCtl, evalCtl, vectors, httpapi.Config{
		DefaultChunkSize:   defaultChunkSize,
		DefaultOverlapSize: defaultOverlapSize,
		AuthEnabled:        cfg.Service.Enabled,
		AuthSecret:         cfg.Service.JwtSecret,
	}, logger)

	address := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{Addr: address, Handler: srv.Handler()}
	logger.Info().Str("addr", address).Msg("ragcore api listening")
	log.Fatal(httpServer.ListenAndServe())
}
