// Package models holds the plain data types shared by every core package:
// the relational Project/Asset/DataChunk aggregate, the transient
// RetrievedDocument search result, and the closed Signal enum the HTTP
// contract layer maps onto status codes.
package models

import "time"

// AssetType enumerates the kinds of file an Asset can represent. FILE is the
// only member the ingestion controller currently produces.
type AssetType string

const (
	AssetTypeFile AssetType = "file"
)

// Project is a logical namespace, auto-materialized on first reference.
type Project struct {
	ID int64 `json:"id"`
}

// Asset is the metadata row for one uploaded file. AssetName is the
// sanitized, suffixed stored filename and is unique within a project.
type Asset struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	AssetType AssetType `json:"asset_type"`
	AssetName string    `json:"asset_name"`
	AssetSize int64     `json:"asset_size"`
	CreatedAt time.Time `json:"created_at"`
}

// DataChunk is one ordered fragment of an asset's text.
type DataChunk struct {
	ID         int64     `json:"id"`
	ProjectID  int64     `json:"project_id"`
	AssetID    int64     `json:"asset_id"`
	ChunkText  string    `json:"chunk_text"`
	ChunkOrder int       `json:"chunk_order"`
	CreatedAt  time.Time `json:"created_at"`
}

// VectorRecord is one row in a per-project collection: a chunk's text plus
// its dense embedding, the language its full-text tokenization used, and
// free-form metadata. All records in a collection share the same vector
// dimension D, fixed at collection creation.
type VectorRecord struct {
	ID       int64          `json:"id"`
	Text     string         `json:"text"`
	Vector   []float32      `json:"vector"`
	ChunkID  int64          `json:"chunk_id"`
	Language string         `json:"language"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RetrievedDocument is a transient hybrid-search result: text plus a
// higher-is-better fused score.
type RetrievedDocument struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Signal is the closed enum of outcome codes the core reports; the HTTP
// layer is the only place these are translated into status codes.
type Signal string

const (
	SignalFileValidateSuccess       Signal = "file_validate_successfully"
	SignalFileTypeNotSupported      Signal = "file_type_not_supported"
	SignalFileSizeExceeded          Signal = "file_size_exceeded"
	SignalFileUploadSuccess         Signal = "file_upload_success"
	SignalFileUploadFailed          Signal = "file_upload_failed"
	SignalFileProcessingStarted     Signal = "file_processing_started"
	SignalFileProcessingCompleted   Signal = "file_processing_completed"
	SignalFileNotFound              Signal = "file_not_found"
	SignalNoFilesToProcess          Signal = "no_files_to_process"
	SignalProjectNotFound           Signal = "project_not_found"
	SignalIndexingFailed            Signal = "indexing_failed"
	SignalIndexingCompleted         Signal = "indexing_completed"
	SignalFetchCollectionInfoFailed Signal = "fetching_collection_info_failed"
	SignalFetchCollectionInfoDone   Signal = "fetching_collection_info_completed"
	SignalSearchFailed              Signal = "search_failed"
	SignalSearchCompleted           Signal = "search_completed"
	SignalAnswerGenerationFailed    Signal = "answer_generation_failed"
	SignalAnswerGenerationCompleted Signal = "answer_generation_completed"
)
