package entity

import (
	"time"

	"github.com/ledgerworks/export-service/constants"
)

// ExportJob represents one row of the export ledger, passed between layers.
type ExportJob struct {
	ReferenceID string                   `json:"reference_id"`
	TableName   string                   `json:"table_name"`
	DateFrom    time.Time                `json:"date_from"`
	DateTo      time.Time                `json:"date_to"`
	DedupKey    string                   `json:"dedup_key"`
	Format      constants.ArtifactFormat `json:"format"`
	Status      constants.JobStatus      `json:"status"`

	// Artifact fields, populated only on COMPLETED. FileReference is the
	// durable object-store key, never a presigned URL.
	FileReference string `json:"file_reference,omitempty"`
	FileSize      int64  `json:"file_size,omitempty"`
	RowCount      int64  `json:"row_count,omitempty"`

	// ReusedFromRef backlinks a refresh job to the COMPLETED job it
	// superseded for the same dedup key.
	ReusedFromRef *string `json:"reused_from_ref,omitempty"`

	RetryCount   int     `json:"retry_count"`
	ErrorMessage *string `json:"error_message,omitempty"`

	RequestedBy string     `json:"requested_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
