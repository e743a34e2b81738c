// Package provider talks to the external e-signature service.
//
// This package contains:
//   - Adapter interface: the operations the signing core needs
//   - HTTPAdapter: REST/JSON implementation with retries and classification
//   - MapStatus: participant-level status mapping
package provider

import (
	"context"
	"time"

	"github.com/vietddude/sheetsign/internal/core/domain"
	"github.com/vietddude/sheetsign/internal/core/retry"
)

// DocumentStatus is the normalized signing progress of a provider document.
type DocumentStatus string

const (
	StatusCreated      DocumentStatus = "CREATED"
	StatusFirstSigned  DocumentStatus = "FIRST_SIGNED"
	StatusSecondSigned DocumentStatus = "SECOND_SIGNED"
)

// StatusResult is the outcome of GetStatus.
type StatusResult struct {
	Status         DocumentStatus
	FirstSignedAt  *time.Time
	SecondSignedAt *time.Time
}

// FileVariant selects which rendition DownloadFile returns.
type FileVariant string

const (
	VariantOriginal FileVariant = "original"
	VariantSigned   FileVariant = "signed"
	VariantAudit    FileVariant = "audit"
)

// Adapter is the provider contract consumed by the signing core. Every call
// is retried on TEMPORARY failures and returns classified errors.
type Adapter interface {
	// CreateDocument uploads a PDF and returns the provider document id
	CreateDocument(ctx context.Context, pdf []byte, title string) (string, error)

	// AddParticipants registers signers in priority order
	AddParticipants(ctx context.Context, documentID string, participants []domain.Participant) error

	// CreateDocumentWithParticipants uploads, adds signers and starts the flow
	CreateDocumentWithParticipants(ctx context.Context, pdf []byte, title string, participants []domain.Participant) (string, error)

	// GetStatus returns the normalized signing progress
	GetStatus(ctx context.Context, documentID string) (*StatusResult, error)

	// DownloadFile returns the requested rendition of the document
	DownloadFile(ctx context.Context, documentID string, variant FileVariant) ([]byte, error)

	// RevokePublicLinks removes public access; an absent document is success
	RevokePublicLinks(ctx context.Context, documentID string) error

	// GenerateSigningLink returns a URL the next signer can open
	GenerateSigningLink(ctx context.Context, documentID string) (string, error)
}

// Config holds provider connection and retry settings.
type Config struct {
	BaseURL        string         `yaml:"base_url"`
	APIKey         string         `yaml:"api_key"`
	Timeout        time.Duration  `yaml:"timeout"`         // HTTP client timeout
	AttemptTimeout time.Duration  `yaml:"attempt_timeout"` // per-attempt race timer, 0 = off
	MaxAttempts    int            `yaml:"max_attempts"`
	Backoff        *retry.Backoff `yaml:"backoff"`
}
