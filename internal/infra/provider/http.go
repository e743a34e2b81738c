package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/vietddude/sheetsign/internal/core/domain"
	"github.com/vietddude/sheetsign/internal/core/failure"
	"github.com/vietddude/sheetsign/internal/core/retry"
	"github.com/vietddude/sheetsign/internal/metrics"
)

const (
	maxResponseBytes = 32 << 20
	maxErrorBody     = 512
)

// HTTPAdapter implements Adapter against the provider's REST API.
type HTTPAdapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	maxAttempts    int
	attemptTimeout time.Duration
	backoff        *retry.Backoff

	logger *slog.Logger
}

// NewHTTPAdapter creates a new HTTP provider adapter.
func NewHTTPAdapter(cfg Config) *HTTPAdapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	backoff := cfg.Backoff
	if backoff == nil {
		b := retry.DefaultBackoff
		backoff = &b
	}

	return &HTTPAdapter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxAttempts:    maxAttempts,
		attemptTimeout: cfg.AttemptTimeout,
		backoff:        backoff,
		logger:         slog.Default().With("component", "provider"),
	}
}

// call runs one logical operation through the retry executor and returns a
// classified error on failure.
func call[T any](ctx context.Context, a *HTTPAdapter, operation string, fn retry.Operation[T]) (T, error) {
	start := time.Now()
	v, err := retry.Run(ctx, fn, retry.Options{
		MaxAttempts: a.maxAttempts,
		Timeout:     a.attemptTimeout,
		Backoff:     a.backoff,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			metrics.RetryAttemptsTotal.WithLabelValues(operation).Inc()
			a.logger.Warn("Provider call failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
		},
	})
	metrics.ProviderCallDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if err != nil {
		ce := failure.Classify(err)
		metrics.ProviderCallsTotal.WithLabelValues(operation, strings.ToLower(string(ce.Severity))).Inc()
		if ce.Severity == failure.SeverityCritical {
			a.logger.Error("Provider call failed critically", "operation", operation, "code", ce.Code, "error", ce.Cause)
		}
		return v, ce
	}
	metrics.ProviderCallsTotal.WithLabelValues(operation, "ok").Inc()
	return v, nil
}

// send performs a single HTTP exchange and returns the raw response body.
func (a *HTTPAdapter) send(ctx context.Context, operation, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", operation, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", operation, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(data)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &failure.StatusError{Operation: operation, StatusCode: resp.StatusCode, Body: msg}
	}
	return data, nil
}

// do sends a JSON request and decodes the JSON response into out.
func (a *HTTPAdapter) do(ctx context.Context, operation, method, path string, body, out any) error {
	data, err := a.send(ctx, operation, method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: %w: %v", operation, failure.ErrMalformedResponse, err)
	}
	return nil
}

func documentPath(documentID string, suffix ...string) string {
	p := "/documents/" + url.PathEscape(documentID)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

// CreateDocument uploads a PDF and returns the provider document id.
func (a *HTTPAdapter) CreateDocument(ctx context.Context, pdf []byte, title string) (string, error) {
	return call(ctx, a, "create_document", func(ctx context.Context) (string, error) {
		var out struct {
			ID string `json:"id"`
		}
		req := map[string]any{"title": title, "file": pdf}
		if err := a.do(ctx, "create_document", http.MethodPost, "/documents", req, &out); err != nil {
			return "", err
		}
		if out.ID == "" {
			return "", fmt.Errorf("create_document: %w: empty document id", failure.ErrMalformedResponse)
		}
		return out.ID, nil
	})
}

// AddParticipants registers signers ordered by priority.
func (a *HTTPAdapter) AddParticipants(ctx context.Context, documentID string, participants []domain.Participant) error {
	ordered := append([]domain.Participant(nil), participants...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	_, err := call(ctx, a, "add_participants", func(ctx context.Context) (struct{}, error) {
		req := map[string]any{"participants": ordered}
		return struct{}{}, a.do(ctx, "add_participants", http.MethodPost, documentPath(documentID, "participants"), req, nil)
	})
	return err
}

// CreateDocumentWithParticipants uploads the document, registers signers and
// starts the signing flow. When a later step fails the created document id is
// still returned with the error so the caller can clean it up.
func (a *HTTPAdapter) CreateDocumentWithParticipants(
	ctx context.Context,
	pdf []byte,
	title string,
	participants []domain.Participant,
) (string, error) {
	documentID, err := a.CreateDocument(ctx, pdf, title)
	if err != nil {
		return "", err
	}
	if len(participants) == 0 {
		return documentID, nil
	}
	if err := a.AddParticipants(ctx, documentID, participants); err != nil {
		return documentID, err
	}
	_, err = call(ctx, a, "start_flow", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.do(ctx, "start_flow", http.MethodPost, documentPath(documentID, "start"), map[string]any{}, nil)
	})
	return documentID, err
}

// GetStatus fetches the document and maps it to a normalized status.
func (a *HTTPAdapter) GetStatus(ctx context.Context, documentID string) (*StatusResult, error) {
	return call(ctx, a, "get_status", func(ctx context.Context) (*StatusResult, error) {
		var doc documentState
		if err := a.do(ctx, "get_status", http.MethodGet, documentPath(documentID), nil, &doc); err != nil {
			return nil, err
		}
		return MapStatus(doc), nil
	})
}

// DownloadFile returns the requested rendition of the document.
func (a *HTTPAdapter) DownloadFile(ctx context.Context, documentID string, variant FileVariant) ([]byte, error) {
	if variant == "" {
		variant = VariantSigned
	}
	return call(ctx, a, "download_file", func(ctx context.Context) ([]byte, error) {
		return a.send(ctx, "download_file", http.MethodGet, documentPath(documentID, "files", url.PathEscape(string(variant))), nil)
	})
}

// RevokePublicLinks removes public access to the document. A document the
// provider no longer knows about is treated as already revoked.
func (a *HTTPAdapter) RevokePublicLinks(ctx context.Context, documentID string) error {
	_, err := call(ctx, a, "revoke_public_links", func(ctx context.Context) (struct{}, error) {
		err := a.do(ctx, "revoke_public_links", http.MethodDelete, documentPath(documentID, "public-links"), nil, nil)
		var se *failure.StatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusGone) {
			a.logger.Debug("Public links already gone", "documentID", documentID)
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	return err
}

// GenerateSigningLink returns a URL the next pending signer can open.
func (a *HTTPAdapter) GenerateSigningLink(ctx context.Context, documentID string) (string, error) {
	return call(ctx, a, "generate_signing_link", func(ctx context.Context) (string, error) {
		var out struct {
			URL string `json:"url"`
		}
		if err := a.do(ctx, "generate_signing_link", http.MethodPost, documentPath(documentID, "signing-link"), map[string]any{}, &out); err != nil {
			return "", err
		}
		if out.URL == "" {
			return "", fmt.Errorf("generate_signing_link: %w: empty url", failure.ErrMalformedResponse)
		}
		return out.URL, nil
	})
}
