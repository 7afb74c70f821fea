// Package upload sends media blobs to the external upload service and
// falls back to local storage when the service refuses them on policy
// grounds.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/goodtune/worktimer/internal/config"
	"github.com/goodtune/worktimer/internal/metrics"
	"github.com/goodtune/worktimer/internal/storage"
)

var (
	ErrEmpty    = errors.New("upload: empty file")
	ErrTooLarge = errors.New("upload: file exceeds size limit")
	ErrRejected = errors.New("upload: rejected by upload service")
)

// errPolicyBlocked marks a 403/451 answer; the blob goes to the fallback
// directory instead.
var errPolicyBlocked = errors.New("upload blocked by service policy")

// Request is one blob to upload.
type Request struct {
	OwnerID     string
	Role        string
	Filename    string
	Data        []byte
	Permissions []string
}

type serviceResponse struct {
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// Client uploads blobs and records their metadata.
type Client struct {
	endpoint    string
	apiKey      string
	maxAttempts int
	maxSize     int64
	fallbackDir string
	retryDelay  time.Duration
	http        *http.Client
	store       storage.UploadStore
	logger      zerolog.Logger
}

// NewClient creates an upload client. An empty endpoint stores every blob
// in the fallback directory.
func NewClient(cfg config.UploadConfig, store storage.UploadStore, logger zerolog.Logger) *Client {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		maxAttempts: attempts,
		maxSize:     cfg.MaxSize,
		fallbackDir: cfg.FallbackDir,
		retryDelay:  250 * time.Millisecond,
		http:        &http.Client{Timeout: 30 * time.Second},
		store:       store,
		logger:      logger.With().Str("component", "upload").Logger(),
	}
}

// Upload stores req and returns the saved record.
func (c *Client) Upload(ctx context.Context, req Request) (*storage.UploadRecord, error) {
	if len(req.Data) == 0 {
		return nil, ErrEmpty
	}
	if c.maxSize > 0 && int64(len(req.Data)) > c.maxSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(req.Data), c.maxSize)
	}

	mtype := mimetype.Detect(req.Data)
	record := storage.UploadRecord{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		Filename:    sanitize(req.Filename, mtype.Extension()),
		ContentType: mtype.String(),
		Size:        int64(len(req.Data)),
		Permissions: req.Permissions,
		CreatedAt:   time.Now().UTC(),
	}

	var err error
	if c.endpoint == "" {
		err = c.storeFallback(&record, req.Data)
	} else {
		err = c.sendWithRetry(ctx, &record, req)
		if errors.Is(err, errPolicyBlocked) {
			c.logger.Warn().
				Str("owner_id", req.OwnerID).
				Str("filename", record.Filename).
				Msg("Upload blocked by service policy, storing locally")
			err = c.storeFallback(&record, req.Data)
		}
	}
	if err != nil {
		metrics.Uploads.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := c.store.SaveUpload(ctx, record); err != nil {
		metrics.Uploads.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to save upload record: %w", err)
	}

	result := "remote"
	if record.Fallback {
		result = "fallback"
	}
	metrics.Uploads.WithLabelValues(result).Inc()
	c.logger.Info().
		Str("upload_id", record.ID).
		Str("owner_id", record.OwnerID).
		Str("content_type", record.ContentType).
		Int64("size", record.Size).
		Bool("fallback", record.Fallback).
		Msg("Upload stored")

	return &record, nil
}

func (c *Client) sendWithRetry(ctx context.Context, record *storage.UploadRecord, req Request) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryDelay
	b.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := c.send(ctx, record, req)
		if err != nil && attempt < c.maxAttempts {
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("Upload attempt failed")
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempts-1)), ctx)
	return backoff.Retry(operation, policy)
}

// send performs one POST. Errors that retrying cannot fix are wrapped in
// backoff.Permanent.
func (c *Client) send(ctx context.Context, record *storage.UploadRecord, req Request) error {
	body, contentType, err := encode(record, req)
	if err != nil {
		return backoff.Permanent(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build upload request: %w", err))
	}
	httpReq.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnavailableForLegalReasons:
		return backoff.Permanent(errPolicyBlocked)
	case resp.StatusCode >= 500:
		return fmt.Errorf("upload service returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return backoff.Permanent(fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var out serviceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to decode upload response: %w", err))
	}
	if out.URL == "" {
		return backoff.Permanent(fmt.Errorf("%w: response carried no url", ErrRejected))
	}

	record.URL = out.URL
	if out.ContentType != "" {
		record.ContentType = out.ContentType
	}
	if out.Size > 0 {
		record.Size = out.Size
	}
	return nil
}

func encode(record *storage.UploadRecord, req Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"owner_id":    req.OwnerID,
		"role":        req.Role,
		"permissions": strings.Join(req.Permissions, ","),
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", name, err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, record.Filename))
	header.Set("Content-Type", record.ContentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(req.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// storeFallback writes the blob under fallbackDir/<owner>/<id>-<name>.
func (c *Client) storeFallback(record *storage.UploadRecord, data []byte) error {
	if c.fallbackDir == "" {
		return fmt.Errorf("%w: no fallback directory configured", ErrRejected)
	}

	owner := sanitize(record.OwnerID, "")
	dir := filepath.Join(c.fallbackDir, owner)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create fallback directory: %w", err)
	}

	path := filepath.Join(dir, record.ID+"-"+record.Filename)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("failed to write fallback file: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	record.URL = (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
	record.Fallback = true
	return nil
}

// sanitize reduces name to a safe base file name.
func sanitize(name, ext string) string {
	name = filepath.Base(strings.TrimSpace(strings.ReplaceAll(name, "\\", "/")))
	if name == "." || name == "/" || name == "" {
		return "upload" + ext
	}
	return name
}
