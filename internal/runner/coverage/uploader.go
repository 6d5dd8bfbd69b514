package coverage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/sethvargo/go-retry"
)

const defaultAttempts = 4

// Uploader ships coverage reports to an external collection endpoint.
type Uploader struct {
	client   *http.Client
	url      string
	token    string
	attempts int
	logger   *slog.Logger
}

// New constructs an uploader. An empty endpoint URL disables uploads.
func New(url, token string, attempts int, timeout time.Duration, logger *slog.Logger) *Uploader {
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Uploader{
		client:   &http.Client{Timeout: timeout},
		url:      strings.TrimSpace(url),
		token:    strings.TrimSpace(token),
		attempts: attempts,
		logger:   logger,
	}
}

// Enabled reports whether an upload endpoint is configured.
func (u *Uploader) Enabled() bool {
	return u != nil && u.url != ""
}

// Upload posts the given report files as one multipart request. Transient
// failures are retried with fibonacci backoff; 4xx responses abort
// immediately since a retry cannot fix the request.
func (u *Uploader) Upload(ctx context.Context, runID string, files []string) error {
	if !u.Enabled() {
		return fmt.Errorf("coverage upload endpoint not configured")
	}
	if len(files) == 0 {
		return fmt.Errorf("no coverage files to upload")
	}
	body, contentType, err := u.buildBody(runID, files)
	if err != nil {
		return err
	}

	backoff := retry.WithMaxRetries(uint64(u.attempts-1), retry.NewFibonacci(time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", contentType)
		if u.token != "" {
			req.Header.Set("Authorization", "Bearer "+u.token)
		}
		resp, err := u.client.Do(req)
		if err != nil {
			u.logger.Warn("coverage upload attempt failed", "run_id", runID, "error", err)
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 {
			err := fmt.Errorf("coverage endpoint returned %s", resp.Status)
			u.logger.Warn("coverage upload attempt failed", "run_id", runID, "status", resp.Status)
			return retry.RetryableError(err)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("coverage endpoint rejected upload: %s", resp.Status)
		}
		u.logger.Info("coverage uploaded", "run_id", runID, "files", len(files))
		return nil
	})
}

func (u *Uploader) buildBody(runID string, files []string) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("run_id", runID); err != nil {
		return nil, "", err
	}
	for _, path := range files {
		if err := appendFile(writer, path); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

func appendFile(writer *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open coverage file: %w", err)
	}
	defer f.Close()
	part, err := writer.CreateFormFile("reports", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy coverage file: %w", err)
	}
	return nil
}
