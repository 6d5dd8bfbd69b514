package coverage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"log/slog"
)

func writeReport(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write report: %v", err)
	}
	return path
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUploadSendsMultipartReport(t *testing.T) {
	var gotRunID string
	var gotFiles []string
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		gotRunID = r.FormValue("run_id")
		for _, header := range r.MultipartForm.File["reports"] {
			gotFiles = append(gotFiles, header.Filename)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dir := t.TempDir()
	report := writeReport(t, dir, "coverage.xml", "<coverage/>")
	uploader := New(server.URL, "cov-token", 2, 5*time.Second, testLogger())

	if err := uploader.Upload(context.Background(), "run-42", []string{report}); err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if gotRunID != "run-42" {
		t.Fatalf("expected run_id field run-42, got %q", gotRunID)
	}
	if len(gotFiles) != 1 || gotFiles[0] != "coverage.xml" {
		t.Fatalf("expected coverage.xml report, got %v", gotFiles)
	}
	if gotAuth != "Bearer cov-token" {
		t.Fatalf("expected bearer token header, got %q", gotAuth)
	}
}

func TestUploadRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dir := t.TempDir()
	report := writeReport(t, dir, "coverage.xml", "<coverage/>")
	uploader := New(server.URL, "", 3, 5*time.Second, testLogger())

	if err := uploader.Upload(context.Background(), "run-1", []string{report}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestUploadAbortsOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	dir := t.TempDir()
	report := writeReport(t, dir, "coverage.xml", "<coverage/>")
	uploader := New(server.URL, "", 4, 5*time.Second, testLogger())

	if err := uploader.Upload(context.Background(), "run-1", []string{report}); err == nil {
		t.Fatal("expected error for rejected upload")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt for 4xx, got %d", got)
	}
}

func TestUploadRequiresConfiguredEndpoint(t *testing.T) {
	uploader := New("", "", 1, time.Second, testLogger())
	if uploader.Enabled() {
		t.Fatal("expected uploader to be disabled without a URL")
	}
	if err := uploader.Upload(context.Background(), "run-1", []string{"x"}); err == nil {
		t.Fatal("expected error when endpoint not configured")
	}
}
