package backendless

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iravin/reportsync/internal/remote"
)

// Files talks to the Backendless File service. It satisfies
// [remote.FileClient].
type Files struct {
	baseURL string
	appID   string
	apiKey  string
	hc      *http.Client
	log     *slog.Logger
}

// NewFiles creates a Files client for the given application.
func NewFiles(baseURL, appID, apiKey string, logger *slog.Logger) (*Files, error) {
	if appID == "" || apiKey == "" {
		return nil, fmt.Errorf("backendless app id and api key are required")
	}
	if baseURL == "" {
		baseURL = "https://api.backendless.com"
	}
	return &Files{
		baseURL: strings.TrimRight(baseURL, "/"),
		appID:   appID,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: 60 * time.Second},
		log:     logger,
	}, nil
}

func (f *Files) fileURL(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return fmt.Sprintf("%s/%s/%s/files/%s", f.baseURL, f.appID, f.apiKey, strings.Join(segments, "/"))
}

// Upload stores data under folder/name via a multipart POST and returns the
// blob metadata. The File service responds with the file's public URL.
func (f *Files) Upload(ctx context.Context, folder, name, contentType string, data []byte) (remote.FileInfo, error) {
	path := strings.Trim(folder, "/") + "/" + name

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return remote.FileInfo{}, fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return remote.FileInfo{}, fmt.Errorf("writing multipart body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return remote.FileInfo{}, fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.fileURL(path)+"?overwrite=true", &buf)
	if err != nil {
		return remote.FileInfo{}, fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := f.hc.Do(req)
	if err != nil {
		return remote.FileInfo{}, fmt.Errorf("uploading %q: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return remote.FileInfo{}, apiError(resp)
	}

	var result struct {
		FileURL string `json:"fileURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return remote.FileInfo{}, fmt.Errorf("decoding upload response: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return remote.FileInfo{
		Path:        path,
		URL:         result.FileURL,
		Size:        int64(len(data)),
		ContentType: contentType,
	}, nil
}

// Delete removes the file at path.
func (f *Files) Delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, f.fileURL(path), nil)
	if err != nil {
		return fmt.Errorf("creating delete request: %w", err)
	}
	resp, err := f.hc.Do(req)
	if err != nil {
		return fmt.Errorf("deleting %q: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	return nil
}

// List returns metadata for the files under folder.
func (f *Files) List(ctx context.Context, folder string) ([]remote.FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.fileURL(folder)+"?pattern=*&sub=false", nil)
	if err != nil {
		return nil, fmt.Errorf("creating list request: %w", err)
	}
	resp, err := f.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", folder, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return nil, apiError(resp)
	}

	var entries []struct {
		Name      string `json:"name"`
		PublicURL string `json:"publicUrl"`
		Size      int64  `json:"size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding list response: %w", err)
	}

	prefix := strings.Trim(folder, "/")
	infos := make([]remote.FileInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, remote.FileInfo{
			Path: prefix + "/" + e.Name,
			URL:  e.PublicURL,
			Size: e.Size,
		})
	}
	return infos, nil
}

// SignedURL returns a download URL for path. Backendless files are addressed
// by stable public URLs, so the TTL is not enforced by the backend; the
// method exists for interface parity with storage backends that sign URLs.
func (f *Files) SignedURL(_ context.Context, path string, _ time.Duration) (string, error) {
	return f.fileURL(path), nil
}
